// Package listener is the transport in front of the dispatch core. It
// accepts HTTP/1.1 and h2c traffic and splits it into ordinary requests and
// upgrade events. For an upgrade it hijacks the connection, so the core and
// the engines get the raw socket plus any bytes already read off the wire.
package listener

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpguts"

	"lds.li/proxyfront/tunnel"
)

// Dispatcher receives classified traffic. *dispatch.Core implements it.
type Dispatcher interface {
	http.Handler
	ServeUpgrade(u *tunnel.Upgrade)
}

// NewHandler returns a handler that feeds ordinary requests to
// d.ServeHTTP and hijacked upgrades to d.ServeUpgrade.
func NewHandler(d Dispatcher, log logrus.FieldLogger) http.Handler {
	return &handler{d: d, log: tunnel.Logger(log)}
}

type handler struct {
	d   Dispatcher
	log logrus.FieldLogger
}

func (h *handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !IsUpgrade(req) {
		h.d.ServeHTTP(w, req)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		h.log.WithError(tunnel.ErrHijackUnsupported).Error("cannot take over upgrade connection")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	conn, rw, err := hijacker.Hijack()
	if err != nil {
		h.log.WithError(err).Error("hijack failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	u := tunnel.NewUpgrade(req, conn, rw)
	h.log.WithFields(logrus.Fields{
		"conn_id": uuid.NewString(),
		"path":    req.URL.Path,
		"remote":  conn.RemoteAddr().String(),
		"head":    len(u.Head),
	}).Debug("upgrade hijacked")

	// The request context ends with this handler; the connection does not.
	h.d.ServeUpgrade(u)
}

// IsUpgrade reports whether req asks to switch protocols on an HTTP/1.x
// connection.
func IsUpgrade(req *http.Request) bool {
	return req.ProtoMajor == 1 &&
		req.Header.Get("Upgrade") != "" &&
		httpguts.HeaderValuesContainsToken(req.Header["Connection"], "upgrade")
}
