package listener

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefaultShutdownTimeout bounds graceful shutdown in Serve.
const DefaultShutdownTimeout = 5 * time.Second

// ServerConfig configures NewServer.
type ServerConfig struct {
	// ReadHeaderTimeout bounds how long a connection may sit unclassified.
	// Defaults to 10 seconds.
	ReadHeaderTimeout time.Duration

	// Log receives server errors. If nil, the logrus standard logger is used.
	Log logrus.FieldLogger
}

// NewServer returns an http.Server for h that also speaks h2c, the way a
// TLS-terminating front such as Tailscale Funnel forwards HTTP/2.
func NewServer(h http.Handler, cfg *ServerConfig) *http.Server {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	timeout := cfg.ReadHeaderTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	srv := &http.Server{
		Handler:           h2c.NewHandler(h, &http2.Server{}),
		ReadHeaderTimeout: timeout,
	}
	if w := errorWriter(cfg.Log); w != nil {
		srv.ErrorLog = log.New(w, "", 0)
		srv.RegisterOnShutdown(func() { _ = w.Close() })
	}
	return srv
}

// Serve runs srv on ln until ctx is cancelled, then shuts it down
// gracefully. Hijacked connections belong to the engines and are not waited
// for; register their cleanup with srv.RegisterOnShutdown.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener, timeout time.Duration) error {
	if timeout == 0 {
		timeout = DefaultShutdownTimeout
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func errorWriter(l logrus.FieldLogger) io.WriteCloser {
	type levelWriter interface {
		WriterLevel(logrus.Level) *io.PipeWriter
	}
	if lw, ok := l.(levelWriter); ok {
		return lw.WriterLevel(logrus.WarnLevel)
	}
	return nil
}
