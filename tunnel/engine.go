package tunnel

import (
	"context"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Engine is a tunneling protocol handler. Implementations must be safe for
// concurrent use: one engine value serves every delegated connection.
type Engine interface {
	// ServeHTTP handles an ordinary request. The engine is solely
	// responsible for the response.
	ServeHTTP(w http.ResponseWriter, r *http.Request)

	// ServeUpgrade handles a WebSocket handshake. The engine owns u.Conn
	// from the moment it is called and must close it when done.
	ServeUpgrade(u *Upgrade)
}

// Router is implemented by engines that decide for themselves which requests
// belong to them, rather than being mounted on a fixed prefix.
type Router interface {
	ShouldRoute(path string, header http.Header) bool
}

// RoutedEngine is an Engine that also claims its own paths.
type RoutedEngine interface {
	Engine
	Router
}

// DialFunc is a function that establishes a network connection.
// It has the same signature as net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Logger returns log, or the logrus standard logger when log is nil.
func Logger(log logrus.FieldLogger) logrus.FieldLogger {
	if log != nil {
		return log
	}
	return logrus.StandardLogger()
}
