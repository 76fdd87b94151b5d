package upstream

import (
	"errors"
	"fmt"
)

var (
	// ErrProxyConfig is returned by New for an unusable configuration.
	ErrProxyConfig = errors.New("upstream: invalid proxy configuration")

	// ErrProxyConnect is returned when the proxy could not be reached or
	// the CONNECT exchange failed.
	ErrProxyConnect = errors.New("upstream: proxy connection failed")

	ErrUnsupportedNetwork = errors.New("upstream: unsupported network")
)

// ProxyError is a non-200 answer to a CONNECT request.
type ProxyError struct {
	StatusCode int
	// Status is the status line, e.g. "403 Forbidden".
	Status string
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("upstream: proxy returned %s", e.Status)
}

// Is matches any *ProxyError, and ErrProxyConnect.
func (e *ProxyError) Is(target error) bool {
	if target == ErrProxyConnect {
		return true
	}
	_, ok := target.(*ProxyError)
	return ok
}
