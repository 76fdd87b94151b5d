package tunnel

import "errors"

var (
	// ErrHijackUnsupported is returned when the underlying ResponseWriter
	// cannot hand over its connection.
	ErrHijackUnsupported = errors.New("tunnel: connection hijacking not supported")

	// ErrResponseStarted is returned by Hijack on an Upgrade response writer
	// once an HTTP response has been written to the connection.
	ErrResponseStarted = errors.New("tunnel: response already started")

	// ErrForbiddenAddress is returned by PublicDialer for destinations that
	// are not publicly routable.
	ErrForbiddenAddress = errors.New("tunnel: destination address not allowed")
)
