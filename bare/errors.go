package bare

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"syscall"

	"lds.li/proxyfront/tunnel"
)

// Error is the JSON body the bare protocol uses for failures.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + " (" + e.ID + "): " + e.Message
}

func missingHeader(name string) *Error {
	return &Error{http.StatusBadRequest, "MISSING_BARE_HEADER", "request.headers." + name, "Header was not specified."}
}

func invalidHeader(id, msg string) *Error {
	return &Error{http.StatusBadRequest, "INVALID_BARE_HEADER", id, msg}
}

func forbiddenHeader(name, msg string) *Error {
	return &Error{http.StatusBadRequest, "FORBIDDEN_BARE_HEADER", "request.headers." + name, msg}
}

var errNotFound = &Error{http.StatusNotFound, "UNKNOWN", "error.NotFoundError", "Not Found"}

// outgoingError maps a failed upstream fetch onto a bare error.
func outgoingError(err error) *Error {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, tunnel.ErrForbiddenAddress):
		return &Error{http.StatusForbidden, "FORBIDDEN", "request.headers.x-bare-url", "The remote address is not public."}
	case errors.As(err, &dnsErr):
		return &Error{http.StatusInternalServerError, "HOST_NOT_FOUND", "request", "The specified host could not be resolved."}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &Error{http.StatusInternalServerError, "CONNECTION_REFUSED", "response", "The remote rejected the request."}
	case errors.Is(err, syscall.ECONNRESET):
		return &Error{http.StatusInternalServerError, "CONNECTION_RESET", "response", "The request was forcibly closed."}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return &Error{http.StatusInternalServerError, "CONNECTION_TIMEOUT", "response", "The response timed out."}
	}
	return &Error{http.StatusInternalServerError, "UNKNOWN", "unknown", err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, e *Error) {
	writeJSON(w, e.Status, e)
}
