package tunnel

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Upgrade is a WebSocket handshake whose connection has already been taken
// away from the HTTP server. It is a separate event from an ordinary request:
// no response has been framed and the request body is never read.
type Upgrade struct {
	// Request carries the request line and headers.
	Request *http.Request

	// Conn is the raw client connection. Reads replay Head first.
	Conn net.Conn

	// Head holds the bytes the HTTP parser had read past the headers.
	Head []byte
}

// NewUpgrade builds an Upgrade from a hijacked connection. Anything still
// buffered in rw is moved into Head.
func NewUpgrade(r *http.Request, conn net.Conn, rw *bufio.ReadWriter) *Upgrade {
	u := &Upgrade{Request: r, Conn: conn}
	if rw != nil {
		if n := rw.Reader.Buffered(); n > 0 {
			u.Head = make([]byte, n)
			// The bytes are already buffered, so this cannot block.
			_, _ = io.ReadFull(rw.Reader, u.Head)
		}
	}
	if len(u.Head) > 0 {
		u.Conn = &headConn{Conn: conn, head: bytes.NewReader(u.Head)}
	}
	return u
}

// ResponseWriter adapts the hijacked connection to an http.ResponseWriter
// for handshake libraries. Hijack on the returned writer yields Conn again.
// Writing a status instead frames a plain HTTP/1.1 response with
// "Connection: close" directly on Conn.
func (u *Upgrade) ResponseWriter() http.ResponseWriter {
	return &upgradeWriter{u: u, header: make(http.Header)}
}

// Close closes the raw connection.
func (u *Upgrade) Close() error {
	return u.Conn.Close()
}

type upgradeWriter struct {
	u           *Upgrade
	header      http.Header
	wroteHeader bool
	hijacked    bool
}

func (w *upgradeWriter) Header() http.Header {
	return w.header
}

func (w *upgradeWriter) WriteHeader(code int) {
	if w.wroteHeader || w.hijacked {
		return
	}
	w.wroteHeader = true

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %03d %s\r\n", code, http.StatusText(code))
	w.header.Set("Connection", "close")
	_ = w.header.Write(&buf)
	buf.WriteString("\r\n")
	_, _ = w.u.Conn.Write(buf.Bytes())
}

func (w *upgradeWriter) Write(p []byte) (int, error) {
	if w.hijacked {
		return 0, http.ErrHijacked
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.u.Conn.Write(p)
}

func (w *upgradeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.hijacked {
		return nil, nil, http.ErrHijacked
	}
	if w.wroteHeader {
		return nil, nil, ErrResponseStarted
	}
	w.hijacked = true
	rw := bufio.NewReadWriter(bufio.NewReader(w.u.Conn), bufio.NewWriter(w.u.Conn))
	return w.u.Conn, rw, nil
}

// headConn replays bytes that were read off the wire before the hijack.
type headConn struct {
	net.Conn
	head *bytes.Reader
}

func (c *headConn) Read(b []byte) (int, error) {
	if c.head.Len() > 0 {
		return c.head.Read(b)
	}
	return c.Conn.Read(b)
}
