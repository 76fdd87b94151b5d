// Package bare implements a bare v3 server: an HTTP fetch endpoint and a
// WebSocket relay that let a browser reach remote origins through this host.
package bare

import (
	"errors"
	"io"
	"net"
	"net/http"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"lds.li/proxyfront/metrics"
	"lds.li/proxyfront/tunnel"
)

const (
	// DefaultDirectory is the path the server is mounted at when
	// NewServer is given an empty directory.
	DefaultDirectory = "/bare/"
	// DefaultDialTimeout bounds upstream dials for fetches and sockets.
	DefaultDialTimeout = 30 * time.Second

	engineName = "bare"
	v3Service  = "/v3/"
)

// Maintainer is advertised in the manifest.
type Maintainer struct {
	Email   string `json:"email,omitempty"`
	Website string `json:"website,omitempty"`
}

// Project describes this server in the manifest.
type Project struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Repository  string `json:"repository,omitempty"`
	Version     string `json:"version,omitempty"`
}

// Manifest is served at the directory root.
type Manifest struct {
	Maintainer  *Maintainer `json:"maintainer,omitempty"`
	Project     *Project    `json:"project,omitempty"`
	Versions    []string    `json:"versions"`
	Language    string      `json:"language"`
	MemoryUsage float64     `json:"memoryUsage,omitempty"`
}

// Config configures a Server.
type Config struct {
	// Dial opens upstream connections for fetches and sockets. Defaults to
	// tunnel.PublicDialer.
	Dial       tunnel.DialFunc
	Maintainer *Maintainer

	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Server is a bare endpoint mounted under a directory. It is a
// tunnel.RoutedEngine.
type Server struct {
	directory  string
	maintainer *Maintainer
	log        logrus.FieldLogger
	metrics    *metrics.Metrics

	transport *http.Transport
	dialer    *websocket.Dialer
	upgrader  websocket.Upgrader

	closed  atomic.Bool
	mu      sync.Mutex
	sockets map[*websocket.Conn]struct{}
}

var _ tunnel.RoutedEngine = (*Server)(nil)

// NewServer returns a server that claims every path under directory.
func NewServer(directory string, cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if directory == "" {
		directory = DefaultDirectory
	}
	if !strings.HasPrefix(directory, "/") {
		return nil, errors.New("bare: directory must start with /")
	}
	if !strings.HasSuffix(directory, "/") {
		directory += "/"
	}
	dial := cfg.Dial
	if dial == nil {
		dial = tunnel.PublicDialer(DefaultDialTimeout)
	}

	s := &Server{
		directory:  directory,
		maintainer: cfg.Maintainer,
		log:        tunnel.Logger(cfg.Log),
		metrics:    cfg.Metrics,
		transport: &http.Transport{
			DialContext:           dial,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			DisableCompression:    true,
		},
		dialer: &websocket.Dialer{
			NetDialContext:   dial,
			HandshakeTimeout: 12 * time.Second,
		},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sockets: make(map[*websocket.Conn]struct{}),
	}
	return s, nil
}

// Directory returns the path prefix the server claims.
func (s *Server) Directory() string { return s.directory }

// ShouldRoute reports whether path belongs to this server.
func (s *Server) ShouldRoute(path string, _ http.Header) bool {
	return !s.closed.Load() && strings.HasPrefix(path, s.directory)
}

func (s *Server) service(path string) string {
	return path[len(s.directory)-1:]
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.ShouldRoute(r.URL.Path, r.Header) {
		writeError(w, errNotFound)
		return
	}
	addCORS(w.Header())
	if websocket.IsWebSocketUpgrade(r) {
		if s.service(r.URL.Path) != v3Service {
			writeError(w, errNotFound)
			return
		}
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.WithError(err).Debug("bare handshake failed")
			return
		}
		s.serveSocket(ws, r)
		return
	}

	switch service := s.service(r.URL.Path); {
	case r.Method == http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case service == "/":
		writeJSON(w, http.StatusOK, s.manifest())
	case service == v3Service:
		if berr := s.fetch(w, r); berr != nil {
			s.log.WithError(berr).WithField("path", r.URL.Path).Debug("bare fetch failed")
			writeError(w, berr)
		}
	default:
		writeError(w, errNotFound)
	}
}

// ServeUpgrade runs the v3 socket relay on a hijacked connection. Upgrades
// to any other service are closed.
func (s *Server) ServeUpgrade(u *tunnel.Upgrade) {
	if s.closed.Load() || s.service(u.Request.URL.Path) != v3Service {
		_ = u.Close()
		return
	}
	ws, err := s.upgrader.Upgrade(u.ResponseWriter(), u.Request, nil)
	if err != nil {
		s.log.WithError(err).Debug("bare handshake failed")
		_ = u.Close()
		return
	}
	s.serveSocket(ws, u.Request)
}

// Close stops the server claiming paths and ends open sockets.
func (s *Server) Close() error {
	s.closed.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	for ws := range s.sockets {
		_ = ws.Close()
	}
	s.transport.CloseIdleConnections()
	return nil
}

func (s *Server) manifest() Manifest {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Manifest{
		Maintainer:  s.maintainer,
		Project:     &Project{Name: "proxyfront", Description: "bare server in Go"},
		Versions:    []string{"v3"},
		Language:    "Go",
		MemoryUsage: float64(mem.HeapAlloc) / 1024 / 1024,
	}
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) *Error {
	h, berr := readFetchHeaders(r)
	if berr != nil {
		return berr
	}
	forwardHeaders(h.forward, h.send, r.Header)

	req, err := http.NewRequestWithContext(r.Context(), r.Method, h.remote.String(), r.Body)
	if err != nil {
		return invalidHeader("request.headers.x-bare-url", "Invalid URL.")
	}
	req.Header = h.send
	req.ContentLength = r.ContentLength

	resp, err := s.transport.RoundTrip(req)
	if err != nil {
		return outgoingError(err)
	}
	defer resp.Body.Close()

	out := w.Header()
	for _, name := range h.pass {
		if v := resp.Header.Get(name); v != "" {
			out.Set(name, v)
		}
	}

	status := http.StatusOK
	if slices.Contains(h.passStatus, resp.StatusCode) {
		status = resp.StatusCode
	}
	if status != http.StatusNotModified {
		out.Set("X-Bare-Status", strconv.Itoa(resp.StatusCode))
		out.Set("X-Bare-Status-Text", strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "))
		encoded, err := encodeHeaders(resp.Header)
		if err != nil {
			return outgoingError(err)
		}
		out.Set("X-Bare-Headers", encoded)
		splitHeaders(out)
	}

	w.WriteHeader(status)
	if _, err := io.Copy(w, resp.Body); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.WithError(err).Debug("bare response copy ended early")
	}
	return nil
}

func addCORS(h http.Header) {
	h.Set("X-Robots-Tag", "noindex")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "*")
	h.Set("Access-Control-Expose-Headers", "*")
	h.Set("Access-Control-Max-Age", "7200")
}
