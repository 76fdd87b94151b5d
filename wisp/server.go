// Package wisp implements the server side of the wisp v1 protocol: many TCP
// and UDP streams multiplexed over one WebSocket.
package wisp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"lds.li/proxyfront/metrics"
	"lds.li/proxyfront/tunnel"
)

const (
	// DefaultBufferSize is the CONTINUE window advertised when
	// Config.BufferSize is zero.
	DefaultBufferSize = 128
	// DefaultDialTimeout bounds a CONNECT when Config.DialTimeout is zero.
	DefaultDialTimeout = 10 * time.Second

	engineName   = "wisp"
	writeTimeout = 30 * time.Second
	readBufSize  = 32 << 10
)

// Config configures a Server.
type Config struct {
	// BufferSize is the number of DATA packets a client may send on a
	// stream before waiting for a CONTINUE.
	BufferSize uint32
	// Dial opens upstream connections. Defaults to tunnel.PublicDialer.
	Dial tunnel.DialFunc
	// DialTimeout bounds each CONNECT.
	DialTimeout time.Duration
	// DisableUDP refuses UDP streams with CloseBlocked.
	DisableUDP bool

	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Server is a wisp endpoint. It is a tunnel.Engine.
type Server struct {
	bufferSize  uint32
	dial        tunnel.DialFunc
	dialTimeout time.Duration
	disableUDP  bool
	log         logrus.FieldLogger
	metrics     *metrics.Metrics
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

var _ tunnel.Engine = (*Server)(nil)

// NewServer returns a wisp Server configured by cfg. A nil cfg uses the
// defaults.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Server{
		bufferSize:  cfg.BufferSize,
		dial:        cfg.Dial,
		dialTimeout: cfg.DialTimeout,
		disableUDP:  cfg.DisableUDP,
		log:         tunnel.Logger(cfg.Log),
		metrics:     cfg.Metrics,
		sessions:    make(map[*session]struct{}),
	}
	if s.bufferSize == 0 {
		s.bufferSize = DefaultBufferSize
	}
	if s.dialTimeout == 0 {
		s.dialTimeout = DefaultDialTimeout
	}
	if s.dial == nil {
		s.dial = tunnel.PublicDialer(s.dialTimeout)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  readBufSize,
		WriteBufferSize: readBufSize,
		// wisp clients are web pages on any origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// ServeHTTP upgrades WebSocket requests that reach it directly and answers
// everything else with 426.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.WithError(err).Debug("wisp handshake failed")
			return
		}
		s.serve(ws, r)
		return
	}
	w.Header().Set("Upgrade", "websocket")
	http.Error(w, http.StatusText(http.StatusUpgradeRequired), http.StatusUpgradeRequired)
}

// ServeUpgrade completes the handshake on an already hijacked connection.
func (s *Server) ServeUpgrade(u *tunnel.Upgrade) {
	ws, err := s.upgrader.Upgrade(u.ResponseWriter(), u.Request, nil)
	if err != nil {
		s.log.WithError(err).Debug("wisp handshake failed")
		_ = u.Close()
		return
	}
	s.serve(ws, u.Request)
}

// Close ends every open session. Later upgrades are refused.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.shutdown()
	}
	return nil
}

func (s *Server) serve(ws *websocket.Conn, r *http.Request) {
	sess := &session{
		srv:     s,
		ws:      ws,
		streams: make(map[uint32]*stream),
		log: s.log.WithFields(logrus.Fields{
			"session": uuid.NewString(),
			"remote":  r.RemoteAddr,
		}),
	}
	sess.ctx, sess.cancel = context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()
	sess.run()
}

type session struct {
	srv    *Server
	ws     *websocket.Conn
	log    logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*stream
}

func (s *session) run() {
	defer s.shutdown()
	s.log.Debug("wisp session opened")

	if err := s.send(ContinuePacket(0, s.srv.bufferSize)); err != nil {
		return
	}
	for {
		mt, data, err := s.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debug("wisp session read failed")
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		p, err := ParsePacket(data)
		if err != nil {
			s.log.WithError(err).Debug("dropping wisp session")
			return
		}
		switch p.Type {
		case TypeConnect:
			s.connect(p)
		case TypeData:
			s.data(p)
		case TypeClose:
			s.finish(p.StreamID, p.Reason(), false)
		}
	}
}

func (s *session) shutdown() {
	s.cancel()
	s.mu.Lock()
	ids := make([]uint32, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.finish(id, CloseUnknown, false)
	}
	_ = s.ws.Close()
}

func (s *session) send(p Packet) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.ws.WriteMessage(websocket.BinaryMessage, p.Marshal()); err != nil {
		// Unblocks the read loop so the session winds down.
		_ = s.ws.Close()
		return err
	}
	return nil
}

func (s *session) connect(p Packet) {
	c, err := ParseConnect(p.Payload)
	if err != nil || p.StreamID == 0 || c.Host == "" || c.Port == 0 {
		_ = s.send(ClosePacket(p.StreamID, CloseInvalidInfo))
		return
	}
	var network string
	switch c.Stream {
	case StreamTCP:
		network = "tcp"
	case StreamUDP:
		if s.srv.disableUDP {
			_ = s.send(ClosePacket(p.StreamID, CloseBlocked))
			return
		}
		network = "udp"
	default:
		_ = s.send(ClosePacket(p.StreamID, CloseInvalidInfo))
		return
	}

	st := newStream(s, p.StreamID, c.Stream == StreamUDP)
	s.mu.Lock()
	if _, dup := s.streams[p.StreamID]; dup {
		s.mu.Unlock()
		_ = s.send(ClosePacket(p.StreamID, CloseInvalidInfo))
		return
	}
	s.streams[p.StreamID] = st
	s.mu.Unlock()
	s.srv.metrics.StreamOpened(engineName)

	addr := net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
	s.log.WithFields(logrus.Fields{"stream": p.StreamID, "network": network, "addr": addr}).Debug("wisp stream connect")
	go st.open(network, addr)
}

func (s *session) data(p Packet) {
	s.mu.Lock()
	st := s.streams[p.StreamID]
	s.mu.Unlock()
	if st == nil {
		return
	}
	select {
	case st.queue <- p.Payload:
		st.unacked.Add(1)
	default:
		if st.udp {
			return
		}
		// The client ignored its CONTINUE budget.
		s.finish(p.StreamID, CloseThrottled, true)
	}
}

// finish removes the stream and releases its upstream connection. notify
// sends CLOSE to the client.
func (s *session) finish(id uint32, reason CloseReason, notify bool) {
	s.mu.Lock()
	st := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if st == nil {
		return
	}
	st.close()
	s.srv.metrics.StreamClosed(engineName)
	if notify {
		_ = s.send(ClosePacket(id, reason))
	}
}

// dialReason maps a dial failure onto the closest CLOSE reason.
func dialReason(err error) CloseReason {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, tunnel.ErrForbiddenAddress):
		return CloseBlocked
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return CloseTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return CloseRefused
	case errors.As(err, &dnsErr):
		return CloseUnreachable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CloseTimeout
	}
	return CloseUnreachable
}
