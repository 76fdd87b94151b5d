package bare

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// connectMessage is the first text frame a client sends on a v3 socket.
type connectMessage struct {
	Type           string            `json:"type"`
	Remote         string            `json:"remote"`
	Protocols      []string          `json:"protocols"`
	Headers        map[string]string `json:"headers"`
	ForwardHeaders []string          `json:"forwardHeaders"`
}

// openMessage answers a connect once the remote socket is up.
type openMessage struct {
	Type       string   `json:"type"`
	Protocol   string   `json:"protocol"`
	SetCookies []string `json:"setCookies"`
}

// handshakeHeaders are managed by the websocket dialer and may not be
// supplied by the client.
var handshakeHeaders = []string{
	"Upgrade", "Connection",
	"Sec-Websocket-Key", "Sec-Websocket-Version",
	"Sec-Websocket-Extensions", "Sec-Websocket-Protocol",
}

func (s *Server) track(ws *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.sockets[ws] = struct{}{}
	return true
}

func (s *Server) untrack(ws *websocket.Conn) {
	s.mu.Lock()
	delete(s.sockets, ws)
	s.mu.Unlock()
}

func (s *Server) serveSocket(client *websocket.Conn, r *http.Request) {
	defer client.Close()
	if !s.track(client) {
		return
	}
	defer s.untrack(client)

	log := s.log.WithField("remote", r.RemoteAddr)
	if err := s.relay(client, r); err != nil {
		log.WithError(err).Debug("bare socket failed")
		_ = client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(10*time.Second))
	}
}

func (s *Server) relay(client *websocket.Conn, r *http.Request) error {
	_ = client.SetReadDeadline(time.Now().Add(s.dialer.HandshakeTimeout))
	mt, msg, err := client.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading connect message: %w", err)
	}
	_ = client.SetReadDeadline(time.Time{})
	if mt != websocket.TextMessage {
		return errors.New("connect message was not a text frame")
	}
	var connect connectMessage
	if err := json.Unmarshal(msg, &connect); err != nil {
		return fmt.Errorf("decoding connect message: %w", err)
	}
	if connect.Type != "connect" {
		return fmt.Errorf("expected connect message, got %q", connect.Type)
	}
	remote, err := url.Parse(connect.Remote)
	if err != nil || (remote.Scheme != "ws" && remote.Scheme != "wss") {
		return fmt.Errorf("invalid remote %q", connect.Remote)
	}

	header := make(http.Header)
	for name, v := range connect.Headers {
		header.Set(name, v)
	}
	forwardHeaders(connect.ForwardHeaders, header, r.Header)
	for _, name := range handshakeHeaders {
		header.Del(name)
	}

	dialer := *s.dialer
	dialer.Subprotocols = connect.Protocols
	upstream, resp, err := dialer.DialContext(r.Context(), remote.String(), header)
	if err != nil {
		if berr := outgoingError(err); berr.Code != "UNKNOWN" {
			return berr
		}
		return fmt.Errorf("dialing %s: %w", remote.Redacted(), err)
	}
	defer upstream.Close()

	open := openMessage{Type: "open", Protocol: upstream.Subprotocol(), SetCookies: []string{}}
	if resp != nil {
		open.SetCookies = append(open.SetCookies, resp.Header.Values("Set-Cookie")...)
	}
	b, err := json.Marshal(open)
	if err != nil {
		return err
	}
	if err := client.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("sending open message: %w", err)
	}

	s.metrics.StreamOpened(engineName)
	defer s.metrics.StreamClosed(engineName)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pump(upstream, client)
	}()
	pump(client, upstream)
	// Either side ending tears down both.
	_ = upstream.Close()
	_ = client.Close()
	<-done
	return nil
}

// pump copies messages from src to dst until either fails.
func pump(src, dst *websocket.Conn) {
	for {
		mt, msg, err := src.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(ce.Code, ce.Text),
					time.Now().Add(time.Second))
			}
			return
		}
		if err := dst.WriteMessage(mt, msg); err != nil {
			return
		}
	}
}
