package wisp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

type stream struct {
	id   uint32
	udp  bool
	sess *session

	// queue holds client DATA waiting to be written upstream.
	queue chan []byte
	// unacked counts packets received since the last CONTINUE.
	unacked atomic.Int64
	done    chan struct{}

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func newStream(sess *session, id uint32, udp bool) *stream {
	return &stream{
		id:   id,
		udp:  udp,
		sess: sess,
		// The client may already be sending against an older budget when a
		// new CONTINUE lands, hence the headroom.
		queue: make(chan []byte, 3*sess.srv.bufferSize),
		done:  make(chan struct{}),
	}
}

func (st *stream) open(network, addr string) {
	ctx, cancel := context.WithTimeout(st.sess.ctx, st.sess.srv.dialTimeout)
	conn, err := st.sess.srv.dial(ctx, network, addr)
	cancel()
	if err != nil {
		st.sess.log.WithError(err).WithField("stream", st.id).Debug("wisp stream dial failed")
		st.sess.finish(st.id, dialReason(err), true)
		return
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		_ = conn.Close()
		return
	}
	st.conn = conn
	st.mu.Unlock()

	go st.writeLoop(conn)
	st.readLoop(conn)
}

// readLoop copies upstream bytes to the client.
func (st *stream) readLoop(conn net.Conn) {
	size := readBufSize
	if st.udp {
		size = 64 << 10
	}
	buf := make([]byte, size)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := st.sess.send(Packet{Type: TypeData, StreamID: st.id, Payload: buf[:n]}); werr != nil {
				return
			}
		}
		if err != nil {
			reason := CloseNetworkError
			if errors.Is(err, io.EOF) {
				reason = CloseVoluntary
			}
			st.sess.finish(st.id, reason, true)
			return
		}
	}
}

// writeLoop copies client DATA upstream and refills the client's budget.
func (st *stream) writeLoop(conn net.Conn) {
	half := int64(st.sess.srv.bufferSize / 2)
	if half == 0 {
		half = 1
	}
	for {
		select {
		case <-st.done:
			return
		case b := <-st.queue:
			if _, err := conn.Write(b); err != nil {
				st.sess.finish(st.id, CloseNetworkError, true)
				return
			}
			if st.udp {
				continue
			}
			if n := st.unacked.Load(); n >= half && int64(len(st.queue)) <= half {
				st.unacked.Add(-n)
				if err := st.sess.send(ContinuePacket(st.id, st.sess.srv.bufferSize)); err != nil {
					return
				}
			}
		}
	}
}

func (st *stream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	close(st.done)
	if st.conn != nil {
		_ = st.conn.Close()
	}
}
