package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"maps"
	"net"
	"net/http"
	"net/url"
	"time"
)

type h1Dialer struct {
	proxyAddr  string
	proxyHost  string
	useTLS     bool
	tlsConfig  *tls.Config
	headerFunc func(*http.Request) (http.Header, error)
	dial       func(ctx context.Context, network, address string) (net.Conn, error)
}

func newH1Dialer(u *url.URL, cfg *Config, dial func(context.Context, string, string) (net.Conn, error)) *h1Dialer {
	useTLS := u.Scheme == "https"
	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if useTLS {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	return &h1Dialer{
		proxyAddr:  addr,
		proxyHost:  u.Hostname(),
		useTLS:     useTLS,
		tlsConfig:  cfg.TLSConfig,
		headerFunc: cfg.HeadersForRequest,
		dial:       dial,
	}
}

func (d *h1Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := checkNetwork(network); err != nil {
		return nil, err
	}

	conn, err := d.dial(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProxyConnect, err)
	}
	if d.useTLS {
		cfg := d.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: d.proxyHost}
		} else if cfg.ServerName == "" {
			cfg = cfg.Clone()
			cfg.ServerName = d.proxyHost
		}
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: tls: %w", ErrProxyConnect, err)
		}
		conn = tc
	}

	// The exchange below must not outlive ctx.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	req := &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Opaque: address},
		Host:       address,
		Header:     make(http.Header),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	if d.headerFunc != nil {
		extra, err := d.headerFunc(req)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: headers: %w", ErrProxyConnect, err)
		}
		maps.Copy(req.Header, extra)
	}

	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: writing request: %w", ErrProxyConnect, err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: reading response: %w", ErrProxyConnect, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, &ProxyError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if !stop() {
		// ctx fired after the exchange finished and closed conn.
		return nil, fmt.Errorf("%w: %w", ErrProxyConnect, ctx.Err())
	}
	_ = conn.SetDeadline(time.Time{})

	if br.Buffered() == 0 {
		return conn, nil
	}
	return &bufferedConn{Conn: conn, r: br}, nil
}

// bufferedConn reads through r so bytes the proxy sent right after its
// response are not lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
