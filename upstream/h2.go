package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"
)

// h2Dialer opens each tunnel as a CONNECT stream on a shared HTTP/2
// connection to the proxy.
type h2Dialer struct {
	proxyURL   *url.URL
	transport  *http2.Transport
	headerFunc func(*http.Request) (http.Header, error)
}

func newH2Dialer(u *url.URL, cfg *Config, dial func(context.Context, string, string) (net.Conn, error)) *h2Dialer {
	return &h2Dialer{
		proxyURL: u,
		transport: &http2.Transport{
			TLSClientConfig: cfg.TLSConfig,
			DialTLSContext: func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
				conn, err := dial(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				tc := tls.Client(conn, tlsCfg)
				if err := tc.HandshakeContext(ctx); err != nil {
					_ = conn.Close()
					return nil, err
				}
				return tc, nil
			},
		},
		headerFunc: cfg.HeadersForRequest,
	}
}

func newH2CDialer(u *url.URL, cfg *Config, dial func(context.Context, string, string) (net.Conn, error)) *h2Dialer {
	return &h2Dialer{
		proxyURL: u,
		transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dial(ctx, network, addr)
			},
		},
		headerFunc: cfg.HeadersForRequest,
	}
}

func (d *h2Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := checkNetwork(network); err != nil {
		return nil, err
	}

	// Writes to pw become the request body, i.e. bytes towards the target.
	pr, pw := io.Pipe()
	req := &http.Request{
		Method:        http.MethodConnect,
		URL:           d.proxyURL,
		Host:          address,
		Header:        make(http.Header),
		Body:          pr,
		ContentLength: -1,
	}
	if d.headerFunc != nil {
		extra, err := d.headerFunc(req)
		if err != nil {
			_ = pw.Close()
			return nil, fmt.Errorf("%w: headers: %w", ErrProxyConnect, err)
		}
		maps.Copy(req.Header, extra)
	}

	// The stream must outlive the dial context, so only the exchange of
	// headers is bound to ctx.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	resp, err := d.transport.RoundTrip(req.WithContext(streamCtx))
	stopped := stop()
	if err != nil {
		cancel()
		_ = pw.Close()
		return nil, fmt.Errorf("%w: %w", ErrProxyConnect, err)
	}
	if !stopped {
		cancel()
		_ = resp.Body.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("%w: %w", ErrProxyConnect, ctx.Err())
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		_ = resp.Body.Close()
		_ = pw.Close()
		return nil, &ProxyError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	return &streamConn{
		body:   resp.Body,
		pw:     pw,
		cancel: cancel,
		remote: streamAddr(address),
	}, nil
}

// streamConn is a net.Conn over one HTTP/2 CONNECT stream. Deadlines are
// not supported.
type streamConn struct {
	body   io.ReadCloser
	pw     *io.PipeWriter
	cancel context.CancelFunc
	remote net.Addr
}

func (c *streamConn) Read(b []byte) (int, error)  { return c.body.Read(b) }
func (c *streamConn) Write(b []byte) (int, error) { return c.pw.Write(b) }

func (c *streamConn) Close() error {
	err := c.pw.Close()
	if berr := c.body.Close(); err == nil {
		err = berr
	}
	c.cancel()
	return err
}

func (c *streamConn) LocalAddr() net.Addr              { return &net.TCPAddr{IP: net.IPv4zero} }
func (c *streamConn) RemoteAddr() net.Addr             { return c.remote }
func (c *streamConn) SetDeadline(time.Time) error      { return nil }
func (c *streamConn) SetReadDeadline(time.Time) error  { return nil }
func (c *streamConn) SetWriteDeadline(time.Time) error { return nil }

type streamAddr string

func (a streamAddr) Network() string { return "h2-connect" }
func (a streamAddr) String() string  { return string(a) }
