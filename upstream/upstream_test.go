package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"lds.li/proxyfront/tunnel"
)

// connectProxy is a minimal CONNECT proxy for exercising the dialers.
type connectProxy struct {
	t      *testing.T
	reject bool
	// header, when set, must be present on every CONNECT.
	header string
}

func (p *connectProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if p.reject || (p.header != "" && r.Header.Get("Proxy-Authorization") != p.header) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	upstream, err := net.Dial("tcp", r.Host)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	if r.ProtoMajor == 1 {
		client, brw, err := http.NewResponseController(w).Hijack()
		if err != nil {
			p.t.Errorf("hijack: %v", err)
			return
		}
		defer client.Close()
		_, _ = brw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
		_ = brw.Flush()
		go func() {
			_, _ = io.Copy(upstream, brw)
			_ = upstream.(*net.TCPConn).CloseWrite()
		}()
		_, _ = io.Copy(client, upstream)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.EnableFullDuplex()
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()
	stop := context.AfterFunc(r.Context(), func() { _ = upstream.Close() })
	defer stop()
	go func() {
		_, _ = io.Copy(upstream, r.Body)
		_ = upstream.(*net.TCPConn).CloseWrite()
	}()
	buf := make([]byte, 32<<10)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			_ = rc.Flush()
		}
		if err != nil {
			return
		}
	}
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func startH2CProxy(t *testing.T, p *connectProxy) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: h2c.NewHandler(p, &http2.Server{})}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return "http://" + ln.Addr().String()
}

func echoRoundTrip(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != msg {
		t.Errorf("got %q, want %q", buf, msg)
	}
}

func TestH1Dialer(t *testing.T) {
	echo := startEcho(t)
	proxy := httptest.NewServer(&connectProxy{t: t})
	defer proxy.Close()

	d, err := New(&Config{ProxyURL: proxy.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn, err := d.DialContext(context.Background(), "tcp", echo)
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close()

	echoRoundTrip(t, conn, "Hello, World!")
}

func TestH1DialerTLS(t *testing.T) {
	echo := startEcho(t)
	proxy := httptest.NewTLSServer(&connectProxy{t: t})
	defer proxy.Close()

	d, err := New(&Config{
		ProxyURL:  proxy.URL,
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn, err := d.DialContext(context.Background(), "tcp", echo)
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close()

	echoRoundTrip(t, conn, "Hello, TLS!")
}

func TestH2Dialer(t *testing.T) {
	echo := startEcho(t)
	proxy := httptest.NewUnstartedServer(&connectProxy{t: t})
	proxy.EnableHTTP2 = true
	proxy.StartTLS()
	defer proxy.Close()

	d, err := New(&Config{
		ProxyURL:  proxy.URL,
		HTTP2:     true,
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn, err := d.DialContext(context.Background(), "tcp", echo)
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close()

	echoRoundTrip(t, conn, "Hello, HTTP/2!")
}

func TestH2CDialer(t *testing.T) {
	echo := startEcho(t)
	d, err := New(&Config{ProxyURL: startH2CProxy(t, &connectProxy{t: t}), HTTP2: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn, err := d.DialContext(context.Background(), "tcp", echo)
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close()

	echoRoundTrip(t, conn, "Hello, h2c!")
}

// TestH2Multiplexing opens several tunnels over one HTTP/2 connection.
func TestH2Multiplexing(t *testing.T) {
	const n = 5
	echoes := make([]string, n)
	for i := range echoes {
		echoes[i] = startEcho(t)
	}
	d, err := New(&Config{ProxyURL: startH2CProxy(t, &connectProxy{t: t}), HTTP2: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := d.DialContext(context.Background(), "tcp", echoes[i])
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()

			msg := fmt.Sprintf("test-%d", i)
			if _, err := conn.Write([]byte(msg)); err != nil {
				errs <- err
				return
			}
			buf := make([]byte, len(msg))
			if _, err := io.ReadFull(conn, buf); err != nil {
				errs <- err
				return
			}
			if string(buf) != msg {
				errs <- fmt.Errorf("tunnel %d: got %q", i, buf)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("tunnel error: %v", err)
	}
}

func TestProxyRejection(t *testing.T) {
	for _, h2 := range []bool{false, true} {
		t.Run(fmt.Sprintf("http2=%v", h2), func(t *testing.T) {
			var proxyURL string
			if h2 {
				proxyURL = startH2CProxy(t, &connectProxy{t: t, reject: true})
			} else {
				proxy := httptest.NewServer(&connectProxy{t: t, reject: true})
				defer proxy.Close()
				proxyURL = proxy.URL
			}

			d, err := New(&Config{ProxyURL: proxyURL, HTTP2: h2})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = d.DialContext(context.Background(), "tcp", "example.com:80")
			var perr *ProxyError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ProxyError, got %v", err)
			}
			if perr.StatusCode != http.StatusForbidden {
				t.Errorf("status = %d, want 403", perr.StatusCode)
			}
			if !errors.Is(err, ErrProxyConnect) {
				t.Errorf("ProxyError should match ErrProxyConnect")
			}
		})
	}
}

func TestHeadersForRequest(t *testing.T) {
	echo := startEcho(t)
	proxy := httptest.NewServer(&connectProxy{t: t, header: "Basic dXNlcjpwYXNz"})
	defer proxy.Close()

	d, err := New(&Config{
		ProxyURL: proxy.URL,
		HeadersForRequest: func(*http.Request) (http.Header, error) {
			return http.Header{"Proxy-Authorization": {"Basic dXNlcjpwYXNz"}}, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn, err := d.DialContext(context.Background(), "tcp", echo)
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close()
	echoRoundTrip(t, conn, "authed")
}

func TestPublicOnly(t *testing.T) {
	proxy := httptest.NewServer(&connectProxy{t: t})
	defer proxy.Close()

	d, err := New(&Config{ProxyURL: proxy.URL, PublicOnly: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, addr := range []string{"127.0.0.1:80", "10.1.2.3:443", "[::1]:22", "localhost:80"} {
		_, err := d.DialContext(context.Background(), "tcp", addr)
		if !errors.Is(err, tunnel.ErrForbiddenAddress) {
			t.Errorf("%s: got %v, want ErrForbiddenAddress", addr, err)
		}
	}
}

func TestUnsupportedNetwork(t *testing.T) {
	d, err := New(&Config{ProxyURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := d.DialContext(context.Background(), "udp", "example.com:53"); !errors.Is(err, ErrUnsupportedNetwork) {
		t.Errorf("got %v, want ErrUnsupportedNetwork", err)
	}
}

func TestProxyUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	d, err := New(&Config{ProxyURL: "http://" + addr})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := d.DialContext(context.Background(), "tcp", "example.com:80"); !errors.Is(err, ErrProxyConnect) {
		t.Errorf("got %v, want ErrProxyConnect", err)
	}
}

func TestNewInvalidConfig(t *testing.T) {
	for _, cfg := range []*Config{
		nil,
		{},
		{ProxyURL: "socks5://127.0.0.1:1080"},
		{ProxyURL: "http://"},
		{ProxyURL: "http://[::1"},
	} {
		if _, err := New(cfg); !errors.Is(err, ErrProxyConfig) {
			name := "<nil>"
			if cfg != nil {
				name = cfg.ProxyURL
			}
			t.Errorf("New(%q): got %v, want ErrProxyConfig", name, err)
		}
	}
}

func TestDefaultProxyPort(t *testing.T) {
	for _, tc := range []struct{ url, want string }{
		{"http://proxy.example", "proxy.example:80"},
		{"https://proxy.example", "proxy.example:443"},
		{"http://proxy.example:3128", "proxy.example:3128"},
	} {
		d, err := New(&Config{ProxyURL: tc.url})
		if err != nil {
			t.Fatalf("New(%q): %v", tc.url, err)
		}
		if got := d.(*h1Dialer).proxyAddr; !strings.EqualFold(got, tc.want) {
			t.Errorf("%s: proxy addr %q, want %q", tc.url, got, tc.want)
		}
	}
}
