package dispatch

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lds.li/proxyfront/metrics"
	"lds.li/proxyfront/static"
	"lds.li/proxyfront/tunnel"
)

type fakeEngine struct {
	name   string
	claims string // path prefix for ShouldRoute

	mu       sync.Mutex
	requests []string
	upgrades chan *tunnel.Upgrade
	panics   bool
}

func newFakeEngine(name, claims string) *fakeEngine {
	return &fakeEngine{name: name, claims: claims, upgrades: make(chan *tunnel.Upgrade, 4)}
}

func (e *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	e.requests = append(e.requests, r.URL.Path)
	e.mu.Unlock()
	w.WriteHeader(http.StatusTeapot)
	_, _ = io.WriteString(w, e.name)
}

func (e *fakeEngine) ServeUpgrade(u *tunnel.Upgrade) {
	if e.panics {
		panic("engine exploded")
	}
	e.upgrades <- u
}

func (e *fakeEngine) ShouldRoute(path string, _ http.Header) bool {
	return strings.HasPrefix(path, e.claims)
}

func (e *fakeEngine) requestCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

type fixture struct {
	core   *Core
	wisp   *fakeEngine
	bare   *fakeEngine
	assets fstest.MapFS
	hook   *logtest.Hook
	reg    *prometheus.Registry
}

func newFixture(t *testing.T, nf NotFound) *fixture {
	t.Helper()

	site := fstest.MapFS{
		"index.html":      {Data: []byte("<h1>site index</h1>")},
		"404.html":        {Data: []byte("<h1>lost</h1>")},
		"wisp/index.html": {Data: []byte("should never be served")},
	}
	assets := fstest.MapFS{
		"app.css": {Data: []byte("body{color:red}")},
	}

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	reg := prometheus.NewRegistry()

	f := &fixture{
		wisp:   newFakeEngine("wisp", ""),
		bare:   newFakeEngine("bare", "/bare/"),
		assets: assets,
		hook:   hook,
		reg:    reg,
	}
	core, err := New(&Config{
		PrefixEngine: f.wisp,
		RoutedEngine: f.bare,
		Assets: static.NewResolver(
			static.Mount{Path: "/", FS: site},
			static.Mount{Path: "/assets/", FS: assets},
		),
		NotFound: nf,
		Log:      logger,
		Metrics:  metrics.New(reg),
	})
	require.NoError(t, err)
	f.core = core
	return f
}

func (f *fixture) do(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.core.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestSiteIndex(t *testing.T) {
	f := newFixture(t, NotFound{})
	rec := f.do(http.MethodGet, "/")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>site index</h1>", rec.Body.String())
}

func TestAssets(t *testing.T) {
	f := newFixture(t, NotFound{})

	rec := f.do(http.MethodGet, "/assets/app.css")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/css; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "body{color:red}", rec.Body.String())

	rec = f.do(http.MethodGet, "/assets/does-not-exist.css")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, DefaultNotFoundBody, rec.Body.String())
}

func TestUnknownPath(t *testing.T) {
	f := newFixture(t, NotFound{})
	rec := f.do(http.MethodGet, "/unknown/path")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not found.", rec.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestPrefixShadowsStatic(t *testing.T) {
	f := newFixture(t, NotFound{})
	rec := f.do(http.MethodGet, "/wisp/index.html")

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "wisp", rec.Body.String())
	assert.Equal(t, 1, f.wisp.requestCount())
	assert.Zero(t, f.bare.requestCount())
}

func TestRoutedEngine(t *testing.T) {
	f := newFixture(t, NotFound{})
	rec := f.do(http.MethodPost, "/bare/v3/")

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "bare", rec.Body.String())
	assert.Equal(t, 1, f.bare.requestCount())
	assert.Zero(t, f.wisp.requestCount())
}

func TestStaticOnlyAnswersGetAndHead(t *testing.T) {
	f := newFixture(t, NotFound{})

	rec := f.do(http.MethodHead, "/assets/app.css")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, rec.Body.Len())

	rec = f.do(http.MethodPost, "/assets/app.css")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotFoundHead(t *testing.T) {
	f := newFixture(t, NotFound{})
	rec := f.do(http.MethodHead, "/nowhere")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestNotFoundAsset(t *testing.T) {
	f := newFixture(t, NotFound{Asset: "/404.html"})
	rec := f.do(http.MethodGet, "/unknown/path")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "<h1>lost</h1>", rec.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestNotFoundAssetMissingFallsBack(t *testing.T) {
	f := newFixture(t, NotFound{Asset: "/missing-404.html", Body: "gone"})
	rec := f.do(http.MethodGet, "/unknown/path")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "gone", rec.Body.String())
}

func TestStaticVanished(t *testing.T) {
	f := newFixture(t, NotFound{})

	a, ok := f.core.assets.Find("/assets/app.css")
	require.True(t, ok)
	delete(f.assets, "app.css")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/assets/app.css", nil)
	f.core.serveStatic(rec, req, a, f.core.log)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, DefaultNotFoundBody, rec.Body.String())

	entry := f.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
}

func TestNewRejectsRelativePrefix(t *testing.T) {
	_, err := New(&Config{Prefix: "wisp/"})
	assert.Error(t, err)
}

func TestNewWithoutEngines(t *testing.T) {
	core, err := New(nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	core.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wisp/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// newUpgrade returns an upgrade for path over a loopback TCP connection,
// and the client end of it. Unlike net.Pipe, the client can still set
// deadlines and read EOF after the server end is closed.
func newUpgrade(t *testing.T, path string) (*tunnel.Upgrade, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok, "accept failed")
	t.Cleanup(func() { server.Close() })

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	return tunnel.NewUpgrade(req, server, nil), client
}

func TestUpgradeToPrefixEngine(t *testing.T) {
	f := newFixture(t, NotFound{})
	u, client := newUpgrade(t, "/wisp/")
	defer client.Close()

	f.core.ServeUpgrade(u)

	var got *tunnel.Upgrade
	select {
	case got = <-f.wisp.upgrades:
	default:
		t.Fatal("upgrade was not delegated to the prefix engine")
	}
	assert.Same(t, u, got)
	assert.Empty(t, f.bare.upgrades)

	// The connection is still open and the core wrote nothing on it.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err := client.Read(make([]byte, 1))
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)

	go func() { _, _ = client.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err = io.ReadFull(got.Conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	got.Conn.Close()
}

func TestUpgradeToRoutedEngine(t *testing.T) {
	f := newFixture(t, NotFound{})
	u, client := newUpgrade(t, "/bare/v3/")
	defer client.Close()

	f.core.ServeUpgrade(u)

	select {
	case got := <-f.bare.upgrades:
		assert.Same(t, u, got)
		got.Conn.Close()
	default:
		t.Fatal("upgrade was not delegated to the routed engine")
	}
	assert.Empty(t, f.wisp.upgrades)
}

func TestUpgradeRejected(t *testing.T) {
	f := newFixture(t, NotFound{})

	for _, path := range []string{"/", "/assets/app.css", "/unknown", "/wisp/extra"} {
		t.Run(path, func(t *testing.T) {
			u, client := newUpgrade(t, path)
			defer client.Close()

			f.core.ServeUpgrade(u)

			require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
			n, err := client.Read(make([]byte, 16))
			assert.Zero(t, n)
			assert.ErrorIs(t, err, io.EOF)
		})
	}
	assert.Empty(t, f.wisp.upgrades)
	assert.Empty(t, f.bare.upgrades)
}

func TestUpgradeEnginePanicClosesConn(t *testing.T) {
	f := newFixture(t, NotFound{})
	f.wisp.panics = true
	u, client := newUpgrade(t, "/wisp/")
	defer client.Close()

	assert.NotPanics(t, func() { f.core.ServeUpgrade(u) })

	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	entry := f.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
}

func TestMain(m *testing.M) {
	logrus.SetOutput(io.Discard)
	os.Exit(m.Run())
}
