// Package dispatch is the request and connection router at the centre of
// the server. It has two entry points: ServeHTTP for ordinary requests and
// ServeUpgrade for WebSocket handshakes whose connection the listener has
// already hijacked. Each request or upgrade is classified once, then handed
// to exactly one of the static mounts, the prefix engine, the routed engine
// or the not-found response.
package dispatch

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"lds.li/proxyfront/metrics"
	"lds.li/proxyfront/route"
	"lds.li/proxyfront/static"
	"lds.li/proxyfront/tunnel"
)

// DefaultPrefix is the mount point of the prefix engine.
const DefaultPrefix = "/wisp/"

// DefaultNotFoundBody is the fixed not-found payload.
const DefaultNotFoundBody = "Not found."

// NotFound describes the catch-all response.
type NotFound struct {
	// Body is written with status 404 when no Asset is configured, or
	// when the Asset cannot be resolved.
	Body string

	// ContentType of Body. Defaults to "text/html; charset=utf-8".
	ContentType string

	// Asset is a URL path, resolved through the static mounts, whose file
	// is served with status 404 instead of Body.
	Asset string
}

// Config configures a Core. Values are captured by New and not modified
// afterwards.
type Config struct {
	// Prefix is where PrefixEngine is mounted. Defaults to DefaultPrefix.
	Prefix string

	// PrefixEngine receives requests under Prefix and upgrades whose path
	// ends with Prefix. Nil disables the rule.
	PrefixEngine tunnel.Engine

	// RoutedEngine receives whatever its ShouldRoute claims. Nil disables
	// the rule.
	RoutedEngine tunnel.RoutedEngine

	// Assets serves static files. Nil serves none.
	Assets *static.Resolver

	NotFound NotFound

	// Log receives dispatch logs. If nil, the logrus standard logger is used.
	Log logrus.FieldLogger

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Core dispatches requests and upgrades. It holds no mutable state and is
// safe for concurrent use.
type Core struct {
	prefixEngine tunnel.Engine
	routedEngine tunnel.RoutedEngine
	assets       *static.Resolver
	notFound     NotFound
	classifier   route.Classifier
	log          logrus.FieldLogger
	metrics      *metrics.Metrics
}

// New builds a Core from cfg.
func New(cfg *Config) (*Core, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasPrefix(prefix, "/") {
		return nil, fmt.Errorf("dispatch: prefix %q must start with /", prefix)
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	nf := cfg.NotFound
	if nf.Body == "" {
		nf.Body = DefaultNotFoundBody
	}
	if nf.ContentType == "" {
		nf.ContentType = "text/html; charset=utf-8"
	}

	c := &Core{
		prefixEngine: cfg.PrefixEngine,
		routedEngine: cfg.RoutedEngine,
		assets:       cfg.Assets,
		notFound:     nf,
		log:          tunnel.Logger(cfg.Log),
		metrics:      cfg.Metrics,
	}
	if c.prefixEngine != nil {
		c.classifier.Prefix = prefix
	}
	if c.routedEngine != nil {
		c.classifier.Router = c.routedEngine
	}
	if c.assets != nil {
		c.classifier.Assets = c.assets
	}
	return c, nil
}

// ServeHTTP is the entry point for ordinary requests.
func (c *Core) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d := c.classifier.Classify(r.URL.Path, r.Header)

	// Static mounts only answer GET and HEAD; anything else falls
	// through to the catch-all.
	if d.Kind == route.ServeStatic && r.Method != http.MethodGet && r.Method != http.MethodHead {
		d = route.Decision{Kind: route.NotFound}
	}

	c.metrics.Dispatched(metrics.EntryRequest, d.Kind.String())
	log := c.log.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"route":  d.Kind.String(),
		"remote": r.RemoteAddr,
	})
	log.Debug("dispatching request")

	switch d.Kind {
	case route.DelegatePrefix:
		c.prefixEngine.ServeHTTP(w, r)
	case route.DelegateRouted:
		c.routedEngine.ServeHTTP(w, r)
	case route.ServeStatic:
		c.serveStatic(w, r, d.Asset, log)
	default:
		c.serveNotFound(w, r)
	}
}

// ServeUpgrade is the entry point for hijacked WebSocket handshakes. The
// connection is either handed to one engine or closed before ServeUpgrade
// returns; it is never left without an owner.
func (c *Core) ServeUpgrade(u *tunnel.Upgrade) {
	kind := c.classifier.ClassifyUpgrade(u.Request.URL.Path, u.Request.Header)

	c.metrics.Dispatched(metrics.EntryUpgrade, kind.String())
	log := c.log.WithFields(logrus.Fields{
		"path":   u.Request.URL.Path,
		"route":  kind.String(),
		"remote": u.Conn.RemoteAddr().String(),
	})

	var engine tunnel.Engine
	switch kind {
	case route.UpgradePrefix:
		engine = c.prefixEngine
	case route.UpgradeRouted:
		engine = c.routedEngine
	default:
		log.Debug("rejecting upgrade")
		_ = u.Close()
		return
	}

	log.Debug("delegating upgrade")
	c.delegateUpgrade(engine, u, log)
}

func (c *Core) delegateUpgrade(engine tunnel.Engine, u *tunnel.Upgrade, log logrus.FieldLogger) {
	defer func() {
		if p := recover(); p != nil {
			c.metrics.EnginePanic()
			log.WithField("panic", p).Error("engine panicked handling upgrade")
			_ = u.Close()
		}
	}()
	engine.ServeUpgrade(u)
}

func (c *Core) serveStatic(w http.ResponseWriter, r *http.Request, a static.Asset, log logrus.FieldLogger) {
	err := c.assets.Serve(w, r, a)
	if err == nil {
		return
	}
	if errors.Is(err, static.ErrNotFound) {
		c.metrics.StaticMiss()
		log.WithError(err).Warn("static asset vanished after classification")
	} else {
		log.WithError(err).Error("serving static asset")
	}
	c.serveNotFound(w, r)
}

func (c *Core) serveNotFound(w http.ResponseWriter, r *http.Request) {
	body, ctype := []byte(c.notFound.Body), c.notFound.ContentType
	if c.notFound.Asset != "" && c.assets != nil {
		data, assetType, err := c.assets.Resolve(c.notFound.Asset)
		if err == nil {
			body, ctype = data, assetType
		} else {
			c.log.WithError(err).WithField("asset", c.notFound.Asset).Warn("not-found asset unavailable")
		}
	}

	h := w.Header()
	h.Set("Content-Type", ctype)
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNotFound)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}
