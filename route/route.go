// Package route classifies requests onto the destinations the dispatch core
// knows about. Classification is a pure function of path and headers: it
// reads static mount metadata but never writes, blocks on the network or
// keeps state between calls.
package route

import (
	"net/http"
	"strings"

	"lds.li/proxyfront/static"
	"lds.li/proxyfront/tunnel"
)

// Kind is the destination of an ordinary request.
type Kind int

const (
	NotFound Kind = iota
	ServeStatic
	DelegatePrefix // the engine mounted on the fixed prefix
	DelegateRouted // the engine that claimed the request itself
)

func (k Kind) String() string {
	switch k {
	case ServeStatic:
		return "static"
	case DelegatePrefix:
		return "prefix"
	case DelegateRouted:
		return "routed"
	default:
		return "not_found"
	}
}

// Decision is the result of classifying an ordinary request.
type Decision struct {
	Kind Kind
	// Asset is set when Kind is ServeStatic.
	Asset static.Asset
}

// UpgradeKind is the destination of a WebSocket handshake.
type UpgradeKind int

const (
	Reject UpgradeKind = iota
	UpgradePrefix
	UpgradeRouted
)

func (k UpgradeKind) String() string {
	switch k {
	case UpgradePrefix:
		return "prefix"
	case UpgradeRouted:
		return "routed"
	default:
		return "rejected"
	}
}

// AssetFinder reports whether a URL path names a static file.
type AssetFinder interface {
	Find(urlPath string) (static.Asset, bool)
}

// Classifier holds the routing table. The zero value routes everything to
// NotFound.
type Classifier struct {
	// Prefix is the path prefix of the prefix-mounted engine, with a
	// trailing slash, e.g. "/wisp/". Empty disables the rule.
	Prefix string

	// Router claims requests for the routed engine. Nil disables the rule.
	Router tunnel.Router

	// Assets resolves static files. Nil disables the rule.
	Assets AssetFinder
}

// Classify maps an ordinary request onto exactly one destination. The rules
// are tried in order and the first match wins, so the engines shadow any
// static file under their paths.
func (c *Classifier) Classify(path string, header http.Header) Decision {
	if c.hasPrefix(path) {
		return Decision{Kind: DelegatePrefix}
	}
	if c.Router != nil && c.Router.ShouldRoute(path, header) {
		return Decision{Kind: DelegateRouted}
	}
	if c.Assets != nil {
		if a, ok := c.Assets.Find(path); ok {
			return Decision{Kind: ServeStatic, Asset: a}
		}
	}
	return Decision{Kind: NotFound}
}

// ClassifyUpgrade maps a WebSocket handshake onto exactly one destination.
// Static files never upgrade.
func (c *Classifier) ClassifyUpgrade(path string, header http.Header) UpgradeKind {
	if c.Prefix != "" && strings.HasSuffix(path, c.Prefix) {
		return UpgradePrefix
	}
	if c.Router != nil && c.Router.ShouldRoute(path, header) {
		return UpgradeRouted
	}
	return Reject
}

// hasPrefix matches the literal routing segment: "/wisp/x" and "/wisp" are
// in, "/wispy" and "/assets/wisp/" are not.
func (c *Classifier) hasPrefix(path string) bool {
	if c.Prefix == "" {
		return false
	}
	return strings.HasPrefix(path, c.Prefix) || path == strings.TrimSuffix(c.Prefix, "/")
}
