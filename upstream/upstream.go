package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"lds.li/proxyfront/tunnel"
)

// Dialer establishes connections through the proxy.
type Dialer interface {
	// DialContext connects to address through the proxy. Only tcp networks
	// are supported.
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config configures a proxy Dialer.
type Config struct {
	// ProxyURL is the proxy to tunnel through. Scheme must be http or https.
	ProxyURL string

	// HTTP2 speaks HTTP/2 to the proxy: h2 for https, h2c for http.
	HTTP2 bool

	// TLSConfig is used for https proxies.
	TLSConfig *tls.Config

	// HeadersForRequest returns extra headers for each CONNECT request,
	// e.g. Proxy-Authorization.
	HeadersForRequest func(req *http.Request) (http.Header, error)

	// Dial reaches the proxy itself. Defaults to net.Dialer.
	Dial tunnel.DialFunc

	// PublicOnly refuses literal non-public target addresses before they
	// are handed to the proxy. Names are left to the proxy to resolve.
	PublicOnly bool
}

// New returns a Dialer for cfg.
func New(cfg *Config) (Dialer, error) {
	if cfg == nil || cfg.ProxyURL == "" {
		return nil, fmt.Errorf("%w: no proxy URL", ErrProxyConfig)
	}
	u, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrProxyConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrProxyConfig, cfg.ProxyURL)
	}

	dial := cfg.Dial
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}

	var d Dialer
	switch {
	case !cfg.HTTP2:
		d = newH1Dialer(u, cfg, dial)
	case u.Scheme == "https":
		d = newH2Dialer(u, cfg, dial)
	default:
		d = newH2CDialer(u, cfg, dial)
	}
	if cfg.PublicOnly {
		d = publicOnly{d}
	}
	return d, nil
}

func checkNetwork(network string) error {
	if !strings.HasPrefix(network, "tcp") {
		return fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	return nil
}

type publicOnly struct {
	Dialer
}

func (p publicOnly) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if err := tunnel.CheckPublicAddr(addr); err != nil {
			return nil, err
		}
	} else if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return nil, fmt.Errorf("%w: %s", tunnel.ErrForbiddenAddress, host)
	}
	return p.Dialer.DialContext(ctx, network, address)
}
