// Package upstream dials engine egress through an HTTP CONNECT proxy.
//
// HTTP/1.1 CONNECT (RFC 9110) is used by default, over TCP or TLS depending
// on the proxy URL scheme. With HTTP2 set, tunnels are CONNECT streams
// (RFC 9113) multiplexed over one h2 or h2c connection.
//
// # Usage
//
//	d, err := upstream.New(&upstream.Config{
//	    ProxyURL:   "https://proxy.example.com:443",
//	    PublicOnly: true,
//	})
//	if err != nil {
//	    return err
//	}
//	srv := wisp.NewServer(&wisp.Config{Dial: d.DialContext})
//
// Proxies can be chained by passing one dialer's DialContext as the Dial of
// the next.
//
// # Errors
//
// A CONNECT refused by the proxy returns a *ProxyError carrying the status.
// Every failure to establish the tunnel matches ErrProxyConnect.
package upstream
