// Package tunnel defines the contract between the dispatch core and the
// tunneling protocol engines it delegates to.
//
// An engine has two entry points. Ordinary requests arrive through
// ServeHTTP, and the engine writes the whole response. WebSocket handshakes
// arrive through ServeUpgrade as an Upgrade event: the listener has already
// hijacked the connection, and ownership of the raw net.Conn passes to the
// engine.
//
//	type echoEngine struct{}
//
//	func (echoEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
//	    http.Error(w, "upgrade required", http.StatusUpgradeRequired)
//	}
//
//	func (echoEngine) ServeUpgrade(u *tunnel.Upgrade) {
//	    defer u.Conn.Close()
//	    io.Copy(u.Conn, u.Conn)
//	}
//
// # Handshake libraries
//
// Most WebSocket libraries want an http.ResponseWriter that can be hijacked.
// Upgrade.ResponseWriter adapts the already-hijacked connection to that shape,
// so an engine can call, for example:
//
//	ws, err := upgrader.Upgrade(u.ResponseWriter(), u.Request, nil)
//
// # Egress
//
// Engines dial remote origins through a DialFunc. PublicDialer refuses
// loopback, private and link-local destinations after name resolution.
package tunnel
