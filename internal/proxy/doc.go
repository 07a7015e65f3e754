// Package proxy implements the tunnel engine.
//
// A Server accepts local connections, checks the peer against the trust
// table, learns the destination (either the configured target or a local
// SOCKS4/SOCKS5 handshake), dials it through the configured upstream
// Dialer and relays bytes both ways until either side closes. Each
// session runs as its own group of goroutines; the Server only keeps the
// registry of live sessions.
package proxy
