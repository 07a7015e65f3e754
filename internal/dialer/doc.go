// Package dialer provides the upstream connectors used by the tunnel.
//
// Dialers implement a small interface (DialContext) and reach the
// destination either directly over IPv4 or IPv6, or through an upstream
// proxy (HTTP CONNECT, HTTPS CONNECT, or SOCKS5). A returned connection is
// fully negotiated: the next byte read from it is the destination's.
package dialer
