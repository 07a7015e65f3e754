// Package socks holds the SOCKS wire framing used by prtunnel.
//
// The client side negotiates a CONNECT through an upstream SOCKS5 server
// with no-auth or username/password authentication, always sending the
// destination as a domain name. The server side reads a SOCKS4 or SOCKS5
// CONNECT request from a local client and writes the matching replies.
//
// Protocol constants and the fixed-layout SOCKS5 frames come from
// github.com/txthinking/socks5. Everything here reads exactly the bytes a
// frame occupies, so data following a handshake stays on the connection.
package socks
