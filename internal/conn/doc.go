// Package conn holds the socket plumbing shared by the listener and the
// dialers: family-aware TCP listeners with keepalive, and a connection
// wrapper that enforces a per-read idle timeout.
package conn
