// Package errkind defines the classes of failure a tunnel attempt can end
// with. Components wrap these sentinels so callers can use errors.Is.
package errkind

import "errors"

var (
	// ErrResolution means a hostname lookup failed.
	ErrResolution = errors.New("resolution failure")

	// ErrConnect means a TCP connect to a proxy or destination failed.
	ErrConnect = errors.New("connect failure")

	// ErrNegotiation covers malformed or unexpected proxy responses,
	// rejected credentials, and bad SOCKS client requests.
	ErrNegotiation = errors.New("negotiation failure")

	// ErrTrustRejected means the peer address is not permitted.
	ErrTrustRejected = errors.New("peer not trusted")

	// ErrAllocation means the session table is full.
	ErrAllocation = errors.New("session limit reached")

	// ErrPeerClosed marks the normal end of a relay socket.
	ErrPeerClosed = errors.New("peer closed")
)
