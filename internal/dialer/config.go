package dialer

import (
	"net"
	"time"

	"github.com/die-net/prtunnel/internal/resolve"
)

// Config holds the settings shared by every Dialer.
type Config struct {
	// DialTimeout bounds the lookup and TCP connect to the next hop.
	DialTimeout time.Duration

	// NegotiationTimeout bounds the TLS handshake and proxy negotiation.
	NegotiationTimeout time.Duration

	// ServerTimeout is the idle receive timeout applied to the returned
	// connection. Zero disables it.
	ServerTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// Family is used to reach an upstream proxy. Direct dialers use the
	// family of their scheme instead.
	Family resolve.Family

	// Resolver defaults to the system resolver.
	Resolver resolve.Resolver

	// HTTP10 sends HTTP/1.0 CONNECT requests without a Host header.
	HTTP10 bool
}

func (c Config) resolver() resolve.Resolver {
	if c.Resolver == nil {
		return resolve.System{}
	}
	return c.Resolver
}
