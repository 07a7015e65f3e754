package proxy

import (
	"log/slog"
	"time"

	"github.com/die-net/prtunnel/internal/dialer"
	"github.com/die-net/prtunnel/internal/resolve"
	"github.com/die-net/prtunnel/internal/trust"
)

type Config struct {
	// Target is the fixed destination as host:port. When empty, each local
	// client names its destination with a SOCKS4 or SOCKS5 request.
	Target string

	// Daemon serves sessions until the context ends. Otherwise Serve
	// handles exactly one connection.
	Daemon bool

	Family resolve.Family

	// Trust gates peers. Nil trusts only the family's loopback address.
	Trust *trust.Table

	KeepAlive KeepAlive

	// IRCAutoPong answers "PING :token" lines from upstream.
	IRCAutoPong bool

	// ClientTimeout is the idle receive timeout on local connections.
	ClientTimeout time.Duration

	// NegotiationTimeout bounds the SOCKS handshake and upstream dial.
	NegotiationTimeout time.Duration

	// MaxSessions caps concurrent sessions, counting ones still
	// negotiating. Zero means no limit.
	MaxSessions int

	Dialer dialer.Dialer

	// Observer receives relayed data and lifecycle events. Nil logs
	// events to Logger.
	Observer Observer

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}
