package conn

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/die-net/prtunnel/internal/resolve"
)

// ListenTCP listens on host:port in the given family and returns a
// net.Listener that applies keepAliveConfig to accepted TCP connections.
// An empty host listens on the family's wildcard address. IPv6 listeners
// are v6-only where the platform allows it.
func ListenTCP(ctx context.Context, family resolve.Family, host string, port uint16, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	ip := family.Unspecified()
	if host != "" {
		a, err := netip.ParseAddr(host)
		if err != nil {
			return nil, fmt.Errorf("listen address %q: %w", host, err)
		}
		var ok bool
		if ip, ok = family.Normalize(a); !ok {
			return nil, fmt.Errorf("listen address %q is not an %s address", host, family)
		}
	}

	network := family.Network()
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))

	lc := net.ListenConfig{Control: control(family)}
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return &KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

func (l *KeepAliveListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	ApplyKeepAlive(c, l.KeepAliveConfig)
	return c, nil
}

// ApplyKeepAlive sets ka on c if it is a TCP connection.
func ApplyKeepAlive(c net.Conn, ka net.KeepAliveConfig) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(ka)
	}
}
