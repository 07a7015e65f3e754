package dialer

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/die-net/prtunnel/internal/conn"
	"github.com/die-net/prtunnel/internal/errkind"
	"github.com/die-net/prtunnel/internal/resolve"
)

type directDialer struct {
	cfg    Config
	family resolve.Family
}

// NewDirectDialer returns a Dialer that resolves the destination in family
// and connects to it without a proxy.
func NewDirectDialer(cfg Config, family resolve.Family) Dialer {
	return &directDialer{cfg: cfg, family: family}
}

func (f *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := checkNetwork(network, address); err != nil {
		return nil, err
	}

	c, err := dialTCP(ctx, f.cfg, f.family, address)
	if err != nil {
		return nil, err
	}
	return conn.WithReadTimeout(c, f.cfg.ServerTimeout), nil
}

// dialTCP resolves address's host in family and connects to it.
func dialTCP(ctx context.Context, cfg Config, family resolve.Family, address string) (net.Conn, error) {
	host, port, err := splitHostPort(address)
	if err != nil {
		return nil, err
	}

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	ip, err := cfg.resolver().LookupAddr(ctx, host, family)
	if err != nil {
		return nil, err
	}

	dst := netip.AddrPortFrom(ip, port).String()
	dd := net.Dialer{KeepAliveConfig: cfg.KeepAlive}
	c, err := dd.DialContext(ctx, family.Network(), dst)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s (%s): %w", errkind.ErrConnect, address, dst, err)
	}
	return c, nil
}

func splitHostPort(address string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", address, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", address, err)
	}
	return host, uint16(port), nil
}

func checkNetwork(network, address string) error {
	if !strings.HasPrefix(network, "tcp") {
		return fmt.Errorf("dial %s %s: unsupported network", network, address)
	}
	return nil
}

// negotiate runs fn with c bounded by timeout and by ctx, then clears the
// deadline. c is closed if fn fails.
func negotiate(ctx context.Context, c net.Conn, timeout time.Duration, fn func() error) error {
	if timeout > 0 {
		_ = c.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Now())
	})

	err := fn()
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = c.Close()
		return err
	}

	_ = c.SetDeadline(time.Time{})
	return nil
}
