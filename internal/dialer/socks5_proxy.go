package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/die-net/prtunnel/internal/conn"
	"github.com/die-net/prtunnel/internal/socks"
)

// SOCKS5ProxyDialer dials outbound TCP connections through a SOCKS5 proxy.
// The destination host is always sent as a domain name so the proxy does
// the lookup.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	auth      socks.Auth
}

func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		auth:      socks.Auth{Username: username, Password: password},
	}
}

// ProxyAddr returns the proxy host:port.
func (f *SOCKS5ProxyDialer) ProxyAddr() string {
	return f.proxyAddr
}

func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := checkNetwork(network, address); err != nil {
		return nil, err
	}
	host, port, err := splitHostPort(address)
	if err != nil {
		return nil, err
	}

	c, err := dialTCP(ctx, f.cfg, f.cfg.Family, f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	err = negotiate(ctx, c, f.cfg.NegotiationTimeout, func() error {
		if err := socks.ClientDial(c, f.auth, host, port); err != nil {
			return fmt.Errorf("socks5 proxy dial %s: %w", address, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return conn.WithReadTimeout(c, f.cfg.ServerTimeout), nil
}
