package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/die-net/prtunnel/internal/errkind"
)

// Resolver looks up one address of the given family for host.
//
// Implementations return IP literals of the right family without a lookup
// and wrap every failure in errkind.ErrResolution.
type Resolver interface {
	LookupAddr(ctx context.Context, host string, family Family) (netip.Addr, error)
}

// System resolves through a net.Resolver (net.DefaultResolver when nil).
type System struct {
	Resolver *net.Resolver
}

func (s System) LookupAddr(ctx context.Context, host string, family Family) (netip.Addr, error) {
	if a, ok, err := literal(host, family); ok || err != nil {
		return a, err
	}

	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}

	network := "ip4"
	if family == IPv6 {
		network = "ip6"
	}

	addrs, err := r.LookupNetIP(ctx, network, host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: lookup %s: %w", errkind.ErrResolution, host, err)
	}
	for _, a := range addrs {
		if a, ok := family.Normalize(a); ok {
			return a, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: lookup %s: no %s address", errkind.ErrResolution, host, family)
}

// literal handles hosts that are already IP addresses. ok is false when
// host is a name that needs a lookup.
func literal(host string, family Family) (addr netip.Addr, ok bool, err error) {
	a, perr := netip.ParseAddr(host)
	if perr != nil {
		return netip.Addr{}, false, nil
	}
	a, match := family.Normalize(a)
	if !match {
		return netip.Addr{}, true, fmt.Errorf("%w: %s is not an %s address", errkind.ErrResolution, host, family)
	}
	return a, true, nil
}
