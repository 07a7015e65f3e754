package resolve

import (
	"context"
	"net/netip"

	"golang.org/x/sync/singleflight"
)

// Group wraps a Resolver so concurrent lookups of the same host and family
// share one query. Callers give up when their own context ends while the
// query continues for the other waiters.
type Group struct {
	Resolver Resolver

	sf singleflight.Group
}

func (g *Group) LookupAddr(ctx context.Context, host string, family Family) (netip.Addr, error) {
	if a, ok, err := literal(host, family); ok || err != nil {
		return a, err
	}

	ch := g.sf.DoChan(family.String()+"/"+host, func() (any, error) {
		return g.Resolver.LookupAddr(context.WithoutCancel(ctx), host, family)
	})

	select {
	case <-ctx.Done():
		return netip.Addr{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return netip.Addr{}, res.Err
		}
		return res.Val.(netip.Addr), nil
	}
}
