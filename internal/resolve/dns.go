package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/miekg/dns"

	"github.com/die-net/prtunnel/internal/errkind"
)

// DNS resolves by sending a recursive A or AAAA query to Server.
type DNS struct {
	// Server is the nameserver address; a missing port defaults to 53.
	Server string

	// Client carries the transport and timeouts. Nil means UDP with the
	// miekg/dns defaults.
	Client *dns.Client
}

// NewDNS returns a resolver that queries server.
func NewDNS(server string) *DNS {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNS{Server: server}
}

func (d *DNS) LookupAddr(ctx context.Context, host string, family Family) (netip.Addr, error) {
	if a, ok, err := literal(host, family); ok || err != nil {
		return a, err
	}

	qtype := dns.TypeA
	if family == IPv6 {
		qtype = dns.TypeAAAA
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	c := d.Client
	if c == nil {
		c = new(dns.Client)
	}

	in, _, err := c.ExchangeContext(ctx, m, d.Server)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: query %s via %s: %w", errkind.ErrResolution, host, d.Server, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, fmt.Errorf("%w: query %s: %s", errkind.ErrResolution, host, dns.RcodeToString[in.Rcode])
	}

	for _, rr := range in.Answer {
		var ip net.IP
		switch rr := rr.(type) {
		case *dns.A:
			ip = rr.A
		case *dns.AAAA:
			ip = rr.AAAA
		default:
			continue
		}
		a, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if a, ok := family.Normalize(a); ok {
			return a, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: query %s: no %s records", errkind.ErrResolution, host, dns.TypeToString[qtype])
}
