package resolve

import "net/netip"

// Family selects IPv4 or IPv6 for lookups, dials and listeners.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Network returns the TCP network name for f ("tcp4" or "tcp6").
func (f Family) Network() string {
	if f == IPv6 {
		return "tcp6"
	}
	return "tcp4"
}

// Loopback returns the loopback address of f.
func (f Family) Loopback() netip.Addr {
	if f == IPv6 {
		return netip.IPv6Loopback()
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}

// Unspecified returns the wildcard address of f.
func (f Family) Unspecified() netip.Addr {
	if f == IPv6 {
		return netip.IPv6Unspecified()
	}
	return netip.IPv4Unspecified()
}

// Bits is the address length of f in bits.
func (f Family) Bits() int {
	if f == IPv6 {
		return 128
	}
	return 32
}

// Normalize converts a to f's representation. IPv4-mapped IPv6 addresses
// are unmapped for IPv4; it reports false if a can't be expressed in f.
func (f Family) Normalize(a netip.Addr) (netip.Addr, bool) {
	if !a.IsValid() {
		return a, false
	}
	if f == IPv6 {
		return a.WithZone(""), a.Is6()
	}
	a = a.Unmap()
	return a, a.Is4()
}
