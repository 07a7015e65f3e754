// Package trust decides which peer addresses may use the tunnel.
//
// The loopback address of the active family is always trusted. Other peers
// must match a configured Entry, either exactly or on the entry's leading
// prefix bits.
package trust

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/die-net/prtunnel/internal/resolve"
)

// Entry is a trusted address with an optional prefix length. Bits is -1
// when only exact matches count.
type Entry struct {
	Addr netip.Addr
	Bits int
}

func (e Entry) String() string {
	if e.Bits < 0 {
		return e.Addr.String()
	}
	return e.Addr.String() + "/" + strconv.Itoa(e.Bits)
}

// ParseEntry parses "host" or "host/bits". host may be an IP literal or a
// name, which is resolved with r in the given family. bits must be 0-31
// for IPv4 and 0-127 for IPv6.
func ParseEntry(ctx context.Context, s string, family resolve.Family, r resolve.Resolver) (Entry, error) {
	host, bitsStr, hasBits := strings.Cut(strings.TrimSpace(s), "/")
	if host == "" {
		return Entry{}, fmt.Errorf("trusted address %q: missing host", s)
	}

	bits := -1
	if hasBits {
		n, err := strconv.Atoi(bitsStr)
		if err != nil {
			return Entry{}, fmt.Errorf("trusted address %q: bad prefix length: %w", s, err)
		}
		if n < 0 || n >= family.Bits() {
			return Entry{}, fmt.Errorf("trusted address %q: prefix length %d out of range; must be 0 to %d", s, n, family.Bits()-1)
		}
		bits = n
	}

	addr, err := r.LookupAddr(ctx, host, family)
	if err != nil {
		return Entry{}, fmt.Errorf("trusted address %q: %w", s, err)
	}

	return Entry{Addr: addr, Bits: bits}, nil
}

// Table is an immutable set of trusted entries for one address family.
type Table struct {
	family  resolve.Family
	entries []Entry
}

// New returns a Table for family holding entries.
func New(family resolve.Family, entries ...Entry) *Table {
	t := &Table{family: family}
	for _, e := range entries {
		if a, ok := family.Normalize(e.Addr); ok {
			t.entries = append(t.entries, Entry{Addr: a, Bits: e.Bits})
		}
	}
	return t
}

// Family returns the address family the table checks.
func (t *Table) Family() resolve.Family {
	return t.family
}

// Entries returns a copy of the configured entries.
func (t *Table) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// IsTrusted reports whether addr may use the tunnel. An exact match and a
// prefix match on the same entry are checked independently; either one is
// enough.
func (t *Table) IsTrusted(addr netip.Addr) bool {
	a, ok := t.family.Normalize(addr)
	if !ok {
		return false
	}
	if a == t.family.Loopback() {
		return true
	}

	ab := a.AsSlice()
	for _, e := range t.entries {
		if a == e.Addr {
			return true
		}
		if e.Bits >= 0 && prefixMatch(ab, e.Addr.AsSlice(), e.Bits) {
			return true
		}
	}
	return false
}

// prefixMatch compares whole bytes first, then the top rem bits of the
// next byte.
func prefixMatch(a, e []byte, bits int) bool {
	if len(a) != len(e) || bits/8 >= len(a) {
		return false
	}

	full, rem := bits/8, uint(bits%8)
	for j := range full {
		if a[j] != e[j] {
			return false
		}
	}
	return a[full]>>(8-rem) == e[full]>>(8-rem)
}
