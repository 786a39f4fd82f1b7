// Package ipmatch implements IP membership tests for the ip rule type:
// exact addresses, CIDR prefixes and inclusive start-end ranges.
package ipmatch

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

type Kind int

const (
	KindExact Kind = iota
	KindCIDR
	KindRange
)

func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindCIDR:
		return "cidr"
	case KindRange:
		return "range"
	default:
		return "unknown"
	}
}

// Pattern is a parsed ip rule value. Every form is held as an inclusive range.
type Pattern struct {
	Raw  string
	Kind Kind
	r    netipx.IPRange
}

var errEmpty = errors.New("empty ip pattern")

// ParsePattern accepts "1.2.3.4", "10.0.0.0/8", "2001:db8::/32" and
// "10.0.0.1-10.0.0.9". Range endpoints must share an address family.
func ParsePattern(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Pattern{}, errEmpty
	}

	switch {
	case strings.Contains(s, "/"):
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Pattern{}, err
		}
		p = p.Masked()
		r := netipx.RangeOfPrefix(p)
		if !r.IsValid() {
			return Pattern{}, fmt.Errorf("invalid prefix %q", s)
		}
		return Pattern{Raw: s, Kind: KindCIDR, r: r}, nil
	case strings.Contains(s, "-"):
		from, to, ok := strings.Cut(s, "-")
		if !ok {
			return Pattern{}, fmt.Errorf("invalid range %q", s)
		}
		a, err := parseAddr(from)
		if err != nil {
			return Pattern{}, err
		}
		b, err := parseAddr(to)
		if err != nil {
			return Pattern{}, err
		}
		if a.Is4() != b.Is4() {
			return Pattern{}, fmt.Errorf("range %q mixes address families", s)
		}
		r := netipx.IPRangeFrom(a, b)
		if !r.IsValid() {
			return Pattern{}, fmt.Errorf("range %q start is after end", s)
		}
		return Pattern{Raw: s, Kind: KindRange, r: r}, nil
	default:
		a, err := parseAddr(s)
		if err != nil {
			return Pattern{}, err
		}
		return Pattern{Raw: s, Kind: KindExact, r: netipx.IPRangeFrom(a, a)}, nil
	}
}

func parseAddr(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, err
	}
	if a.Zone() != "" {
		return netip.Addr{}, fmt.Errorf("zoned address %q not allowed", s)
	}
	return a.Unmap(), nil
}

// Contains reports whether addr falls inside the pattern.
func (p Pattern) Contains(addr netip.Addr) bool {
	if !addr.IsValid() || !p.r.IsValid() {
		return false
	}
	return p.r.Contains(addr.Unmap().WithZone(""))
}

// IsPrivate reports loopback, link-local, RFC 1918, ULA (fc00::/7) and
// unspecified addresses.
func IsPrivate(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsPrivate() ||
		addr.IsUnspecified()
}
