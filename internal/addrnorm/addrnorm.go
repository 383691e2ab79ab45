// Package addrnorm normalizes every address the forwarder touches into
// IPv4-mapped-IPv6 form, so TCP sessions, UDP sessions and the transparent
// socket cache share one comparable key shape regardless of address family.
package addrnorm

import (
	"fmt"
	"net/netip"
)

// ToV6 returns addr in its IPv4-mapped-IPv6 normal form. IPv6 addresses are
// returned unchanged; IPv4 addresses become ::ffff:a.b.c.d.
func ToV6(addr netip.Addr) netip.Addr {
	if addr.Is4() {
		return netip.AddrFrom16(addr.As16())
	}
	return addr
}

// Key is the 28-byte-sockaddr-equivalent comparable key used by the
// transparent-socket cache and the worker's UDP session set: an
// IPv4-mapped-IPv6 address plus port. netip.AddrPort is already a plain
// comparable value, so it doubles as a map key with no extra machinery.
type Key = netip.AddrPort

// NewKey builds a cache/session key in normal form.
func NewKey(ip netip.Addr, port uint16) Key {
	return netip.AddrPortFrom(ToV6(ip), port)
}

// AsV4 returns the plain IPv4 address underlying addr, and whether addr maps
// to one. Used by the SOCKS5 codec, which must emit atype=IPv4 rather than
// atype=IPv6 for mapped addresses (spec.md 4.2).
func AsV4(addr netip.Addr) (netip.Addr, bool) {
	if !addr.Is4In6() {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// ParseAddrPort parses "host:port" where host may be an IPv4/IPv6 literal.
// Hostnames are rejected here; callers that accept hostnames (SOCKS5 upstream
// steering, DNS upstream) use net.SplitHostPort directly instead.
func ParseAddrPort(s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("addrnorm: %q: %w", s, err)
	}
	return netip.AddrPortFrom(ToV6(ap.Addr()), ap.Port()), nil
}
