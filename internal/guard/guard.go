// Package guard keeps the proxy from being used to reach local or private
// network addresses.
package guard

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// ErrOriginForbidden is returned when a target points at localhost or a
// non-globally-routable address.
var ErrOriginForbidden = errors.New("origin forbidden")

// reservedPrefixes are blocks that netip's predicates do not cover but that
// are not globally routable either.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),       // "this" network
	netip.MustParsePrefix("100.64.0.0/10"),   // shared address space (CGNAT)
	netip.MustParsePrefix("192.0.0.0/24"),    // IETF protocol assignments
	netip.MustParsePrefix("192.0.2.0/24"),    // TEST-NET-1
	netip.MustParsePrefix("198.18.0.0/15"),   // benchmarking
	netip.MustParsePrefix("198.51.100.0/24"), // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"),  // TEST-NET-3
	netip.MustParsePrefix("240.0.0.0/4"),     // reserved, includes broadcast
	netip.MustParsePrefix("100::/64"),        // discard-only
	netip.MustParsePrefix("2001:db8::/32"),   // documentation
	netip.MustParsePrefix("2001::/23"),       // IETF protocol assignments
	netip.MustParsePrefix("fec0::/10"),       // deprecated site-local
	netip.MustParsePrefix("64:ff9b:1::/48"),  // local-use NAT64
}

// Check rejects u when its literal host is localhost or a non-global IP
// address. Hostnames are not resolved; see DialControl for a check on the
// address actually dialed.
func Check(u *url.URL) error {
	host := u.Hostname()
	if isLocalhost(host) {
		return fmt.Errorf("%w: %s", ErrOriginForbidden, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil && !IsGlobal(addr) {
		return fmt.Errorf("%w: %s", ErrOriginForbidden, host)
	}
	return nil
}

func isLocalhost(host string) bool {
	return strings.EqualFold(strings.TrimSuffix(host, "."), "localhost")
}

// IsGlobal reports whether addr is globally routable.
func IsGlobal(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() ||
		addr.IsUnspecified() ||
		addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() {
		return false
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// DialControl is a net.Dialer Control hook that refuses connections to
// non-global addresses after DNS resolution.
func DialControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOriginForbidden, address)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOriginForbidden, address)
	}
	if !IsGlobal(addr) {
		return fmt.Errorf("%w: %s resolves to a non-global address", ErrOriginForbidden, address)
	}
	return nil
}
