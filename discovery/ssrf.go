package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/tezit/relay/federr"
)

// blockedPrefixes are the address ranges a discovery fetch must never reach:
// RFC 1918 private space, loopback, link-local, the zero network, and their
// IPv6 counterparts. A host naming or resolving into any of them is rejected
// before a single byte goes on the wire.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// blockedSuffixes are hostname patterns that designate internal services
// regardless of what DNS would say for them.
var blockedSuffixes = []string{".local", ".internal", ".localhost"}

func addrBlocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// hostOnly strips an optional port from a host string.
func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// validateHost decides whether host may be fetched from. It returns the hard,
// non-retryable ErrSsrfBlocked when the hostname is an internal name, an IP
// literal in a blocked range, or a DNS name resolving only through blocked
// addresses. A DNS lookup failure is returned as an ordinary error: it is not
// a verdict on the host, and callers treat it as a soft miss.
func (s *Service) validateHost(ctx context.Context, host string) error {
	name := strings.ToLower(hostOnly(host))
	if name == "" {
		return fmt.Errorf("empty host")
	}

	if name == "localhost" {
		return federr.ErrSsrfBlocked
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return federr.ErrSsrfBlocked
		}
	}

	// Bare IP literals are judged directly, with no DNS involved.
	if addr, err := netip.ParseAddr(name); err == nil {
		if addrBlocked(addr) {
			return federr.ErrSsrfBlocked
		}
		return nil
	}

	addrs, err := s.lookup(ctx, name)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", name, err)
	}
	for _, addr := range addrs {
		if addrBlocked(addr) {
			return federr.ErrSsrfBlocked
		}
	}
	return nil
}
