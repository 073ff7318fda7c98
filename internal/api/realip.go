package api

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// rateLimitKeyFunc returns an httprate key function that identifies clients
// by IP. X-Forwarded-For and X-Real-IP are honored only when the immediate
// peer falls inside one of the trusted proxy ranges; otherwise a spoofed
// header would let anyone escape their rate bucket.
func rateLimitKeyFunc(trustedProxies []string) (func(r *http.Request) (string, error), error) {
	trusted := make([]netip.Prefix, 0, len(trustedProxies))
	for _, entry := range trustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, err := parsePrefixOrAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		trusted = append(trusted, prefix)
	}

	return func(r *http.Request) (string, error) {
		return clientIP(r, trusted), nil
	}, nil
}

// parsePrefixOrAddr accepts either CIDR notation or a bare address, which is
// treated as a single-host prefix.
func parsePrefixOrAddr(entry string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(entry); err == nil {
		return prefix, nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func clientIP(r *http.Request, trusted []netip.Prefix) string {
	peer, ok := addrFromHostPort(r.RemoteAddr)
	if !ok {
		return "unknown"
	}

	if prefixesContain(trusted, peer) {
		// Leftmost parseable entry wins; proxies append, clients prepend.
		for _, hop := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
			if addr, ok := parseForwardedAddr(hop); ok {
				return addr.String()
			}
		}
		if addr, ok := parseForwardedAddr(r.Header.Get("X-Real-IP")); ok {
			return addr.String()
		}
	}

	return peer.String()
}

func prefixesContain(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// addrFromHostPort parses "host:port" or a bare address, unmapping
// IPv4-in-IPv6 so 127.0.0.1 and ::ffff:127.0.0.1 key the same bucket.
func addrFromHostPort(value string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(value); err == nil {
		return ap.Addr().Unmap(), true
	}
	if addr, err := netip.ParseAddr(strings.Trim(value, "[]")); err == nil {
		return addr.Unmap(), true
	}
	return netip.Addr{}, false
}

func parseForwardedAddr(value string) (netip.Addr, bool) {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, `"`)
	if value == "" {
		return netip.Addr{}, false
	}
	if addr, ok := addrFromHostPort(value); ok {
		return addr, true
	}
	return netip.Addr{}, false
}
