package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
)

// ErrPrivateAddress is returned when a backend URL resolves to an address
// inside a blocked range (loopback, RFC-1918, link-local, unique-local).
var ErrPrivateAddress = fmt.Errorf("security: url resolves to a private or loopback address")

// Resolver abstracts DNS resolution so tests can inject deterministic
// results without touching the network.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// DefaultResolver resolves via the standard library's net.DefaultResolver.
var DefaultResolver Resolver = net.DefaultResolver

// ValidateBackendURL enforces the URL allow-policy of spec.md §6: only
// http/https schemes are permitted, and the resolved IP address must not
// fall in a loopback, RFC-1918, link-local, or unique-local range (including
// IPv6 fe80::/10 and fc00::/7).
func ValidateBackendURL(ctx context.Context, rawURL string, resolver Resolver) error {
	if resolver == nil {
		resolver = DefaultResolver
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("security: parse url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("security: scheme %q not permitted for backend url %q", u.Scheme, rawURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("security: url %q has no host", rawURL)
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("security: resolve host %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("security: host %q resolved to no addresses", host)
	}

	for _, a := range addrs {
		if isBlockedIP(a.IP) {
			return fmt.Errorf("security: host %q resolves to blocked address %s: %w", host, a.IP, ErrPrivateAddress)
		}
	}
	return nil
}

// isBlockedIP reports whether ip falls in a range that must never be reached
// by a backend connect: loopback, private (RFC-1918 / unique-local), or
// link-local (including IPv6 fe80::/10).
func isBlockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
