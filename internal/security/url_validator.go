// Package security provides input validation and redaction helpers.
package security

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// URL validation errors.
var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrBlockedScheme    = errors.New("URL scheme not allowed")
	ErrPrivateIPBlocked = errors.New("private/internal IP addresses are not allowed")
	ErrLocalhostBlocked = errors.New("localhost URLs are not allowed")
	ErrMetadataBlocked  = errors.New("cloud metadata URLs are not allowed")
)

// blockedHosts are hostnames that always resolve to internal services.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"localhost.localdomain":    true,
	"ip6-localhost":            true,
	"ip6-loopback":             true,
	"metadata":                 true,
	"metadata.google.internal": true,
	"instance-data":            true,
}

var cloudMetadataAddrs = []netip.Addr{
	netip.MustParseAddr("169.254.169.254"), // AWS, GCP, Azure, DigitalOcean, OpenStack
	netip.MustParseAddr("169.254.170.2"),   // AWS ECS task metadata
	netip.MustParseAddr("100.100.100.200"), // Alibaba Cloud
	netip.MustParseAddr("192.0.0.192"),     // Oracle Cloud
	netip.MustParseAddr("fd00:ec2::254"),   // AWS IPv6
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ValidateURL checks that a URL is safe to render in the headless browser:
// http(s) only, and no loopback, private, link-local or metadata targets,
// including numeric host encodings such as 0x7f.1 or 2130706433.
//
// Hostnames are resolved with resolver (net.DefaultResolver when nil); a
// failed lookup is allowed and left to the browser.
func ValidateURL(ctx context.Context, rawURL string, resolver Resolver) error {
	if rawURL == "" {
		return ErrInvalidURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ErrInvalidURL
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return ErrBlockedScheme
	}

	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	if blockedHosts[host] || strings.HasSuffix(host, ".localhost") || strings.HasPrefix(host, "localhost.") {
		return ErrLocalhostBlocked
	}

	if addr, ok := parseHostAddr(host); ok {
		return validateAddr(addr)
	}

	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if err := validateAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

// parseHostAddr parses IP literals, including the legacy IPv4 forms
// browsers accept (decimal, octal, hex and shortened dotted notation).
func parseHostAddr(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.Unmap(), true
	}

	parts := strings.Split(host, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return netip.Addr{}, false
	}
	nums := make([]uint64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 0, 32)
		if err != nil {
			return netip.Addr{}, false
		}
		nums[i] = n
	}

	// The last part fills the remaining bytes.
	var v uint64
	for i, n := range nums[:len(nums)-1] {
		if n > 0xff {
			return netip.Addr{}, false
		}
		v |= n << (24 - 8*i)
	}
	last := nums[len(nums)-1]
	if last >= 1<<(8*(5-len(nums))) {
		return netip.Addr{}, false
	}
	v |= last

	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}), true
}

func validateAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return ErrLocalhostBlocked
	case isCloudMetadata(addr):
		return ErrMetadataBlocked
	case addr.IsPrivate(), addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast(), addr.IsUnspecified():
		return ErrPrivateIPBlocked
	}
	return nil
}

func isCloudMetadata(addr netip.Addr) bool {
	for _, m := range cloudMetadataAddrs {
		if addr == m {
			return true
		}
	}
	return false
}
