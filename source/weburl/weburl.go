// Package weburl validates user-supplied URLs and decides which hosts the
// fetcher may contact.
//
// Two checks are separate: Parse accepts any absolute http(s) URL and is
// applied to request input; Policy.Check blocks loopback, private and
// deny-listed hosts before an outbound request is made.
package weburl

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	// ErrInvalidURL is returned when input is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid URL")

	// ErrBlockedHost is returned when a host is not permitted by the policy.
	ErrBlockedHost = errors.New("host not allowed")
)

// Pre-compiled CIDR networks not covered by net.IP helpers.
var (
	cgnat    = mustCIDR("100.64.0.0/10") // carrier-grade NAT
	v6unique = mustCIDR("fc00::/7")
	v6link   = mustCIDR("fe80::/10")
)

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic("invalid CIDR " + s + ": " + err.Error())
	}
	return n
}

// Parse parses raw as an absolute http or https URL with a host.
func Parse(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q is not http or https", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// Policy controls which hosts outbound requests may reach.
type Policy struct {
	// AllowPrivate disables loopback/private/local-domain blocking.
	AllowPrivate bool

	// DenyHosts are doublestar patterns matched against the lowercase host,
	// e.g. "*.corp.example.com" or "metadata.*".
	DenyHosts []string
}

// Check reports whether u may be fetched. It does not resolve DNS; the
// fetcher's dialer re-checks resolved addresses.
func (p Policy) Check(u *url.URL) error {
	host := strings.ToLower(u.Hostname())

	for _, pattern := range p.DenyHosts {
		if ok, _ := doublestar.Match(strings.ToLower(pattern), host); ok {
			return fmt.Errorf("%w: %s matches deny pattern %q", ErrBlockedHost, host, pattern)
		}
	}

	if p.AllowPrivate {
		return nil
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: localhost", ErrBlockedHost)
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("%w: local domain %s", ErrBlockedHost, host)
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
		return fmt.Errorf("%w: private address %s", ErrBlockedHost, host)
	}
	return nil
}

// CheckIP applies the private-address rule to a resolved address.
func (p Policy) CheckIP(ip net.IP) error {
	if p.AllowPrivate || !IsPrivateIP(ip) {
		return nil
	}
	return fmt.Errorf("%w: resolved to private address %s", ErrBlockedHost, ip)
}

// IsPrivateIP checks if an IP is in private/reserved ranges.
// It handles IPv4, IPv6, and IPv6-mapped IPv4 addresses.
func IsPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	return cgnat.Contains(ip) || v6unique.Contains(ip) || v6link.Contains(ip)
}
