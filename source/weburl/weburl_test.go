package weburl

import (
	"errors"
	"net"
	"net/url"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "https URL", url: "https://go.dev/doc/effective_go"},
		{name: "http URL", url: "http://app.example.com/login"},
		{name: "surrounding space", url: "  https://docs.example.com  "},
		{name: "empty", url: "", wantErr: true},
		{name: "relative path", url: "/docs/guide", wantErr: true},
		{name: "ftp scheme", url: "ftp://example.com/file", wantErr: true},
		{name: "javascript scheme", url: "javascript:alert(1)", wantErr: true},
		{name: "missing host", url: "https:///path", wantErr: true},
		{name: "unparseable", url: "://bad", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidURL) {
				t.Errorf("Parse(%q) error = %v, want ErrInvalidURL", tt.url, err)
			}
		})
	}
}

func TestPolicy_Check(t *testing.T) {
	strict := Policy{DenyHosts: []string{"*.corp.example.com", "metadata.*"}}
	permissive := Policy{AllowPrivate: true, DenyHosts: []string{"*.corp.example.com"}}

	tests := []struct {
		name    string
		policy  Policy
		url     string
		wantErr bool
	}{
		{"public host", strict, "https://docs.example.com/guide", false},
		{"localhost", strict, "http://localhost:8080", true},
		{"loopback ip", strict, "http://127.0.0.1/x", true},
		{".local domain", strict, "https://myserver.local/api", true},
		{".internal domain", strict, "https://app.internal/api", true},
		{"private 10/8", strict, "https://10.0.0.1/path", true},
		{"private 192.168/16", strict, "https://192.168.1.1/path", true},
		{"cgnat", strict, "https://100.64.0.1/", true},
		{"ipv6 loopback", strict, "http://[::1]:8080/", true},
		{"deny pattern", strict, "https://wiki.corp.example.com/page", true},
		{"deny pattern case-insensitive", strict, "https://WIKI.Corp.Example.com/page", true},
		{"deny prefix pattern", strict, "http://metadata.google.internal/", true},
		{"allow private permits loopback", permissive, "http://127.0.0.1:9999/", false},
		{"allow private still denies pattern", permissive, "https://a.corp.example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			if err != nil {
				t.Fatal(err)
			}
			err = tt.policy.Check(u)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrBlockedHost) {
				t.Errorf("Check(%q) error = %v, want ErrBlockedHost", tt.url, err)
			}
		})
	}
}

func TestPolicy_CheckIP(t *testing.T) {
	if err := (Policy{}).CheckIP(net.ParseIP("10.1.2.3")); err == nil {
		t.Error("expected private address to be blocked")
	}
	if err := (Policy{AllowPrivate: true}).CheckIP(net.ParseIP("10.1.2.3")); err != nil {
		t.Errorf("expected private address to be allowed, got %v", err)
	}
	if err := (Policy{}).CheckIP(net.ParseIP("8.8.8.8")); err != nil {
		t.Errorf("expected public address to pass, got %v", err)
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"192.168.0.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fc00::1", true},
		{"fe80::1", true},
		{"::ffff:192.168.1.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"2001:4860:4860::8888", false},
		{"::ffff:8.8.8.8", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := IsPrivateIP(net.ParseIP(tt.ip)); got != tt.private {
				t.Errorf("IsPrivateIP(%s) = %v, want %v", tt.ip, got, tt.private)
			}
		})
	}
}
