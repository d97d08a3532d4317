package security

import (
	"context"
	"net"
	"testing"
)

type fakeResolver struct {
	addrs map[string][]net.IPAddr
	err   error
}

func (f *fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs[host], nil
}

func TestValidateBackendURL_RejectsNonHTTPScheme(t *testing.T) {
	err := ValidateBackendURL(context.Background(), "ftp://example.com", &fakeResolver{})
	if err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func TestValidateBackendURL_RejectsLoopback(t *testing.T) {
	r := &fakeResolver{addrs: map[string][]net.IPAddr{
		"internal.example.com": {{IP: net.ParseIP("127.0.0.1")}},
	}}
	err := ValidateBackendURL(context.Background(), "http://internal.example.com/sse", r)
	if err == nil {
		t.Fatal("expected rejection of loopback address")
	}
}

func TestValidateBackendURL_RejectsRFC1918(t *testing.T) {
	r := &fakeResolver{addrs: map[string][]net.IPAddr{
		"metadata.internal": {{IP: net.ParseIP("10.0.0.5")}},
	}}
	if err := ValidateBackendURL(context.Background(), "https://metadata.internal", r); err == nil {
		t.Fatal("expected rejection of RFC-1918 address")
	}
}

func TestValidateBackendURL_RejectsIPv6LinkLocal(t *testing.T) {
	r := &fakeResolver{addrs: map[string][]net.IPAddr{
		"link.example.com": {{IP: net.ParseIP("fe80::1")}},
	}}
	if err := ValidateBackendURL(context.Background(), "http://link.example.com", r); err == nil {
		t.Fatal("expected rejection of fe80::/10 address")
	}
}

func TestValidateBackendURL_AllowsPublicAddress(t *testing.T) {
	r := &fakeResolver{addrs: map[string][]net.IPAddr{
		"public.example.com": {{IP: net.ParseIP("93.184.216.34")}},
	}}
	if err := ValidateBackendURL(context.Background(), "https://public.example.com/mcp", r); err != nil {
		t.Fatalf("unexpected error for public address: %v", err)
	}
}
