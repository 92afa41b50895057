package unixrpc

import (
	"net/url"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	paths := []string{
		"/var/run/ovirt-hosted-engine-ha/broker.socket",
		"/tmp/with space/and:colon/broker.sock",
		"relative/ünïcödé.sock",
		"/path/with/percent%2F/and?query#frag",
		"",
		string([]byte{0x00, 0xff, 0x10, '/'}),
	}
	for _, p := range paths {
		token := EncodeAddress(p)
		if strings.Trim(token, "0123456789abcdef") != "" {
			t.Fatalf("token %q for %q contains characters outside [0-9a-f]", token, p)
		}
		got, err := DecodeAddress(token)
		if err != nil {
			t.Fatalf("DecodeAddress(%q): %v", token, err)
		}
		if got != p {
			t.Fatalf("round trip mismatch: got %q want %q", got, p)
		}
	}
}

func TestAddressTokenIsValidURLHost(t *testing.T) {
	path := "/run/some dir/broker.sock"
	u, err := url.Parse("http://" + EncodeAddress(path) + "/RPC2")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	got, err := DecodeAddress(u.Hostname())
	if err != nil {
		t.Fatalf("decode host: %v", err)
	}
	if got != path {
		t.Fatalf("decoded %q want %q", got, path)
	}
}

func TestDecodeAddressAcceptsUpperCase(t *testing.T) {
	got, err := DecodeAddress(strings.ToUpper(EncodeAddress("/tmp/x.sock")))
	if err != nil {
		t.Fatalf("decode upper-case token: %v", err)
	}
	if got != "/tmp/x.sock" {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestDecodeAddressRejectsInvalidToken(t *testing.T) {
	for _, token := range []string{"xyz", "abc", "2f74 6d70"} {
		if _, err := DecodeAddress(token); err == nil {
			t.Fatalf("expected error for token %q", token)
		}
	}
}
