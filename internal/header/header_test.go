package header

import (
	"testing"

	"github.com/h2fetch/h2fetch/internal/tests"
)

func TestBuildDefaultOrder(t *testing.T) {
	got := Build(0, false, nil)
	want := []KV{
		{Accept, DefaultAccept},
		{AcceptEncoding, DefaultAcceptEncoding},
		{UserAgent, DefaultUserAgent},
	}
	tests.AssertEqual(t, want, got)
}

func TestBuildWithBodyAddsContentLength(t *testing.T) {
	got := Build(42, true, nil)
	if len(got) != 4 {
		t.Fatalf("expected 4 header fields, got %d: %+v", len(got), got)
	}
	tests.AssertEqual(t, KV{ContentLength, "42"}, got[3])
}

func TestBuildOverridesAcceptAndUserAgent(t *testing.T) {
	extra := []KV{
		{"Accept", "text/html"},
		{"X-Custom", "1"},
		{"User-Agent", "custom/1.0"},
	}
	got := Build(0, false, extra)
	want := []KV{
		{Accept, "text/html"},
		{AcceptEncoding, DefaultAcceptEncoding},
		{UserAgent, "custom/1.0"},
		{"X-Custom", "1"},
	}
	tests.AssertEqual(t, want, got)
}

func TestBuildOmitsHostFromRegularHeaders(t *testing.T) {
	extra := []KV{{"Host", "override.example"}}
	got := Build(0, false, extra)
	for _, kv := range got {
		if lower(kv.Name) == Host {
			t.Fatalf("Host must not appear among regular headers, got %+v", got)
		}
	}
}

func TestAuthorityDefaultsWhenNoOverride(t *testing.T) {
	tests.AssertEqual(t, "example.com:443", Authority("example.com:443", nil))
}

func TestAuthorityHonorsHostOverride(t *testing.T) {
	extra := []KV{{"Host", "override.example"}}
	tests.AssertEqual(t, "override.example", Authority("example.com:443", extra))
}

func TestAuthorityIsCaseInsensitive(t *testing.T) {
	extra := []KV{{"HOST", "override.example"}}
	tests.AssertEqual(t, "override.example", Authority("example.com:443", extra))
}

func TestHostOverrideReportsAbsence(t *testing.T) {
	_, ok := HostOverride(nil)
	if ok {
		t.Fatal("expected no Host override when none was supplied")
	}
}

func TestHostOverrideReturnsRawValue(t *testing.T) {
	extra := []KV{{"Host", "override.example:8443"}}
	v, ok := HostOverride(extra)
	if !ok {
		t.Fatal("expected a Host override to be found")
	}
	tests.AssertEqual(t, "override.example:8443", v)
}
