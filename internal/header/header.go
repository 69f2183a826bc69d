// Package header holds the fixed header names and default values used when
// building a request's header block, and the logic for applying
// user-supplied header overrides in submission order.
package header

import "strconv"

const (
	// DefaultUserAgent is the product token this client advertises unless
	// overridden by a user-supplied User-Agent header.
	DefaultUserAgent = "h2fetch/1.0"

	Accept          = "accept"
	AcceptEncoding  = "accept-encoding"
	UserAgent       = "user-agent"
	Host            = "host"
	ContentLength   = "content-length"
	ContentEncoding = "content-encoding"

	DefaultAccept         = "*/*"
	DefaultAcceptEncoding = "gzip, deflate"
)

// KV is a single header name/value pair, kept in caller-supplied order.
type KV struct {
	Name  string
	Value string
}

// overridable names a default header that a user-supplied header of the
// same name (case-insensitively) replaces rather than duplicates.
var overridable = map[string]bool{
	Accept:    true,
	UserAgent: true,
	Host:      true,
}

// Build assembles the regular (non-pseudo) header block in the order
// required by spec: accept, accept-encoding, user-agent, content-length
// (only if uploading), then user-supplied headers in their given order.
// A user header whose name case-insensitively matches accept or
// user-agent replaces the corresponding default instead of appending; a
// Host override never appears as its own header (see Authority).
func Build(contentLength int64, hasBody bool, extra []KV) []KV {
	defaults := []KV{
		{Accept, DefaultAccept},
		{AcceptEncoding, DefaultAcceptEncoding},
		{UserAgent, DefaultUserAgent},
	}
	var appended []KV
	overrideVal := map[string]string{}
	for _, kv := range extra {
		name := lower(kv.Name)
		if name == Host {
			continue // feeds the :host pseudo-header only, see Authority
		}
		if overridable[name] {
			overrideVal[name] = kv.Value
		} else {
			appended = append(appended, kv)
		}
	}
	out := make([]KV, 0, len(defaults)+len(appended)+1)
	for _, d := range defaults {
		if v, ok := overrideVal[d.Name]; ok {
			out = append(out, KV{d.Name, v})
		} else {
			out = append(out, d)
		}
	}
	if hasBody {
		out = append(out, KV{ContentLength, strconv.FormatInt(contentLength, 10)})
	}
	out = append(out, appended...)
	return out
}

// Authority returns the effective ":host" pseudo-header value, applying a
// user-supplied Host header override (case-insensitive) in place of the
// connect-time default.
func Authority(defaultAuthority string, extra []KV) string {
	if v, ok := HostOverride(extra); ok {
		return v
	}
	return defaultAuthority
}

// HostOverride returns the user-supplied Host header value, if any
// (case-insensitive name match), and whether one was found. Used both for
// the ":host" pseudo-header (Authority) and, with its port stripped, as the
// TLS Server Name Indication value in place of the connect host.
func HostOverride(extra []KV) (string, bool) {
	for _, kv := range extra {
		if lower(kv.Name) == Host {
			return kv.Value, true
		}
	}
	return "", false
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
