// Package netutil parses a request URI into an Origin Key and builds the
// connect-time host:port and ":host" pseudo-header strings, adapted from
// req's AuthorityAddr/AuthorityHostPort.
package netutil

import (
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Origin is the (scheme, host, effective port) tuple that identifies a
// connection target. Two requests share a session iff their Origins are
// Equal.
type Origin struct {
	Scheme string
	Host   string
	Port   string
}

func defaultPort(scheme string) string {
	if scheme == "http" {
		return "80"
	}
	return "443"
}

// ParseOrigin derives the Origin of u, defaulting the port from the scheme
// when the URI does not specify one, and normalizing the host to ASCII.
func ParseOrigin(u *url.URL) Origin {
	host := u.Hostname()
	if a, err := idna.ToASCII(host); err == nil {
		host = a
	}
	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}
	return Origin{Scheme: u.Scheme, Host: host, Port: port}
}

// Equal reports whether two Origins name the same session target.
func (o Origin) Equal(other Origin) bool {
	return o.Scheme == other.Scheme &&
		strings.EqualFold(o.Host, other.Host) &&
		o.Port == other.Port
}

// IsIPv6Literal reports whether host looks like an IPv6 literal. This is a
// heuristic (presence of ':'), matching the source client it was derived
// from; it is not a conformant IP-literal grammar check (see DESIGN.md).
func IsIPv6Literal(host string) bool {
	return strings.Contains(host, ":") && !strings.HasPrefix(host, "[")
}

// HostPort builds the "host[:port]" string used, unless a Host header
// overrides it, as the ":host" pseudo-header value (and in diagnostics):
// the host bracketed if it is an IPv6 literal, with ":port" appended only
// when port is not the scheme's default. Dialing uses DialAddr instead.
func HostPort(o Origin) string {
	host := o.Host
	if IsIPv6Literal(host) {
		host = "[" + host + "]"
	}
	if o.Port == defaultPort(o.Scheme) {
		return host
	}
	return host + ":" + o.Port
}

// DialAddr is the literal "host:port" to pass to net.Dial, always including
// the port (defaulted) regardless of whether it is the scheme default.
func DialAddr(o Origin) string {
	host := o.Host
	if IsIPv6Literal(host) {
		host = "[" + host + "]"
	}
	return host + ":" + o.Port
}
