// Command h2fetch is a minimal HTTP/2 client driven directly off
// golang.org/x/net/http2's Framer and hpack codec, implementing the
// session loop in internal/session. Flag parsing uses github.com/spf13/pflag
// for GNU-style long/short flags.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/net/http/httpguts"

	"github.com/h2fetch/h2fetch/internal/config"
	"github.com/h2fetch/h2fetch/internal/logger"
	"github.com/h2fetch/h2fetch/internal/netutil"
	"github.com/h2fetch/h2fetch/internal/session"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("h2fetch", pflag.ContinueOnError)

	verbose := flags.BoolP("verbose", "v", false, "print framing and TLS negotiation diagnostics")
	nullSink := flags.BoolP("null-sink", "n", false, "discard response bodies instead of writing them to stdout")
	timeout := flags.DurationP("timeout", "t", 30*time.Second, "per-read/per-write idle timeout (0 disables)")
	windowBits := flags.IntP("window-bits", "w", -1, "advertise an initial per-stream window of 2^N bytes")
	connWindowBits := flags.IntP("connection-window-bits", "W", -1, "advertise a connection-level window of 2^N bytes")
	assetDiscovery := flags.BoolP("asset-discovery", "a", false, "follow same-origin links discovered in HTML responses")
	stats := flags.BoolP("stats", "s", false, "print per-request timing statistics when the session ends")
	headers := flags.StringArrayP("header", "H", nil, "add a request header NAME:VALUE (repeatable)")
	certFile := flags.String("cert", "", "client certificate for mutual TLS")
	keyFile := flags.String("key", "", "client private key for mutual TLS")
	noTLS := flags.Bool("no-tls", false, "use a cleartext connection instead of TLS")
	dataPath := flags.StringP("data", "d", "", "upload body source (\"-\" reads stdin)")
	multiply := flags.IntP("multiply", "m", 1, "submit every URI this many times, disabling de-duplication when > 1")
	flags.BoolP("remote-name", "O", false, "save to a derived filename instead of stdout (not yet implemented)")

	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	uris := flags.Args()
	if len(uris) == 0 {
		fmt.Fprintln(os.Stderr, "usage: h2fetch [flags] URI...")
		return 1
	}

	hdrs, err := parseHeaders(*headers)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := validateWindowBits("-w", *windowBits); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := validateWindowBits("-W", *connWindowBits); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg := config.Config{
		Verbose:        *verbose,
		NullSink:       *nullSink,
		Timeout:        *timeout,
		WindowBits:     *windowBits,
		ConnWindowBits: *connWindowBits,
		AssetDiscovery: *assetDiscovery,
		Stats:          *stats,
		Headers:        hdrs,
		CertFile:       *certFile,
		KeyFile:        *keyFile,
		NoTLS:          *noTLS,
		DataPath:       *dataPath,
		Multiply:       *multiply,
	}

	// Ignore SIGPIPE so a closed stdout (e.g. piping into `head`) surfaces as
	// a write error instead of terminating the process outright.
	signal.Ignore(syscall.SIGPIPE)

	log := logger.New(cfg.Verbose)

	groups := groupByOrigin(uris)
	if len(groups) == 0 {
		fmt.Fprintln(os.Stderr, "h2fetch: no URI with a recognized scheme given")
		return 1
	}

	ctx := context.Background()
	failures := 0
	// Sessions against distinct origins run sequentially, one Transport
	// Channel at a time.
	for _, g := range groups {
		result, err := session.Run(ctx, g.origin, g.uris, cfg, log)
		if err != nil {
			log.Errorf("%s: %v", netutil.HostPort(g.origin), err)
			failures++
			continue
		}
		failures += result.Failures
		if cfg.Stats {
			printStats(g.origin, result.Stats)
		}
	}
	if failures > 0 {
		return 1
	}
	return 0
}

type originGroup struct {
	origin netutil.Origin
	uris   []string
}

// groupByOrigin scans uris in order and starts a new session group whenever
// the origin (scheme, host, effective port) differs from the immediately
// preceding URI's — two
// runs of the same origin separated by a different origin stay in separate
// groups, they are never merged back together. URIs without a scheme are
// silently skipped.
func groupByOrigin(uris []string) []originGroup {
	var groups []originGroup
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}
		origin := netutil.ParseOrigin(u)
		if n := len(groups); n > 0 && groups[n-1].origin.Equal(origin) {
			groups[n-1].uris = append(groups[n-1].uris, raw)
			continue
		}
		groups = append(groups, originGroup{origin: origin, uris: []string{raw}})
	}
	return groups
}

func validateWindowBits(flag string, n int) error {
	if n >= 0 && n > 30 {
		return fmt.Errorf("%s: window exponent %d out of range [0,30]", flag, n)
	}
	return nil
}

func parseHeaders(raw []string) ([]config.Header, error) {
	out := make([]config.Header, 0, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		value = strings.TrimLeft(value, " ")
		if !ok || name == "" || value == "" {
			return nil, fmt.Errorf("invalid -H value %q, want NAME:VALUE", h)
		}
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("invalid -H value %q: %q is not a valid header field name", h, name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("invalid -H value %q: invalid header field value", h)
		}
		out = append(out, config.Header{Name: name, Value: value})
	}
	return out, nil
}

func printStats(origin netutil.Origin, rows []session.Stats) {
	fmt.Fprintf(os.Stderr, "\n*** %s ***\n", netutil.HostPort(origin))
	fmt.Fprintf(os.Stderr, "%-8s %8s %8s  %s\n", "status", "ttfb(ms)", "total(ms)", "uri")
	for _, r := range rows {
		fmt.Fprintf(os.Stderr, "%-8s %8d %8d  %s\n", r.Status, r.TTFB.Milliseconds(), r.Total.Milliseconds(), r.URI)
	}
}
