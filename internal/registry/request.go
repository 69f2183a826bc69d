// Package registry implements the per-origin request registry: the set
// of pending/active/completed requests for one session, indexed by URI
// for de-duplication and by stream identifier for framing dispatch.
package registry

import (
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/h2fetch/h2fetch/internal/compress"
	"github.com/h2fetch/h2fetch/internal/netutil"
)

// BodySource is an upload body with a known total length and a
// monotonically increasing offset that never exceeds Length.
type BodySource struct {
	Reader io.ReadCloser
	Length int64
	Offset int64
}

// Timings holds the three optional wall-clock instants of a request's
// lifecycle.
type Timings struct {
	HeadersSent     time.Time
	HeadersReceived time.Time
	Closed          time.Time
}

// LinkExtractor is the capability a Request's asset-discovery stage
// exposes to the Registry. internal/assets.Extractor implements it; the
// interface lives here (not in package assets) so registry never imports
// assets and the dependency runs one way.
type LinkExtractor interface {
	// Push feeds response bytes and returns newly discovered,
	// not-yet-reported link targets (absolute or relative, unfiltered).
	// final is true for the trailing end-of-input tick, whose data is the
	// decoder's remaining output, or nil when no decoder is attached.
	Push(data []byte, final bool) []string
}

// Request is one intended resource fetch.
type Request struct {
	URI    string
	Parsed *url.URL
	Origin netutil.Origin
	Level  int

	Body *BodySource

	StreamID uint32
	bound    bool

	Status string

	Decoder   *compress.StreamDecoder
	Extractor LinkExtractor

	Timings Timings
}

// Bound reports whether this Request has been bound to a stream.
func (r *Request) Bound() bool { return r.bound }

// StripFragment removes a trailing "#fragment" from uri, satisfying
// no stored URI ever contains a '#'. Idempotent: stripping an
// already-stripped URI is a no-op.
func StripFragment(uri string) string {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		return uri[:i]
	}
	return uri
}

// Registry owns every Request for one session (one Origin).
type Registry struct {
	origin   netutil.Origin
	allowDup bool

	requests []*Request
	seen     map[string]bool
	byStream map[uint32]*Request
	complete int
}

// New creates an empty Registry for origin. allowDup disables the
// duplicate-URI de-duplication, set when multiplicity > 1.
func New(origin netutil.Origin, allowDup bool) *Registry {
	return &Registry{
		origin:   origin,
		allowDup: allowDup,
		seen:     make(map[string]bool),
		byStream: make(map[uint32]*Request),
	}
}

// Admit parses uri, strips its fragment, and — unless it duplicates an
// already-admitted URI with de-duplication enabled — creates and appends a
// new Request at the given level. ok is false when the admission was
// rejected as a duplicate.
func (r *Registry) Admit(rawURI string, body *BodySource, level int) (req *Request, ok bool) {
	uri := StripFragment(rawURI)
	if !r.allowDup && r.seen[uri] {
		return nil, false
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, false
	}
	req = &Request{
		URI:    uri,
		Parsed: parsed,
		Origin: netutil.ParseOrigin(parsed),
		Level:  level,
		Body:   body,
	}
	r.requests = append(r.requests, req)
	if !r.allowDup {
		r.seen[uri] = true
	}
	return req, true
}

// BindStream idempotently binds stream id to req, recorded on HEADERS-sent.
func (r *Registry) BindStream(id uint32, req *Request) {
	if req.bound {
		return
	}
	req.bound = true
	req.StreamID = id
	r.byStream[id] = req
}

// Lookup dispatches a framing event to its Request by stream id. Unknown
// ids (server-pushed streams) are reported via ok=false and must be
// tolerated silently by the caller.
func (r *Registry) Lookup(id uint32) (req *Request, ok bool) {
	req, ok = r.byStream[id]
	return
}

// MarkComplete increments the completion counter for a bound stream.
// Unknown ids are ignored.
func (r *Registry) MarkComplete(id uint32) {
	if _, ok := r.byStream[id]; !ok {
		return
	}
	r.complete++
}

// AllDone reports whether every admitted Request's stream has closed.
func (r *Registry) AllDone() bool { return r.complete == len(r.requests) }

// Complete returns the current completion count: monotonically
// non-decreasing, never exceeds len(Requests()).
func (r *Registry) Complete() int { return r.complete }

// Requests returns every admitted Request in admission (submission) order.
func (r *Registry) Requests() []*Request { return r.requests }

// Origin returns the session's Origin Key.
func (r *Registry) Origin() netutil.Origin { return r.origin }
