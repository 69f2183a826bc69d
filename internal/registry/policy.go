package registry

import (
	"strings"
	"time"

	"github.com/h2fetch/h2fetch/internal/compress"
	"github.com/h2fetch/h2fetch/internal/netutil"
)

// HeaderField is a decoded header name/value pair, handed to the Registry
// by the framing adapter so that registry never needs to import an HPACK
// type directly.
type HeaderField struct {
	Name  string
	Value string
}

// OnResponseHeaders applies the response-header policy for a reply
// HEADERS frame: record :status (never overwritten), lazily attach a
// content decoder on the first gzip/deflate content-encoding, and lazily
// attach a link extractor for level-0 requests when asset discovery is
// enabled.
func (r *Registry) OnResponseHeaders(req *Request, fields []HeaderField, now time.Time, assetDiscovery bool, newExtractor func() LinkExtractor) error {
	if req.Timings.HeadersReceived.IsZero() {
		req.Timings.HeadersReceived = now
	}
	for _, f := range fields {
		switch strings.ToLower(f.Name) {
		case ":status":
			if req.Status == "" {
				req.Status = f.Value
			}
		case "content-encoding":
			if req.Decoder == nil {
				enc := strings.ToLower(strings.TrimSpace(f.Value))
				if enc == "gzip" || enc == "deflate" {
					dec, err := compress.NewStreamDecoder(enc)
					if err != nil {
						return err
					}
					req.Decoder = dec
				}
			}
		}
	}
	if req.Level == 0 && assetDiscovery && req.Extractor == nil {
		req.Extractor = newExtractor()
	}
	return nil
}

// OnDataChunk applies the data-chunk policy. emit receives the
// decoded (or, absent a decoder, raw) bytes in order; it is nil when -n
// (NullSink) is set. The returned links are raw, unfiltered discovery
// targets — pass them to AdmitChildren. A non-nil error means the decoder
// failed and the caller must RST_STREAM(INTERNAL_ERROR) and stop feeding
// this Request.
func (r *Registry) OnDataChunk(req *Request, data []byte, emit func([]byte)) (links []string, decodeErr error) {
	if req.Decoder == nil {
		if emit != nil {
			emit(data)
		}
		if req.Extractor != nil {
			links = req.Extractor.Push(data, false)
		}
		return links, nil
	}
	if err := req.Decoder.Feed(data); err != nil {
		return nil, err
	}
	for {
		chunk, err, ok := req.Decoder.Drain()
		if err != nil {
			return links, err
		}
		if !ok {
			break
		}
		if emit != nil {
			emit(chunk)
		}
		if req.Extractor != nil {
			links = append(links, req.Extractor.Push(chunk, false)...)
		}
	}
	return links, nil
}

// OnStreamClosed flushes the decoder and link extractor with a final
// end-of-input tick, records the closed timing, and increments the
// completion counter. becameAllDone is true exactly when this call made
// AllDone() true for the first time — the caller must then submit exactly
// one GOAWAY.
func (r *Registry) OnStreamClosed(req *Request, streamID uint32, now time.Time, emit func([]byte)) (links []string, becameAllDone bool) {
	if req.Decoder != nil {
		tail, _ := req.Decoder.Finish()
		if len(tail) > 0 && emit != nil {
			emit(tail)
		}
		if req.Extractor != nil {
			links = append(links, req.Extractor.Push(tail, true)...)
		}
	} else if req.Extractor != nil {
		links = append(links, req.Extractor.Push(nil, true)...)
	}
	if req.Timings.Closed.IsZero() {
		req.Timings.Closed = now
	}
	was := r.AllDone()
	r.MarkComplete(streamID)
	becameAllDone = !was && r.AllDone()
	return links, becameAllDone
}

// AdmitChildren resolves each discovered link against parent's URI, keeps
// only those sharing parent's origin, strips fragments, and
// admits each as a level = parent.Level+1 request. Returns
// the newly admitted Requests in discovery order for immediate submission.
func (r *Registry) AdmitChildren(parent *Request, links []string) []*Request {
	var admitted []*Request
	for _, link := range links {
		abs, err := parent.Parsed.Parse(link)
		if err != nil {
			continue
		}
		childOrigin := netutil.ParseOrigin(abs)
		if !childOrigin.Equal(parent.Origin) {
			continue
		}
		child, ok := r.Admit(abs.String(), nil, parent.Level+1)
		if ok {
			admitted = append(admitted, child)
		}
	}
	return admitted
}
