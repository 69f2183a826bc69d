// Package assets lazily extracts link URIs from an HTML response so the
// registry can submit same-origin child requests.
package assets

import (
	"bytes"

	"golang.org/x/net/html"
)

// linkAttr names the attribute holding a resource URI for each tag this
// client treats as a link source; links of every origin are returned and
// the registry applies the same-origin filter.
var linkAttr = map[string]string{
	"a":      "href",
	"link":   "href",
	"img":    "src",
	"script": "src",
}

// Extractor is a per-request link discovery instance: it holds at most one
// not-yet-reported link list and is only ever attached to level-0 requests
// (registry.Registry.OnResponseHeaders enforces that).
type Extractor struct {
	buf      bytes.Buffer
	reported map[string]bool
}

// New creates an Extractor ready to receive response bytes.
func New() *Extractor {
	return &Extractor{reported: make(map[string]bool)}
}

// Push implements registry.LinkExtractor. It appends data (ignored when
// nil) to the accumulated response body and re-tokenizes it, returning
// only links not already returned by a prior Push call. final has no
// effect beyond a last call with data == nil: HTML tokenization does not
// require a well-formed trailing boundary the way gzip/deflate do.
func (e *Extractor) Push(data []byte, final bool) []string {
	if len(data) > 0 {
		e.buf.Write(data)
	}
	return e.scan()
}

func (e *Extractor) scan() []string {
	var links []string
	z := html.NewTokenizer(bytes.NewReader(e.buf.Bytes()))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return links
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := z.TagName()
		if !hasAttr {
			continue
		}
		attr, ok := linkAttr[string(name)]
		if !ok {
			continue
		}
		for {
			key, val, more := z.TagAttr()
			if string(key) == attr {
				link := string(val)
				if link != "" && !e.reported[link] {
					e.reported[link] = true
					links = append(links, link)
				}
			}
			if !more {
				break
			}
		}
	}
}
