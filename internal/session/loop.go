// Package session implements the per-origin orchestration of a transport
// channel, a framing session adapter, and a request registry. It is the
// sole receiver of the framing adapter's Callbacks and the only place
// registry state is mutated, keeping every frame-driven state transition
// on one goroutine.
package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/net/http2"

	"github.com/h2fetch/h2fetch/internal/assets"
	"github.com/h2fetch/h2fetch/internal/config"
	"github.com/h2fetch/h2fetch/internal/framing"
	"github.com/h2fetch/h2fetch/internal/header"
	"github.com/h2fetch/h2fetch/internal/logger"
	"github.com/h2fetch/h2fetch/internal/netutil"
	"github.com/h2fetch/h2fetch/internal/registry"
	"github.com/h2fetch/h2fetch/internal/transport"
	tlsconn "github.com/h2fetch/h2fetch/pkg/tls"
)

// Stats is one row of the -s per-request timing summary.
type Stats struct {
	URI    string
	Status string
	TTFB   time.Duration
	Total  time.Duration
}

// Result is the outcome of one session run.
type Result struct {
	Stats    []Stats
	Failures int
}

// Run dials origin, performs the HTTP/2 connection preface and SETTINGS
// handshake, submits uris (each repeated cfg.Multiply times), discovers
// and submits same-origin child requests as responses arrive, and returns
// once every request — including every request discovered along the way
// — has reached a terminal state.
func Run(ctx context.Context, origin netutil.Origin, uris []string, cfg config.Config, log logger.Logger) (Result, error) {
	ch, err := dial(ctx, origin, cfg, toKV(cfg.Headers))
	if err != nil {
		return Result{}, err
	}
	defer ch.Close()

	if cfg.Verbose {
		if state, ok := tlsconn.State(ch.Conn()); ok {
			log.Debugf("tls: version=%x cipher=%x alpn=%q", state.Version, state.CipherSuite, state.NegotiatedProtocol)
		}
	}

	l := &looper{
		reg:           registry.New(origin, cfg.Multiply > 1),
		cfg:           cfg,
		log:           log,
		origin:        origin,
		closedStreams: make(map[uint32]bool),
	}
	if !cfg.NullSink {
		l.emit = func(b []byte) { os.Stdout.Write(b) }
	}

	cb := framing.Callbacks{
		OnHeadersSent:  l.onHeadersSent,
		OnHeadersRecv:  l.onHeadersRecv,
		OnDataChunk:    l.onDataChunk,
		OnStreamClosed: l.onStreamClosed,
	}
	if cfg.Verbose {
		cb.OnDataSent = func(id uint32, n int) { log.Debugf("stream %d: sent %d data bytes", id, n) }
		cb.OnDataRecv = func(id uint32, n int) { log.Debugf("stream %d: received %d data bytes", id, n) }
		cb.OnInvalidFrame = func(err error) { log.Warnf("invalid frame: %v", err) }
		cb.OnUnknownFrame = func(t string) { log.Debugf("unhandled frame type %s", t) }
	}

	sess, err := framing.Open(ch, log, cb)
	if err != nil {
		return Result{}, err
	}
	l.sess = sess

	if err := sess.SubmitSettings(cfg.WindowBits, cfg.ConnWindowBits); err != nil {
		return Result{}, err
	}

	var bodyData []byte
	if cfg.DataPath != "" {
		bodyData, err = loadBody(cfg.DataPath)
		if err != nil {
			return Result{}, err
		}
	}

	n := cfg.Multiply
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		for _, u := range uris {
			var body *registry.BodySource
			if bodyData != nil {
				body = &registry.BodySource{
					Reader: io.NopCloser(bytes.NewReader(bodyData)),
					Length: int64(len(bodyData)),
				}
			}
			req, ok := l.reg.Admit(u, body, 0)
			if !ok {
				continue
			}
			if err := l.submit(req); err != nil {
				return Result{}, err
			}
		}
	}
	for {
		more, err := sess.PumpUploads()
		if err != nil {
			return Result{}, err
		}
		if !more {
			break
		}
	}
	if err := sess.Flush(); err != nil {
		return Result{}, err
	}

	if err := l.drive(ctx); err != nil {
		return Result{Stats: l.stats, Failures: l.failures}, err
	}
	return Result{Stats: l.stats, Failures: l.failures}, nil
}

func dial(ctx context.Context, origin netutil.Origin, cfg config.Config, extra []header.KV) (*transport.Channel, error) {
	opt := transport.Options{Timeout: cfg.Timeout}
	if !cfg.NoTLS {
		sni := origin.Host
		if v, ok := header.HostOverride(extra); ok {
			sni = stripPort(v)
		}
		tlsCfg := &tls.Config{ServerName: sni, NextProtos: []string{http2.NextProtoTLS}}
		if cfg.CertFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("session: load client certificate: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
		opt.TLSConfig = tlsCfg
	}
	return transport.Dial(ctx, netutil.DialAddr(origin), opt)
}

// stripPort removes a trailing ":port" from a Host-header value so it can
// be used as a TLS SNI value, which never carries a port.
func stripPort(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

func loadBody(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// looper holds all per-session mutable state; every method on it runs on
// the single goroutine that calls drive, which is also the only goroutine
// that calls framing.Session.HandleFrame.
type looper struct {
	reg    *registry.Registry
	cfg    config.Config
	log    logger.Logger
	origin netutil.Origin
	sess   *framing.Session
	emit   func([]byte)

	stats         []Stats
	failures      int
	goAwaySent    bool
	allDoneNow    bool
	closedStreams map[uint32]bool
}

func toKV(hs []config.Header) []header.KV {
	out := make([]header.KV, len(hs))
	for i, h := range hs {
		out[i] = header.KV{Name: h.Name, Value: h.Value}
	}
	return out
}

func (l *looper) submit(req *registry.Request) error {
	extra := toKV(l.cfg.Headers)
	authority := header.Authority(netutil.HostPort(req.Origin), extra)
	hasBody := req.Body != nil
	var length int64
	if hasBody {
		length = req.Body.Length
	}
	built := header.Build(length, hasBody, extra)
	fields := make([]registry.HeaderField, len(built))
	for i, h := range built {
		fields[i] = registry.HeaderField{Name: h.Name, Value: h.Value}
	}
	method := "GET"
	if hasBody {
		method = "POST"
	}
	streamID, err := l.sess.SubmitRequest(method, req.Parsed.RequestURI(), req.Origin.Scheme, authority, fields, req.Body)
	if err != nil {
		return err
	}
	l.reg.BindStream(streamID, req)
	// The adapter fires OnHeadersSent before SubmitRequest returns the
	// stream id, while the stream is still unbound; record the timing now.
	l.onHeadersSent(streamID)
	return nil
}

func (l *looper) admitAndSubmit(parent *registry.Request, links []string) {
	if len(links) == 0 {
		return
	}
	for _, child := range l.reg.AdmitChildren(parent, links) {
		if err := l.submit(child); err != nil {
			l.log.Errorf("submit %s: %v", child.URI, err)
			l.failures++
		}
	}
}

func (l *looper) onHeadersSent(streamID uint32) {
	req, ok := l.reg.Lookup(streamID)
	if !ok {
		return
	}
	if req.Timings.HeadersSent.IsZero() {
		req.Timings.HeadersSent = time.Now()
	}
}

func newExtractor() registry.LinkExtractor { return assets.New() }

func (l *looper) onHeadersRecv(streamID uint32, fields []registry.HeaderField, endStream bool) {
	req, ok := l.reg.Lookup(streamID)
	if !ok {
		return
	}
	if err := l.reg.OnResponseHeaders(req, fields, time.Now(), l.cfg.AssetDiscovery, newExtractor); err != nil {
		l.log.Errorf("stream %d: %v", streamID, err)
		if rerr := l.sess.ResetStream(streamID, http2.ErrCodeInternal); rerr != nil {
			l.log.Errorf("stream %d: reset: %v", streamID, rerr)
		}
		l.onStreamClosed(streamID, http2.ErrCodeInternal)
	}
}

func (l *looper) onDataChunk(streamID uint32, data []byte) {
	req, ok := l.reg.Lookup(streamID)
	if !ok {
		return
	}
	if l.closedStreams[streamID] {
		return
	}
	links, err := l.reg.OnDataChunk(req, data, l.emit)
	if err != nil {
		l.log.Errorf("stream %d: decode: %v", streamID, err)
		if rerr := l.sess.ResetStream(streamID, http2.ErrCodeInternal); rerr != nil {
			l.log.Errorf("stream %d: reset: %v", streamID, rerr)
		}
		l.onStreamClosed(streamID, http2.ErrCodeInternal)
		return
	}
	l.admitAndSubmit(req, links)
}

func (l *looper) onStreamClosed(streamID uint32, code http2.ErrCode) {
	req, ok := l.reg.Lookup(streamID)
	if !ok {
		return
	}
	if l.closedStreams[streamID] {
		// A decode error already closed this stream (and reset it on the
		// wire) before the framing adapter's own end-of-stream bookkeeping
		// ran for the same frame; only the first close counts.
		return
	}
	l.closedStreams[streamID] = true
	if code != http2.ErrCodeNo {
		l.failures++
	}
	links, becameAllDone := l.reg.OnStreamClosed(req, streamID, time.Now(), l.emit)
	l.admitAndSubmit(req, links)
	if l.cfg.Stats {
		l.stats = append(l.stats, Stats{
			URI:    req.URI,
			Status: req.Status,
			TTFB:   sub(req.Timings.HeadersReceived, req.Timings.HeadersSent),
			Total:  sub(req.Timings.Closed, req.Timings.HeadersSent),
		})
	}
	if becameAllDone && !l.goAwaySent {
		l.goAwaySent = true
		l.allDoneNow = true
	}
}

func sub(end, start time.Time) time.Duration {
	if start.IsZero() || end.IsZero() {
		return 0
	}
	return end.Sub(start)
}

type frameResult struct {
	f   http2.Frame
	err error
}

// drive runs the single-threaded event loop: read a frame, dispatch it,
// advance any pending uploads, flush, and submit GOAWAY exactly once when
// the registry first reports completion, terminating once GOAWAY has been
// sent and every request is done.
func (l *looper) drive(ctx context.Context) error {
	frames := make(chan frameResult, 8)
	go func() {
		for {
			f, err := l.sess.ReadFrame()
			frames <- frameResult{f, err}
			if err != nil {
				close(frames)
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fr, open := <-frames:
			if !open {
				return nil
			}
			if fr.err != nil {
				if l.reg.AllDone() {
					return nil
				}
				l.log.Errorf("%s: incomplete session: %d/%d requests finished before %v",
					netutil.HostPort(l.origin), l.reg.Complete(), len(l.reg.Requests()), fr.err)
				return fmt.Errorf("session: read frame: %w", fr.err)
			}
			if err := l.sess.HandleFrame(fr.f); err != nil {
				return err
			}
		}

		for {
			more, err := l.sess.PumpUploads()
			if err != nil {
				return err
			}
			if !more {
				break
			}
		}
		if err := l.sess.Flush(); err != nil {
			return err
		}
		if l.allDoneNow {
			l.allDoneNow = false
			if err := l.sess.SubmitGoAway(); err != nil {
				return err
			}
			if err := l.sess.Flush(); err != nil {
				return err
			}
		}
		if l.goAwaySent && l.reg.AllDone() {
			return nil
		}
	}
}
