package framing

import (
	"fmt"
	"io"
	"net"
	"testing"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/h2fetch/h2fetch/internal/logger"
	"github.com/h2fetch/h2fetch/internal/registry"
	"github.com/h2fetch/h2fetch/internal/tests"
	"github.com/h2fetch/h2fetch/internal/transport"
)

// newTestSession wires a Session over an in-memory net.Pipe, with a peer
// Framer on the other end for assertions, avoiding any real socket or
// timing dependency.
func newTestSession(t *testing.T) (*Session, *http2.Framer) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	ch := transport.New(client, 0)
	sess, err := Open(ch, logger.New(false), Callbacks{})
	tests.AssertNoError(t, err)

	peer := http2.NewFramer(server, server)

	// Flush the client preface and drain it off the wire before the peer
	// reads frames; Flush over net.Pipe returns only once the drain has
	// consumed every preface byte.
	go func() {
		buf := make([]byte, len(http2.ClientPreface))
		read := 0
		for read < len(buf) {
			n, err := server.Read(buf[read:])
			if err != nil {
				return
			}
			read += n
		}
	}()
	tests.AssertNoError(t, sess.Flush())

	return sess, peer
}

func TestOpenWritesConnectionPrefaceThenFramesFlushSeparately(t *testing.T) {
	// newTestSession has already flushed and drained the preface on its
	// own; a direct SubmitRequest below proves further writes land as
	// ordinary frames on the same connection.
	sess, peer := newTestSession(t)
	done := make(chan struct{})
	go func() {
		_, err := sess.SubmitRequest("GET", "/", "https", "example.test", nil, nil)
		tests.AssertNoError(t, err)
		tests.AssertNoError(t, sess.Flush())
		close(done)
	}()

	f, err := peer.ReadFrame()
	tests.AssertNoError(t, err)
	<-done
	if _, ok := f.(*http2.HeadersFrame); !ok {
		t.Fatalf("expected a HEADERS frame, got %T", f)
	}
}

func TestSubmitRequestPseudoHeaderOrder(t *testing.T) {
	sess, peer := newTestSession(t)
	done := make(chan struct{})
	go func() {
		_, err := sess.SubmitRequest("GET", "/index.html", "https", "example.test", []registry.HeaderField{
			{Name: "accept", Value: "*/*"},
		}, nil)
		tests.AssertNoError(t, err)
		tests.AssertNoError(t, sess.Flush())
		close(done)
	}()

	f, err := peer.ReadFrame()
	tests.AssertNoError(t, err)
	<-done

	hf, ok := f.(*http2.HeadersFrame)
	if !ok {
		t.Fatalf("expected a HEADERS frame, got %T", f)
	}
	dec := hpack.NewDecoder(4096, nil)
	fields, err := dec.DecodeFull(hf.HeaderBlockFragment())
	tests.AssertNoError(t, err)

	want := []string{":method", ":path", ":scheme", ":host", "accept"}
	if len(fields) != len(want) {
		t.Fatalf("expected %d header fields, got %d: %+v", len(want), len(fields), fields)
	}
	for i, name := range want {
		tests.AssertEqual(t, name, fields[i].Name)
	}
	tests.AssertEqual(t, "GET", fields[0].Value)
	tests.AssertEqual(t, "/index.html", fields[1].Value)
	tests.AssertEqual(t, "https", fields[2].Value)
	tests.AssertEqual(t, "example.test", fields[3].Value)
}

func TestSubmitRequestSetsEndStreamWhenNoBody(t *testing.T) {
	sess, peer := newTestSession(t)
	done := make(chan struct{})
	go func() {
		_, err := sess.SubmitRequest("GET", "/", "https", "h", nil, nil)
		tests.AssertNoError(t, err)
		tests.AssertNoError(t, sess.Flush())
		close(done)
	}()

	f, err := peer.ReadFrame()
	tests.AssertNoError(t, err)
	<-done
	hf := f.(*http2.HeadersFrame)
	if !hf.StreamEnded() {
		t.Fatal("expected END_STREAM on a bodyless GET request")
	}
}

func TestSubmitRequestLeavesStreamOpenWithBody(t *testing.T) {
	sess, peer := newTestSession(t)
	done := make(chan struct{})
	go func() {
		body := &registry.BodySource{Reader: nopReadCloser{}, Length: 4}
		_, err := sess.SubmitRequest("POST", "/", "https", "h", nil, body)
		tests.AssertNoError(t, err)
		tests.AssertNoError(t, sess.Flush())
		close(done)
	}()

	f, err := peer.ReadFrame()
	tests.AssertNoError(t, err)
	<-done
	hf := f.(*http2.HeadersFrame)
	if hf.StreamEnded() {
		t.Fatal("expected the stream to remain open pending DATA when a body is attached")
	}
}

func TestSubmitRequestAssignsIncreasingOddStreamIDs(t *testing.T) {
	sess, peer := newTestSession(t)
	ids := make(chan uint32, 2)
	done := make(chan struct{})
	go func() {
		id1, err := sess.SubmitRequest("GET", "/a", "https", "h", nil, nil)
		tests.AssertNoError(t, err)
		ids <- id1
		id2, err := sess.SubmitRequest("GET", "/b", "https", "h", nil, nil)
		tests.AssertNoError(t, err)
		ids <- id2
		tests.AssertNoError(t, sess.Flush())
		close(done)
	}()

	peer.ReadFrame()
	peer.ReadFrame()
	<-done
	id1, id2 := <-ids, <-ids
	tests.AssertEqual(t, uint32(1), id1)
	tests.AssertEqual(t, uint32(3), id2)
}

func TestSubmitGoAwaySendsNoError(t *testing.T) {
	sess, peer := newTestSession(t)
	done := make(chan struct{})
	go func() {
		tests.AssertNoError(t, sess.SubmitGoAway())
		tests.AssertNoError(t, sess.Flush())
		close(done)
	}()

	f, err := peer.ReadFrame()
	tests.AssertNoError(t, err)
	<-done
	ga, ok := f.(*http2.GoAwayFrame)
	if !ok {
		t.Fatalf("expected a GOAWAY frame, got %T", f)
	}
	tests.AssertEqual(t, http2.ErrCodeNo, ga.ErrCode)
}

func TestResetStreamSendsRequestedCode(t *testing.T) {
	sess, peer := newTestSession(t)
	done := make(chan struct{})
	go func() {
		tests.AssertNoError(t, sess.ResetStream(1, http2.ErrCodeInternal))
		tests.AssertNoError(t, sess.Flush())
		close(done)
	}()

	f, err := peer.ReadFrame()
	tests.AssertNoError(t, err)
	<-done
	rst, ok := f.(*http2.RSTStreamFrame)
	if !ok {
		t.Fatalf("expected an RST_STREAM frame, got %T", f)
	}
	tests.AssertEqual(t, http2.ErrCodeInternal, rst.ErrCode)
}

func TestPumpUploadsResetsOnlyTheFailingStreamOnReadError(t *testing.T) {
	sess, peer := newTestSession(t)
	closed := make(chan uint32, 1)
	sess.cb.OnStreamClosed = func(streamID uint32, code http2.ErrCode) {
		closed <- streamID
	}

	done := make(chan struct{})
	go func() {
		body := &registry.BodySource{Reader: failingReadCloser{}, Length: 4}
		_, err := sess.SubmitRequest("POST", "/", "https", "h", nil, body)
		tests.AssertNoError(t, err)
		tests.AssertNoError(t, sess.Flush())

		hasMore, err := sess.PumpUploads()
		tests.AssertNoError(t, err)
		tests.AssertEqual(t, false, hasMore)
		tests.AssertNoError(t, sess.Flush())
		close(done)
	}()

	peer.ReadFrame() // HEADERS
	f, err := peer.ReadFrame()
	tests.AssertNoError(t, err)
	<-done

	rst, ok := f.(*http2.RSTStreamFrame)
	if !ok {
		t.Fatalf("expected an RST_STREAM frame after the body-read failure, got %T", f)
	}
	tests.AssertEqual(t, http2.ErrCodeInternal, rst.ErrCode)
	tests.AssertEqual(t, uint32(1), <-closed)
}

func TestPumpUploadsChunksALargeBodyAcrossMultipleCalls(t *testing.T) {
	sess, peer := newTestSession(t)
	const bodyLen = maxUploadChunk + 3616
	done := make(chan struct{})
	go func() {
		body := &registry.BodySource{Reader: io.NopCloser(tests.NeverEnding('x')), Length: bodyLen}
		_, err := sess.SubmitRequest("POST", "/", "https", "h", nil, body)
		tests.AssertNoError(t, err)
		tests.AssertNoError(t, sess.Flush())

		hasMore, err := sess.PumpUploads()
		tests.AssertNoError(t, err)
		tests.AssertEqual(t, true, hasMore)
		tests.AssertNoError(t, sess.Flush())

		hasMore, err = sess.PumpUploads()
		tests.AssertNoError(t, err)
		tests.AssertEqual(t, false, hasMore)
		tests.AssertNoError(t, sess.Flush())
		close(done)
	}()

	peer.ReadFrame() // HEADERS

	first, err := peer.ReadFrame()
	tests.AssertNoError(t, err)
	df1, ok := first.(*http2.DataFrame)
	if !ok {
		t.Fatalf("expected a DATA frame, got %T", first)
	}
	tests.AssertEqual(t, maxUploadChunk, len(df1.Data()))
	if df1.StreamEnded() {
		t.Fatal("did not expect END_STREAM on the first chunk of an oversized body")
	}

	second, err := peer.ReadFrame()
	tests.AssertNoError(t, err)
	<-done
	df2, ok := second.(*http2.DataFrame)
	if !ok {
		t.Fatalf("expected a DATA frame, got %T", second)
	}
	tests.AssertEqual(t, int(bodyLen-maxUploadChunk), len(df2.Data()))
	if !df2.StreamEnded() {
		t.Fatal("expected END_STREAM on the final chunk")
	}
}

type nopReadCloser struct{}

func (nopReadCloser) Read(p []byte) (int, error) { return 0, nil }
func (nopReadCloser) Close() error               { return nil }

type failingReadCloser struct{}

func (failingReadCloser) Read(p []byte) (int, error) { return 0, fmt.Errorf("disk error") }
func (failingReadCloser) Close() error               { return nil }
