// Package compress implements the per-request content decoder. It is
// adapted from req's lazy Reader wrappers (internal/compress/gzip_reader.go,
// deflate_reader.go), but turned from a pull-based io.Reader (req wraps a
// net/http response body that blocks until bytes are available) into a
// push-based decoder: the HTTP/2 DATA callback hands us bytes as they
// arrive, and we must hand back whatever decodes out of them without
// blocking on the network.
//
// Go's standard gzip/flate readers cannot be fed incrementally without a
// blocking underlying io.Reader (an empty intermediate buffer makes them
// return io.ErrUnexpectedEOF rather than pausing), so the decoder runs the
// actual inflate call on its own goroutine reading from an io.Pipe; Feed
// writes raw bytes into the pipe (unblocking the decode goroutine) and
// Drain pulls back whatever that goroutine has produced so far. No network
// or other external I/O is ever touched by the goroutine, so the caller
// never blocks on anything but in-flight CPU work.
package compress

import (
	"compress/flate"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

const drainChunkSize = 4096

// StreamDecoder incrementally inflates gzip- or deflate-encoded bytes fed
// via Feed, in FIFO order.
type StreamDecoder struct {
	pw   *io.PipeWriter
	out  chan []byte
	errc chan error
	done chan struct{}
}

// NewStreamDecoder starts a decode goroutine for the given content-encoding
// value ("gzip" or "deflate"; exact, case-insensitive match is the caller's
// responsibility). Returns an error for any other value.
func NewStreamDecoder(encoding string) (*StreamDecoder, error) {
	pr, pw := io.Pipe()
	d := &StreamDecoder{
		pw:   pw,
		out:  make(chan []byte, 8),
		errc: make(chan error, 1),
		done: make(chan struct{}),
	}
	var newReader func(io.Reader) (io.Reader, error)
	switch encoding {
	case "gzip":
		newReader = func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }
	case "deflate":
		newReader = func(r io.Reader) (io.Reader, error) { return flate.NewReader(r), nil }
	default:
		return nil, fmt.Errorf("compress: unsupported content-encoding %q", encoding)
	}
	go d.run(pr, newReader)
	return d, nil
}

func (d *StreamDecoder) run(pr *io.PipeReader, newReader func(io.Reader) (io.Reader, error)) {
	defer close(d.done)
	defer close(d.out)
	zr, err := newReader(pr)
	if err != nil {
		pr.CloseWithError(err)
		d.errc <- err
		return
	}
	buf := make([]byte, drainChunkSize)
	for {
		n, err := zr.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			d.out <- chunk
		}
		if err != nil {
			if err != io.EOF {
				d.errc <- err
			}
			pr.Close()
			return
		}
	}
}

// Feed hands raw encoded bytes to the decoder. It returns once the decode
// goroutine has consumed them (io.Pipe.Write blocks until read); the
// output inflated from them is queued asynchronously, so it reaches the
// caller through a later Drain or through Finish.
func (d *StreamDecoder) Feed(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	_, err := d.pw.Write(p)
	if err != nil && err != io.ErrClosedPipe {
		return fmt.Errorf("compress: feed: %w", err)
	}
	return nil
}

// Drain returns the next already-decoded chunk, if any, without blocking
// on further input. ok is false once nothing more is currently available.
func (d *StreamDecoder) Drain() (chunk []byte, err error, ok bool) {
	select {
	case c, open := <-d.out:
		if !open {
			select {
			case e := <-d.errc:
				return nil, e, false
			default:
				return nil, nil, false
			}
		}
		return c, nil, true
	default:
		return nil, nil, false
	}
}

// Finish signals end-of-input (the stream closed) and blocks until the
// decode goroutine drains its trailing output, returning it along with any
// final decode error.
func (d *StreamDecoder) Finish() ([]byte, error) {
	d.pw.Close()
	<-d.done
	var all []byte
	for c := range d.out {
		all = append(all, c...)
	}
	var err error
	select {
	case err = <-d.errc:
	default:
	}
	return all, err
}
