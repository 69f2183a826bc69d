// Package transport implements a single-connection, byte-oriented duplex
// (TLS-wrapped or raw TCP) with a bounded outgoing buffer.
//
// Reads happen on a dedicated goroutine making blocking Read calls gated
// by a per-call deadline, exactly as golang.org/x/net/http2's own client
// transport runs its clientConnReadLoop on a goroutine; writes stay on
// the caller's goroutine, gated by the bounded outgoing buffer described
// below rather than by socket-writability polling.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// DefaultHighWaterMark is the default bound on unflushed outgoing bytes
// (default 1 MiB).
const DefaultHighWaterMark = 1 << 20

// Channel is a single transport connection plus its outgoing buffer.
type Channel struct {
	conn         net.Conn
	isTLS        bool
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu            sync.Mutex
	out           bytes.Buffer
	highWaterMark int
}

// Options configures Dial.
type Options struct {
	// TLSConfig, if non-nil, causes Dial to perform a TLS handshake and
	// require HTTP/2 next-protocol negotiation.
	TLSConfig *tls.Config
	// Timeout is applied both as the dial timeout and as the per-read and
	// per-write idle timeout once connected.
	Timeout time.Duration
}

// Dial connects to addr (a literal "host:port", as built by
// netutil.DialAddr), optionally negotiating TLS + HTTP/2 ALPN, and enables
// TCP_NODELAY. On any failure the partially-opened connection is closed
// before returning, so callers never need to clean up a failed Dial
// themselves.
func Dial(ctx context.Context, addr string, opt Options) (*Channel, error) {
	d := net.Dialer{Timeout: opt.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	ch := New(conn, opt.Timeout)

	if opt.TLSConfig != nil {
		tconn := tls.Client(conn, opt.TLSConfig)
		hctx := ctx
		if opt.Timeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, opt.Timeout)
			defer cancel()
		}
		if err := tconn.HandshakeContext(hctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: tls handshake: %w", err)
		}
		state := tconn.ConnectionState()
		if state.NegotiatedProtocol != http2.NextProtoTLS {
			tconn.Close()
			return nil, fmt.Errorf("transport: peer did not negotiate %q (got %q)", http2.NextProtoTLS, state.NegotiatedProtocol)
		}
		ch.conn = tconn
		ch.isTLS = true
	}

	return ch, nil
}

// New wraps an already-established connection as a Channel, applying
// timeout as both the per-read and per-write idle timeout. Used by Dial
// after connect (and TLS handshake, if any); exported so tests can drive
// the framing adapter over an in-memory net.Pipe without a real socket.
func New(conn net.Conn, timeout time.Duration) *Channel {
	return &Channel{
		conn:          conn,
		readTimeout:   timeout,
		writeTimeout:  timeout,
		highWaterMark: DefaultHighWaterMark,
	}
}

// Conn returns the underlying connection, for the framing adapter's reader
// goroutine to read and set deadlines on directly.
func (c *Channel) Conn() net.Conn { return c.conn }

// ReadTimeout is the configured per-read idle timeout (0 disables it).
func (c *Channel) ReadTimeout() time.Duration { return c.readTimeout }

// OutgoingBufferedSize returns the number of bytes enqueued but not yet
// flushed to the socket.
func (c *Channel) OutgoingBufferedSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Len()
}

// HighWaterMark returns the configured bound; callers (the framing
// adapter's DATA pump) must stop producing once OutgoingBufferedSize
// reaches it.
func (c *Channel) HighWaterMark() int { return c.highWaterMark }

// SetHighWaterMark overrides the default bound.
func (c *Channel) SetHighWaterMark(n int) { c.highWaterMark = n }

// Write appends to the outgoing buffer. It implements io.Writer so the
// framing adapter's Framer/hpack encoder can write directly into the
// Channel; it never blocks and never applies back-pressure itself — the
// caller consults OutgoingBufferedSize before producing more.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

// Flush writes as much of the outgoing buffer as the socket currently
// accepts to the real connection, applying the write idle timeout.
func (c *Channel) Flush() error {
	c.mu.Lock()
	if c.out.Len() == 0 {
		c.mu.Unlock()
		return nil
	}
	data := c.out.Bytes()
	c.mu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	n, err := c.conn.Write(data)

	c.mu.Lock()
	c.out.Next(n)
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close disables both directions and releases the connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}
