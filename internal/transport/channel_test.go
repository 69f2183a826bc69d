package transport

import (
	"net"
	"testing"
	"time"

	"github.com/h2fetch/h2fetch/internal/tests"
)

func newTestChannel(t *testing.T) (*Channel, net.Conn) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return New(client, 0), server
}

func TestWriteBuffersWithoutTouchingTheWire(t *testing.T) {
	ch, _ := newTestChannel(t)
	n, err := ch.Write([]byte("hello"))
	tests.AssertNoError(t, err)
	tests.AssertEqual(t, 5, n)
	tests.AssertEqual(t, 5, ch.OutgoingBufferedSize())
}

func TestFlushSendsBufferedBytesAndDrainsIt(t *testing.T) {
	ch, server := newTestChannel(t)
	ch.Write([]byte("ping"))

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()

	tests.AssertNoError(t, ch.Flush())
	tests.AssertEqual(t, "ping", string(<-done))
	tests.AssertEqual(t, 0, ch.OutgoingBufferedSize())
}

func TestFlushOnEmptyBufferIsANoop(t *testing.T) {
	ch, _ := newTestChannel(t)
	tests.AssertNoError(t, ch.Flush())
}

func TestHighWaterMarkIsConfigurable(t *testing.T) {
	ch, _ := newTestChannel(t)
	tests.AssertEqual(t, DefaultHighWaterMark, ch.HighWaterMark())
	ch.SetHighWaterMark(16)
	tests.AssertEqual(t, 16, ch.HighWaterMark())
	ch.Write(make([]byte, 32))
	if ch.OutgoingBufferedSize() < ch.HighWaterMark() {
		t.Fatal("expected the buffered size to exceed the configured high-water mark")
	}
}

func TestReadTimeoutDefaultsToZeroWhenUnset(t *testing.T) {
	ch := &Channel{}
	tests.AssertEqual(t, time.Duration(0), ch.ReadTimeout())
}
