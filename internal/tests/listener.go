package tests

import (
	"net"
	"testing"
)

// NewLocalListener opens a loopback TCP listener for a fake HTTP/2 server
// and registers it to close when the test finishes, so session.Run can be
// driven end-to-end over a real (local-only) socket instead of a mock.
func NewLocalListener(t *testing.T) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("tests: listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}
