package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// TCP connects to a daemon listening on a TCP port (the usual debug-over-
// network setup). It is the development and same-LAN transport; for
// browser or NAT-traversal scenarios use the WebSocket or WebRTC backends.
type TCP struct {
	addr string

	conn      net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*TCP)(nil)

// NewTCP creates a TCP transport for the given "host:port" address.
func NewTCP(addr string) *TCP {
	return &TCP{
		addr: addr,
		done: make(chan struct{}),
	}
}

// Connect dials the daemon.
func (t *TCP) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.addr, err)
	}
	t.conn = conn
	return nil
}

func (t *TCP) Read(p []byte) (int, error) {
	n, err := t.conn.Read(p)
	if err != nil {
		t.shutdown()
	}
	return n, err
}

func (t *TCP) Write(p []byte) (int, error) {
	n, err := t.conn.Write(p)
	if err != nil {
		t.shutdown()
	}
	return n, err
}

// Close shuts the connection down, unblocking any pending Read/Write.
func (t *TCP) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.conn != nil {
			err = t.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection is gone.
func (t *TCP) Done() <-chan struct{} {
	return t.done
}

// shutdown marks the transport dead after an I/O error without racing a
// concurrent Close.
func (t *TCP) shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.conn != nil {
			t.conn.Close()
		}
	})
}
