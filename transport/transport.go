// Package transport provides the ordered, reliable byte-stream backends the
// protocol engine runs over. The engine only needs connect/read/write/close
// plus a disconnect notification; everything protocol-specific lives above
// this package.
package transport

import (
	"context"
	"errors"
	"io"
)

// ErrClosed is returned by Read/Write after the transport has been closed
// or the peer has disconnected.
var ErrClosed = errors.New("transport closed")

// Transport is an ordered, reliable byte stream to the daemon. Read and
// Write behave like io.Reader/io.Writer on an established connection;
// neither may be called before Connect returns. Done is closed when the
// transport is no longer usable, whether by local Close or peer disconnect.
type Transport interface {
	io.Reader
	io.Writer

	// Connect establishes the underlying connection. It may only be
	// called once.
	Connect(ctx context.Context) error

	// Close tears the connection down. Safe to call more than once and
	// concurrently with Read/Write, which it unblocks.
	Close() error

	// Done is closed when the transport is shut down.
	Done() <-chan struct{}
}
