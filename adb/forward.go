package adb

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/1ureka/droidwire/internal/util"
	"github.com/1ureka/droidwire/mux"
)

// readBufferSize is the TCP-side read chunk. Stream.Send re-splits to the
// negotiated payload cap, so this only bounds copy granularity.
const readBufferSize = 32 * 1024

// Forward is a local TCP listener whose every accepted connection becomes
// a device stream for the given remote service (e.g. "tcp:8080").
type Forward struct {
	listener net.Listener
	remote   string
}

// Forward starts forwarding localAddr to the device service remote.
// Listening stops when ctx is cancelled or Close is called; connections
// already bridged run until either side closes.
func (s *Session) Forward(ctx context.Context, localAddr, remote string) (*Forward, error) {
	if s.State() != StateConnected {
		return nil, fmt.Errorf("forward from %s state", s.State())
	}

	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", localAddr, err)
	}
	f := &Forward{listener: listener, remote: remote}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
				default:
					util.LogDebug("forward accept: %v", err)
				}
				return
			}

			st, err := s.OpenStream(ctx, remote)
			if err != nil {
				util.LogWarning("forward %s: open %q: %v", conn.RemoteAddr(), remote, err)
				conn.Close()
				continue
			}
			util.LogDebug("[%08x] forwarding %s to %q", st.LocalID(), conn.RemoteAddr(), remote)
			go bridge(ctx, conn, st)
		}
	}()

	return f, nil
}

// Addr returns the bound local address.
func (f *Forward) Addr() net.Addr {
	return f.listener.Addr()
}

// Close stops accepting new connections.
func (f *Forward) Close() error {
	return f.listener.Close()
}

// bridge pumps bytes both ways between a TCP connection and a stream.
// Whichever direction dies first closes both ends exactly once, so the
// other pump unblocks and exits.
func bridge(ctx context.Context, conn net.Conn, st *mux.Stream) {
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			conn.Close()
			st.Close(context.Background())
		})
	}

	// TCP → stream.
	go func() {
		defer cleanup()
		buf := make([]byte, readBufferSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				payload := make([]byte, n)
				copy(payload, buf[:n])
				if err := st.Send(ctx, payload); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Stream → TCP.
	go func() {
		defer cleanup()
		for {
			data, err := st.Read(ctx)
			if err != nil {
				return
			}
			if _, err := conn.Write(data); err != nil {
				return
			}
		}
	}()
}
