package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocket carries the byte stream over binary WebSocket messages, for
// daemons reachable only through an HTTP-speaking bridge or proxy. Message
// boundaries are not meaningful; the engine treats the concatenation of
// all binary messages as one ordered stream.
type WebSocket struct {
	url string

	conn      *websocket.Conn
	reader    io.Reader // current in-progress message, nil between messages
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket creates a WebSocket transport for the given ws:// or wss:// URL.
func NewWebSocket(url string) *WebSocket {
	return &WebSocket{
		url:  url,
		done: make(chan struct{}),
	}
}

// Connect dials the bridge.
func (w *WebSocket) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	w.conn = conn
	return nil
}

// Read drains binary messages in order, presenting them as a continuous
// byte stream. Only the engine's single read loop calls Read.
func (w *WebSocket) Read(p []byte) (int, error) {
	for {
		if w.reader == nil {
			typ, r, err := w.conn.NextReader()
			if err != nil {
				w.shutdown()
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				// Text/control frames carry nothing for the protocol.
				continue
			}
			w.reader = r
		}

		n, err := w.reader.Read(p)
		if err == io.EOF {
			w.reader = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		if err != nil {
			w.shutdown()
		}
		return n, err
	}
}

// Write sends one binary message per call. Only the engine's single send
// path calls Write, which satisfies the one-concurrent-writer rule.
func (w *WebSocket) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		w.shutdown()
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and drops the connection.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		if w.conn != nil {
			w.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			err = w.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection is gone.
func (w *WebSocket) Done() <-chan struct{} {
	return w.done
}

func (w *WebSocket) shutdown() {
	w.closeOnce.Do(func() {
		close(w.done)
		if w.conn != nil {
			w.conn.Close()
		}
	})
}
