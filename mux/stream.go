package mux

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/1ureka/droidwire/internal/util"
	"github.com/1ureka/droidwire/wire"
)

// StreamState is a stream's lifecycle position.
type StreamState int32

const (
	StateOpening StreamState = iota // OPEN sent, waiting for the peer's OKAY
	StateOpen                       // acknowledged, traffic flowing
	StateClosing                    // local CLSE sent, waiting for the peer's
	StateClosed                     // removed from the routing table
)

// inboxBufferSize is the per-stream inbound payload channel capacity.
// The peer's one-outstanding-WRTE flow control keeps it from mattering
// much; it only smooths over a briefly slow consumer.
const inboxBufferSize = 64

// Stream is one multiplexed logical duplex channel. All state transitions
// happen inside the dispatcher's packet-processing path; the handle a
// caller holds only sends, receives, and closes.
type Stream struct {
	d       *Dispatcher
	localID uint32

	// remoteID is assigned by the peer in its OKAY and read by Send
	// concurrently with the routing path, hence atomic.
	remoteID atomic.Uint32

	service string
	state   atomic.Int32

	inbox    chan []byte   // inbound payloads, arrival order
	writeAck chan struct{} // signaled when the peer OKAYs our WRTE

	sendMu sync.Mutex // one outstanding WRTE at a time

	closed    chan struct{}
	closeOnce sync.Once
}

func newStream(d *Dispatcher, localID uint32, service string) *Stream {
	return &Stream{
		d:        d,
		localID:  localID,
		service:  service,
		inbox:    make(chan []byte, inboxBufferSize),
		writeAck: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// LocalID returns the locally allocated stream id.
func (s *Stream) LocalID() uint32 { return s.localID }

// RemoteID returns the peer-assigned stream id (zero while Opening).
func (s *Stream) RemoteID() uint32 { return s.remoteID.Load() }

// Service returns the service string the stream was opened with.
func (s *Stream) Service() string { return s.service }

// State returns the stream's current lifecycle state.
func (s *Stream) State() StreamState { return StreamState(s.state.Load()) }

// Send writes data to the stream. Payloads over the negotiated cap are
// split into multiple WRTE packets. At most one WRTE is in flight: each
// chunk parks until the peer's OKAY, so a second Send issued before the
// first is acknowledged blocks rather than piling frames on the wire.
// A peer-side close unblocks a pending Send with ErrStreamClosed.
func (s *Stream) Send(ctx context.Context, data []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	max := int(s.d.Params().MaxPayload)
	for len(data) > 0 {
		chunk := data
		if len(chunk) > max {
			chunk = data[:max]
		}
		data = data[len(chunk):]

		if s.State() != StateOpen {
			return ErrStreamClosed
		}

		pkt := &wire.Packet{
			Command: wire.CmdWrite,
			Arg0:    s.localID,
			Arg1:    s.remoteID.Load(),
			Payload: chunk,
		}
		if err := s.d.Send(ctx, pkt); err != nil {
			return err
		}
		util.Stats.AddSent(len(chunk))

		select {
		case <-s.writeAck:
		case <-s.closed:
			return ErrStreamClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Read returns the next inbound payload in arrival order. Buffered data is
// still delivered after the stream closes; once drained, Read returns
// ErrStreamClosed.
func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	// Drain buffered payloads before reporting closure.
	select {
	case data := <-s.inbox:
		return data, nil
	default:
	}

	select {
	case data := <-s.inbox:
		return data, nil
	case <-s.closed:
		// A payload may have raced in just before the close.
		select {
		case data := <-s.inbox:
			return data, nil
		default:
		}
		return nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadAll reads until the peer closes the stream and returns everything
// received. This is the "read full reply" helper for one-shot services.
func (s *Stream) ReadAll(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	for {
		data, err := s.Read(ctx)
		if errors.Is(err, ErrStreamClosed) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
		buf.Write(data)
	}
}

// Close initiates teardown: a CLSE goes out and the stream enters Closing.
// Full removal from the routing table happens when the peer's CLSE comes
// back, or immediately on dispatcher disposal.
func (s *Stream) Close(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return ErrStreamClosed
	}
	return s.d.Send(ctx, &wire.Packet{
		Command: wire.CmdClose,
		Arg0:    s.localID,
		Arg1:    s.remoteID.Load(),
	})
}

// Done is closed when the stream is fully closed.
func (s *Stream) Done() <-chan struct{} {
	return s.closed
}

// ---------------------------------------------------------------------------
// Dispatcher-side transitions (inbound pipeline only)
// ---------------------------------------------------------------------------

// handleOkay records the peer's acknowledgement of the last WRTE.
func (s *Stream) handleOkay() {
	select {
	case s.writeAck <- struct{}{}:
	default:
	}
}

// deliver enqueues an inbound payload, blocking the pipeline if the
// consumer lags behind the inbox capacity. The peer's flow control keeps
// that from happening under normal operation.
func (s *Stream) deliver(ctx context.Context, data []byte) bool {
	select {
	case s.inbox <- data:
		util.Stats.AddRecv(len(data))
		return true
	case <-s.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// destroy marks the stream Closed and wakes every parked operation.
func (s *Stream) destroy() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closed)
		util.Stats.RemoveStream()
	})
}
