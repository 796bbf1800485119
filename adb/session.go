// Package adb orchestrates a protocol session against a device daemon: it
// drives the handshake over the dispatcher, stores the negotiated
// parameters and device metadata, and hands out streams for services.
package adb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/1ureka/droidwire/auth"
	"github.com/1ureka/droidwire/internal/util"
	"github.com/1ureka/droidwire/mux"
	"github.com/1ureka/droidwire/transport"
	"github.com/1ureka/droidwire/wire"
)

// ErrProtocolViolation reports a packet the daemon had no business sending
// in the session's current state.
var ErrProtocolViolation = errors.New("protocol violation: device not in correct state")

// State is the session lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Session is one connection to a daemon. Create with NewSession, then
// Connect; afterwards OpenStream is the factory for service channels.
// A Session is not reusable after disposal or a transport failure;
// reconnect by building a fresh one.
type Session struct {
	tr transport.Transport
	d  *mux.Dispatcher

	state atomic.Int32

	mu     sync.Mutex
	device *DeviceInfo

	onError func(error)
}

// NewSession wraps a not-yet-connected transport.
func NewSession(tr transport.Transport) *Session {
	return &Session{tr: tr}
}

// OnError registers the subscriber for asynchronous session errors
// (transport failures, post-handshake protocol violations). Set before
// Connect.
func (s *Session) OnError(fn func(error)) {
	s.onError = fn
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Device returns the negotiated device metadata, or nil before the
// handshake completes. Immutable afterwards.
func (s *Session) Device() *DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Connect opens the transport and drives the handshake: an optimistic
// CNXN goes out, then the session waits for the daemon's CNXN reply,
// answering AUTH challenges along the way. On success the negotiated
// parameters are installed and the session is Connected; any failure
// leaves it Disconnected with the handshake resources released.
func (s *Session) Connect(ctx context.Context, authenticators ...auth.Authenticator) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("connect from %s state", s.State())
	}

	err := s.handshake(ctx, authenticators)
	if err != nil {
		s.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
		return err
	}
	s.state.Store(int32(StateConnected))
	return nil
}

func (s *Session) handshake(ctx context.Context, authenticators []auth.Authenticator) error {
	if err := s.tr.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}

	d := mux.NewDispatcher(s.tr)
	d.OnError(s.handleError)
	// The daemon switches frame layout immediately after its CNXN reply,
	// so the parameter swap must happen on the dispatcher's packet path,
	// not here after the event is delivered.
	d.OnConnect(func(pkt *wire.Packet) {
		d.SetParams(d.Params().Negotiate(pkt.Arg0, pkt.Arg1))
	})

	s.mu.Lock()
	s.d = d
	s.mu.Unlock()
	if s.State() == StateDisposed {
		// Disposed between the state check in Connect and the dispatcher
		// hand-off; both sides release it, Dispose is idempotent.
		d.Dispose()
		return fmt.Errorf("connect aborted: %w", mux.ErrDisposed)
	}

	// The control subscription must be released on every exit path;
	// failures additionally tear the dispatcher down so nothing keeps
	// reading from a half-negotiated connection.
	events, release := d.SubscribeControl()
	defer release()

	failed := true
	defer func() {
		if failed {
			d.Dispose()
		}
	}()

	if err := d.Start(ctx); err != nil {
		return err
	}

	params := d.Params()
	hello := &wire.Packet{
		Command: wire.CmdConnect,
		Arg0:    params.Version,
		Arg1:    params.MaxPayload,
		Payload: wire.ConnectPayload(params),
	}
	if err := d.Send(ctx, hello); err != nil {
		return fmt.Errorf("send CNXN: %w", err)
	}

	handler := auth.NewHandler(authenticators)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return d.Err()
			}
			if ev.Err != nil {
				return fmt.Errorf("handshake aborted: %w", ev.Err)
			}

			switch ev.Pkt.Command {
			case wire.CmdConnect:
				s.finish(d, ev.Pkt)
				failed = false
				return nil

			case wire.CmdAuth:
				rsp, err := handler.Next(ev.Pkt)
				if err != nil {
					return err
				}
				if err := d.Send(ctx, rsp); err != nil {
					return fmt.Errorf("send AUTH reply: %w", err)
				}

			default:
				return fmt.Errorf("%w: got %s during handshake", ErrProtocolViolation, ev.Pkt.Command)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// finish records the device metadata from the daemon's CNXN reply. The
// parameter renegotiation already ran on the dispatcher's packet path by
// the time the event reaches us.
func (s *Session) finish(d *mux.Dispatcher, pkt *wire.Packet) {
	params := d.Params()

	info := ParseBanner(pkt.Payload)
	s.mu.Lock()
	s.device = info
	s.mu.Unlock()

	util.LogInfo("connected: %s (version 0x%08x, max payload %d, checksum %v)",
		info.Identity, pkt.Arg0, params.MaxPayload, params.UseChecksum)
}

// OpenStream opens a logical stream for a service ("shell:", "sync:",
// "tcp:8080", ...). It parks until the daemon acknowledges or rejects.
func (s *Session) OpenStream(ctx context.Context, service string) (*mux.Stream, error) {
	if s.State() != StateConnected {
		return nil, fmt.Errorf("open %q from %s state", service, s.State())
	}
	return s.dispatcher().Open(ctx, service)
}

// dispatcher returns the current dispatcher under the session lock; it is
// written by the handshake and read by Dispose, possibly concurrently.
func (s *Session) dispatcher() *mux.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d
}

// SupportsFeature reports whether the daemon advertised a feature. Absent
// on either side means the feature must not be used this session.
func (s *Session) SupportsFeature(name string) bool {
	info := s.Device()
	if info == nil {
		return false
	}
	_, ok := info.Features[name]
	return ok
}

// Dispose tears the session down: every open stream is forcibly closed,
// pending operations fail, the transport is released. Terminal.
func (s *Session) Dispose() {
	prev := State(s.state.Swap(int32(StateDisposed)))
	if prev == StateDisposed {
		return
	}
	if d := s.dispatcher(); d != nil {
		d.Dispose()
	} else {
		// No dispatcher yet; a handshake that loses the race to this
		// swap sees the Disposed state and releases its own.
		s.tr.Close()
	}
}

func (s *Session) handleError(err error) {
	util.LogWarning("session error: %v", err)
	if s.onError != nil {
		s.onError(err)
	}
}
