// Package mux turns a raw byte transport into many concurrent,
// flow-controlled, independently closable logical streams. The Dispatcher
// owns the transport: one read loop demultiplexes inbound packets by
// stream id, and one sender goroutine serializes every outbound frame.
package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/1ureka/droidwire/internal/util"
	"github.com/1ureka/droidwire/transport"
	"github.com/1ureka/droidwire/wire"
)

// controlBufferSize is the handshake subscription channel capacity.
const controlBufferSize = 8

// ControlEvent is what a control subscriber receives: a CNXN/AUTH packet
// during the handshake, or a recoverable decode error attributed to the
// packet the subscriber was waiting for.
type ControlEvent struct {
	Pkt *wire.Packet
	Err error
}

// pendingOpen tracks a stream between its OPEN request and the peer's
// OKAY or CLSE verdict.
type pendingOpen struct {
	stream *Stream
	ch     chan openResult
}

type openResult struct {
	stream *Stream
	err    error
}

// Dispatcher is the multiplexer core. Routing-table and subscription
// mutations happen under one mutex; session parameters live behind an
// atomic pointer so the codec never observes a half-negotiated value.
type Dispatcher struct {
	tr     transport.Transport
	params atomic.Pointer[wire.Params]
	sender *sender

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	streams  map[uint32]*Stream
	pending  map[uint32]*pendingOpen
	control  chan ControlEvent
	started  bool
	disposed bool
	err      error

	onError     func(error)
	onConnect   func(*wire.Packet)
	connectOnce sync.Once
	nextID      atomic.Uint32
}

// NewDispatcher creates a Dispatcher over a connected transport, with the
// optimistic pre-handshake parameters in place.
func NewDispatcher(tr transport.Transport) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		tr:      tr,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[uint32]*Stream),
		pending: make(map[uint32]*pendingOpen),
	}
	p := wire.DefaultParams()
	d.params.Store(&p)
	d.sender = newSender(d)
	return d
}

// Params returns the current session parameters.
func (d *Dispatcher) Params() wire.Params {
	return *d.params.Load()
}

// SetParams replaces the session parameters wholesale. Legal before Start;
// the one mid-handshake update must run on the packet-processing goroutine
// via the OnConnect hook, so the read loop never decodes a frame with a
// stale header layout. Never called after the handshake settles.
func (d *Dispatcher) SetParams(p wire.Params) {
	d.params.Store(&p)
}

// OnConnect registers a hook invoked on the packet-processing goroutine
// for the first inbound CNXN, after the packet is decoded but before the
// next frame is read. Parameter renegotiation belongs here: the daemon's
// frames switch layout immediately after its CNXN reply, so the swap has
// to be visible to the pipeline before it parks on the next header.
// Set before Start.
func (d *Dispatcher) OnConnect(fn func(*wire.Packet)) {
	d.onConnect = fn
}

// OnError registers the error subscriber, called for transport failures
// and protocol violations outside any pending operation. Set before Start.
func (d *Dispatcher) OnError(fn func(error)) {
	d.onError = fn
}

// Start launches the inbound pipeline and the sender. The dispatcher shuts
// down when ctx is cancelled, the transport fails, or Dispose is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return ErrDisposed
	}
	if d.started {
		d.mu.Unlock()
		return errors.New("dispatcher already started")
	}
	d.started = true
	d.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			d.Dispose()
		case <-d.ctx.Done():
		}
	}()
	go d.sender.loop(d.ctx)
	go d.readLoop()
	return nil
}

// SubscribeControl registers the (single) control-packet subscriber used
// by the handshake. The release function must be called on every exit
// path; the returned channel is closed if the dispatcher dies first, after
// which Err reports the cause.
func (d *Dispatcher) SubscribeControl() (<-chan ControlEvent, func()) {
	ch := make(chan ControlEvent, controlBufferSize)
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	d.control = ch
	d.mu.Unlock()

	release := func() {
		d.mu.Lock()
		if d.control == ch {
			d.control = nil
		}
		d.mu.Unlock()
	}
	return ch, release
}

// Send enqueues one packet on the serialized outbound path.
func (d *Dispatcher) Send(ctx context.Context, pkt *wire.Packet) error {
	return d.sender.send(ctx, pkt)
}

// Open allocates a fresh local id, sends an OPEN for the service, and
// parks until the peer's OKAY resolves the stream or a CLSE rejects it.
// Concurrent Opens are independent; only wire serialization is shared.
func (d *Dispatcher) Open(ctx context.Context, service string) (*Stream, error) {
	id := d.nextID.Add(1)
	p := &pendingOpen{
		stream: newStream(d, id, service),
		ch:     make(chan openResult, 1),
	}

	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return nil, ErrDisposed
	}
	d.pending[id] = p
	d.mu.Unlock()

	pkt := &wire.Packet{
		Command: wire.CmdOpen,
		Arg0:    id,
		Payload: wire.ServicePayload(service, d.Params()),
	}
	if err := d.Send(ctx, pkt); err != nil {
		d.dropPending(id)
		return nil, err
	}

	select {
	case res := <-p.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.stream, nil
	case <-ctx.Done():
		d.dropPending(id)
		return nil, ctx.Err()
	}
}

// Err returns the error that tore the dispatcher down, if any.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Done is closed when the dispatcher has shut down.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.ctx.Done()
}

// Dispose tears down the pipeline, force-closes every tracked stream,
// rejects pending opens and the control subscriber, and releases the
// transport. Idempotent.
func (d *Dispatcher) Dispose() {
	d.teardown(ErrDisposed)
	d.tr.Close()
}

// ---------------------------------------------------------------------------
// Inbound pipeline
// ---------------------------------------------------------------------------

// readLoop consumes transport reads strictly sequentially and routes each
// packet. It is the only goroutine that mutates stream state.
func (d *Dispatcher) readLoop() {
	for {
		pkt, err := wire.ReadPacket(d.tr, d.Params())
		if err != nil {
			if errors.Is(err, wire.ErrChecksumMismatch) {
				// Frame alignment survived; abort only whatever was
				// waiting on this packet.
				if !d.deliverControl(ControlEvent{Err: err}) {
					util.LogWarning("dropping corrupt packet: %v", err)
					d.reportError(err)
				}
				continue
			}
			d.fatal(err)
			return
		}
		d.route(pkt)
	}
}

// route demultiplexes one decoded packet.
func (d *Dispatcher) route(pkt *wire.Packet) {
	switch pkt.Command {
	case wire.CmdConnect, wire.CmdAuth:
		if pkt.Command == wire.CmdConnect && d.onConnect != nil {
			// Renegotiate before the read loop touches the next frame.
			d.connectOnce.Do(func() { d.onConnect(pkt) })
		}
		if !d.deliverControl(ControlEvent{Pkt: pkt}) {
			d.reportError(fmt.Errorf("%w: %s", ErrUnexpectedPacket, pkt.Command))
		}

	case wire.CmdOkay:
		localID := pkt.Arg1
		if p := d.takePending(localID); p != nil {
			// The peer accepted our OPEN; Arg0 carries its stream id.
			p.stream.remoteID.Store(pkt.Arg0)
			p.stream.state.Store(int32(StateOpen))
			d.trackStream(p.stream)
			util.Stats.AddStream()
			p.ch <- openResult{stream: p.stream}
			return
		}
		if s := d.lookupStream(localID); s != nil {
			s.handleOkay()
			return
		}
		d.controlOrDrop(pkt)

	case wire.CmdWrite:
		s := d.lookupStream(pkt.Arg1)
		if s == nil {
			d.controlOrDrop(pkt)
			return
		}
		if s.deliver(d.ctx, pkt.Payload) {
			// Acknowledge so the peer may send its next WRTE.
			ack := &wire.Packet{Command: wire.CmdOkay, Arg0: s.localID, Arg1: s.remoteID.Load()}
			if err := d.Send(d.ctx, ack); err != nil {
				util.LogDebug("[%08x] WRTE ack dropped: %v", s.localID, err)
			}
		}

	case wire.CmdClose:
		localID := pkt.Arg1
		if p := d.takePending(localID); p != nil {
			// Daemon refused the service.
			p.stream.destroy()
			p.ch <- openResult{err: fmt.Errorf("open %q: %w", p.stream.service, ErrStreamClosed)}
			return
		}
		if s := d.dropStream(localID); s != nil {
			s.destroy()
			return
		}
		// No prior OPEN for this id: daemon recovering from an
		// interrupted earlier session. Benign.
		util.LogDebug("[%08x] CLSE for unknown stream, ignoring", localID)

	default:
		if !d.deliverControl(ControlEvent{Pkt: pkt}) {
			d.reportError(fmt.Errorf("%w: %s", ErrUnexpectedPacket, pkt.Command))
		}
	}
}

// controlOrDrop hands a stream packet with no matching route to the
// control subscriber (the handshake decides what it means) or logs it.
func (d *Dispatcher) controlOrDrop(pkt *wire.Packet) {
	if d.deliverControl(ControlEvent{Pkt: pkt}) {
		return
	}
	util.LogDebug("[%08x] %s for unknown stream, dropping", pkt.Arg1, pkt.Command)
}

// deliverControl hands an event to the control subscriber, if any.
func (d *Dispatcher) deliverControl(ev ControlEvent) bool {
	d.mu.Lock()
	ch := d.control
	d.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- ev:
		return true
	default:
		util.LogWarning("control subscriber lagging, dropping %v", ev)
		return true
	}
}

// ---------------------------------------------------------------------------
// Routing table
// ---------------------------------------------------------------------------

func (d *Dispatcher) trackStream(s *Stream) {
	d.mu.Lock()
	d.streams[s.localID] = s
	d.mu.Unlock()
}

func (d *Dispatcher) lookupStream(localID uint32) *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[localID]
}

func (d *Dispatcher) dropStream(localID uint32) *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.streams[localID]
	delete(d.streams, localID)
	return s
}

func (d *Dispatcher) takePending(localID uint32) *pendingOpen {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pending[localID]
	delete(d.pending, localID)
	return p
}

func (d *Dispatcher) dropPending(localID uint32) {
	d.mu.Lock()
	delete(d.pending, localID)
	d.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

func (d *Dispatcher) reportError(err error) {
	if d.onError != nil {
		d.onError(err)
	}
}

// fatal handles an unrecoverable transport or framing failure: everything
// in flight is rejected and the transport is released. No reconnection is
// attempted at this layer.
func (d *Dispatcher) fatal(err error) {
	d.teardown(fmt.Errorf("transport failure: %w", err))
	d.tr.Close()
}

// teardown rejects all pending operations, destroys every stream, and
// wakes the control subscriber exactly once.
func (d *Dispatcher) teardown(cause error) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	d.err = cause
	pending := d.pending
	streams := d.streams
	d.pending = make(map[uint32]*pendingOpen)
	d.streams = make(map[uint32]*Stream)
	ctrl := d.control
	d.control = nil
	d.mu.Unlock()

	d.cancel()

	for _, p := range pending {
		p.stream.destroy()
		p.ch <- openResult{err: cause}
	}
	for _, s := range streams {
		s.destroy()
	}
	if ctrl != nil {
		close(ctrl)
	}
	if !errors.Is(cause, ErrDisposed) {
		d.reportError(cause)
	}
}
