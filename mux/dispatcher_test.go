package mux

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/droidwire/transport"
	"github.com/1ureka/droidwire/wire"
)

// testPeer plays the daemon side of a pipe: a background reader feeds
// every decoded frame into a channel so dispatcher writes never block.
type testPeer struct {
	t      *testing.T
	tr     *transport.Pipe
	params wire.Params
	inbox  chan *wire.Packet
}

func newTestPeer(t *testing.T, tr *transport.Pipe) *testPeer {
	p := &testPeer{
		t:      t,
		tr:     tr,
		params: wire.DefaultParams(),
		inbox:  make(chan *wire.Packet, 64),
	}
	go func() {
		for {
			pkt, err := wire.ReadPacket(tr, p.params)
			if err != nil {
				close(p.inbox)
				return
			}
			p.inbox <- pkt
		}
	}()
	return p
}

// expect waits for the next frame from the client and checks its command.
func (p *testPeer) expect(cmd wire.Command) *wire.Packet {
	p.t.Helper()
	select {
	case pkt, ok := <-p.inbox:
		require.True(p.t, ok, "peer pipe closed while expecting %s", cmd)
		require.Equal(p.t, cmd, pkt.Command)
		return pkt
	case <-time.After(2 * time.Second):
		p.t.Fatalf("timed out waiting for %s", cmd)
		return nil
	}
}

// expectNothing asserts no frame arrives within the window.
func (p *testPeer) expectNothing(window time.Duration) {
	p.t.Helper()
	select {
	case pkt, ok := <-p.inbox:
		if ok {
			p.t.Fatalf("unexpected %s frame", pkt.Command)
		}
	case <-time.After(window):
	}
}

func (p *testPeer) send(pkt *wire.Packet) {
	p.t.Helper()
	_, err := p.tr.Write(wire.Encode(pkt, p.params))
	require.NoError(p.t, err)
}

// newPair wires a dispatcher to a fake daemon over an in-memory pipe.
func newPair(t *testing.T) (*Dispatcher, *testPeer) {
	t.Helper()
	a, b := transport.NewPipe()
	d := NewDispatcher(a)
	peer := newTestPeer(t, b)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Dispose)
	return d, peer
}

// openStream drives a full OPEN/OKAY exchange and returns the stream.
func openStream(t *testing.T, d *Dispatcher, peer *testPeer, service string, remoteID uint32) *Stream {
	t.Helper()
	type result struct {
		s   *Stream
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := d.Open(context.Background(), service)
		done <- result{s, err}
	}()

	open := peer.expect(wire.CmdOpen)
	peer.send(&wire.Packet{Command: wire.CmdOkay, Arg0: remoteID, Arg1: open.Arg0})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		return res.s
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not resolve")
		return nil
	}
}

func TestOpenStream(t *testing.T) {
	d, peer := newPair(t)

	type result struct {
		s   *Stream
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := d.Open(context.Background(), "shell:")
		done <- result{s, err}
	}()

	open := peer.expect(wire.CmdOpen)
	assert.True(t, bytes.Equal(open.Payload, []byte("shell:\x00")),
		"OPEN payload %q should be NUL-terminated pre-negotiation", open.Payload)
	assert.NotZero(t, open.Arg0, "local id must be allocated")

	// The local id echoes back in Arg1 to associate the OKAY.
	peer.send(&wire.Packet{Command: wire.CmdOkay, Arg0: 99, Arg1: open.Arg0})

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, open.Arg0, res.s.LocalID())
	assert.Equal(t, uint32(99), res.s.RemoteID())
	assert.Equal(t, StateOpen, res.s.State())
	assert.Equal(t, "shell:", res.s.Service())
}

func TestOpenRejected(t *testing.T) {
	d, peer := newPair(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Open(context.Background(), "shell:doesnotexist")
		errCh <- err
	}()

	open := peer.expect(wire.CmdOpen)
	peer.send(&wire.Packet{Command: wire.CmdClose, Arg0: 0, Arg1: open.Arg0})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("rejected Open did not resolve")
	}
}

func TestSendFlowControl(t *testing.T) {
	d, peer := newPair(t)
	s := openStream(t, d, peer, "shell:", 7)

	first := make(chan error, 1)
	go func() { first <- s.Send(context.Background(), []byte("first")) }()

	wrte := peer.expect(wire.CmdWrite)
	assert.Equal(t, []byte("first"), wrte.Payload)
	assert.Equal(t, s.LocalID(), wrte.Arg0)
	assert.Equal(t, uint32(7), wrte.Arg1)

	// Queue a second send while the first is unacknowledged: nothing new
	// may hit the wire, and neither call may return.
	second := make(chan error, 1)
	go func() { second <- s.Send(context.Background(), []byte("second")) }()

	peer.expectNothing(100 * time.Millisecond)
	select {
	case err := <-first:
		t.Fatalf("first Send returned before OKAY: %v", err)
	default:
	}

	// Acknowledge the first WRTE; only then does the second go out.
	peer.send(&wire.Packet{Command: wire.CmdOkay, Arg0: 7, Arg1: s.LocalID()})
	require.NoError(t, <-first)

	wrte = peer.expect(wire.CmdWrite)
	assert.Equal(t, []byte("second"), wrte.Payload)
	peer.send(&wire.Packet{Command: wire.CmdOkay, Arg0: 7, Arg1: s.LocalID()})
	require.NoError(t, <-second)
}

func TestSendSplitsOversizedPayload(t *testing.T) {
	d, peer := newPair(t)

	// Shrink the outbound cap so splitting is observable.
	p := d.Params()
	p.MaxPayload = 8
	d.SetParams(p)

	s := openStream(t, d, peer, "sync:", 3)

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), []byte("0123456789AB")) }()

	wrte := peer.expect(wire.CmdWrite)
	assert.Equal(t, []byte("01234567"), wrte.Payload)
	peer.send(&wire.Packet{Command: wire.CmdOkay, Arg0: 3, Arg1: s.LocalID()})

	wrte = peer.expect(wire.CmdWrite)
	assert.Equal(t, []byte("89AB"), wrte.Payload)
	peer.send(&wire.Packet{Command: wire.CmdOkay, Arg0: 3, Arg1: s.LocalID()})

	require.NoError(t, <-done)
}

func TestInboundWriteDeliveredAndAcked(t *testing.T) {
	d, peer := newPair(t)
	s := openStream(t, d, peer, "shell:", 5)

	peer.send(&wire.Packet{Command: wire.CmdWrite, Arg0: 5, Arg1: s.LocalID(), Payload: []byte("hello")})

	data, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	// Delivery is acknowledged so the daemon may send its next WRTE.
	ack := peer.expect(wire.CmdOkay)
	assert.Equal(t, s.LocalID(), ack.Arg0)
	assert.Equal(t, uint32(5), ack.Arg1)

	// Arrival order is preserved.
	peer.send(&wire.Packet{Command: wire.CmdWrite, Arg0: 5, Arg1: s.LocalID(), Payload: []byte("one")})
	peer.expect(wire.CmdOkay)
	peer.send(&wire.Packet{Command: wire.CmdWrite, Arg0: 5, Arg1: s.LocalID(), Payload: []byte("two")})
	peer.expect(wire.CmdOkay)

	data, err = s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)
	data, err = s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
}

func TestPeerCloseUnblocksSend(t *testing.T) {
	d, peer := newPair(t)
	s := openStream(t, d, peer, "shell:", 9)

	pending := make(chan error, 1)
	go func() { pending <- s.Send(context.Background(), []byte("data")) }()
	peer.expect(wire.CmdWrite)

	// Remote service exits: unilateral CLSE must unblock the send.
	peer.send(&wire.Packet{Command: wire.CmdClose, Arg0: 9, Arg1: s.LocalID()})

	select {
	case err := <-pending:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending Send not unblocked by peer CLSE")
	}

	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Send(context.Background(), []byte("late")), ErrStreamClosed)
	_, err := s.Read(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestCloseHandshake(t *testing.T) {
	d, peer := newPair(t)
	s := openStream(t, d, peer, "shell:", 11)

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, StateClosing, s.State())

	clse := peer.expect(wire.CmdClose)
	assert.Equal(t, s.LocalID(), clse.Arg0)
	assert.Equal(t, uint32(11), clse.Arg1)

	// Peer completes the two-way teardown.
	peer.send(&wire.Packet{Command: wire.CmdClose, Arg0: 11, Arg1: s.LocalID()})

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream not fully closed after peer CLSE")
	}
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Close(context.Background()), ErrStreamClosed)
}

func TestReadDrainsBufferedDataAfterClose(t *testing.T) {
	d, peer := newPair(t)
	s := openStream(t, d, peer, "shell:echo", 13)

	peer.send(&wire.Packet{Command: wire.CmdWrite, Arg0: 13, Arg1: s.LocalID(), Payload: []byte("tail")})
	peer.expect(wire.CmdOkay)
	peer.send(&wire.Packet{Command: wire.CmdClose, Arg0: 13, Arg1: s.LocalID()})

	<-s.Done()

	data, err := s.Read(context.Background())
	require.NoError(t, err, "buffered payload must survive the close")
	assert.Equal(t, []byte("tail"), data)

	_, err = s.Read(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestUnknownCloseIgnored(t *testing.T) {
	d, peer := newPair(t)
	s := openStream(t, d, peer, "shell:", 21)

	// A stale CLSE from an interrupted prior session is benign and must
	// not disturb open streams.
	peer.send(&wire.Packet{Command: wire.CmdClose, Arg0: 1, Arg1: 424242})

	peer.send(&wire.Packet{Command: wire.CmdWrite, Arg0: 21, Arg1: s.LocalID(), Payload: []byte("still alive")})
	data, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("still alive"), data)
}

func TestDisposeRejectsPendingOperations(t *testing.T) {
	d, peer := newPair(t)
	s := openStream(t, d, peer, "shell:", 31)

	openErr := make(chan error, 1)
	go func() {
		_, err := d.Open(context.Background(), "sync:")
		openErr <- err
	}()
	peer.expect(wire.CmdOpen)

	sendErr := make(chan error, 1)
	go func() { sendErr <- s.Send(context.Background(), []byte("data")) }()
	peer.expect(wire.CmdWrite)

	d.Dispose()

	select {
	case err := <-openErr:
		assert.ErrorIs(t, err, ErrDisposed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending Open not rejected by Dispose")
	}
	select {
	case err := <-sendErr:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending Send not rejected by Dispose")
	}

	_, err := d.Open(context.Background(), "shell:")
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestConnectHookRenegotiatesBeforeNextFrame(t *testing.T) {
	a, b := transport.NewPipe()
	d := NewDispatcher(a)

	var hookCalls atomic.Int32
	d.OnConnect(func(pkt *wire.Packet) {
		hookCalls.Add(1)
		p := d.Params()
		p.UseChecksum = false
		p.AppendNullToService = false
		d.SetParams(p)
	})
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Dispose)

	// No background reader here: the peer's frame layout changes after
	// its CNXN, so frames are read on demand with the current params.
	params := wire.DefaultParams()
	sendRaw := func(pkt *wire.Packet) {
		_, err := b.Write(wire.Encode(pkt, params))
		require.NoError(t, err)
	}
	readRaw := func() *wire.Packet {
		pkt, err := wire.ReadPacket(b, params)
		require.NoError(t, err)
		return pkt
	}

	events, release := d.SubscribeControl()
	defer release()

	// CNXN goes out in the old layout; everything after it in the new
	// one, without waiting for the subscriber to observe the event.
	sendRaw(&wire.Packet{Command: wire.CmdConnect, Arg0: wire.Version, Arg1: wire.MaxPayload})
	params.UseChecksum = false
	params.AppendNullToService = false
	sendRaw(&wire.Packet{Command: wire.CmdClose, Arg0: 1, Arg1: 424242})

	select {
	case ev := <-events:
		require.Equal(t, wire.CmdConnect, ev.Pkt.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("CNXN not delivered")
	}

	// The pipeline must still be frame-aligned: a full OPEN/OKAY round
	// trip in the renegotiated layout.
	type result struct {
		s   *Stream
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := d.Open(context.Background(), "shell:")
		done <- result{s, err}
	}()

	open := readRaw()
	require.Equal(t, wire.CmdOpen, open.Command)
	assert.Equal(t, []byte("shell:"), open.Payload)
	sendRaw(&wire.Packet{Command: wire.CmdOkay, Arg0: 9, Arg1: open.Arg0})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, uint32(9), res.s.RemoteID())
	case <-time.After(2 * time.Second):
		t.Fatal("Open hung: read loop parked with stale params")
	}
	assert.Equal(t, int32(1), hookCalls.Load())

	// A duplicate CNXN is still delivered but never renegotiates again.
	sendRaw(&wire.Packet{Command: wire.CmdConnect, Arg0: wire.Version, Arg1: wire.MaxPayload})
	select {
	case ev := <-events:
		require.Equal(t, wire.CmdConnect, ev.Pkt.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("duplicate CNXN not delivered")
	}
	assert.Equal(t, int32(1), hookCalls.Load())
}

func TestControlSubscription(t *testing.T) {
	a, b := transport.NewPipe()
	d := NewDispatcher(a)
	errCh := make(chan error, 8)
	d.OnError(func(err error) { errCh <- err })
	peer := newTestPeer(t, b)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Dispose)

	events, release := d.SubscribeControl()

	peer.send(&wire.Packet{Command: wire.CmdConnect, Arg0: wire.Version, Arg1: wire.MaxPayload})
	select {
	case ev := <-events:
		require.NoError(t, ev.Err)
		assert.Equal(t, wire.CmdConnect, ev.Pkt.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("CNXN not delivered to control subscriber")
	}

	// After release, control packets are a protocol violation.
	release()
	peer.send(&wire.Packet{Command: wire.CmdConnect, Arg0: wire.Version, Arg1: wire.MaxPayload})
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrUnexpectedPacket)
	case <-time.After(2 * time.Second):
		t.Fatal("post-handshake CNXN not reported")
	}
}

func TestTransportFailureFailsEverything(t *testing.T) {
	a, b := transport.NewPipe()
	d := NewDispatcher(a)
	errCh := make(chan error, 8)
	d.OnError(func(err error) { errCh <- err })
	peer := newTestPeer(t, b)
	require.NoError(t, d.Start(context.Background()))

	s := openStream(t, d, peer, "shell:", 41)

	// Peer drops the connection.
	b.Close()

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not shut down on transport failure")
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream not force-closed on transport failure")
	}
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("transport failure not reported to error subscriber")
	}
	assert.Error(t, d.Err())
}
