package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
)

// STUN servers for ICE candidate gathering. No TURN: WebRTC is used here
// for direct reachability to a device agent, not relayed traffic.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// WebRTC carries the byte stream over a detached DataChannel, reaching
// devices behind NAT via a WebSocket signaling exchange (SDP + trickle
// ICE). The channel is ordered and reliable, so the engine sees the same
// stream contract as TCP.
type WebRTC struct {
	signalURL string

	pc  *webrtc.PeerConnection
	rwc io.ReadWriteCloser // detached data channel, set once open

	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*WebRTC)(nil)

// NewWebRTC creates a WebRTC transport that performs its signaling
// exchange against the given WebSocket URL.
func NewWebRTC(signalURL string) *WebRTC {
	return &WebRTC{
		signalURL: signalURL,
		done:      make(chan struct{}),
	}
}

// Connect creates the PeerConnection, runs the signaling exchange, and
// waits for the DataChannel to open and detach.
func (w *WebRTC) Connect(ctx context.Context) error {
	// Detach is required to read the channel as a byte stream instead of
	// through the message callback API.
	engine := webrtc.SettingEngine{}
	engine.DetachDataChannels()
	api := webrtc.NewAPI(webrtc.WithSettingEngine(engine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	w.pc = pc

	ordered := true
	dc, err := pc.CreateDataChannel("droidwire", &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		pc.Close()
		return fmt.Errorf("create data channel: %w", err)
	}

	rwcCh := make(chan io.ReadWriteCloser, 1)
	errCh := make(chan error, 1)
	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			errCh <- fmt.Errorf("detach data channel: %w", err)
			return
		}
		rwcCh <- raw
	})
	dc.OnClose(func() {
		w.shutdown()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			w.shutdown()
		}
	})

	if err := w.exchange(ctx); err != nil {
		pc.Close()
		return err
	}

	select {
	case w.rwc = <-rwcCh:
		return nil
	case err := <-errCh:
		pc.Close()
		return err
	case <-w.done:
		pc.Close()
		return ErrClosed
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}
}

func (w *WebRTC) Read(p []byte) (int, error) {
	n, err := w.rwc.Read(p)
	if err != nil {
		w.shutdown()
	}
	return n, err
}

func (w *WebRTC) Write(p []byte) (int, error) {
	n, err := w.rwc.Write(p)
	if err != nil {
		w.shutdown()
	}
	return n, err
}

// Close tears down the DataChannel and PeerConnection.
func (w *WebRTC) Close() error {
	w.shutdown()
	return nil
}

// Done is closed once the channel is gone.
func (w *WebRTC) Done() <-chan struct{} {
	return w.done
}

func (w *WebRTC) shutdown() {
	w.closeOnce.Do(func() {
		close(w.done)
		if w.rwc != nil {
			w.rwc.Close()
		}
		if w.pc != nil {
			w.pc.Close()
		}
	})
}
