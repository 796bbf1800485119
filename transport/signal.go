package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/droidwire/internal/util"
)

// signalType identifies the kind of signaling message.
type signalType string

const (
	sigOffer     signalType = "offer"
	sigAnswer    signalType = "answer"
	sigCandidate signalType = "candidate"
)

// signalMessage is the JSON structure exchanged over the signaling
// WebSocket while the DataChannel is being negotiated.
type signalMessage struct {
	Type      signalType `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

// exchange runs the offer side of the SDP/ICE exchange: dial the signaling
// server, send an offer, then consume the answer and trickled candidates
// until ctx is done or the channel opens (Connect stops caring once the
// detached stream is handed over; the read goroutine exits with the WS).
func (w *WebRTC) exchange(ctx context.Context) error {
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, w.signalURL, nil)
	if err != nil {
		return fmt.Errorf("dial signaling server %s: %w", w.signalURL, err)
	}

	// Close the signaling socket with the transport so the read goroutine
	// never outlives it.
	go func() {
		<-w.done
		wsConn.Close()
	}()

	var wsMu sync.Mutex
	wsSend := func(msg signalMessage) error {
		wsMu.Lock()
		defer wsMu.Unlock()
		return wsConn.WriteJSON(msg)
	}

	// Trickle ICE candidates as they are gathered.
	w.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		if err := wsSend(signalMessage{Type: sigCandidate, Candidate: string(data)}); err != nil {
			util.LogDebug("send ICE candidate: %v", err)
		}
	})

	offer, err := w.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := w.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := wsSend(signalMessage{Type: sigOffer, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	// Read loop: answer + remote candidates. Runs until the WS closes.
	go func() {
		for {
			var msg signalMessage
			if err := wsConn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case sigAnswer:
				desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
				if err := w.pc.SetRemoteDescription(desc); err != nil {
					util.LogWarning("set remote description: %v", err)
				}
			case sigCandidate:
				var init webrtc.ICECandidateInit
				if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
					util.LogDebug("parse ICE candidate: %v", err)
					continue
				}
				if err := w.pc.AddICECandidate(init); err != nil {
					util.LogDebug("add ICE candidate: %v", err)
				}
			}
		}
	}()

	return nil
}
