// Package auth implements the challenge/response side of the protocol
// handshake. The daemon sends AUTH(TOKEN) challenges; the Handler answers
// them by walking an ordered list of Authenticators, offering each one's
// signature first and its public key second before moving on.
package auth

import (
	"errors"
	"fmt"

	"github.com/1ureka/droidwire/wire"
)

// ErrAuthFailed is returned when every configured authenticator has been
// offered and rejected. It is terminal: the handshake never retries past
// the configured list.
var ErrAuthFailed = errors.New("authentication failed: all authenticators exhausted")

// Authenticator is one credential the client can offer: typically an RSA
// key pair, but anything that can sign the daemon's token works.
type Authenticator interface {
	// Sign signs the daemon's challenge token.
	Sign(token []byte) ([]byte, error)

	// PublicKey returns the wire encoding of the public half, sent when
	// the daemon rejects the signature (first contact with this device).
	PublicKey() ([]byte, error)
}

// Handler drives the AUTH exchange. It is used by exactly one handshake at
// a time and needs no locking: Next is only called from the handshake's
// packet-processing path.
type Handler struct {
	authenticators []Authenticator
	index          int
	attempts       int // AUTH(TOKEN) packets answered with the current authenticator
}

// NewHandler creates a Handler over an ordered credential list.
func NewHandler(authenticators []Authenticator) *Handler {
	return &Handler{authenticators: authenticators}
}

// Next consumes one AUTH packet from the daemon and produces the AUTH
// packet to send back. Each repeated AUTH(TOKEN) means the previous offer
// was rejected: the ladder per authenticator is signature, then public
// key, then advance. Returns ErrAuthFailed once the list is exhausted.
func (h *Handler) Next(pkt *wire.Packet) (*wire.Packet, error) {
	if pkt.Command != wire.CmdAuth {
		return nil, fmt.Errorf("auth handler fed %s packet", pkt.Command)
	}
	if pkt.Arg0 != wire.AuthToken {
		return nil, fmt.Errorf("unexpected auth sub-type %d from daemon", pkt.Arg0)
	}

	if h.attempts >= 2 {
		h.index++
		h.attempts = 0
	}
	if h.index >= len(h.authenticators) {
		return nil, ErrAuthFailed
	}

	a := h.authenticators[h.index]
	defer func() { h.attempts++ }()

	if h.attempts == 0 {
		sig, err := a.Sign(pkt.Payload)
		if err != nil {
			return nil, fmt.Errorf("sign token: %w", err)
		}
		return &wire.Packet{Command: wire.CmdAuth, Arg0: wire.AuthSignature, Payload: sig}, nil
	}

	pub, err := a.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return &wire.Packet{Command: wire.CmdAuth, Arg0: wire.AuthRSAPublicKey, Payload: pub}, nil
}
