package mux

import "errors"

var (
	// ErrStreamClosed is returned for any operation on a stream that is
	// no longer open, including sends unblocked by a peer-side close.
	ErrStreamClosed = errors.New("stream closed")

	// ErrDisposed is returned to operations pending when the dispatcher
	// is torn down, and to anything attempted afterwards.
	ErrDisposed = errors.New("dispatcher disposed")

	// ErrUnexpectedPacket reports a control packet arriving outside the
	// handshake, when no subscriber is left to consume it.
	ErrUnexpectedPacket = errors.New("unexpected control packet: handshake already completed")
)
