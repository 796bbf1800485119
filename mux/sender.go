package mux

import (
	"context"

	"github.com/1ureka/droidwire/internal/util"
	"github.com/1ureka/droidwire/wire"
)

// sendBufferSize is the outgoing packet channel capacity.
const sendBufferSize = 64

// sender is the single-writer goroutine that serializes every outbound
// frame onto the transport. All packet producers (handshake, per-stream
// WRTE/OKAY/CLSE, OPEN requests) funnel through its inbox, so frames can
// never interleave on the wire.
type sender struct {
	d     *Dispatcher
	inbox chan *wire.Packet
}

func newSender(d *Dispatcher) *sender {
	return &sender{
		d:     d,
		inbox: make(chan *wire.Packet, sendBufferSize),
	}
}

// loop drains the inbox, encoding each packet with the parameters current
// at write time. A transport write failure is fatal for the session.
func (s *sender) loop(ctx context.Context) {
	for {
		select {
		case pkt := <-s.inbox:
			data := wire.Encode(pkt, s.d.Params())
			if _, err := s.d.tr.Write(data); err != nil {
				util.LogError("write %s packet: %v", pkt.Command, err)
				s.d.fatal(err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a packet for transmission. It blocks while the buffer is
// full and fails with ErrDisposed once the dispatcher is torn down.
func (s *sender) send(ctx context.Context, pkt *wire.Packet) error {
	select {
	case s.inbox <- pkt:
		return nil
	case <-s.d.ctx.Done():
		return ErrDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
}
