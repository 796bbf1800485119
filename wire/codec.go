package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedPacket is returned when a frame cannot be decoded: truncated
// header, declared payload length over the negotiated cap, or checksum
// mismatch. Wrapping errors carry the detail.
var ErrMalformedPacket = errors.New("malformed packet")

// ErrChecksumMismatch is the recoverable subset of ErrMalformedPacket: the
// frame was fully consumed from the stream, so alignment is intact and the
// connection may keep going.
var ErrChecksumMismatch = fmt.Errorf("%w: checksum mismatch", ErrMalformedPacket)

// Header sizes with and without the checksum field:
// Command(4) + Arg0(4) + Arg1(4) + Length(4) [+ Checksum(4)].
const (
	headerSizeNoChecksum = 16
	headerSizeChecksum   = 20
)

// HeaderSize returns the header width under the given parameters.
func HeaderSize(params Params) int {
	if params.UseChecksum {
		return headerSizeChecksum
	}
	return headerSizeNoChecksum
}

// Checksum is the arithmetic sum of the payload bytes modulo 2^32. It
// guards against transport corruption only; authentication is separate.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// Encode serializes a Packet under the given session parameters.
func Encode(pkt *Packet, params Params) []byte {
	hdr := HeaderSize(params)
	buf := make([]byte, hdr+len(pkt.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(pkt.Command))
	binary.LittleEndian.PutUint32(buf[4:8], pkt.Arg0)
	binary.LittleEndian.PutUint32(buf[8:12], pkt.Arg1)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(pkt.Payload)))
	if params.UseChecksum {
		binary.LittleEndian.PutUint32(buf[16:20], Checksum(pkt.Payload))
	}
	copy(buf[hdr:], pkt.Payload)
	return buf
}

// Decode deserializes a complete frame from a byte slice.
func Decode(data []byte, params Params) (*Packet, error) {
	hdr := HeaderSize(params)
	if len(data) < hdr {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrMalformedPacket, len(data), hdr)
	}

	pkt := &Packet{
		Command: Command(binary.LittleEndian.Uint32(data[0:4])),
		Arg0:    binary.LittleEndian.Uint32(data[4:8]),
		Arg1:    binary.LittleEndian.Uint32(data[8:12]),
	}
	length := binary.LittleEndian.Uint32(data[12:16])

	if length > params.MaxPayload {
		return nil, fmt.Errorf("%w: declared payload %d exceeds cap %d", ErrMalformedPacket, length, params.MaxPayload)
	}
	if int(length) > len(data)-hdr {
		return nil, fmt.Errorf("%w: declared payload %d exceeds remaining %d bytes", ErrMalformedPacket, length, len(data)-hdr)
	}

	if length > 0 {
		pkt.Payload = make([]byte, length)
		copy(pkt.Payload, data[hdr:hdr+int(length)])
	}

	if params.UseChecksum {
		want := binary.LittleEndian.Uint32(data[16:20])
		if got := Checksum(pkt.Payload); got != want {
			return nil, fmt.Errorf("%w: 0x%08x, header says 0x%08x", ErrChecksumMismatch, got, want)
		}
	}
	return pkt, nil
}

// ReadPacket reads exactly one frame from a byte stream. An oversized
// declared length is unrecoverable here (once the header lies, frame
// alignment on the stream is lost), so the caller must treat that error
// as fatal for the connection. A checksum mismatch leaves the stream
// aligned (the payload bytes were consumed) and may be handled per-packet.
func ReadPacket(r io.Reader, params Params) (*Packet, error) {
	hdr := make([]byte, HeaderSize(params))
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}

	pkt := &Packet{
		Command: Command(binary.LittleEndian.Uint32(hdr[0:4])),
		Arg0:    binary.LittleEndian.Uint32(hdr[4:8]),
		Arg1:    binary.LittleEndian.Uint32(hdr[8:12]),
	}
	length := binary.LittleEndian.Uint32(hdr[12:16])
	if length > params.MaxPayload {
		return nil, fmt.Errorf("%w: declared payload %d exceeds cap %d", ErrMalformedPacket, length, params.MaxPayload)
	}

	if length > 0 {
		pkt.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, pkt.Payload); err != nil {
			return nil, err
		}
	}

	if params.UseChecksum {
		want := binary.LittleEndian.Uint32(hdr[16:20])
		if got := Checksum(pkt.Payload); got != want {
			return nil, fmt.Errorf("%w: 0x%08x, header says 0x%08x", ErrChecksumMismatch, got, want)
		}
	}
	return pkt, nil
}

// ConnectPayload builds the CNXN service string advertising the feature
// catalogue: "host::features=a,b,c;" with a trailing NUL when the
// parameters call for one. The trailing ';' is written for daemon
// compatibility but not required on the way back.
func ConnectPayload(params Params) []byte {
	var sb strings.Builder
	sb.WriteString("host::features=")
	sb.WriteString(strings.Join(Features, ","))
	sb.WriteString(";")
	if params.AppendNullToService {
		sb.WriteByte(0)
	}
	return []byte(sb.String())
}

// ServicePayload encodes an OPEN service string ("shell:", "sync:", ...),
// NUL-terminated when the parameters call for it.
func ServicePayload(service string, params Params) []byte {
	if params.AppendNullToService {
		return append([]byte(service), 0)
	}
	return []byte(service)
}
