package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func checksumParams() Params {
	p := DefaultParams()
	p.UseChecksum = true
	return p
}

func plainParams() Params {
	p := DefaultParams()
	p.UseChecksum = false
	p.AppendNullToService = false
	return p
}

// TestEncodeDecodeRoundTrip verifies that encoding and decoding are inverse
// operations for all commands, with and without the checksum field.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	packets := []struct {
		name string
		pkt  *Packet
	}{
		{
			name: "CNXN with banner payload",
			pkt: &Packet{
				Command: CmdConnect,
				Arg0:    Version,
				Arg1:    MaxPayload,
				Payload: []byte("host::features=shell_v2,cmd;"),
			},
		},
		{
			name: "AUTH token",
			pkt: &Packet{
				Command: CmdAuth,
				Arg0:    AuthToken,
				Payload: make([]byte, 20),
			},
		},
		{
			name: "OPEN with service string",
			pkt: &Packet{
				Command: CmdOpen,
				Arg0:    7,
				Payload: []byte("shell:ls\x00"),
			},
		},
		{
			name: "OKAY with no payload",
			pkt: &Packet{
				Command: CmdOkay,
				Arg0:    0x12345678,
				Arg1:    1,
			},
		},
		{
			name: "WRTE with large payload",
			pkt: &Packet{
				Command: CmdWrite,
				Arg0:    3,
				Arg1:    0xDEADBEEF,
				Payload: bytes.Repeat([]byte{0xAB}, 64*1024),
			},
		},
		{
			name: "CLSE with empty payload",
			pkt: &Packet{
				Command: CmdClose,
				Arg0:    0xFFFFFFFF,
				Arg1:    0xFFFFFFFF,
				Payload: []byte{},
			},
		},
	}

	for _, params := range []Params{checksumParams(), plainParams()} {
		for _, tc := range packets {
			t.Run(tc.name, func(t *testing.T) {
				encoded := Encode(tc.pkt, params)

				decoded, err := Decode(encoded, params)
				if err != nil {
					t.Fatalf("Decode failed: %v", err)
				}

				if decoded.Command != tc.pkt.Command {
					t.Errorf("Command mismatch: got %s, want %s", decoded.Command, tc.pkt.Command)
				}
				if decoded.Arg0 != tc.pkt.Arg0 {
					t.Errorf("Arg0 mismatch: got 0x%08X, want 0x%08X", decoded.Arg0, tc.pkt.Arg0)
				}
				if decoded.Arg1 != tc.pkt.Arg1 {
					t.Errorf("Arg1 mismatch: got 0x%08X, want 0x%08X", decoded.Arg1, tc.pkt.Arg1)
				}
				if !bytes.Equal(decoded.Payload, tc.pkt.Payload) {
					t.Errorf("Payload mismatch: got %d bytes, want %d", len(decoded.Payload), len(tc.pkt.Payload))
				}
			})
		}
	}
}

// TestHeaderSize verifies the checksum field adds exactly four bytes.
func TestHeaderSize(t *testing.T) {
	pkt := &Packet{Command: CmdOkay, Arg0: 1, Arg1: 2}

	if got := len(Encode(pkt, plainParams())); got != 16 {
		t.Errorf("headerless frame is %d bytes, want 16", got)
	}
	if got := len(Encode(pkt, checksumParams())); got != 20 {
		t.Errorf("checksummed frame is %d bytes, want 20", got)
	}
}

// TestDecodeTooShort verifies truncated headers fail with ErrMalformedPacket.
func TestDecodeTooShort(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"1 byte", []byte{0x43}},
		{"15 bytes (one less than plain header)", make([]byte, 15)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data, plainParams())
			if !errors.Is(err, ErrMalformedPacket) {
				t.Fatalf("expected ErrMalformedPacket, got %v", err)
			}
		})
	}
}

// TestDecodeDeclaredLengthBeyondBuffer verifies a header claiming more
// payload than the buffer holds is rejected.
func TestDecodeDeclaredLengthBeyondBuffer(t *testing.T) {
	encoded := Encode(&Packet{Command: CmdWrite, Payload: []byte("abc")}, plainParams())
	binary.LittleEndian.PutUint32(encoded[12:16], 1000)

	_, err := Decode(encoded, plainParams())
	if !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected ErrMalformedPacket, got %v", err)
	}
}

// TestDecodeChecksumMismatch verifies payload corruption is caught when
// the checksum is negotiated, and flagged as the recoverable variant.
func TestDecodeChecksumMismatch(t *testing.T) {
	params := checksumParams()
	encoded := Encode(&Packet{Command: CmdWrite, Payload: []byte("payload")}, params)
	encoded[len(encoded)-1] ^= 0xFF

	_, err := Decode(encoded, params)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	if !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("checksum mismatch should also be ErrMalformedPacket")
	}

	// Without the checksum the same corruption passes undetected.
	if _, err := Decode(Encode(&Packet{Command: CmdWrite, Payload: []byte("payload")}, plainParams()), plainParams()); err != nil {
		t.Fatalf("plain decode failed: %v", err)
	}
}

// TestReadPacketFromStream verifies the stream form reads exactly one
// frame and leaves the rest of the stream untouched.
func TestReadPacketFromStream(t *testing.T) {
	params := checksumParams()
	first := &Packet{Command: CmdWrite, Arg0: 1, Arg1: 2, Payload: []byte("one")}
	second := &Packet{Command: CmdClose, Arg0: 1, Arg1: 2}

	var stream bytes.Buffer
	stream.Write(Encode(first, params))
	stream.Write(Encode(second, params))

	got, err := ReadPacket(&stream, params)
	if err != nil {
		t.Fatalf("ReadPacket failed: %v", err)
	}
	if got.Command != CmdWrite || !bytes.Equal(got.Payload, []byte("one")) {
		t.Errorf("first frame mismatch: %+v", got)
	}

	got, err = ReadPacket(&stream, params)
	if err != nil {
		t.Fatalf("ReadPacket failed on second frame: %v", err)
	}
	if got.Command != CmdClose {
		t.Errorf("second frame mismatch: %+v", got)
	}
}

// TestReadPacketOversizeLength verifies a declared length over the
// negotiated cap is rejected before any payload allocation.
func TestReadPacketOversizeLength(t *testing.T) {
	params := plainParams()
	params.MaxPayload = 64

	encoded := Encode(&Packet{Command: CmdWrite, Payload: make([]byte, 65)}, plainParams())
	_, err := ReadPacket(bytes.NewReader(encoded), params)
	if !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected ErrMalformedPacket, got %v", err)
	}
}

// TestConnectPayload verifies the service-string grammar and the
// NUL-termination switch.
func TestConnectPayload(t *testing.T) {
	withNull := string(ConnectPayload(checksumParams()))
	if !strings.HasPrefix(withNull, "host::features=") {
		t.Errorf("unexpected prefix: %q", withNull)
	}
	if !strings.HasSuffix(withNull, ";\x00") {
		t.Errorf("expected trailing ';' + NUL, got %q", withNull[len(withNull)-4:])
	}
	if !strings.Contains(withNull, "shell_v2") || !strings.Contains(withNull, "sendrecv_v2_zstd") {
		t.Errorf("feature catalogue missing entries: %q", withNull)
	}

	withoutNull := string(ConnectPayload(plainParams()))
	if strings.ContainsRune(withoutNull, 0) {
		t.Errorf("NUL present despite AppendNullToService=false: %q", withoutNull)
	}
	if !strings.HasSuffix(withoutNull, ";") {
		t.Errorf("expected trailing ';': %q", withoutNull)
	}
}

// TestServicePayload verifies OPEN service strings honor the
// NUL-termination switch.
func TestServicePayload(t *testing.T) {
	if got := ServicePayload("shell:", checksumParams()); !bytes.Equal(got, []byte("shell:\x00")) {
		t.Errorf("got %q", got)
	}
	if got := ServicePayload("shell:", plainParams()); !bytes.Equal(got, []byte("shell:")) {
		t.Errorf("got %q", got)
	}
}

// TestCommandString keeps the log tags aligned with the wire tags.
func TestCommandString(t *testing.T) {
	for cmd, want := range map[Command]string{
		CmdConnect: "CNXN",
		CmdAuth:    "AUTH",
		CmdOpen:    "OPEN",
		CmdOkay:    "OKAY",
		CmdWrite:   "WRTE",
		CmdClose:   "CLSE",
	} {
		if got := cmd.String(); got != want {
			t.Errorf("Command(0x%08x).String() = %q, want %q", uint32(cmd), got, want)
		}
		if !cmd.Valid() {
			t.Errorf("%s not Valid()", want)
		}
	}
	if Command(0x1234).Valid() {
		t.Error("bogus command reported Valid()")
	}
}
