// Package wire defines the packet format and codec for the device wire
// protocol. A packet is a fixed-width little-endian header followed by an
// optional payload; the checksum field is only on the wire when the session
// parameters say so.
package wire

import "fmt"

// Command is a 4-byte packet tag. The values are the ASCII command names
// read as a little-endian uint32, exactly as the daemon expects them.
type Command uint32

const (
	CmdConnect Command = 0x4e584e43 // "CNXN"
	CmdAuth    Command = 0x48545541 // "AUTH"
	CmdOpen    Command = 0x4e45504f // "OPEN"
	CmdOkay    Command = 0x59414b4f // "OKAY"
	CmdWrite   Command = 0x45545257 // "WRTE"
	CmdClose   Command = 0x45534c43 // "CLSE"
)

// String returns the 4-character ASCII tag for logging.
func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "CNXN"
	case CmdAuth:
		return "AUTH"
	case CmdOpen:
		return "OPEN"
	case CmdOkay:
		return "OKAY"
	case CmdWrite:
		return "WRTE"
	case CmdClose:
		return "CLSE"
	}
	return fmt.Sprintf("0x%08x", uint32(c))
}

// Valid reports whether c is one of the six known command tags.
func (c Command) Valid() bool {
	switch c {
	case CmdConnect, CmdAuth, CmdOpen, CmdOkay, CmdWrite, CmdClose:
		return true
	}
	return false
}

// AUTH packet sub-types, carried in Arg0.
const (
	AuthToken        uint32 = 1 // daemon → client: payload is a challenge token
	AuthSignature    uint32 = 2 // client → daemon: payload is the signed token
	AuthRSAPublicKey uint32 = 3 // client → daemon: payload is the public key
)

// Packet is the protocol wire unit. Arg0/Arg1 meaning depends on Command:
// for CNXN they carry version and max payload size, for OPEN/OKAY/WRTE/CLSE
// they carry the sender's and receiver's stream ids.
type Packet struct {
	Command Command
	Arg0    uint32
	Arg1    uint32
	Payload []byte
}
