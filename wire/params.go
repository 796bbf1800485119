package wire

// Protocol constants.
const (
	// Version is the newest protocol version this client speaks.
	Version uint32 = 0x01000001

	// VersionSkipChecksum is the first protocol version that drops the
	// payload checksum and the NUL terminator on the connect string.
	// Daemons older than this require both.
	VersionSkipChecksum uint32 = 0x01000001

	// MaxPayload is the largest payload this client advertises and accepts.
	MaxPayload uint32 = 1024 * 1024

	// LegacyMaxPayload is the payload cap of pre-negotiation daemons.
	LegacyMaxPayload uint32 = 4 * 1024
)

// Features is the fixed catalogue of capability tokens this client
// advertises in its connect string.
var Features = []string{
	"shell_v2",
	"cmd",
	"stat_v2",
	"ls_v2",
	"fixed_push_mkdir",
	"apex",
	"abb",
	"fixed_push_symlink_timestamp",
	"abb_exec",
	"remount_shell",
	"track_app",
	"sendrecv_v2",
	"sendrecv_v2_brotli",
	"sendrecv_v2_lz4",
	"sendrecv_v2_zstd",
	"sendrecv_v2_dry_run_send",
}

// Params are the session parameters that gate codec and dispatcher
// behavior. A Params value is immutable once handed to the codec; the
// dispatcher replaces the whole value atomically after negotiation so a
// half-negotiated state is never observable.
type Params struct {
	Version             uint32 // local protocol version
	MaxPayload          uint32 // largest payload either side may send
	UseChecksum         bool   // checksum field present in the header
	AppendNullToService bool   // connect/open service strings get a trailing NUL
}

// DefaultParams returns the optimistic pre-handshake parameters: newest
// version, checksum and NUL termination on (older daemons require them,
// newer ones tolerate them until negotiation turns them off).
func DefaultParams() Params {
	return Params{
		Version:             Version,
		MaxPayload:          MaxPayload,
		UseChecksum:         true,
		AppendNullToService: true,
	}
}

// Negotiate derives the post-handshake parameters from the peer's CNXN
// reply. The payload cap and version only ever go down, never up past what
// the peer advertised.
func (p Params) Negotiate(peerVersion, peerMaxPayload uint32) Params {
	next := p
	if peerMaxPayload < next.MaxPayload {
		next.MaxPayload = peerMaxPayload
	}
	if min(p.Version, peerVersion) >= VersionSkipChecksum {
		next.UseChecksum = false
		next.AppendNullToService = false
	}
	return next
}
