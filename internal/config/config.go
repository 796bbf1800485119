// Package config holds the CLI configuration types.
package config

// TransportKind selects the byte-stream backend for the session.
type TransportKind string

const (
	TransportTCP       TransportKind = "tcp"
	TransportWebSocket TransportKind = "ws"
	TransportWebRTC    TransportKind = "webrtc"
)

// Config stores all parameters gathered from CLI flags and prompts.
type Config struct {
	Transport TransportKind
	Addr      string // tcp: daemon "host:port"
	URL       string // ws: bridge URL; webrtc: signaling URL

	KeyPath string // RSA key PEM; generated on first use when absent
	Comment string // public key comment, e.g. "user@host"

	Shell         string // one-shot shell command to run
	ForwardLocal  string // local listen address for port forwarding
	ForwardRemote string // device service, e.g. "tcp:8080"
}
