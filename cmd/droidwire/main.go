// Droidwire: CLI entry point.
//
// This tool speaks the device-debugging wire protocol to a remote daemon
// over TCP, a WebSocket bridge, or a WebRTC DataChannel, and runs shell
// commands or forwards local TCP ports through multiplexed streams.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/pterm/pterm"
	flag "github.com/spf13/pflag"

	"github.com/1ureka/droidwire/internal/app"
	"github.com/1ureka/droidwire/internal/config"
	"github.com/1ureka/droidwire/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	transportFlag := flag.String("transport", "tcp", "Transport: tcp, ws, or webrtc")
	addr := flag.String("addr", "127.0.0.1:5555", "Daemon address for the tcp transport")
	url := flag.String("url", "", "Bridge URL (ws) or signaling URL (webrtc)")
	keyPath := flag.String("key", defaultKeyPath(), "RSA private key PEM path")
	comment := flag.String("comment", defaultComment(), "Public key comment")
	shell := flag.String("shell", "", "Run a one-shot shell command and exit")
	forwardLocal := flag.String("forward", "", "Local listen address to forward, e.g. 127.0.0.1:8080")
	forwardRemote := flag.String("to", "", "Device service for -forward, e.g. tcp:8080")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Droidwire v%s", version))
	pterm.Println()

	cfg := &config.Config{
		Transport:     config.TransportKind(*transportFlag),
		Addr:          *addr,
		URL:           *url,
		KeyPath:       *keyPath,
		Comment:       *comment,
		Shell:         *shell,
		ForwardLocal:  *forwardLocal,
		ForwardRemote: *forwardRemote,
	}

	if cfg.ForwardLocal != "" && cfg.ForwardRemote == "" {
		fmt.Fprintln(os.Stderr, "-forward requires -to")
		os.Exit(1)
	}
	if cfg.Transport != config.TransportTCP && cfg.URL == "" {
		fmt.Fprintf(os.Stderr, "transport %q requires -url\n", cfg.Transport)
		os.Exit(1)
	}

	if err := app.Run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// defaultKeyPath places the key under the user's home directory.
func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "droidwire-key.pem"
	}
	return filepath.Join(home, ".droidwire", "key.pem")
}

// defaultComment mimics the "user@host" suffix daemons show in their
// authorization prompt.
func defaultComment() string {
	user := os.Getenv("USER")
	host, err := os.Hostname()
	if err != nil || user == "" {
		return "droidwire"
	}
	return user + "@" + host
}
