// Package app orchestrates the CLI lifecycle: transport selection, key
// loading, session connect, and the chosen workload (shell or forward).
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"

	"github.com/1ureka/droidwire/adb"
	"github.com/1ureka/droidwire/auth"
	"github.com/1ureka/droidwire/internal/config"
	"github.com/1ureka/droidwire/internal/util"
	"github.com/1ureka/droidwire/transport"
)

// Run executes the full CLI lifecycle and blocks until the workload is
// done or ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	key, err := loadOrCreateKey(cfg)
	if err != nil {
		return err
	}

	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}

	sess := adb.NewSession(tr)
	defer sess.Dispose()

	pterm.Println("Connecting to device...")
	if err := sess.Connect(ctx, key); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	info := sess.Device()
	pterm.Success.Printfln("Connected: %s (product=%s model=%s device=%s, %d features)",
		info.Identity, info.Product, info.Model, info.Device, len(info.Features))

	util.StartStatsReporter(ctx)

	switch {
	case cfg.Shell != "":
		out, err := sess.Shell(ctx, cfg.Shell)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil

	case cfg.ForwardLocal != "":
		fwd, err := sess.Forward(ctx, cfg.ForwardLocal, cfg.ForwardRemote)
		if err != nil {
			return err
		}
		defer fwd.Close()
		pterm.Info.Printfln("Forwarding %s → %s", fwd.Addr(), cfg.ForwardRemote)
		<-ctx.Done()
		return nil

	default:
		pterm.Info.Println("Session established; press Ctrl+C to disconnect")
		<-ctx.Done()
		return nil
	}
}

// newTransport builds the configured byte-stream backend.
func newTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportTCP:
		return transport.NewTCP(cfg.Addr), nil
	case config.TransportWebSocket:
		return transport.NewWebSocket(cfg.URL), nil
	case config.TransportWebRTC:
		return transport.NewWebRTC(cfg.URL), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

// loadOrCreateKey loads the RSA key pair at cfg.KeyPath, generating and
// saving a fresh one on first use.
func loadOrCreateKey(cfg *config.Config) (*auth.KeyPair, error) {
	key, err := auth.LoadKeyPair(cfg.KeyPath, cfg.Comment)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	util.LogInfo("no key at %s, generating", cfg.KeyPath)
	key, err = auth.GenerateKeyPair(cfg.Comment)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.KeyPath), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := key.Save(cfg.KeyPath); err != nil {
		return nil, err
	}
	return key, nil
}
