package main

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/keytap/internal/device"
	goble "github.com/srg/keytap/internal/device/go-ble"
	"github.com/srg/keytap/internal/store"
	"github.com/srg/keytap/internal/vault"
	"github.com/srg/keytap/pkg/config"
	"golang.org/x/term"
)

// transportFactory creates the radio transport and its release func.
// Tests replace it with a scripted transport.
var transportFactory = func(logger *logrus.Logger) (device.Transport, func(), error) {
	t := goble.NewTransport(logger)
	return t, func() {
		if err := t.Close(); err != nil {
			logger.WithError(err).Debug("Failed to stop BLE device")
		}
	}, nil
}

// loadConfig reads --config, when given, and applies the global overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		cfg.Color = false
	}
	return cfg, nil
}

func openProfileStore(cfg *config.Config) (*store.ProfileStore, error) {
	dir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	v, err := vault.Open(dir)
	if err != nil {
		return nil, err
	}
	return store.NewProfileStore(dir, v), nil
}

func openHistoryStore(cfg *config.Config) (*store.HistoryStore, error) {
	dir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	return store.NewHistoryStore(dir, store.DefaultHistoryLimit), nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
