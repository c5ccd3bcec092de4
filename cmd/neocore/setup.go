package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/neocorelabs/neocore/internal/registry"
	"github.com/neocorelabs/neocore/internal/session"
	"github.com/neocorelabs/neocore/pkg/config"
)

// loadConfig resolves the effective configuration: defaults, then the
// --config file when given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// registryPath falls back to ~/.neocore/devices.db when the config
// does not name a path.
func registryPath(cfg *config.Config) string {
	if cfg.RegistryPath != "" {
		return cfg.RegistryPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".neocore", "devices.db")
}

// openRegistry opens the device registry; a failure degrades to an
// in-memory-only session rather than aborting the command.
func openRegistry(cfg *config.Config, logger *logrus.Logger) *registry.Store {
	path := registryPath(cfg)
	if path == "" {
		return nil
	}
	store, err := registry.Open(context.Background(), path)
	if err != nil {
		logger.WithError(err).Warn("Device registry unavailable, continuing without persistence")
		return nil
	}
	return store
}

// newSession builds a session from an already-resolved configuration,
// letting commands apply flag overrides to cfg first.
func newSession(cmd *cobra.Command, cfg *config.Config, logger *logrus.Logger) (*session.Session, *registry.Store) {
	proto := session.ProtocolV2
	if legacy, _ := cmd.Flags().GetBool("legacy"); legacy {
		proto = session.ProtocolLegacy
	}
	store := openRegistry(cfg, logger)
	return session.New(cfg, proto, store, nil, logger), store
}
