package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudshift-labs/surveyor/internal/config"
	"github.com/cloudshift-labs/surveyor/internal/storage"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "surveyor",
	Short: "Discovery flow orchestrator for cloud migration engagements",
	Long: `Surveyor orchestrates multi-phase discovery flows for cloud migration
engagements: importing raw asset inventories, normalizing them through an
agent execution engine, detecting cross-source conflicts, and packaging
validated assets for handoff to assessment.

Flows are tenant-scoped (client account + engagement) and survive process
restarts: any orchestrator instance can pick a flow up where it stopped.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to surveyor.yaml (default: search . and /etc/surveyor)")
}

// openStore loads settings and connects the configured storage backend.
// The caller owns the returned store and must Close it.
func openStore(ctx context.Context) (storage.Storage, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewStorage(ctx, settings.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return store, nil
}
