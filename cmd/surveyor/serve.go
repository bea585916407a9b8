package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cloudshift-labs/surveyor/internal/agent"
	"github.com/cloudshift-labs/surveyor/internal/api"
	"github.com/cloudshift-labs/surveyor/internal/config"
	"github.com/cloudshift-labs/surveyor/internal/conflict"
	"github.com/cloudshift-labs/surveyor/internal/coordinator"
	"github.com/cloudshift-labs/surveyor/internal/lifecycle"
	"github.com/cloudshift-labs/surveyor/internal/storage"
	"github.com/cloudshift-labs/surveyor/internal/validation"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: REST API plus coordinator loops",
	Long: `Start the orchestrator process: the REST API, the flow coordinator with
its heartbeat, sweep, and retention loops, and the agent execution engine.

Server and storage settings come from surveyor.yaml plus SURVEYOR_*
environment variables; the Anthropic API key is read from ANTHROPIC_API_KEY.
Coordinator, conflict, and retention tuning is environment-only (see
internal/config for the variable list).

Examples:
  surveyor serve                                   # engine from config (default: anthropic)
  surveyor serve --engine stub                     # deterministic stub engine for demos
  surveyor serve --config /etc/surveyor/surveyor.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		engineMode, _ := cmd.Flags().GetString("engine")

		ctx := context.Background()

		settings, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if engineMode != "" {
			settings.Engine.Mode = engineMode
		}

		store, err := storage.NewStorage(ctx, settings.StorageConfig())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open storage: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		engine, err := buildEngine(settings)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		detectorCfg, err := config.ConflictFromEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		detector, err := conflict.NewDetector(store, detectorCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to build conflict detector: %v\n", err)
			os.Exit(1)
		}

		retentionCfg, err := config.RetentionFromEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		retention, err := lifecycle.NewService(store, retentionCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to build lifecycle service: %v\n", err)
			os.Exit(1)
		}

		plan, err := config.LoadPhasePlan(settings.PhasePlanPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		validator, err := validation.NewValidator(store, plan)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to build validator: %v\n", err)
			os.Exit(1)
		}

		coordCfg, err := config.CoordinatorFromEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		coordCfg.Version = version
		coordCfg.Plan = plan
		coordCfg.Detector = detector
		coordCfg.Retention = retention
		// The shutdown prune uses the same bounds as the retention pass.
		coordCfg.InstanceCleanupAge = retentionCfg.InstanceMaxAge
		coordCfg.InstanceCleanupKeep = retentionCfg.InstanceKeep

		coord, err := coordinator.New(store, engine, coordCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to build coordinator: %v\n", err)
			os.Exit(1)
		}

		server, err := api.New(coord, detector, validator, retention, store, engine, settings.APIConfig())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to build api server: %v\n", err)
			os.Exit(1)
		}

		// An unhealthy engine doesn't block startup: execute requests fail
		// fast with an agent_execution problem until it recovers.
		if err := engine.HealthCheck(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: engine health check failed: %v (phase execution will fail until it recovers)\n", err)
		}

		if err := coord.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start coordinator: %v\n", err)
			os.Exit(1)
		}

		serverErrors := make(chan error, 1)
		go func() {
			serverErrors <- server.Start()
		}()

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s surveyor %s listening on %s (storage: %s, engine: %s, instance: %s)\n",
			green("✓"), version, settings.Server.Addr, settings.Storage.Backend,
			settings.Engine.Mode, coord.InstanceID())

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			// Stop the loops so leases release and the instance row is
			// marked stopped before the process dies.
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if stopErr := coord.Stop(stopCtx); stopErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: coordinator stop failed: %v\n", stopErr)
			}
			os.Exit(1)
		case sig := <-shutdown:
			fmt.Printf("\nReceived %v, shutting down...\n", sig)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: http shutdown failed: %v\n", err)
		}
		if err := coord.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: coordinator stop failed: %v\n", err)
		}

		fmt.Println("Surveyor stopped.")
	},
}

func init() {
	serveCmd.Flags().String("engine", "", "Override the engine mode: anthropic or stub")
	rootCmd.AddCommand(serveCmd)
}

// buildEngine constructs the agent execution engine for the configured mode.
func buildEngine(settings *config.Settings) (agent.Engine, error) {
	switch settings.Engine.Mode {
	case config.EngineStub:
		return agent.NewStubEngine(), nil
	case config.EngineAnthropic:
		return agent.NewAnthropicEngine(&agent.Config{
			Model:    settings.Engine.Model,
			MaxTurns: settings.Engine.MaxTurns,
		})
	default:
		return nil, fmt.Errorf("unknown engine mode %q", settings.Engine.Mode)
	}
}
