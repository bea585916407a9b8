package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cloudshift-labs/surveyor/internal/config"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Cleanup and maintenance commands",
	Long: `Commands for pruning old data and performing database maintenance.

The serve command runs the same retention pass on a timer; these commands
exist for one-off runs and for deployments that schedule cleanup externally.`,
}

var cleanupEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Clean up old flow events",
	Long: `Delete old flow events according to the retention policy.

Executes three cleanup strategies in sequence:
  1. Time-based: delete events older than the retention period
     (critical-severity events keep a longer period)
  2. Per-flow: cap events per flow to the configured maximum
  3. Global: enforce the global event count limit

The policy comes from SURVEYOR_EVENT_RETENTION_* environment variables.
Defaults: 30 days regular, 90 days critical, 1000 events/flow, 100k global.

Examples:
  surveyor cleanup events                # Run cleanup with defaults
  surveyor cleanup events --vacuum       # Run cleanup and reclaim disk space
  surveyor cleanup events --dry-run      # Show the policy and current state only`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		vacuum, _ := cmd.Flags().GetBool("vacuum")

		// Batched deletes over a large event table can take a while.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		retentionCfg, err := config.RetentionFromEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		store, err := openStore(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		fmt.Printf("Event Retention Policy:\n")
		fmt.Printf("  Regular events:  %d days\n", retentionCfg.RetentionDays)
		fmt.Printf("  Critical events: %d days\n", retentionCfg.CriticalRetentionDays)
		fmt.Printf("  Per-flow limit:  %d events\n", retentionCfg.PerFlowLimit)
		fmt.Printf("  Global limit:    %d events\n", retentionCfg.GlobalLimit)
		fmt.Printf("  Batch size:      %d events/txn\n", retentionCfg.BatchSize)
		if dryRun {
			fmt.Printf("\n%s\n", color.YellowString("DRY RUN MODE - No events will be deleted"))
		}
		fmt.Println()

		beforeCounts, err := store.GetEventCounts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to get event counts: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Current state:\n")
		fmt.Printf("  Total events:      %s\n", formatNumber(beforeCounts.TotalEvents))
		fmt.Printf("  Flows with events: %s\n", formatNumber(len(beforeCounts.EventsByFlow)))
		fmt.Println()

		if dryRun {
			fmt.Println("Dry run complete. Use without --dry-run to perform cleanup.")
			return
		}

		startTime := time.Now()
		totalDeleted := 0

		fmt.Printf("Running time-based cleanup (>%d days, critical >%d days)...\n",
			retentionCfg.RetentionDays, retentionCfg.CriticalRetentionDays)
		ageDeleted, err := store.CleanupEventsByAge(ctx,
			retentionCfg.RetentionDays,
			retentionCfg.CriticalRetentionDays,
			retentionCfg.BatchSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: time-based cleanup failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("  Deleted %s events\n", formatNumber(ageDeleted))
		totalDeleted += ageDeleted

		if retentionCfg.PerFlowLimit > 0 {
			fmt.Printf("\nRunning per-flow cleanup (limit: %d events/flow)...\n",
				retentionCfg.PerFlowLimit)
			flowDeleted, err := store.CleanupEventsByFlowLimit(ctx,
				retentionCfg.PerFlowLimit,
				retentionCfg.BatchSize)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: per-flow cleanup failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("  Deleted %s events\n", formatNumber(flowDeleted))
			totalDeleted += flowDeleted
		} else {
			fmt.Printf("\nSkipping per-flow cleanup (unlimited)\n")
		}

		fmt.Printf("\nRunning global limit cleanup (limit: %d events)...\n",
			retentionCfg.GlobalLimit)
		globalDeleted, err := store.CleanupEventsByGlobalLimit(ctx,
			retentionCfg.GlobalLimit,
			retentionCfg.BatchSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: global limit cleanup failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("  Deleted %s events\n", formatNumber(globalDeleted))
		totalDeleted += globalDeleted

		afterCounts, err := store.GetEventCounts(ctx)

		elapsed := time.Since(startTime)
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("\n%s Cleanup complete\n", green("✓"))
		fmt.Printf("  Events deleted: %s\n", formatNumber(totalDeleted))

		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to get final event counts: %v\n", err)
			estimatedRemaining := beforeCounts.TotalEvents - totalDeleted
			if estimatedRemaining < 0 {
				estimatedRemaining = 0
			}
			fmt.Printf("  Events remaining: ~%s (estimated)\n", formatNumber(estimatedRemaining))
		} else {
			fmt.Printf("  Events remaining: %s\n", formatNumber(afterCounts.TotalEvents))
		}

		fmt.Printf("  Time taken: %s\n", elapsed.Round(time.Millisecond))

		if vacuum {
			fmt.Printf("\nRunning VACUUM to reclaim disk space...\n")
			if err := store.VacuumDatabase(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Error: VACUUM failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s VACUUM complete\n", green("✓"))
		} else {
			fmt.Printf("\nNote: Use --vacuum to reclaim disk space\n")
		}
	},
}

var cleanupInstancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "Prune old stopped orchestrator instances",
	Long: `Delete stopped orchestrator instance records older than the maximum age.

Instances register themselves when serve starts and are marked stopped on
shutdown (or by the sweeper when their heartbeat goes stale). Stopped rows
accumulate across restarts; this prunes them while always keeping the most
recent ones for the status command's history.

The policy comes from SURVEYOR_INSTANCE_MAX_AGE and SURVEYOR_INSTANCE_KEEP.
Defaults: 24h maximum age, keep 10.

Examples:
  surveyor cleanup instances             # Prune with defaults
  surveyor cleanup instances --dry-run   # Show the policy without deleting`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		ctx := context.Background()

		retentionCfg, err := config.RetentionFromEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Instance Retention Policy:\n")
		fmt.Printf("  Maximum age: %s\n", retentionCfg.InstanceMaxAge)
		fmt.Printf("  Always keep: %d most recent\n", retentionCfg.InstanceKeep)
		if dryRun {
			fmt.Printf("\n%s\n", color.YellowString("DRY RUN MODE - No instances will be deleted"))
			fmt.Println("Dry run complete. Use without --dry-run to perform cleanup.")
			return
		}
		fmt.Println()

		store, err := openStore(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		deleted, err := store.DeleteOldStoppedInstances(ctx,
			int(retentionCfg.InstanceMaxAge.Seconds()), retentionCfg.InstanceKeep)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: instance cleanup failed: %v\n", err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Deleted %d stopped instance(s)\n", green("✓"), deleted)
	},
}

func init() {
	cleanupEventsCmd.Flags().Bool("dry-run", false, "Preview the policy without deleting")
	cleanupEventsCmd.Flags().Bool("vacuum", false, "Run VACUUM after cleanup to reclaim disk space")

	cleanupInstancesCmd.Flags().Bool("dry-run", false, "Preview the policy without deleting")

	cleanupCmd.AddCommand(cleanupEventsCmd)
	cleanupCmd.AddCommand(cleanupInstancesCmd)
	rootCmd.AddCommand(cleanupCmd)
}

// formatNumber formats a number with thousand separators
func formatNumber(n int) string {
	if n < 0 {
		return fmt.Sprintf("-%s", formatNumber(-n))
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}
