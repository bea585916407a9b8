package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cloudshift-labs/surveyor/internal/storage"
	"github.com/cloudshift-labs/surveyor/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator instances, flows, and event store state",
	Long: `Display registered orchestrator instances, the event store counters, and
optionally a tenant's flows.

Instances and event counts are deployment-wide. Flows are tenant-scoped:
pass --client-account and --engagement to list one tenant's flows.

Examples:
  surveyor status
  surveyor status --client-account acme --engagement dc-exit-2026`,
	Run: func(cmd *cobra.Command, args []string) {
		clientAccount, _ := cmd.Flags().GetString("client-account")
		engagement, _ := cmd.Flags().GetString("engagement")

		ctx := context.Background()

		store, err := openStore(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("\n%s\n", cyan("=== Surveyor Status ==="))
		fmt.Println()

		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		instances, err := store.GetActiveInstances(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to get orchestrator instances: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s\n", yellow("Orchestrator Instances:"))

		if len(instances) == 0 {
			fmt.Printf("  %s\n", gray("No running instances"))
		} else {
			for _, inst := range instances {
				statusColor := green
				statusIcon := "●"

				// A running instance that stopped heartbeating is about
				// to lose its leases to the sweeper.
				if time.Since(inst.LastHeartbeat) > 2*time.Minute {
					statusColor = yellow
					statusIcon = "⚠"
				}

				fmt.Printf("  %s %s\n", statusColor(statusIcon), statusColor(string(inst.Status)))
				fmt.Printf("    Instance: %s\n", inst.InstanceID)
				fmt.Printf("    Host:     %s (PID %d)\n", inst.Hostname, inst.PID)
				if inst.Version != "" {
					fmt.Printf("    Version:  %s\n", inst.Version)
				}
				fmt.Printf("    Started:  %s\n", inst.StartedAt.Format("2006-01-02 15:04:05"))
				fmt.Printf("    Heartbeat: %s (%v ago)\n",
					inst.LastHeartbeat.Format("15:04:05"),
					time.Since(inst.LastHeartbeat).Round(time.Second))
				fmt.Println()
			}

			fmt.Printf("  Total: %s running\n", green(fmt.Sprintf("%d", len(instances))))
		}

		fmt.Println()

		if clientAccount != "" || engagement != "" {
			if clientAccount == "" || engagement == "" {
				fmt.Fprintf(os.Stderr, "Error: --client-account and --engagement must be set together\n")
				os.Exit(1)
			}
			scope := types.TenantScope{ClientAccountID: clientAccount, EngagementID: engagement}
			printFlows(ctx, store, scope)
		} else {
			fmt.Printf("%s\n", yellow("Flows:"))
			fmt.Printf("  %s\n", gray("Pass --client-account and --engagement to list a tenant's flows"))
			fmt.Println()
		}

		counts, err := store.GetEventCounts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to get event counts: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s\n", yellow("Event Store:"))
		fmt.Printf("  Total events:      %s\n", formatNumber(counts.TotalEvents))
		fmt.Printf("  Flows with events: %s\n", formatNumber(len(counts.EventsByFlow)))

		severities := make([]string, 0, len(counts.EventsBySeverity))
		for severity := range counts.EventsBySeverity {
			severities = append(severities, severity)
		}
		sort.Strings(severities)
		for _, severity := range severities {
			fmt.Printf("  %-18s %s\n", severity+":", formatNumber(counts.EventsBySeverity[severity]))
		}
		fmt.Println()
	},
}

func init() {
	statusCmd.Flags().String("client-account", "", "Client account id for the flow listing")
	statusCmd.Flags().String("engagement", "", "Engagement id for the flow listing")
	rootCmd.AddCommand(statusCmd)
}

// printFlows renders one tenant's flow table: non-terminal flows first,
// most recently updated first within each group.
func printFlows(ctx context.Context, store storage.Storage, scope types.TenantScope) {
	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	flows, err := store.ListActiveFlows(ctx, scope)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to list flows: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", yellow(fmt.Sprintf("Flows (%s / %s):", scope.ClientAccountID, scope.EngagementID)))

	if len(flows) == 0 {
		fmt.Printf("  %s\n", gray("No flows"))
		fmt.Println()
		return
	}

	for _, flow := range flows {
		statusColor := gray
		statusIcon := "○"

		switch flow.Status {
		case types.FlowRunning:
			statusColor = green
			statusIcon = "●"
		case types.FlowPausedForApproval:
			statusColor = yellow
			statusIcon = "⚠"
		case types.FlowFailed:
			statusColor = red
			statusIcon = "⚠"
		}

		fmt.Printf("  %s %-20s %s\n", statusColor(statusIcon), statusColor(string(flow.Status)), flow.ID)
		if flow.Status.IsTerminal() {
			fmt.Printf("      Phase:   %s\n", flow.CurrentPhase)
		} else {
			next := flow.NextPhase
			if next == "" {
				next = "(final)"
			}
			fmt.Printf("      Phase:   %s → %s (%d%% complete)\n", flow.CurrentPhase, next, flow.ProgressPercentage)
		}
		fmt.Printf("      Updated: %s (%v ago)\n",
			flow.UpdatedAt.Format("2006-01-02 15:04:05"),
			time.Since(flow.UpdatedAt).Round(time.Second))
		fmt.Println()
	}
}
