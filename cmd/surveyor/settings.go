package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change per-tenant orchestrator policy",
	Long: `Show or change one tenant's orchestrator policy.

Auto-resolution currently covers low-severity conflicts only: when a
tenant opts in, the conflict engine resolves spreads below the
auto-resolve threshold itself instead of queueing them for an operator.
It is off unless explicitly enabled.

Examples:
  surveyor settings --client-account acme --engagement dc-exit-2026
  surveyor settings --client-account acme --engagement dc-exit-2026 --auto-resolve=true`,
	Run: func(cmd *cobra.Command, args []string) {
		clientAccount, _ := cmd.Flags().GetString("client-account")
		engagement, _ := cmd.Flags().GetString("engagement")
		autoResolve, _ := cmd.Flags().GetBool("auto-resolve")

		if clientAccount == "" || engagement == "" {
			fmt.Fprintf(os.Stderr, "Error: --client-account and --engagement are required\n")
			os.Exit(1)
		}
		scope := types.TenantScope{ClientAccountID: clientAccount, EngagementID: engagement}

		ctx := context.Background()

		store, err := openStore(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		if cmd.Flags().Changed("auto-resolve") {
			settings := &types.TenantSettings{
				ClientAccountID:      scope.ClientAccountID,
				EngagementID:         scope.EngagementID,
				AutoResolveConflicts: autoResolve,
				UpdatedAt:            time.Now().UTC(),
			}
			if err := store.SetTenantSettings(ctx, settings); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to save tenant settings: %v\n", err)
				os.Exit(1)
			}
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s Saved settings for %s\n", green("✓"), scope)
		}

		settings, err := store.GetTenantSettings(ctx, scope)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to get tenant settings: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Tenant: %s\n", scope)
		if settings.UpdatedAt.IsZero() {
			gray := color.New(color.FgHiBlack).SprintFunc()
			fmt.Printf("  Auto-resolve conflicts: false %s\n", gray("(default, never set)"))
			return
		}
		fmt.Printf("  Auto-resolve conflicts: %v\n", settings.AutoResolveConflicts)
		fmt.Printf("  Updated: %s\n", settings.UpdatedAt.Format("2006-01-02 15:04:05"))
	},
}

func init() {
	settingsCmd.Flags().String("client-account", "", "Client account id (required)")
	settingsCmd.Flags().String("engagement", "", "Engagement id (required)")
	settingsCmd.Flags().Bool("auto-resolve", false, "Enable or disable conflict auto-resolution")
	rootCmd.AddCommand(settingsCmd)
}
