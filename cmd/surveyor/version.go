package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if commit := resolveCommit(); commit != "" {
			fmt.Printf("surveyor version %s (%s)\n", version, commit)
			return
		}
		fmt.Printf("surveyor version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// resolveCommit returns the short vcs revision from build info, set when
// the binary was built from a checkout.
func resolveCommit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && setting.Value != "" {
			if len(setting.Value) > 12 {
				return setting.Value[:12]
			}
			return setting.Value
		}
	}
	return ""
}
