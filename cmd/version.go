package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shawkym/reqchat/internal/version"
)

var (
	checkUpdate bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  `Display the current version of reqchat and check for updates.`,
	Run:   runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&checkUpdate, "check-update", true, "Check for newer versions")
}

func runVersion(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, version.GetVersionString())

	if !checkUpdate {
		return
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	hasUpdate, latestVersion, err := version.CheckForUpdate(ctx)
	switch {
	case err != nil:
		fmt.Fprintf(out, "Could not check for updates: %v\n", err)
	case hasUpdate:
		fmt.Fprintf(out, "\nUpdate available: %s (current: %s)\n", latestVersion, version.GetShortVersion())
		fmt.Fprintln(out, "Download from: https://github.com/shawkym/reqchat/releases/latest")
	case latestVersion != "":
		fmt.Fprintf(out, "You're running the latest version (%s)\n", latestVersion)
	}
}
