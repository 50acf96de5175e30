package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mcm",
	Short: "mcm - MySQL cluster manager",
	Long: `mcm runs next to every MySQL instance of a cluster and turns the set
of instances into a self-managing replication group: it elects a single
writable leader through the coordination service, points the remaining
nodes at it as read-only followers, provisions empty nodes from
snapshots, and keeps the query router's backend list in sync.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"mcm version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(snapshotCmd)
}
