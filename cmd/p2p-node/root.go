package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "p2p-node",
	Short: "A symmetric peer-to-peer file synchronization node",
	Long:  "p2p-node watches a local share directory and replicates files and directory structure with connected peers over a line-delimited JSON protocol.",
}

// Execute runs the root command, exiting non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
