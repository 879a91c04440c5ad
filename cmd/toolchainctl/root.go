package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "toolchainctl",
	Short:         "Install and manage Rust toolchains",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(toolchainCmd)
	rootCmd.AddCommand(overrideCmd)
	rootCmd.AddCommand(componentCmd)
	rootCmd.AddCommand(showCmd)
}
