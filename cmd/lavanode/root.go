package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lavanode",
	Short: "Discord music bot backed by Lavalink nodes.",
	// Running without a subcommand starts the bot.
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBot()
	},
	SilenceUsage: true,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
