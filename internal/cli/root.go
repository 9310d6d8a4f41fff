// Package cli defines the qwen-proxy command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "qwen-proxy",
	Short: "Multi-token proxy for the Qwen chat completions API",
	Long: `qwen-proxy fronts the Qwen chat completions API with a pool of
OAuth device-flow credentials. It exposes an OpenAI-compatible surface
plus an admin API for token management, and keeps the pool fresh with a
background refresh scheduler.`,
	Run: func(c *cobra.Command, args []string) {
		// Bare invocation serves; matches how the proxy is deployed.
		runServe()
	},
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
