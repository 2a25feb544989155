// Package cmd provides the CLI commands for shellgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moltbook/shellgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "shellgate",
	Short: "shellgate - egress security proxy for autonomous agents",
	Long: `shellgate is the single network exit for a sandboxed autonomous agent.

It enforces a domain allowlist on CONNECT tunnels and forwarded HTTP
requests, sanitizes inbound content for prompt-injection patterns,
validates and rate-limits the agent's write actions, and persists
end-of-run memory files to append-only blob storage. Every request is
audited as one JSON line on stdout.

Configuration:
  Config is loaded from shellgate.yaml in the current directory or
  /etc/shellgate/. Environment variables override config values with
  the SHELLGATE_ prefix, e.g. SHELLGATE_SERVER_PORT=3128. The
  conventional deployment variables (PORT, ALLOWLIST_CONFIG,
  MOLTBOOK_API_TOKEN, STORAGE_ACCOUNT, STORAGE_CONTAINER) are also
  honored.

Commands:
  serve       Start the proxy
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./shellgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
