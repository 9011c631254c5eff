// Package cmd provides the CLI commands for the proxy.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "xzproxy",
	Short: "xzproxy - MCP aggregation proxy",
	Long: `xzproxy aggregates tools from multiple downstream MCP providers
(stdio, SSE, streamable HTTP) into one namespaced catalog and re-serves
it over WebSocket to one or more upstream MCP endpoints.

Quick start:
  1. Create a config file: xzproxy.yaml
  2. Run: xzproxy start

Configuration is loaded from xzproxy.yaml in the current directory,
$HOME/.xzproxy/, or /etc/xzproxy/, the standard search order
spf13/viper resolves a config file from.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./xzproxy.yaml)")
}
