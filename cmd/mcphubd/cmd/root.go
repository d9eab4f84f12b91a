// Package cmd provides the CLI commands for the MCP hub daemon.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcphub/mcphub/internal/config"
)

var cfgFile string
var pidFileOverride string

var rootCmd = &cobra.Command{
	Use:   "mcphubd",
	Short: "mcphubd - MCP multiplexing hub",
	Long: `mcphubd aggregates many upstream Model Context Protocol servers and
presents their combined tools, resources, and prompts to a single downstream
client over stdio or streamable HTTP.

Quick start:
  1. Create a config file: mcphub.yaml
  2. Run: mcphubd start

Configuration:
  Config is loaded from mcphub.yaml in the current directory,
  $HOME/.mcphub/, or /etc/mcphub/.

  Environment variables can override config values with the MCPHUB_ prefix.
  Example: MCPHUB_LISTEN_HTTP_ADDR=:9090

Commands:
  start       Start the hub
  stop        Stop the running hub
  status      Show configured upstream servers
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcphub.yaml)")
	rootCmd.PersistentFlags().StringVar(&pidFileOverride, "pid-file", "", "path to PID file (default: ~/.mcphub/hub.pid)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
