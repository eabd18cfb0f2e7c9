// Package cmd provides the CLI for the Prism daemon.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/prismproxy/prism/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "prism",
	Short: "Prism - L4 reverse proxy with WASM-routed preludes and reverse tunnels",
	Long: `Prism inspects the first bytes of an incoming TCP/UDP connection through
a WebAssembly middleware chain, resolves a hostname to a route, and forwards
the connection to one of the route's upstream candidates -- including
upstreams reachable only through a reverse tunnel.

Configuration is loaded from prism.yaml in the current directory,
$HOME/.prism/, or /etc/prism/, overridable with PRISM_-prefixed
environment variables.`,
	RunE: runServe,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./prism.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
