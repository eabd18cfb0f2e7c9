// Package cmd provides the prismctl CLI: a thin HTTP client over a
// running daemon's admin surface, styled the way the pack's blueprint
// CLIs render their terminal output.
package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var addr string

var rootCmd = &cobra.Command{
	Use:   "prismctl",
	Short: "Inspect and control a running Prism daemon",
	Long: `prismctl talks to a Prism daemon's admin HTTP surface: connection and
tunnel-service snapshots, health, and a reload trigger.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:9090", "admin server address")
	rootCmd.AddCommand(newHealthzCmd())
	rootCmd.AddCommand(newConnsCmd())
	rootCmd.AddCommand(newServicesCmd())
	rootCmd.AddCommand(newReloadCmd())
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#1a73e8"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5f6368")).Width(20)
	valueStyle   = lipgloss.NewStyle().Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00635D"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#D93025"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
)

// adminClient is a short-timeout HTTP client shared by every
// subcommand; the admin surface is local/LAN and never expected to be
// slow, so a client hang means the daemon is stuck, not busy.
var adminClient = &http.Client{Timeout: 5 * time.Second}

func field(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}
