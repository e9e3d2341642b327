// Package cli implements the tollgate command tree.
package cli

import (
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "Tollgate - approval-gated agent runtime",
	Long: `Tollgate runs a conversational agent whose designated tools wait for a
human decision before they execute. Threads are persisted, so a pending
approval survives restarts and long delays.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tollgate/tollgate.json)")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate("{{.Name}} version {{.Version}}\n")
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd exposes the command tree to tests.
func GetRootCmd() *cobra.Command { return rootCmd }

// GetVersion returns the build version.
func GetVersion() string { return version }
