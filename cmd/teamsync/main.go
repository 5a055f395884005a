package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time
var Version = "dev"

var (
	configPath string
	logLevel   string
	logFormat  string
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:   "teamsync",
	Short: "Teamsync - Git-backed team configuration sync for ModRelay",
	Long: `Teamsync keeps ModRelay workspaces in step with their team repositories.

Local edits are committed and pushed, remote changes are pulled and merged
into the local document store, and diverged history is rebased automatically
when auto-resolution is enabled.`,
	Example: `  # Sync one workspace once and show what happened
  teamsync sync platform-team

  # Run the scheduler for all auto-syncing workspaces
  teamsync run

  # Inspect the recorded state of every workspace
  teamsync status`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "teamsync.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkAuthCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the teamsync version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(Version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
