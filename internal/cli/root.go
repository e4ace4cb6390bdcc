// Package cli is the autodev command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// SetVersion sets the version reported by the CLI.
func SetVersion(v string) {
	version = v
}

// configEnv names the config file for commands run by workers, which start in
// their worktree rather than the daemon's directory.
const configEnv = "AUTODEV_CONFIG"

var (
	configFile string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "autodev",
	Short: "autodev turns ready GitHub issues into pull requests",
	Long: `autodev picks up issues labelled as ready, drives each one through a fixed
pipeline (analysis, implementation by an agent worker, review, merge and PR
creation) and hands tasks it cannot finish to a fallback queue.

Pipelines are stored in ~/.autodev/pipelines.json (or PostgreSQL), events
and the fallback queue in ~/.autodev/autodev.db.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv(configEnv), "config file (env AUTODEV_CONFIG; otherwise ./autodev.yaml, then ~/.autodev/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(watchdogCmd)
	rootCmd.AddCommand(fallbackCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
}
