// Package commands implements the docagent CLI.
package commands

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/haivivi/docagent/pkg/config"
)

var (
	// Global flags
	verbose    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "docagent",
	Short: "Documentation assistant backed by an LLM agent",
	Long: `docagent - chat with an LLM agent that searches and reads your documentation.

The agent answers from a document store (a local directory or an S3 bucket),
calling search_docs and read_doc as it needs them. Long conversations are
summarized automatically to stay within the model's context window.

Configuration is read from ~/.docagent/config.yaml unless --config is given.

Examples:
  # Chat in the terminal
  docagent chat

  # Serve the HTTP API on the configured address
  docagent serve

  # Show a stored conversation as JSON
  docagent sessions show 3f0c... -o json`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.docagent/config.yaml)")
}

// loadConfig reads the config file. A missing default file yields the
// defaults so read-only commands work on a fresh machine.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) && configPath == "" {
		slog.Debug("docagent: no config file, using defaults")
		return config.Parse(nil)
	}
	return cfg, err
}

// isVerbose reports whether --verbose was given.
func isVerbose() bool {
	return verbose
}
