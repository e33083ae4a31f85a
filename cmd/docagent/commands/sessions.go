package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/haivivi/docagent/pkg/sessionstore"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored conversations",
}

var sessionsListFormat *string

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		list, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), list, OutputFormat(*sessionsListFormat))
	},
}

var sessionsShowFormat *string

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a stored session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		sess, err := store.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		format := OutputFormat(*sessionsShowFormat)
		if format != FormatText {
			return output(cmd.OutOrStdout(), sess.Data(), format)
		}
		msgs, err := sess.Messages(cmd.Context())
		if err != nil {
			return err
		}
		newRenderer(cmd.OutOrStdout()).history(msgs)
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete stored sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		for _, id := range args {
			if err := store.Delete(cmd.Context(), id); err != nil {
				return err
			}
		}
		return nil
	},
}

func openStore() (sessionstore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openSessions(cfg.Sessions, slog.Default())
}

func init() {
	sessionsListFormat = addOutputFlag(sessionsListCmd, FormatYAML)
	sessionsShowFormat = addOutputFlag(sessionsShowCmd, FormatText)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}
