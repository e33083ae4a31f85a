package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/docagent/cmd/docagent/internal/build"
	"github.com/haivivi/docagent/pkg/config"
)

var versionFormat *string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if f := OutputFormat(*versionFormat); f != FormatText {
			return output(cmd.OutOrStdout(), build.Get(), f)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, build.String())
		if isVerbose() {
			info := build.Get()
			fmt.Fprintf(w, "  go:     %s\n", info.Go)
			if cfg, err := loadConfig(); err == nil {
				fmt.Fprintf(w, "  model:  %s/%s\n", cfg.Provider.Kind, cfg.Provider.Model)
				fmt.Fprintf(w, "  key:    %s\n", config.MaskAPIKey(cfg.Provider.APIKey))
			} else {
				fmt.Fprintf(w, "  config: (unavailable: %v)\n", err)
			}
		}
		return nil
	},
}

func init() {
	versionFormat = addOutputFlag(versionCmd, FormatText)
	rootCmd.AddCommand(versionCmd)
}
