package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

// OutputFormat is the format of structured command output.
type OutputFormat string

const (
	FormatYAML OutputFormat = "yaml"
	FormatJSON OutputFormat = "json"
	// FormatText renders for humans. Commands without a text view fall
	// back to YAML.
	FormatText OutputFormat = "text"
)

func addOutputFlag(cmd *cobra.Command, def OutputFormat) *string {
	return cmd.Flags().StringP("output", "o", string(def), "output format: yaml, json or text")
}

// output writes v to w in format. Values are encoded through JSON first so
// both formats share field names.
func output(w io.Writer, v any, format OutputFormat) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML, FormatText, "":
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		out, err := yaml.JSONToYAML(data)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}
