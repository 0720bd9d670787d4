package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ebcvm/internal/snapshot"
	"ebcvm/internal/ui"
)

var stateFormat string

var stateCmd = &cobra.Command{
	Use:   "state <file>",
	Short: "Print a state written by run --dump-state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := snapshot.Read(args[0])
		if err != nil {
			return err
		}
		switch strings.ToLower(stateFormat) {
		case "pretty":
			fmt.Fprintln(cmd.OutOrStdout(), ui.RenderState(s))
			return nil
		case "json":
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		default:
			return fmt.Errorf("unsupported format %q (must be pretty or json)", stateFormat)
		}
	},
}

func init() {
	stateCmd.Flags().StringVar(&stateFormat, "format", "pretty", "output format (pretty|json)")
}
