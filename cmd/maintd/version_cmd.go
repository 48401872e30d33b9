package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/maintd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short, asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the maintd version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			switch {
			case asJSON:
				return writeJSON(cmd.OutOrStdout(), info)
			case short:
				_, err := fmt.Fprintln(cmd.OutOrStdout(), info.Version)
				return err
			default:
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.Module, info.Version)
				return err
			}
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print build details as JSON")
	cmd.MarkFlagsMutuallyExclusive("short", "json")
	return cmd
}
