package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/maintd"
)

func newResetCommand(a *app) *cobra.Command {
	var yes bool
	var store string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the stored maintenance record so the fleet reads NORMAL",
		Long: `reset talks to the storage backend directly, without a running server.
It removes the maintenance record, including one that no longer decodes.
Servers keep running and recreate the record on their next write.`,
		Args: cobra.NoArgs,
		Example: `
  # Clear a local disk store
  maintd reset --store disk:///var/lib/maintd --yes
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if !yes {
				return errors.New("reset deletes the maintenance record; pass --yes to confirm")
			}
			var cfg maintd.Config
			if err := bindConfig(a.v, &cfg); err != nil {
				return err
			}
			if cmd.Flags().Changed("store") {
				cfg.Store = store
			}
			removed, err := maintd.ResetStore(cmd.Context(), cfg, maintd.WithLogger(a.logger))
			if err != nil {
				return err
			}
			if !removed {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "no maintenance record to remove")
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "maintenance record removed")
			return err
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting the record")
	cmd.Flags().StringVar(&store, "store", "", "storage backend URL (defaults to the configured store)")
	return cmd
}
