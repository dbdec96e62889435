package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sampler and history status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := api.Status(cmd.Context())
		if err != nil {
			return err
		}
		writeStatus(cmd.OutOrStdout(), st)
		return nil
	},
}
