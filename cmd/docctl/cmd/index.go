package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Lllllllleong/documentcollections/internal/services"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Indexing backend operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "poll",
		Short: "Poll every indexing document's operation once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *services.Runtime) error {
				stats, err := rt.Poller.PollOnce(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	})
	return cmd
}
