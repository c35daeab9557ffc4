package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Lllllllleong/documentcollections/internal/services"
)

func newForceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-delete <document-id>",
		Short: "Queue a document for deletion without an owner check",
		Long: `Queue a document for deletion on behalf of an operator. The owner check
is skipped; a document still being indexed is refused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *services.Runtime) error {
				receipt, err := rt.Deletions.ForceDelete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), receipt)
			})
		},
	}
}
