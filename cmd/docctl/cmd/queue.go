package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/documentcollections/internal/services"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the deletion queue",
	}
	cmd.AddCommand(newQueueStatsCmd())
	cmd.AddCommand(newQueueAbandonedCmd())
	cmd.AddCommand(newQueueProcessCmd())
	return cmd
}

func newQueueStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count pending and abandoned deletion entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *services.Runtime) error {
				stats, err := rt.Deletions.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), stats)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pending:   %d\nabandoned: %d\ntotal:     %d\n", stats.Pending, stats.Abandoned, stats.Total)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newQueueAbandonedCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "abandoned",
		Short: "List deletion entries that exhausted their retries",
		Long: `List abandoned deletion entries with the sub-goals still outstanding and
the last error of each. These need manual cleanup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *services.Runtime) error {
				entries, err := rt.Deletions.ListAbandoned(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, entries)
				}
				if len(entries) == 0 {
					fmt.Fprintln(out, "No abandoned deletions.")
					return nil
				}
				for _, e := range entries {
					abandoned := ""
					if e.AbandonedAt != nil {
						abandoned = e.AbandonedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(out, "%s  %s %s  abandoned=%s  relational=%t blob=%t index=%t\n    %s\n",
						e.ID, e.Target, e.TargetID, abandoned, e.Relational.Done, e.Blob.Done, e.Index.Done, e.LastError)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newQueueProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one pass over the due deletion entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *services.Runtime) error {
				stats, err := rt.Deletions.ProcessDue(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}
