package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/documentcollections/internal/services"
)

func newOrphansCmd() *cobra.Command {
	var collectionID string
	var remove, index bool

	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Find blobs or index documents that no document references",
		Long: `List blob keys under the collection prefixes that have no document row.
With --index the search index is scanned instead. With --delete the listed
objects are removed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *services.Runtime) error {
				if index {
					return indexOrphans(cmd, rt, collectionID, remove)
				}
				keys, err := rt.Orphans.FindOrphans(cmd.Context(), collectionID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, k := range keys {
					fmt.Fprintln(out, k)
				}
				if !remove {
					fmt.Fprintf(out, "%d orphaned blob(s)\n", len(keys))
					return nil
				}
				n, err := rt.Orphans.DeleteOrphans(cmd.Context(), keys)
				fmt.Fprintf(out, "%d orphaned blob(s) deleted\n", n)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&collectionID, "collection", "", "Only scan this collection")
	cmd.Flags().BoolVar(&remove, "delete", false, "Delete the orphaned objects")
	cmd.Flags().BoolVar(&index, "index", false, "Scan the search index instead of blob storage")
	return cmd
}

func indexOrphans(cmd *cobra.Command, rt *services.Runtime, collectionID string, remove bool) error {
	docs, err := rt.Orphans.FindIndexOrphans(cmd.Context(), collectionID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, d := range docs {
		fmt.Fprintf(out, "%s\t%s\n", d.ID, d.CollectionID)
	}
	if !remove {
		fmt.Fprintf(out, "%d orphaned index document(s)\n", len(docs))
		return nil
	}
	n, err := rt.Orphans.DeleteIndexOrphans(cmd.Context(), docs)
	fmt.Fprintf(out, "%d orphaned index document(s) deleted\n", n)
	return err
}
