// -- cmd/cleanup.go --
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <project-id>",
	Short: "Merge duplicate entities and collapse duplicate edges in a project graph.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.cleaner.Cleanup(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("merged %d duplicate entities, removed %d duplicate edges\n",
			result.MergedEntities, result.RemovedEdges)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
