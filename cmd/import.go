// -- cmd/import.go --
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arkadich/graphloom/internal/store"
)

var importCmd = &cobra.Command{
	Use:   "import <bundle-file>",
	Short: "Create a fresh project from an exported JSON bundle.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading bundle file: %w", err)
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := store.ImportProject(context.Background(), a.store, data)
		if err != nil {
			return err
		}
		fmt.Printf("imported project %s (%s)\n", p.ID, p.Name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
