// -- cmd/export.go --
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arkadich/graphloom/internal/store"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export <project-id>",
	Short: "Export a project and its graph as a JSON bundle.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		data, err := store.ExportProject(context.Background(), a.store, args[0])
		if err != nil {
			return err
		}
		if exportOutput == "" || exportOutput == "-" {
			_, err = os.Stdout.Write(append(data, '\n'))
			return err
		}
		if err := os.WriteFile(exportOutput, data, 0o644); err != nil {
			return fmt.Errorf("writing export file: %w", err)
		}
		fmt.Printf("exported project %s to %s\n", args[0], exportOutput)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")
	rootCmd.AddCommand(exportCmd)
}
