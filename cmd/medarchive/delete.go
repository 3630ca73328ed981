package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <scan-id>...",
	Short: "Delete scans and their images",
	Long: `Delete scans by id. The record is removed first, then its image blob
and its feature vector. Unknown ids are ignored.

Examples:
  medarchive delete P001/MRI
  medarchive delete P001/MRI P001/CT`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openArchive(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, id := range args {
		if err := a.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete %s: %w", id, err)
		}
		fmt.Printf("Deleted %s\n", id)
	}
	return nil
}
