package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every scan, image and index",
	Long: `Drop all records, image blobs, index definitions and phase markers,
returning the archive to its undefined state. This cannot be undone and
requires --yes.

Examples:
  medarchive reset --yes`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "Confirm the reset")
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openArchive(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Reset(ctx, resetYes); err != nil {
		return fmt.Errorf("reset failed: %w (pass --yes to confirm)", err)
	}
	fmt.Println("Archive reset; run define to start again")
	return nil
}
