package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shivavenkatesh/medarchive/internal/archive"
)

var (
	sweepDryRun bool
	sweepMinAge time.Duration
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete image blobs no scan references",
	Long: `Find blobs that no record references, for example leftovers of a
writer that crashed between writing the image and the record, and delete
them. Ingestion is paused while the sweep runs.

Examples:
  medarchive sweep --dry-run
  medarchive sweep --min-age 1h`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "List orphans without deleting")
	sweepCmd.Flags().DurationVar(&sweepMinAge, "min-age", 0, "Skip orphans younger than this")
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openArchive(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Sweep(ctx, archive.SweepOptions{DryRun: sweepDryRun, MinAge: sweepMinAge})
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Printf("Scanned %d blobs, %d orphaned, %d deleted\n", report.Scanned, len(report.Orphans), report.Deleted)
	if sweepDryRun || verbose {
		for _, id := range report.Orphans {
			fmt.Printf("  %s\n", id)
		}
	}
	return nil
}
