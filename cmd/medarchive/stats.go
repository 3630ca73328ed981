package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show archive statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print as JSON")
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openArchive(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	if statsJSON {
		printJSON(stats)
		return nil
	}

	fmt.Println("medarchive Statistics")
	fmt.Println("=====================")
	fmt.Printf("Scans:            %d\n", stats.TotalScans)
	fmt.Printf("Patients:         %d\n", stats.PatientCount)
	fmt.Printf("Blobs:            %d (%s)\n", stats.TotalBlobs, formatBytes(stats.BlobBytes))
	fmt.Printf("Metadata store:   %s\n", formatBytes(stats.StorageBytes))
	fmt.Printf("Similarity lag:   %d\n", stats.SimilarityLag)
	if stats.EmbeddingModel != "" {
		fmt.Printf("Embedding model:  %s\n", stats.EmbeddingModel)
	}
	fmt.Printf("Phases completed: %v\n", stats.CompletedPhases)

	if len(stats.Indexes) > 0 {
		fmt.Println("\nIndexes:")
		for _, idx := range stats.Indexes {
			fmt.Printf("  %-16s %s\n", idx.Name, idx.Kind)
		}
	}

	if len(stats.ScansByPatient) > 0 && verbose {
		patients := make([]string, 0, len(stats.ScansByPatient))
		for p := range stats.ScansByPatient {
			patients = append(patients, p)
		}
		sort.Strings(patients)
		fmt.Println("\nBy patient:")
		for _, p := range patients {
			fmt.Printf("  %-16s %d\n", p, stats.ScansByPatient[p])
		}
	}
	return nil
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
