package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var defineCmd = &cobra.Command{
	Use:   "define",
	Short: "Create or verify the archive schema and indexes",
	Long: `Create the metadata schema, the conventional index over the configured
clinical fields and the similarity index over feature vectors.

define is idempotent. It fails without changing anything when an existing
index is incompatible with the configuration, for example a similarity
index with a different dimensionality.

Examples:
  medarchive define
  medarchive define --config ./archive.toml`,
	Args: cobra.NoArgs,
	RunE: runDefine,
}

func runDefine(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openArchive(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	defs, err := a.Define(ctx)
	if err != nil {
		return fmt.Errorf("define failed: %w", err)
	}

	fmt.Println("Archive defined")
	for _, d := range defs {
		if len(d.Fields) > 0 {
			fmt.Printf("  %-16s %-12s fields=%s\n", d.Name, d.Kind, strings.Join(d.Fields, ","))
		} else {
			fmt.Printf("  %-16s %-12s dims=%d metric=%s candidates=%d\n", d.Name, d.Kind, d.Dimensions, d.Metric, d.Candidates)
		}
	}
	return nil
}
