// medarchive - a lifecycle engine for medical imaging archives
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"

	// Global flags
	configPath string
	dataDir    string
	logLevel   string
	verbose    bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "medarchive",
	Short: "Medical imaging archive lifecycle engine",
	Long: `medarchive stores clinical scans as correlated metadata, chunked image
blobs and feature vectors, and serves lookups by scan id, by patient and
clinical condition, and by image similarity.

An archive moves through three phases: define (schema and indexes),
construct (ingestion) and manipulate (retrieval). reset returns it to the
undefined state.

Examples:
  # Create the indexes
  medarchive define

  # Ingest one scan
  medarchive construct --patient P001 --scan-type MRI --image brain.dcm

  # Ingest a manifest of scans
  medarchive construct --manifest scans.yaml

  # Retrieve
  medarchive manipulate by-id --scan P001/MRI
  medarchive manipulate by-condition --patient P001 --where diagnosis=glioma
  medarchive manipulate similar --scan P001/MRI -k 5`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $MEDARCHIVE_CONFIG or ~/.medarchive/medarchive.toml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default: ~/.medarchive)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(defineCmd)
	rootCmd.AddCommand(constructCmd)
	rootCmd.AddCommand(manipulateCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sweepCmd)
}
