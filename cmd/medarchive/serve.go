package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/shivavenkatesh/medarchive/internal/server"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server over the retrieval contracts.

Examples:
  medarchive serve
  medarchive serve --port 9000
  medarchive serve --host 0.0.0.0 --port 8080`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	host, port := cfg.Server.Host, cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := openArchive(ctx, reg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(a, server.Config{
		Host:     host,
		Port:     port,
		Gatherer: reg,
	})

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		fmt.Println("\nShutting down...")
		srv.Shutdown()
	}()

	fmt.Printf("medarchive server listening on http://%s\n", srv.Addr())
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Println("  GET    /scans/{id}                     - Scan metadata")
	fmt.Println("  GET    /scans/{id}?view=image          - Scan image")
	fmt.Println("  GET    /scans/{id}?view=similar&k=5  - Similar scans")
	fmt.Println("  DELETE /scans/{id}                     - Delete a scan")
	fmt.Println("  POST   /scans/find                     - Scans of a patient by condition")
	fmt.Println("  GET    /stats                          - Archive statistics")
	fmt.Println("  GET    /health                         - Health check")
	fmt.Println("  GET    /metrics                        - Prometheus metrics")

	return srv.Start()
}
