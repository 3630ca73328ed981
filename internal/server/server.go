// Package server provides the HTTP presentation surface for the archive
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// DefaultK is the neighbour count when ?k= is omitted
const DefaultK = 5

// Archive is the part of the archive handle the server reads from
type Archive interface {
	Get(ctx context.Context, scanID string) (*types.Scan, error)
	Find(ctx context.Context, patientID string, pred types.Predicate) ([]*types.Scan, error)
	SimilarTo(ctx context.Context, scanID string, k int, pre types.Predicate) ([]types.SimilarScan, error)
	Delete(ctx context.Context, scanID string) error
	Stats(ctx context.Context) (*types.StatsResponse, error)
	Lag() int
}

// Server is the HTTP API server
type Server struct {
	archive Archive
	config  Config
	log     *slog.Logger
	server  *http.Server
}

// Config configures the server
type Config struct {
	Host     string
	Port     int
	Gatherer prometheus.Gatherer // nil = prometheus.DefaultGatherer
	Logger   *slog.Logger
}

// New creates a new server
func New(a Archive, cfg Config) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		archive: a,
		config:  cfg,
		log:     cfg.Logger.With("component", "server"),
	}
	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Handler returns the routed handler with request logging
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /scans/find", s.handleFind)
	mux.HandleFunc("/scans/", s.handleScanByID)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	return s.logRequests(mux)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// scanView is the JSON form of a scan; the image is served separately
type scanView struct {
	Record      types.ScanRecord `json:"record"`
	ContentType string           `json:"content_type"`
	ImageSize   int              `json:"image_size"`
	ImageURL    string           `json:"image_url"`
	Score       *float32         `json:"score,omitempty"`
}

func viewOf(scan *types.Scan) scanView {
	return scanView{
		Record:      scan.Record,
		ContentType: scan.ContentType,
		ImageSize:   len(scan.Image),
		ImageURL:    "/scans/" + url.PathEscape(scan.Record.ScanID) + "?view=image",
	}
}

// handleScanByID handles /scans/{id}. The whole remaining path is the id;
// ?view=image and ?view=similar select the payload and neighbour views.
func (s *Server) handleScanByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/scans/")
	if id == "" {
		writeError(w, types.Validationf("scan id required"))
		return
	}
	action := r.URL.Query().Get("view")
	if action != "" && action != "image" && action != "similar" {
		writeError(w, types.Validationf("unknown view %q", action))
		return
	}

	switch {
	case action == "image" && r.Method == http.MethodGet:
		scan, err := s.archive.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		ct := scan.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Content-Length", strconv.Itoa(len(scan.Image)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(scan.Image)

	case action == "similar" && r.Method == http.MethodGet:
		s.handleSimilar(w, r, id)

	case action == "" && r.Method == http.MethodGet:
		scan, err := s.archive.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, viewOf(scan), http.StatusOK)

	case action == "" && r.Method == http.MethodDelete:
		if err := s.archive.Delete(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"deleted": true}, http.StatusOK)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// similarResponse carries hits plus the pending propagation count, so an
// empty result during warm-up is distinguishable from no neighbours
type similarResponse struct {
	Results []scanView `json:"results"`
	Pending int        `json:"pending"`
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request, id string) {
	k := DefaultK
	if v := r.URL.Query().Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, types.Validationf("k must be an integer, got %q", v))
			return
		}
		k = n
	}

	hits, err := s.archive.SimilarTo(r.Context(), id, k, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := similarResponse{Results: make([]scanView, 0, len(hits)), Pending: s.archive.Lag()}
	for i := range hits {
		v := viewOf(&hits[i].Scan)
		v.Score = &hits[i].Score
		resp.Results = append(resp.Results, v)
	}
	writeJSON(w, resp, http.StatusOK)
}

// findRequest is the body of POST /scans/find
type findRequest struct {
	PatientID  string          `json:"patient_id"`
	Conditions types.Predicate `json:"conditions"`
}

// handleFind handles POST /scans/find
func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req findRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.Validationf("invalid request body: %v", err))
		return
	}

	scans, err := s.archive.Find(r.Context(), req.PatientID, req.Conditions)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]scanView, 0, len(scans))
	for _, scan := range scans {
		views = append(views, viewOf(scan))
	}
	writeJSON(w, map[string]any{"results": views, "total": len(views)}, http.StatusOK)
}

// handleStats handles GET /stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.archive.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, stats, http.StatusOK)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "similarity_pending": s.archive.Lag()}, http.StatusOK)
}

// statusFor maps the error taxonomy to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrConfirmationRequired):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateKey), errors.Is(err, types.ErrPhaseOrder), errors.Is(err, types.ErrSchemaConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrEmbeddingFault):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrStorageFault):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data any, status int) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to encode response", "err", err)
		body = []byte(`{"error":"failed to encode response","reason":"Unknown"}`)
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

// writeError writes a structured failure with its taxonomy reason
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, map[string]string{
		"error":  err.Error(),
		"reason": types.Reason(err),
	}, statusFor(err))
}
