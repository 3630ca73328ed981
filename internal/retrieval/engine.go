// Package retrieval implements the archive's read contracts: by scan id,
// by patient plus clinical condition, and by feature vector similarity.
// Every result is hydrated with its image; a record whose blob cannot be
// read is reported as corruption, never as a partial result.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shivavenkatesh/medarchive/internal/metrics"
	"github.com/shivavenkatesh/medarchive/internal/store"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// DefaultWorkers bounds concurrent blob reads during hydration
const DefaultWorkers = 8

// BlobReader is the read side of the blob vault
type BlobReader interface {
	Get(ctx context.Context, blobID string) ([]byte, types.BlobInfo, error)
}

// Searcher runs similarity queries
type Searcher interface {
	SimilaritySearch(ctx context.Context, query []float32, k int, pre types.Predicate) ([]types.Hit, error)
	Lag() int
}

// Config configures the engine
type Config struct {
	Workers       int
	SearchTimeout time.Duration // 0 = bounded by the caller's context only
	Logger        *slog.Logger
	Metrics       *metrics.Collectors
}

// Engine is read-only over the metadata store and blob vault
type Engine struct {
	cfg   Config
	store store.Store
	blobs BlobReader
	index Searcher
	log   *slog.Logger
}

// New creates a retrieval engine
func New(st store.Store, blobs BlobReader, idx Searcher, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:   cfg,
		store: st,
		blobs: blobs,
		index: idx,
		log:   cfg.Logger.With("component", "retrieval"),
	}
}

// ByID returns one scan with its image
func (e *Engine) ByID(ctx context.Context, scanID string) (*types.Scan, error) {
	if strings.TrimSpace(scanID) == "" {
		return nil, types.Validationf("scan_id is required")
	}
	rec, err := e.store.Get(ctx, scanID)
	if err != nil {
		return nil, err
	}
	return e.hydrate(ctx, rec)
}

// Find returns the scans of patientID matching pred, ordered by scan id.
// No match is an empty result.
func (e *Engine) Find(ctx context.Context, patientID string, pred types.Predicate) ([]*types.Scan, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, types.Validationf("patient_id is required")
	}
	full := make(types.Predicate, 0, len(pred)+1)
	full = append(full, types.Eq(types.FieldPatientID, patientID))
	full = append(full, pred...)

	recs, err := e.store.Find(ctx, full, store.FindOptions{})
	if err != nil {
		return nil, err
	}
	return e.hydrateAll(ctx, recs)
}

// ByPatient returns every scan of a patient
func (e *Engine) ByPatient(ctx context.Context, patientID string) ([]*types.Scan, error) {
	return e.Find(ctx, patientID, nil)
}

// SimilarTo returns up to k scans nearest to scanID, best first, excluding
// scanID itself.
func (e *Engine) SimilarTo(ctx context.Context, scanID string, k int) ([]types.SimilarScan, error) {
	return e.SimilarToFiltered(ctx, scanID, k, nil)
}

// SimilarToFiltered is SimilarTo restricted to records matching pre. k is
// clamped to the number of other records in the archive. Records written
// after the last applied similarity update are not yet candidates; see Lag.
func (e *Engine) SimilarToFiltered(ctx context.Context, scanID string, k int, pre types.Predicate) ([]types.SimilarScan, error) {
	if k <= 0 {
		return nil, types.Validationf("k must be positive, got %d", k)
	}
	if err := pre.Validate(); err != nil {
		return nil, err
	}
	src, err := e.store.Get(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if len(src.FeatureVector) == 0 {
		return nil, fmt.Errorf("%w: scan %s has no feature vector", types.ErrCorruption, scanID)
	}

	total, err := e.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	if k > total-1 {
		k = total - 1
	}
	if k <= 0 {
		return []types.SimilarScan{}, nil
	}

	sctx, cancel := e.searchContext(ctx)
	defer cancel()

	// one extra slot for the source record; widened when hits turn out to
	// be records deleted since the search index last caught up
	want := k + 1
	for {
		hits, err := e.index.SimilaritySearch(sctx, src.FeatureVector, want, pre)
		if err != nil {
			return nil, err
		}
		out, err := e.collect(ctx, scanID, hits, k)
		if err != nil {
			return nil, err
		}
		if len(out) == k || len(hits) < want {
			return out, nil
		}
		want *= 2
	}
}

// collect hydrates up to k hits, skipping the source and records that no
// longer exist
func (e *Engine) collect(ctx context.Context, sourceID string, hits []types.Hit, k int) ([]types.SimilarScan, error) {
	out := make([]types.SimilarScan, 0, k)
	for _, hit := range hits {
		if hit.ScanID == sourceID {
			continue
		}
		if len(out) == k {
			break
		}
		rec, err := e.store.Get(ctx, hit.ScanID)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		scan, err := e.hydrate(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, types.SimilarScan{Scan: *scan, Score: hit.Score})
	}
	return out, nil
}

// Lag reports similarity updates not yet visible to SimilarTo
func (e *Engine) Lag() int {
	return e.index.Lag()
}

func (e *Engine) searchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.SearchTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.SearchTimeout)
}

// hydrate attaches the image of rec. A missing blob means the record
// points at nothing, which is corruption.
func (e *Engine) hydrate(ctx context.Context, rec *types.ScanRecord) (*types.Scan, error) {
	data, info, err := e.blobs.Get(ctx, rec.BlobRef)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrValidation) {
			e.cfg.Metrics.Corruption()
			e.log.Error("archive corruption detected", "scan_id", rec.ScanID, "blob_id", rec.BlobRef, "err", err)
			return nil, fmt.Errorf("%w: scan %s references missing blob %q", types.ErrCorruption, rec.ScanID, rec.BlobRef)
		}
		return nil, err
	}
	return &types.Scan{Record: *rec, Image: data, ContentType: info.ContentType}, nil
}

// hydrateAll reads blobs concurrently and keeps the order of recs
func (e *Engine) hydrateAll(ctx context.Context, recs []*types.ScanRecord) ([]*types.Scan, error) {
	out := make([]*types.Scan, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, rec := range recs {
		g.Go(func() error {
			scan, err := e.hydrate(gctx, rec)
			if err != nil {
				return err
			}
			out[i] = scan
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
