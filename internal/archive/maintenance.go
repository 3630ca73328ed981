package archive

import (
	"context"
	"errors"
	"time"

	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// compactor is implemented by stores that can reclaim space
type compactor interface {
	Compact(ctx context.Context) error
}

// Delete removes a scan: the record first, then its vector and its blob.
// Unknown ids are not an error.
func (a *Archive) Delete(ctx context.Context, scanID string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.require(PhaseConstruct); err != nil {
		return err
	}
	_, err := a.pipeline.Delete(ctx, scanID)
	return err
}

// SweepOptions configures an orphan sweep
type SweepOptions struct {
	DryRun bool
	MinAge time.Duration // committed blobs younger than this are left alone
}

// Sweep finds blobs no record references and, unless DryRun, deletes
// them. Blobs without a committed header are always orphans. Ingestion is
// excluded for the duration.
func (a *Archive) Sweep(ctx context.Context, opts SweepOptions) (*types.SweepReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids, err := a.vault.List(ctx)
	if err != nil {
		return nil, err
	}
	refs, err := a.store.BlobRefs(ctx)
	if err != nil {
		return nil, err
	}

	report := &types.SweepReport{Scanned: len(ids), Orphans: []string{}}
	now := time.Now()
	for _, id := range ids {
		if _, ok := refs[id]; ok {
			continue
		}
		if opts.MinAge > 0 {
			info, err := a.vault.Stat(ctx, id)
			switch {
			case err == nil:
				if now.Sub(info.CreatedAt) < opts.MinAge {
					continue
				}
			case !errors.Is(err, types.ErrNotFound):
				return report, err
			}
		}
		report.Orphans = append(report.Orphans, id)
	}

	if opts.DryRun {
		return report, nil
	}
	for _, id := range report.Orphans {
		if err := a.vault.Delete(ctx, id); err != nil {
			return report, err
		}
		report.Deleted++
	}
	if c, ok := a.store.(compactor); ok && report.Deleted > 0 {
		if err := c.Compact(ctx); err != nil {
			a.log.Warn("compaction failed", "err", err)
		}
	}
	a.log.Info("sweep finished", "scanned", report.Scanned, "orphans", len(report.Orphans), "deleted", report.Deleted)
	return report, nil
}

// Stats reports record, blob and index statistics
func (a *Archive) Stats(ctx context.Context) (*types.StatsResponse, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats, err := a.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats.TotalBlobs, stats.BlobBytes, err = a.vault.Usage(ctx)
	if err != nil {
		return nil, err
	}
	stats.SimilarityLag = a.index.Lag()
	if a.embedder != nil {
		stats.EmbeddingModel = a.embedder.Model()
	}
	stats.CompletedPhases = a.completedPhases()
	a.metrics.SetSimilarity(a.index.Similarity().Len(), stats.SimilarityLag)
	return stats, nil
}
