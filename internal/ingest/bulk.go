package ingest

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// Bulk ingests reqs through the same state machine as Ingest with at most
// Config.Workers requests in flight. Under the reject policy, requests
// whose scan id already exists (in the store or earlier in the batch) are
// reported as skipped without touching the vault. Results keep the order
// of reqs. A failed request does not stop the batch; only cancellation of
// ctx does, and requests not started by then fail with the context error.
func (p *Pipeline) Bulk(ctx context.Context, reqs []types.IngestRequest) types.BatchSummary {
	start := time.Now()
	results := make([]types.IngestResult, len(reqs))
	ids := make([]string, len(reqs))
	for i, req := range reqs {
		ids[i] = p.ScanID(req)
	}

	skip := make([]bool, len(reqs))
	if p.cfg.ConflictPolicy == ConflictReject {
		p.markSkipped(ctx, ids, skip, results)
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i := range reqs {
		if skip[i] {
			continue
		}
		if err := ctx.Err(); err != nil {
			results[i] = types.IngestResult{
				ScanID: ids[i],
				State:  types.StateFailed,
				Reason: types.Reason(err),
				Err:    err,
			}
			p.cfg.Metrics.Ingestion(string(types.StateFailed))
			continue
		}
		// pin the derived id so a generated one is not regenerated
		req := reqs[i]
		req.ScanID = ids[i]
		g.Go(func() error {
			results[i] = p.Ingest(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	summary := types.BatchSummary{
		Total:   len(reqs),
		Results: results,
		Reasons: make(map[string]int),
	}
	for _, res := range results {
		switch res.State {
		case types.StateDone:
			summary.Done++
		case types.StateSkipped:
			summary.Skipped++
		default:
			summary.Failed++
			summary.Reasons[res.Reason]++
		}
	}
	summary.Timing = time.Since(start).Milliseconds()
	p.log.Info("bulk ingestion finished",
		"total", summary.Total, "done", summary.Done, "failed", summary.Failed, "skipped", summary.Skipped)
	return summary
}

// markSkipped flags duplicates: ids already stored, and repeats of an id
// earlier in the batch
func (p *Pipeline) markSkipped(ctx context.Context, ids []string, skip []bool, results []types.IngestResult) {
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		reason := ""
		if _, dup := seen[id]; dup {
			reason = "duplicate in batch"
		} else {
			seen[id] = struct{}{}
			_, err := p.store.Get(ctx, id)
			if err == nil {
				reason = "already archived"
			} else if !errors.Is(err, types.ErrNotFound) {
				// leave it to Ingest to report the store error
				continue
			}
		}
		if reason == "" {
			continue
		}
		skip[i] = true
		results[i] = types.IngestResult{
			ScanID: id,
			State:  types.StateSkipped,
			Reason: reason,
		}
		p.cfg.Metrics.Ingestion(string(types.StateSkipped))
	}
}
