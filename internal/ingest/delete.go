package ingest

import (
	"context"

	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// Delete removes a scan under the same per-id lock as Ingest, so its vector
// removal is queued after any upsert of a concurrent ingestion. The record
// goes first, then the vector, then the blob. It returns the removed
// record, or nil for an unknown id.
func (p *Pipeline) Delete(ctx context.Context, scanID string) (*types.ScanRecord, error) {
	if scanID == "" {
		return nil, types.Validationf("scan_id is required")
	}
	unlock := p.locks.Lock(scanID)
	defer unlock()

	rec, err := p.store.Delete(ctx, scanID)
	if err != nil || rec == nil {
		return nil, err
	}
	if err := p.index.Remove(context.WithoutCancel(ctx), scanID); err != nil {
		p.log.Warn("failed to schedule vector removal", "scan_id", scanID, "err", err)
	}
	if err := p.blobs.Delete(ctx, rec.BlobRef); err != nil {
		// the record is gone; the blob is now an orphan for a sweep
		p.log.Warn("failed to delete blob of removed scan", "scan_id", scanID, "blob_id", rec.BlobRef, "err", err)
		return rec, err
	}
	p.log.Debug("scan deleted", "scan_id", scanID, "blob_id", rec.BlobRef)
	return rec, nil
}
