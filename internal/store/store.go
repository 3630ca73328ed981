// Package store defines the metadata storage interface
package store

import (
	"context"
	"iter"

	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// Store persists scan records, the index catalog and lifecycle phase markers.
// Errors are classified with the pkg/types taxonomy.
type Store interface {
	// Insert creates a record; fails with types.ErrDuplicateKey if the scan id exists
	Insert(ctx context.Context, rec *types.ScanRecord) error

	// Replace inserts or overwrites a record and returns the record it
	// superseded, or nil
	Replace(ctx context.Context, rec *types.ScanRecord) (*types.ScanRecord, error)

	// Get retrieves a record; fails with types.ErrNotFound
	Get(ctx context.Context, scanID string) (*types.ScanRecord, error)

	// Find returns matching records ordered by scan id
	Find(ctx context.Context, pred types.Predicate, opts FindOptions) ([]*types.ScanRecord, error)

	// Iterate lazily yields matching records ordered by scan id
	Iterate(ctx context.Context, pred types.Predicate) iter.Seq2[*types.ScanRecord, error]

	// Delete removes a record; unknown ids are not an error. It returns the
	// removed record, or nil.
	Delete(ctx context.Context, scanID string) (*types.ScanRecord, error)

	// Count returns the number of records
	Count(ctx context.Context) (int, error)

	// BlobRefs returns the blob reference of every record
	BlobRefs(ctx context.Context) (map[string]struct{}, error)

	// Stats returns storage statistics
	Stats(ctx context.Context) (*types.StatsResponse, error)

	// Indexes returns the index catalog
	Indexes(ctx context.Context) ([]types.IndexInfo, error)

	// PutIndex records an index definition. Conventional definitions take
	// effect immediately, including for existing records.
	PutIndex(ctx context.Context, info types.IndexInfo) error

	// MarkPhase records that a lifecycle phase completed
	MarkPhase(ctx context.Context, phase string) error

	// Phases returns the completed lifecycle phases
	Phases(ctx context.Context) ([]string, error)

	// Drop removes all records, index definitions and phase markers
	Drop(ctx context.Context) error

	// Close releases resources
	Close() error
}

// FindOptions configures pagination
type FindOptions struct {
	Limit  int // 0 = no limit
	Offset int
}
