// Package ingest implements the ingestion pipeline. Each request runs
// through Received, BlobCommitted, RecordCommitted, IndexConfirmed and Done;
// a failure at any step runs the compensating actions for the steps
// already taken.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shivavenkatesh/medarchive/internal/embeddings"
	"github.com/shivavenkatesh/medarchive/internal/metrics"
	"github.com/shivavenkatesh/medarchive/internal/store"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// Conflict policies for an existing scan id
const (
	ConflictReject    = "reject"
	ConflictOverwrite = "overwrite"
)

const (
	DefaultWorkers     = 4
	DefaultContentType = "application/octet-stream"

	compensateTimeout = 30 * time.Second
)

// Blobs is the part of the blob vault the pipeline writes to
type Blobs interface {
	Put(ctx context.Context, data []byte, contentType string) (types.BlobInfo, error)
	Delete(ctx context.Context, blobID string) error
}

// VectorIndex receives feature vectors once their record is committed
type VectorIndex interface {
	Upsert(ctx context.Context, scanID string, vector []float32) error
	Remove(ctx context.Context, scanID string) error
}

// Config configures the pipeline
type Config struct {
	Dimensions       int
	RequiredFields   []string
	NaturalKeyFields []string // fields joined to patient_id when scan_id is omitted
	ConflictPolicy   string
	Workers          int
	BlobTimeout      time.Duration // bound on the blob write, 0 = none
	RecordTimeout    time.Duration // bound on the record write and index confirmation, 0 = none
	Embedder         embeddings.Embedder
	Logger           *slog.Logger
	Metrics          *metrics.Collectors
}

// Pipeline is the sole writer of scan records and blobs
type Pipeline struct {
	cfg   Config
	blobs Blobs
	store store.Store
	index VectorIndex
	locks *keyLock
	log   *slog.Logger
}

// New creates a pipeline
func New(blobs Blobs, st store.Store, idx VectorIndex, cfg Config) (*Pipeline, error) {
	if blobs == nil || st == nil || idx == nil {
		return nil, fmt.Errorf("blob vault, metadata store and similarity index are required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}
	switch cfg.ConflictPolicy {
	case "":
		cfg.ConflictPolicy = ConflictReject
	case ConflictReject, ConflictOverwrite:
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", cfg.ConflictPolicy)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		cfg:   cfg,
		blobs: blobs,
		store: st,
		index: idx,
		locks: newKeyLock(),
		log:   cfg.Logger.With("component", "ingest"),
	}, nil
}

// ScanID returns the scan id a request will be stored under. An explicit
// id wins; otherwise it is derived from patient_id and the natural key
// fields, or generated when no natural key is configured.
func (p *Pipeline) ScanID(req types.IngestRequest) string {
	if id := strings.TrimSpace(req.ScanID); id != "" {
		return id
	}
	if len(p.cfg.NaturalKeyFields) == 0 {
		return uuid.NewString()
	}
	parts := []string{strings.TrimSpace(req.PatientID)}
	for _, f := range p.cfg.NaturalKeyFields {
		parts = append(parts, strings.TrimSpace(req.ClinicalFields[f]))
	}
	return strings.Join(parts, "/")
}

// run tracks one request through the state machine
type run struct {
	p      *Pipeline
	scanID string
	state  types.IngestState
	blobID string
	log    *slog.Logger
}

func (r *run) advance(s types.IngestState) {
	r.log.Debug("ingest state", "from", r.state, "state", s)
	r.state = s
}

func (r *run) fail(err error) types.IngestResult {
	reason := types.Reason(err)
	r.log.Debug("ingest state", "from", r.state, "state", types.StateFailed, "reason", reason, "err", err)
	r.p.cfg.Metrics.Ingestion(string(types.StateFailed))
	return types.IngestResult{
		ScanID: r.scanID,
		State:  types.StateFailed,
		Reason: reason,
		Err:    err,
	}
}

// Ingest runs one request to a terminal state. A Done result means the
// record and its blob are committed and visible to by-id and condition
// queries; similarity search sees the record once the index has applied
// the update (see index.SimilarityIndex.Sync).
func (p *Pipeline) Ingest(ctx context.Context, req types.IngestRequest) types.IngestResult {
	scanID := p.ScanID(req)
	r := &run{
		p:      p,
		scanID: scanID,
		state:  types.StateReceived,
		log:    p.log.With("scan_id", scanID),
	}
	r.log.Debug("ingest state", "state", types.StateReceived)

	if err := p.validate(scanID, req); err != nil {
		return r.fail(err)
	}

	vector := req.FeatureVector
	if len(vector) == 0 {
		v, err := p.embed(ctx, req.Image)
		if err != nil {
			return r.fail(err)
		}
		vector = v
	}

	unlock := p.locks.Lock(scanID)
	defer unlock()

	// Existing ids are rejected before the blob write; Insert checks the
	// key again at commit.
	if p.cfg.ConflictPolicy == ConflictReject {
		_, err := p.store.Get(ctx, scanID)
		switch {
		case err == nil:
			return r.fail(fmt.Errorf("%w: scan %s already exists", types.ErrDuplicateKey, scanID))
		case !errors.Is(err, types.ErrNotFound):
			return r.fail(err)
		}
	}

	// Received -> BlobCommitted
	contentType := req.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	bctx, cancel := withTimeout(ctx, p.cfg.BlobTimeout)
	info, err := p.blobs.Put(bctx, req.Image, contentType)
	cancel()
	if err != nil {
		return r.fail(err)
	}
	r.blobID = info.BlobID
	r.log = r.log.With("blob_id", info.BlobID)
	r.advance(types.StateBlobCommitted)

	// BlobCommitted -> RecordCommitted
	rec := &types.ScanRecord{
		ScanID:         scanID,
		PatientID:      strings.TrimSpace(req.PatientID),
		ClinicalFields: cloneFields(req.ClinicalFields),
		BlobRef:        info.BlobID,
		FeatureVector:  slices.Clone(vector),
		CreatedAt:      time.Now().UTC(),
	}
	if err := ctx.Err(); err != nil {
		r.compensate(ctx)
		return r.fail(types.StorageFault("ingest "+scanID, err))
	}
	superseded, err := p.commit(ctx, rec)
	if err != nil {
		r.compensate(ctx)
		return r.fail(err)
	}
	r.advance(types.StateRecordCommitted)

	// RecordCommitted -> IndexConfirmed. The conventional index was written
	// with the record; the similarity update is accepted here and applied
	// asynchronously. Past this point cancellation no longer aborts.
	ictx, cancel := withTimeout(context.WithoutCancel(ctx), p.cfg.RecordTimeout)
	err = p.index.Upsert(ictx, scanID, rec.FeatureVector)
	cancel()
	if err != nil {
		r.rollbackRecord(ctx, superseded)
		r.compensate(ctx)
		return r.fail(err)
	}
	r.advance(types.StateIndexConfirmed)

	if superseded != nil && superseded.BlobRef != "" && superseded.BlobRef != info.BlobID {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
		if err := p.blobs.Delete(dctx, superseded.BlobRef); err != nil {
			r.log.Warn("failed to delete superseded blob", "superseded_blob_id", superseded.BlobRef, "err", err)
		}
		cancel()
	}

	r.advance(types.StateDone)
	p.cfg.Metrics.Ingestion(string(types.StateDone))
	return types.IngestResult{
		ScanID: scanID,
		BlobID: info.BlobID,
		State:  types.StateDone,
	}
}

// commit writes the record according to the conflict policy and returns
// the record it replaced, if any
func (p *Pipeline) commit(ctx context.Context, rec *types.ScanRecord) (*types.ScanRecord, error) {
	rctx, cancel := withTimeout(ctx, p.cfg.RecordTimeout)
	defer cancel()
	if p.cfg.ConflictPolicy == ConflictOverwrite {
		return p.store.Replace(rctx, rec)
	}
	return nil, p.store.Insert(rctx, rec)
}

// compensate deletes the blob written by this run. It is detached from the
// request context so cancellation still cleans up.
func (r *run) compensate(ctx context.Context) {
	if r.blobID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()
	if err := r.p.blobs.Delete(cctx, r.blobID); err != nil {
		r.log.Error("compensating blob delete failed", "err", err)
		return
	}
	r.p.cfg.Metrics.Compensated()
	r.log.Debug("compensated", "state", r.state)
}

// rollbackRecord undoes a committed record: the superseded record is put
// back, or the new one removed.
func (r *run) rollbackRecord(ctx context.Context, superseded *types.ScanRecord) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()
	var err error
	if superseded != nil {
		_, err = r.p.store.Replace(cctx, superseded)
	} else {
		_, err = r.p.store.Delete(cctx, r.scanID)
	}
	if err != nil {
		r.log.Error("failed to roll back record", "err", err)
	}
}

func (p *Pipeline) validate(scanID string, req types.IngestRequest) error {
	if len(req.Image) == 0 {
		return types.Validationf("image bytes are required")
	}
	if strings.TrimSpace(req.PatientID) == "" {
		return types.Validationf("patient_id is required")
	}
	if strings.Trim(scanID, "/ ") == "" || strings.Contains(scanID, "//") || strings.HasSuffix(scanID, "/") {
		return types.Validationf("cannot derive scan_id: natural key fields %v missing", p.cfg.NaturalKeyFields)
	}
	for _, f := range p.cfg.RequiredFields {
		if strings.TrimSpace(req.ClinicalFields[f]) == "" {
			return types.Validationf("required clinical field %q missing", f)
		}
	}
	if len(req.FeatureVector) > 0 && len(req.FeatureVector) != p.cfg.Dimensions {
		return types.Validationf("vector has %d dimensions, archive expects %d", len(req.FeatureVector), p.cfg.Dimensions)
	}
	if err := types.ValidateVector(req.FeatureVector); err != nil {
		return err
	}
	if len(req.FeatureVector) == 0 && p.cfg.Embedder == nil {
		return types.Validationf("feature vector is required when no embedding provider is configured")
	}
	return nil
}

// embed runs before any write so a provider failure leaves nothing behind
func (p *Pipeline) embed(ctx context.Context, image []byte) ([]float32, error) {
	v, err := p.cfg.Embedder.Embed(ctx, image)
	if err != nil {
		if errors.Is(err, types.ErrEmbeddingFault) {
			return nil, err
		}
		return nil, embeddings.Fault(err)
	}
	if len(v) != p.cfg.Dimensions {
		return nil, fmt.Errorf("%w: provider returned %d dimensions, archive expects %d",
			types.ErrEmbeddingFault, len(v), p.cfg.Dimensions)
	}
	if err := types.ValidateVector(v); err != nil {
		return nil, fmt.Errorf("%w: provider returned %v", types.ErrEmbeddingFault, err)
	}
	return v, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func cloneFields(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
