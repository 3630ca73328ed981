package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivavenkatesh/medarchive/internal/distance"
	"github.com/shivavenkatesh/medarchive/internal/embeddings"
	"github.com/shivavenkatesh/medarchive/internal/index"
	"github.com/shivavenkatesh/medarchive/internal/metrics"
	"github.com/shivavenkatesh/medarchive/internal/store"
	sqlitestore "github.com/shivavenkatesh/medarchive/internal/store/sqlite"
	"github.com/shivavenkatesh/medarchive/internal/vault"
	"github.com/shivavenkatesh/medarchive/internal/vault/memory"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

const testDims = 2

type fixture struct {
	vault   *vault.Vault
	store   *sqlitestore.Store
	sim     *index.SimilarityIndex
	metrics *metrics.Collectors
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := metrics.New(nil)
	v, err := vault.New(memory.New(), vault.Config{ChunkSize: 16, Metrics: m})
	require.NoError(t, err)
	st, err := sqlitestore.New(sqlitestore.Config{Path: filepath.Join(t.TempDir(), "meta.db")})
	require.NoError(t, err)
	require.NoError(t, st.PutIndex(context.Background(), types.IndexInfo{
		Name: index.ConventionalName, Kind: types.IndexConventional, Fields: []string{"scan_type"},
	}))
	sim := index.NewSimilarityIndex(index.SimilarityConfig{Dimensions: testDims, Metric: distance.Cosine})
	t.Cleanup(func() {
		_ = sim.Close()
		_ = st.Close()
		_ = v.Close()
	})
	return &fixture{vault: v, store: st, sim: sim, metrics: m}
}

func (f *fixture) pipeline(t *testing.T, blobs Blobs, st store.Store, mutate func(*Config)) *Pipeline {
	t.Helper()
	if blobs == nil {
		blobs = f.vault
	}
	if st == nil {
		st = f.store
	}
	cfg := Config{
		Dimensions:       testDims,
		RequiredFields:   []string{"scan_type"},
		NaturalKeyFields: []string{"scan_type"},
		Workers:          4,
		Metrics:          f.metrics,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(blobs, st, f.sim, cfg)
	require.NoError(t, err)
	return p
}

func (f *fixture) blobCount(t *testing.T) int {
	t.Helper()
	ids, err := f.vault.List(context.Background())
	require.NoError(t, err)
	return len(ids)
}

func request(patient, scanType string, image []byte, vec ...float32) types.IngestRequest {
	return types.IngestRequest{
		PatientID:      patient,
		ClinicalFields: map[string]string{"scan_type": scanType, "diagnosis": "glioma"},
		Image:          image,
		ContentType:    "image/png",
		FeatureVector:  vec,
	}
}

// failingBlobs fails every Put
type failingBlobs struct{ Blobs }

func (failingBlobs) Put(context.Context, []byte, string) (types.BlobInfo, error) {
	return types.BlobInfo{}, types.StorageFault("put", errors.New("disk on fire"))
}

// cancellingBlobs cancels the request right after the blob commits
type cancellingBlobs struct {
	Blobs
	cancel context.CancelFunc
}

func (c cancellingBlobs) Put(ctx context.Context, data []byte, ct string) (types.BlobInfo, error) {
	info, err := c.Blobs.Put(ctx, data, ct)
	c.cancel()
	return info, err
}

// slowBlobs waits for the deadline before writing
type slowBlobs struct{ Blobs }

func (s slowBlobs) Put(ctx context.Context, data []byte, ct string) (types.BlobInfo, error) {
	<-ctx.Done()
	return s.Blobs.Put(ctx, data, ct)
}

// failingInsert fails record writes after the blob is committed
type failingInsert struct{ store.Store }

func (failingInsert) Insert(context.Context, *types.ScanRecord) error {
	return types.StorageFault("insert", errors.New("database is locked"))
}

func TestIngestRoundTrip(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, nil, nil, nil)
	ctx := context.Background()

	image := bytes.Repeat([]byte{0xAB, 0xCD}, 40)
	res := p.Ingest(ctx, request("P1", "MRI", image, 1, 0))
	require.Equal(t, types.StateDone, res.State, res.Err)
	assert.Equal(t, "P1/MRI", res.ScanID)
	assert.NotEmpty(t, res.BlobID)

	rec, err := f.store.Get(ctx, res.ScanID)
	require.NoError(t, err)
	assert.Equal(t, res.BlobID, rec.BlobRef)
	assert.Equal(t, "glioma", rec.ClinicalFields["diagnosis"])
	assert.Equal(t, []float32{1, 0}, rec.FeatureVector)

	data, info, err := f.vault.Get(ctx, rec.BlobRef)
	require.NoError(t, err)
	assert.Equal(t, image, data)
	assert.Equal(t, "image/png", info.ContentType)

	require.NoError(t, f.sim.Sync(ctx))
	assert.Equal(t, 1, f.sim.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Ingestions.WithLabelValues("done")))
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, nil, nil, nil)
	image := []byte("pixels")

	tests := []struct {
		name string
		req  types.IngestRequest
	}{
		{"empty image", request("P1", "MRI", nil, 1, 0)},
		{"missing patient", request(" ", "MRI", image, 1, 0)},
		{"missing required field", request("P1", "", image, 1, 0)},
		{"wrong dimensions", request("P1", "MRI", image, 1, 0, 0)},
		{"no vector and no embedder", request("P1", "MRI", image)},
		{"NaN component", request("P1", "MRI", image, float32(math.NaN()), 0)},
		{"infinite component", request("P1", "MRI", image, 1, float32(math.Inf(-1)))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := p.Ingest(context.Background(), tt.req)
			assert.Equal(t, types.StateFailed, res.State)
			assert.Equal(t, "ValidationError", res.Reason)
			assert.ErrorIs(t, res.Err, types.ErrValidation)
		})
	}
	assert.Zero(t, f.blobCount(t))
	n, err := f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestGeneratedScanID(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, nil, nil, func(c *Config) { c.NaturalKeyFields = nil })

	a := p.Ingest(context.Background(), request("P1", "MRI", []byte("a"), 1, 0))
	b := p.Ingest(context.Background(), request("P1", "MRI", []byte("b"), 0, 1))
	require.Equal(t, types.StateDone, a.State)
	require.Equal(t, types.StateDone, b.State)
	assert.NotEqual(t, a.ScanID, b.ScanID)

	explicit := request("P1", "MRI", []byte("c"), 1, 1)
	explicit.ScanID = "scan-42"
	assert.Equal(t, "scan-42", p.Ingest(context.Background(), explicit).ScanID)
}

func TestIngestDuplicateRejected(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, nil, nil, nil)
	ctx := context.Background()

	first := p.Ingest(ctx, request("P1", "MRI", []byte("first"), 1, 0))
	require.Equal(t, types.StateDone, first.State)

	second := p.Ingest(ctx, request("P1", "MRI", []byte("second"), 0, 1))
	assert.Equal(t, types.StateFailed, second.State)
	assert.Equal(t, "DuplicateKey", second.Reason)

	rec, err := f.store.Get(ctx, "P1/MRI")
	require.NoError(t, err)
	assert.Equal(t, first.BlobID, rec.BlobRef)
	assert.Equal(t, 1, f.blobCount(t))
}

func TestIngestConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, nil, nil, nil)

	const n = 8
	results := make([]types.IngestResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.Ingest(context.Background(), request("P1", "CT", []byte(fmt.Sprintf("img-%d", i)), 1, float32(i)))
		}()
	}
	wg.Wait()

	done, dup := 0, 0
	for _, res := range results {
		switch {
		case res.State == types.StateDone:
			done++
		case errors.Is(res.Err, types.ErrDuplicateKey):
			dup++
		}
	}
	assert.Equal(t, 1, done)
	assert.Equal(t, n-1, dup)
	assert.Equal(t, 1, f.blobCount(t))
	assert.Zero(t, p.locks.size())
}

func TestIngestOverwrite(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, nil, nil, func(c *Config) { c.ConflictPolicy = ConflictOverwrite })
	ctx := context.Background()

	first := p.Ingest(ctx, request("P1", "MRI", []byte("first"), 1, 0))
	require.Equal(t, types.StateDone, first.State)
	second := p.Ingest(ctx, request("P1", "MRI", []byte("second"), 0, 1))
	require.Equal(t, types.StateDone, second.State)

	rec, err := f.store.Get(ctx, "P1/MRI")
	require.NoError(t, err)
	assert.Equal(t, second.BlobID, rec.BlobRef)
	assert.Equal(t, []float32{0, 1}, rec.FeatureVector)

	_, _, err = f.vault.Get(ctx, first.BlobID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, 1, f.blobCount(t))

	require.NoError(t, f.sim.Sync(ctx))
	assert.Equal(t, 1, f.sim.Len())
}

func TestIngestEmbedder(t *testing.T) {
	f := newFixture(t)
	calls := 0
	emb := embeddings.Func{
		Fn: func(_ context.Context, image []byte) ([]float32, error) {
			calls++
			return []float32{float32(len(image)), 1}, nil
		},
		Dims:  testDims,
		Label: "stub",
	}
	p := f.pipeline(t, nil, nil, func(c *Config) { c.Embedder = emb })

	res := p.Ingest(context.Background(), request("P1", "MRI", []byte("abc")))
	require.Equal(t, types.StateDone, res.State, res.Err)
	assert.Equal(t, 1, calls)

	rec, err := f.store.Get(context.Background(), res.ScanID)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 1}, rec.FeatureVector)

	// an explicit vector bypasses the provider
	res = p.Ingest(context.Background(), request("P2", "MRI", []byte("abc"), 1, 0))
	require.Equal(t, types.StateDone, res.State)
	assert.Equal(t, 1, calls)
}

func TestIngestEmbeddingFault(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context, []byte) ([]float32, error)
	}{
		{"provider error", func(context.Context, []byte) ([]float32, error) {
			return nil, errors.New("model not loaded")
		}},
		{"wrong dimensions", func(context.Context, []byte) ([]float32, error) {
			return []float32{1, 2, 3}, nil
		}},
		{"non-finite output", func(context.Context, []byte) ([]float32, error) {
			return []float32{float32(math.NaN()), 1}, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			p := f.pipeline(t, nil, nil, func(c *Config) {
				c.Embedder = embeddings.Func{Fn: tt.fn, Label: "stub"}
			})
			res := p.Ingest(context.Background(), request("P1", "MRI", []byte("abc")))
			assert.Equal(t, types.StateFailed, res.State)
			assert.Equal(t, "EmbeddingFault", res.Reason)
			assert.Zero(t, f.blobCount(t))
		})
	}
}

func TestIngestBlobFault(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, failingBlobs{f.vault}, nil, nil)

	res := p.Ingest(context.Background(), request("P1", "MRI", []byte("abc"), 1, 0))
	assert.Equal(t, types.StateFailed, res.State)
	assert.Equal(t, "StorageFault", res.Reason)

	_, err := f.store.Get(context.Background(), "P1/MRI")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestIngestRecordFaultCompensates(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, nil, failingInsert{f.store}, nil)

	res := p.Ingest(context.Background(), request("P1", "MRI", []byte("abc"), 1, 0))
	assert.Equal(t, types.StateFailed, res.State)
	assert.Equal(t, "StorageFault", res.Reason)
	assert.Zero(t, f.blobCount(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Compensations))
}

func TestIngestCancelledAfterBlobCompensates(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := f.pipeline(t, cancellingBlobs{Blobs: f.vault, cancel: cancel}, nil, nil)

	res := p.Ingest(ctx, request("P1", "MRI", []byte("abc"), 1, 0))
	assert.Equal(t, types.StateFailed, res.State)
	assert.Equal(t, "Canceled", res.Reason)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Zero(t, f.blobCount(t))

	_, err := f.store.Get(context.Background(), "P1/MRI")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestIngestBlobTimeout(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, slowBlobs{f.vault}, nil, func(c *Config) { c.BlobTimeout = 20 * time.Millisecond })

	res := p.Ingest(context.Background(), request("P1", "MRI", []byte("abc"), 1, 0))
	assert.Equal(t, types.StateFailed, res.State)
	assert.Equal(t, "Timeout", res.Reason)
	assert.False(t, errors.Is(res.Err, types.ErrStorageFault))
	assert.Zero(t, f.blobCount(t))
}

func TestIngestIndexFaultRollsBack(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, nil, nil, nil)
	require.NoError(t, f.sim.Close())

	res := p.Ingest(context.Background(), request("P1", "MRI", []byte("abc"), 1, 0))
	assert.Equal(t, types.StateFailed, res.State)
	assert.Equal(t, "StorageFault", res.Reason)
	assert.Zero(t, f.blobCount(t))

	_, err := f.store.Get(context.Background(), "P1/MRI")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestNewRejectsBadConfig(t *testing.T) {
	f := newFixture(t)
	_, err := New(f.vault, f.store, f.sim, Config{Dimensions: 0})
	assert.Error(t, err)
	_, err = New(f.vault, f.store, f.sim, Config{Dimensions: 2, ConflictPolicy: "merge"})
	assert.Error(t, err)
	_, err = New(nil, f.store, f.sim, Config{Dimensions: 2})
	assert.Error(t, err)
}

func TestKeyLock(t *testing.T) {
	kl := newKeyLock()
	unlockA := kl.Lock("a")
	unlockB := kl.Lock("b")
	assert.Equal(t, 2, kl.size())

	acquired := make(chan struct{})
	go func() {
		unlock := kl.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()
	assert.Zero(t, kl.size())
}
