package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivavenkatesh/medarchive/internal/config"
	"github.com/shivavenkatesh/medarchive/internal/embeddings"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default().WithDataDir(t.TempDir())
	cfg.Index.Dimensions = 2
	cfg.Vault.ChunkSize = 32
	return cfg
}

func openTestArchive(t *testing.T, cfg config.Config) *Archive {
	t.Helper()
	a, err := Open(context.Background(), cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func scan(patient, scanType string, vec ...float32) types.IngestRequest {
	return types.IngestRequest{
		PatientID:      patient,
		ClinicalFields: map[string]string{"scan_type": scanType, "diagnosis": "meningioma"},
		Image:          []byte("raw pixels of " + patient + "/" + scanType + " padded past one chunk"),
		ContentType:    "application/dicom",
		FeatureVector:  vec,
	}
}

func mustIngest(t *testing.T, a *Archive, reqs ...types.IngestRequest) {
	t.Helper()
	for _, req := range reqs {
		res, err := a.Ingest(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, types.StateDone, res.State)
	}
	require.NoError(t, a.Sync(context.Background()))
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vault.Backend = "floppy"
	_, err := Open(context.Background(), cfg, Options{})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestPhaseOrder(t *testing.T) {
	a := openTestArchive(t, testConfig(t))
	ctx := context.Background()

	_, err := a.Ingest(ctx, scan("P1", "MRI", 1, 0))
	assert.ErrorIs(t, err, types.ErrPhaseOrder)
	_, err = a.Get(ctx, "P1/MRI")
	assert.ErrorIs(t, err, types.ErrPhaseOrder)
	_, err = a.IngestBatch(ctx, []types.IngestRequest{scan("P1", "MRI", 1, 0)})
	assert.ErrorIs(t, err, types.ErrPhaseOrder)

	defs, err := a.Define(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 2)
	assert.Equal(t, []string{PhaseDefine}, a.Phases())

	// manipulate needs a constructed archive
	_, err = a.Find(ctx, "P1", nil)
	assert.ErrorIs(t, err, types.ErrPhaseOrder)

	// a failed ingestion does not complete construct
	res, err := a.Ingest(ctx, scan("P1", "MRI"))
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, types.StateFailed, res.State)
	assert.Equal(t, []string{PhaseDefine}, a.Phases())

	mustIngest(t, a, scan("P1", "MRI", 1, 0))
	got, err := a.Get(ctx, "P1/MRI")
	require.NoError(t, err)
	assert.Equal(t, "meningioma", got.Record.ClinicalFields["diagnosis"])
	assert.Equal(t, []string{PhaseDefine, PhaseConstruct, PhaseManipulate}, a.Phases())

	// Define stays idempotent afterwards
	_, err = a.Define(ctx)
	require.NoError(t, err)
}

func TestReopenRestoresPhasesAndIndex(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := Open(ctx, cfg, Options{})
	require.NoError(t, err)
	_, err = a.Define(ctx)
	require.NoError(t, err)
	mustIngest(t, a,
		scan("A", "MRI", 1, 0),
		scan("B", "MRI", 0.9, 0.1),
		scan("C", "MRI", -1, 0),
	)
	require.NoError(t, a.Close())

	b := openTestArchive(t, cfg)
	assert.Equal(t, []string{PhaseDefine, PhaseConstruct}, b.Phases())

	got, err := b.SimilarTo(ctx, "A/MRI", 1, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "B/MRI", got[0].Record.ScanID)
}

func TestDefineSchemaConflict(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := Open(ctx, cfg, Options{})
	require.NoError(t, err)
	_, err = a.Define(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	cfg.Index.Dimensions = 3
	b := openTestArchive(t, cfg)
	_, err = b.Define(ctx)
	assert.ErrorIs(t, err, types.ErrSchemaConflict)
}

func TestResetRequiresConfirmation(t *testing.T) {
	a := openTestArchive(t, testConfig(t))
	ctx := context.Background()
	_, err := a.Define(ctx)
	require.NoError(t, err)
	mustIngest(t, a, scan("P1", "MRI", 1, 0))

	assert.ErrorIs(t, a.Reset(ctx, false), types.ErrConfirmationRequired)
	_, err = a.Get(ctx, "P1/MRI")
	assert.NoError(t, err)
}

func TestResetThenDefineIsFresh(t *testing.T) {
	a := openTestArchive(t, testConfig(t))
	ctx := context.Background()

	_, err := a.Define(ctx)
	require.NoError(t, err)
	mustIngest(t, a, scan("P1", "MRI", 1, 0), scan("P2", "CT", 0, 1))

	require.NoError(t, a.Reset(ctx, true))
	assert.Empty(t, a.Phases())
	_, err = a.Get(ctx, "P1/MRI")
	assert.ErrorIs(t, err, types.ErrPhaseOrder)

	_, err = a.Define(ctx)
	require.NoError(t, err)
	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalScans)
	assert.Zero(t, stats.TotalBlobs)
	assert.Len(t, stats.Indexes, 2)

	mustIngest(t, a, scan("P3", "MRI", 1, 1))
	scans, err := a.ByPatient(ctx, "P1")
	require.NoError(t, err)
	assert.Empty(t, scans)

	similar, err := a.SimilarTo(ctx, "P3/MRI", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, similar)

	// the old natural key is free again
	mustIngest(t, a, scan("P1", "MRI", 1, 0))
}

func TestDuplicateLeavesNoOrphans(t *testing.T) {
	a := openTestArchive(t, testConfig(t))
	ctx := context.Background()
	_, err := a.Define(ctx)
	require.NoError(t, err)
	mustIngest(t, a, scan("P1", "MRI", 1, 0))

	res, err := a.Ingest(ctx, scan("P1", "MRI", 0, 1))
	assert.ErrorIs(t, err, types.ErrDuplicateKey)
	assert.Equal(t, "DuplicateKey", res.Reason)

	report, err := a.Sweep(ctx, SweepOptions{DryRun: true})
	require.NoError(t, err)
	assert.Empty(t, report.Orphans)
	assert.Equal(t, 1, report.Scanned)

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalScans)
	assert.Equal(t, 1, stats.TotalBlobs)
}

func TestDelete(t *testing.T) {
	a := openTestArchive(t, testConfig(t))
	ctx := context.Background()
	_, err := a.Define(ctx)
	require.NoError(t, err)
	mustIngest(t, a, scan("A", "MRI", 1, 0), scan("B", "MRI", 0.9, 0.1))

	require.NoError(t, a.Delete(ctx, "A/MRI"))
	require.NoError(t, a.Delete(ctx, "A/MRI"))
	require.NoError(t, a.Sync(ctx))

	_, err = a.Get(ctx, "A/MRI")
	assert.ErrorIs(t, err, types.ErrNotFound)

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalScans)
	assert.Equal(t, 1, stats.TotalBlobs)

	similar, err := a.SimilarTo(ctx, "B/MRI", 3, nil)
	require.NoError(t, err)
	assert.Empty(t, similar)
}

func TestSweep(t *testing.T) {
	a := openTestArchive(t, testConfig(t))
	ctx := context.Background()
	_, err := a.Define(ctx)
	require.NoError(t, err)
	mustIngest(t, a, scan("P1", "MRI", 1, 0))

	orphan, err := a.vault.Put(ctx, []byte("left behind by a crashed writer"), "application/dicom")
	require.NoError(t, err)

	report, err := a.Sweep(ctx, SweepOptions{MinAge: time.Hour})
	require.NoError(t, err)
	assert.Empty(t, report.Orphans)

	report, err = a.Sweep(ctx, SweepOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{orphan.BlobID}, report.Orphans)
	assert.Zero(t, report.Deleted)

	report, err = a.Sweep(ctx, SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)

	_, _, err = a.vault.Get(ctx, orphan.BlobID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = a.Get(ctx, "P1/MRI")
	assert.NoError(t, err)
}

func TestIngestBatch(t *testing.T) {
	a := openTestArchive(t, testConfig(t))
	ctx := context.Background()
	_, err := a.Define(ctx)
	require.NoError(t, err)

	summary, err := a.IngestBatch(ctx, []types.IngestRequest{
		scan("P1", "MRI", 1, 0),
		scan("P1", "CT", 0, 1),
		scan("P1", "MRI", 1, 1),
		scan("P2", "MRI"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Done)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{PhaseDefine, PhaseConstruct}, a.Phases())

	scans, err := a.Find(ctx, "P1", types.Predicate{types.Eq("scan_type", "CT")})
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, "P1/CT", scans[0].Record.ScanID)
}

func TestEmbedderOption(t *testing.T) {
	cfg := testConfig(t)
	emb := embeddings.Func{
		Fn: func(_ context.Context, image []byte) ([]float32, error) {
			return []float32{1, float32(len(image) % 7)}, nil
		},
		Dims:  2,
		Label: "stub-model",
	}
	a, err := Open(context.Background(), cfg, Options{Embedder: emb})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	ctx := context.Background()

	_, err = a.Define(ctx)
	require.NoError(t, err)
	mustIngest(t, a, scan("P1", "MRI"))

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stub-model", stats.EmbeddingModel)
	assert.Equal(t, 1, stats.TotalScans)
}

func TestLevelDBBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vault.Backend = "leveldb"
	cfg.Vault.Path = ""
	cfg = cfg.WithDataDir(t.TempDir())
	cfg.Vault.Compression = "zstd"

	a := openTestArchive(t, cfg)
	ctx := context.Background()
	_, err := a.Define(ctx)
	require.NoError(t, err)
	mustIngest(t, a, scan("P1", "MRI", 1, 0))

	got, err := a.Get(ctx, "P1/MRI")
	require.NoError(t, err)
	assert.Equal(t, scan("P1", "MRI").Image, got.Image)
}
