package index

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivavenkatesh/medarchive/internal/distance"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

func createTestIndex(t *testing.T, dims int, metric distance.Metric) *SimilarityIndex {
	t.Helper()
	s := NewSimilarityIndex(SimilarityConfig{Dimensions: dims, Metric: metric, PropagationBuffer: 16})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSimilarityIndex_ABC(t *testing.T) {
	s := createTestIndex(t, 2, distance.Cosine)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "A", []float32{1, 0}))
	require.NoError(t, s.Upsert(ctx, "B", []float32{0.9, 0.1}))
	require.NoError(t, s.Upsert(ctx, "C", []float32{-1, 0}))
	require.NoError(t, s.Sync(ctx))

	hits, err := s.Search(ctx, []float32{1, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{hits[0].ScanID, hits[1].ScanID, hits[2].ScanID})
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-5)

	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestSimilarityIndex_EuclideanAndDot(t *testing.T) {
	for _, metric := range []distance.Metric{distance.Euclidean, distance.DotProduct} {
		t.Run(string(metric), func(t *testing.T) {
			s := createTestIndex(t, 2, metric)
			ctx := context.Background()
			require.NoError(t, s.Upsert(ctx, "near", []float32{1, 0.1}))
			require.NoError(t, s.Upsert(ctx, "far", []float32{-3, 0}))
			require.NoError(t, s.Sync(ctx))

			hits, err := s.Search(ctx, []float32{1, 0}, 1, nil)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "near", hits[0].ScanID)
		})
	}
}

func TestSimilarityIndex_Validation(t *testing.T) {
	s := createTestIndex(t, 3, distance.Cosine)
	ctx := context.Background()

	assert.ErrorIs(t, s.Upsert(ctx, "x", []float32{1, 2}), types.ErrValidation)
	assert.ErrorIs(t, s.Upsert(ctx, "x", []float32{0, 0, 0}), types.ErrValidation)

	_, err := s.Search(ctx, []float32{1, 0, 0}, 0, nil)
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = s.Search(ctx, []float32{1, 0}, 1, nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSimilarityIndex_RejectsNonFinite(t *testing.T) {
	s := createTestIndex(t, 2, distance.Cosine)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "A", []float32{1, 0}))
	assert.ErrorIs(t, s.Upsert(ctx, "N", []float32{float32(math.NaN()), 0}), types.ErrValidation)
	assert.ErrorIs(t, s.Upsert(ctx, "I", []float32{float32(math.Inf(1)), 0}), types.ErrValidation)
	assert.ErrorIs(t, s.Load("N", []float32{0, float32(math.NaN())}), types.ErrValidation)
	require.NoError(t, s.Upsert(ctx, "B", []float32{0.9, 0.1}))
	require.NoError(t, s.Sync(ctx))

	hits, err := s.Search(ctx, []float32{1, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "A", hits[0].ScanID)
	assert.Equal(t, "B", hits[1].ScanID)

	_, err = s.Search(ctx, []float32{float32(math.NaN()), 1}, 1, nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestBetter_NaNRanksLast(t *testing.T) {
	nan := types.Hit{ScanID: "a", Score: float32(math.NaN())}
	low := types.Hit{ScanID: "z", Score: -1}

	assert.True(t, better(low, nan))
	assert.False(t, better(nan, low))

	hits := []types.Hit{nan, {ScanID: "x", Score: 1}, low, {ScanID: "y", Score: 0.5}}
	sortHits(hits)
	assert.Equal(t, []string{"x", "y", "z", "a"}, []string{hits[0].ScanID, hits[1].ScanID, hits[2].ScanID, hits[3].ScanID})
}

func TestSimilarityIndex_UpsertRemoveReset(t *testing.T) {
	s := createTestIndex(t, 2, distance.Cosine)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "a", []float32{1, 0}))
	require.NoError(t, s.Upsert(ctx, "a", []float32{0, 1}))
	require.NoError(t, s.Upsert(ctx, "b", []float32{1, 0}))
	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, 2, s.Len())

	hits, err := s.Search(ctx, []float32{0, 1}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", hits[0].ScanID, "upsert must replace the previous vector")

	require.NoError(t, s.Remove(ctx, "a"))
	require.NoError(t, s.Remove(ctx, "missing"))
	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.Sync(ctx))
	assert.Zero(t, s.Len())
	assert.Zero(t, s.Lag())
}

func TestSimilarityIndex_PreFilter(t *testing.T) {
	s := createTestIndex(t, 2, distance.Cosine)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Upsert(ctx, fmt.Sprintf("s%d", i), []float32{1, float32(i) * 0.1}))
	}
	require.NoError(t, s.Sync(ctx))

	allowed := s.Ordinals([]string{"s7", "s8", "unknown"})
	assert.Equal(t, uint64(2), allowed.GetCardinality())

	hits, err := s.Search(ctx, []float32{1, 0}, 5, allowed)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "s7", hits[0].ScanID)
	assert.Equal(t, "s8", hits[1].ScanID)
}

func TestSimilarityIndex_LagAndSync(t *testing.T) {
	s := createTestIndex(t, 2, distance.Cosine)
	ctx := context.Background()

	// hold the write lock so the applier cannot make progress
	s.mu.Lock()
	require.NoError(t, s.Upsert(ctx, "pending", []float32{1, 0}))
	assert.Equal(t, 1, s.Lag())

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	err := s.Sync(shortCtx)
	cancel()
	assert.ErrorIs(t, err, types.ErrTimeout)
	s.mu.Unlock()

	require.NoError(t, s.Sync(ctx))
	assert.Zero(t, s.Lag())
	assert.Equal(t, 1, s.Len())
}

func TestSimilarityIndex_CloseDrains(t *testing.T) {
	s := NewSimilarityIndex(SimilarityConfig{Dimensions: 2, Metric: distance.Cosine})
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Upsert(ctx, fmt.Sprintf("v%d", i), []float32{1, float32(i)}))
	}
	require.NoError(t, s.Close())
	assert.Equal(t, 50, s.Len())

	assert.ErrorIs(t, s.Upsert(ctx, "late", []float32{1, 0}), types.ErrStorageFault)
}

func TestTopK(t *testing.T) {
	top := newTopK(3)
	for i, score := range []float32{0.1, 0.9, 0.5, 0.7, 0.3, 0.9} {
		top.push(types.Hit{ScanID: fmt.Sprintf("h%d", i), Score: score})
	}
	got := top.result()
	require.Len(t, got, 3)
	assert.Equal(t, "h1", got[0].ScanID, "ties break on scan id")
	assert.Equal(t, "h5", got[1].ScanID)
	assert.Equal(t, "h3", got[2].ScanID)

	assert.Empty(t, newTopK(0).result())
}

func TestSortHits_Large(t *testing.T) {
	hits := make([]types.Hit, 40)
	for i := range hits {
		hits[i] = types.Hit{ScanID: fmt.Sprintf("h%02d", i), Score: float32(i % 7)}
	}
	sortHits(hits)
	for i := 1; i < len(hits); i++ {
		assert.True(t, !better(hits[i], hits[i-1]), "position %d out of order", i)
	}
}

func BenchmarkSimilarityIndex_Search(b *testing.B) {
	s := NewSimilarityIndex(SimilarityConfig{Dimensions: 128, Metric: distance.Cosine})
	defer s.Close()
	for i := 0; i < 5000; i++ {
		v := make([]float32, 128)
		for j := range v {
			v[j] = float32((i*31+j*17)%97) / 97
		}
		v[0] += 0.01
		_ = s.Load(fmt.Sprintf("scan-%d", i), v)
	}
	q := make([]float32, 128)
	q[0] = 1

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.Search(context.Background(), q, 10, nil)
	}
}
