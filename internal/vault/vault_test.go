package vault_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivavenkatesh/medarchive/internal/metrics"
	"github.com/shivavenkatesh/medarchive/internal/vault"
	"github.com/shivavenkatesh/medarchive/internal/vault/memory"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

const testChunkSize = 64

// faultStore fails PutChunk at a given sequence number, or PutHeader
type faultStore struct {
	*memory.Store
	failSeq    int
	failHeader bool

	mu    sync.Mutex
	blobs []string
}

var errInjected = errors.New("injected write fault")

func (f *faultStore) PutChunk(ctx context.Context, blobID string, seq int, data []byte) error {
	f.mu.Lock()
	f.blobs = append(f.blobs, blobID)
	f.mu.Unlock()
	if seq == f.failSeq {
		return errInjected
	}
	return f.Store.PutChunk(ctx, blobID, seq, data)
}

func (f *faultStore) PutHeader(ctx context.Context, info types.BlobInfo) error {
	if f.failHeader {
		return errInjected
	}
	return f.Store.PutHeader(ctx, info)
}

func (f *faultStore) lastBlob() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.blobs) == 0 {
		return ""
	}
	return f.blobs[len(f.blobs)-1]
}

func createTestVault(t *testing.T, store vault.ChunkStore, compression string) *vault.Vault {
	t.Helper()
	v, err := vault.New(store, vault.Config{
		ChunkSize:   testChunkSize,
		Compression: compression,
		CacheBytes:  1 << 20,
		Metrics:     metrics.New(nil),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func TestVault_RoundTripChunkBoundaries(t *testing.T) {
	sizes := []int{0, 1, testChunkSize - 1, testChunkSize, testChunkSize + 1, testChunkSize*10 + 7}

	for _, compression := range []string{vault.CompressionNone, vault.CompressionZstd} {
		v := createTestVault(t, memory.New(), compression)
		for _, n := range sizes {
			data := randomBytes(n)
			info, err := v.Put(context.Background(), data, "application/dicom")
			require.NoError(t, err, "size %d", n)
			assert.Equal(t, int64(n), info.TotalSize)
			assert.Equal(t, (n+testChunkSize-1)/testChunkSize, info.ChunkCount)
			assert.Equal(t, compression, info.Compression)

			got, gotInfo, err := v.Get(context.Background(), info.BlobID)
			require.NoError(t, err, "size %d", n)
			assert.True(t, bytes.Equal(data, got), "size %d compression %q", n, compression)
			assert.Equal(t, "application/dicom", gotInfo.ContentType)
		}
	}
}

func TestVault_UniqueIDs(t *testing.T) {
	v := createTestVault(t, memory.New(), "")
	a, err := v.Put(context.Background(), []byte("same"), "")
	require.NoError(t, err)
	b, err := v.Put(context.Background(), []byte("same"), "")
	require.NoError(t, err)
	assert.NotEqual(t, a.BlobID, b.BlobID)
}

func TestVault_GetUnknown(t *testing.T) {
	v := createTestVault(t, memory.New(), "")
	_, _, err := v.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestVault_PutFaultMidWrite(t *testing.T) {
	store := &faultStore{Store: memory.New(), failSeq: 2}
	v := createTestVault(t, store, "")

	_, err := v.Put(context.Background(), randomBytes(testChunkSize*5), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrStorageFault)
	assert.ErrorIs(t, err, errInjected)

	blobID := store.lastBlob()
	require.NotEmpty(t, blobID)

	_, _, err = v.Get(context.Background(), blobID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	ids, err := v.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids, "partial chunks must be removed")
}

func TestVault_PutHeaderFault(t *testing.T) {
	store := &faultStore{Store: memory.New(), failSeq: -1, failHeader: true}
	v := createTestVault(t, store, "")

	_, err := v.Put(context.Background(), randomBytes(testChunkSize*3), "")
	assert.ErrorIs(t, err, types.ErrStorageFault)

	ids, err := v.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestVault_PutTimeout(t *testing.T) {
	store := memory.New()
	v := createTestVault(t, store, "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := v.Put(ctx, randomBytes(testChunkSize*2), "")
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.NotErrorIs(t, err, types.ErrStorageFault)

	ids, err := v.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestVault_PutCancelled(t *testing.T) {
	v := createTestVault(t, memory.New(), "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.Put(ctx, randomBytes(testChunkSize), "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVault_DetectsMissingChunk(t *testing.T) {
	store := memory.New()
	v, err := vault.New(store, vault.Config{ChunkSize: testChunkSize})
	require.NoError(t, err)
	defer v.Close()

	info, err := v.Put(context.Background(), randomBytes(testChunkSize*4), "")
	require.NoError(t, err)

	store.DropChunk(info.BlobID, 1)

	_, _, err = v.Get(context.Background(), info.BlobID)
	assert.ErrorIs(t, err, types.ErrCorruption)
}

func TestVault_DetectsTamperedChunk(t *testing.T) {
	store := memory.New()
	v, err := vault.New(store, vault.Config{ChunkSize: testChunkSize})
	require.NoError(t, err)
	defer v.Close()

	data := randomBytes(testChunkSize * 2)
	info, err := v.Put(context.Background(), data, "")
	require.NoError(t, err)

	tampered := bytes.Clone(data[:testChunkSize])
	tampered[0] ^= 0xff
	store.CorruptChunk(info.BlobID, 0, tampered)

	_, _, err = v.Get(context.Background(), info.BlobID)
	assert.ErrorIs(t, err, types.ErrCorruption)

	// size mismatch
	store.CorruptChunk(info.BlobID, 0, data[:10])
	_, _, err = v.Get(context.Background(), info.BlobID)
	assert.ErrorIs(t, err, types.ErrCorruption)
}

func TestVault_DeleteIdempotent(t *testing.T) {
	v := createTestVault(t, memory.New(), "")

	info, err := v.Put(context.Background(), randomBytes(100), "")
	require.NoError(t, err)

	// populate the read cache
	_, _, err = v.Get(context.Background(), info.BlobID)
	require.NoError(t, err)

	require.NoError(t, v.Delete(context.Background(), info.BlobID))
	require.NoError(t, v.Delete(context.Background(), info.BlobID))
	require.NoError(t, v.Delete(context.Background(), "never-existed"))

	_, _, err = v.Get(context.Background(), info.BlobID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestVault_UsageAndDrop(t *testing.T) {
	v := createTestVault(t, memory.New(), vault.CompressionZstd)
	ctx := context.Background()

	for _, n := range []int{10, 200, 0} {
		_, err := v.Put(ctx, randomBytes(n), "")
		require.NoError(t, err)
	}

	count, size, err := v.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, int64(210), size)

	require.NoError(t, v.Drop(ctx))
	count, _, err = v.Usage(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestVault_WriteThrottle(t *testing.T) {
	v, err := vault.New(memory.New(), vault.Config{ChunkSize: testChunkSize, WriteBytesPerSec: 1 << 20})
	require.NoError(t, err)
	defer v.Close()

	data := randomBytes(testChunkSize * 8)
	info, err := v.Put(context.Background(), data, "")
	require.NoError(t, err)

	got, _, err := v.Get(context.Background(), info.BlobID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := vault.New(nil, vault.Config{})
	assert.Error(t, err)

	_, err = vault.New(memory.New(), vault.Config{Compression: "lz77"})
	assert.Error(t, err)

	_, err = vault.New(memory.New(), vault.Config{ChunkSize: vault.MaxChunkSize + 1})
	assert.Error(t, err)
}

func TestParseObjectKey(t *testing.T) {
	id, seq, ok := vault.ParseObjectKey("archive", vault.ChunkKey("archive", "b1", 12))
	require.True(t, ok)
	assert.Equal(t, "b1", id)
	assert.Equal(t, 12, seq)

	id, seq, ok = vault.ParseObjectKey("archive", vault.HeaderKey("archive", "b2"))
	require.True(t, ok)
	assert.Equal(t, "b2", id)
	assert.Equal(t, -1, seq)

	_, _, ok = vault.ParseObjectKey("archive", "archive/b3/other.txt")
	assert.False(t, ok)

	id, _, ok = vault.ParseObjectKey("", vault.ChunkKey("", "b4", 0))
	require.True(t, ok)
	assert.Equal(t, "b4", id)
}
