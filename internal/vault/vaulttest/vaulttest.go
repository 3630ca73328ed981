// Package vaulttest holds the conformance suite every ChunkStore backend runs.
package vaulttest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivavenkatesh/medarchive/internal/vault"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// Run exercises a ChunkStore directly and through a Vault
func Run(t *testing.T, newStore func(t *testing.T) vault.ChunkStore) {
	t.Run("HeaderNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Header(context.Background(), "missing")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("ChunksOrdered", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, seq := range []int{2, 0, 10, 1} {
			require.NoError(t, s.PutChunk(ctx, "blob-a", seq, []byte{byte(seq)}))
		}
		require.NoError(t, s.PutChunk(ctx, "blob-b", 0, []byte("other")))

		chunks, err := s.Chunks(ctx, "blob-a")
		require.NoError(t, err)
		require.Len(t, chunks, 4)
		for i, want := range []int{0, 1, 2, 10} {
			assert.Equal(t, want, chunks[i].Seq)
			assert.Equal(t, []byte{byte(want)}, chunks[i].Data)
		}

		ids, err := s.List(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"blob-a", "blob-b"}, ids)
	})

	t.Run("HeaderRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		info := types.BlobInfo{
			BlobID:      "blob-h",
			ContentType: "image/png",
			TotalSize:   42,
			ChunkSize:   16,
			ChunkCount:  3,
			Digest:      "abc",
			Compression: "zstd",
			CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
		}
		require.NoError(t, s.PutHeader(ctx, info))

		got, err := s.Header(ctx, "blob-h")
		require.NoError(t, err)
		assert.Equal(t, info.BlobID, got.BlobID)
		assert.Equal(t, info.ContentType, got.ContentType)
		assert.Equal(t, info.TotalSize, got.TotalSize)
		assert.Equal(t, info.ChunkCount, got.ChunkCount)
		assert.Equal(t, info.Digest, got.Digest)
		assert.Equal(t, info.Compression, got.Compression)
		assert.True(t, info.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.PutChunk(ctx, "blob-d", 0, []byte("x")))
		require.NoError(t, s.PutHeader(ctx, types.BlobInfo{BlobID: "blob-d", TotalSize: 1, ChunkCount: 1}))

		require.NoError(t, s.Delete(ctx, "blob-d"))
		require.NoError(t, s.Delete(ctx, "blob-d"))
		require.NoError(t, s.Delete(ctx, "unknown"))

		_, err := s.Header(ctx, "blob-d")
		assert.ErrorIs(t, err, types.ErrNotFound)
		chunks, err := s.Chunks(ctx, "blob-d")
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("Drop", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.PutChunk(ctx, "blob-1", 0, []byte("x")))
		require.NoError(t, s.PutChunk(ctx, "blob-2", 0, []byte("y")))
		require.NoError(t, s.Drop(ctx))

		ids, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("VaultRoundTrip", func(t *testing.T) {
		v, err := vault.New(newStore(t), vault.Config{ChunkSize: 1024, Compression: vault.CompressionZstd})
		require.NoError(t, err)
		ctx := context.Background()

		data := bytes.Repeat([]byte("medical-image-"), 500)
		info, err := v.Put(ctx, data, "application/dicom")
		require.NoError(t, err)
		assert.Greater(t, info.ChunkCount, 1)

		got, _, err := v.Get(ctx, info.BlobID)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		require.NoError(t, v.Delete(ctx, info.BlobID))
		_, _, err = v.Get(ctx, info.BlobID)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})
}
