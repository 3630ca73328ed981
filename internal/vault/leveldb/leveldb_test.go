package leveldb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivavenkatesh/medarchive/internal/vault"
	"github.com/shivavenkatesh/medarchive/internal/vault/vaulttest"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Conformance(t *testing.T) {
	vaulttest.Run(t, func(t *testing.T) vault.ChunkStore {
		return createTestStore(t)
	})
}

func TestStore_ChunkKeysSortNumerically(t *testing.T) {
	assert.Less(t, string(chunkKey("b", 9)), string(chunkKey("b", 10)))
}

func TestStore_PrefixIsolation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// "ab" must not leak into chunks of "a"
	require.NoError(t, s.PutChunk(ctx, "a", 0, []byte("1")))
	require.NoError(t, s.PutChunk(ctx, "ab", 0, []byte("2")))

	chunks, err := s.Chunks(ctx, "a")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte("1"), chunks[0].Data)

	require.NoError(t, s.Delete(ctx, "a"))
	chunks, err = s.Chunks(ctx, "ab")
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}
