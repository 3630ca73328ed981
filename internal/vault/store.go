// Package vault provides chunked storage for large binary objects. Content
// is split into bounded chunks, each addressable by (blob id, sequence
// number); a blob becomes visible only once its header is written, after
// every chunk.
package vault

import (
	"context"

	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// Chunk is one stored piece of a blob
type Chunk struct {
	Seq  int
	Data []byte
}

// ChunkStore is the backend contract for the vault. Implementations must
// return an error satisfying errors.Is(err, types.ErrNotFound) from Header
// when the blob has no committed header.
type ChunkStore interface {
	// PutChunk writes one chunk. Rewriting a (blob, seq) pair replaces it.
	PutChunk(ctx context.Context, blobID string, seq int, data []byte) error

	// PutHeader commits the blob; it must only be called after all chunks are written
	PutHeader(ctx context.Context, info types.BlobInfo) error

	// Header returns the committed header for a blob
	Header(ctx context.Context, blobID string) (types.BlobInfo, error)

	// Chunks returns every stored chunk of a blob ordered by sequence number
	Chunks(ctx context.Context, blobID string) ([]Chunk, error)

	// Delete removes the header and all chunks. Unknown ids are not an error.
	Delete(ctx context.Context, blobID string) error

	// List returns the ids of every blob with a header or at least one
	// chunk, so interrupted writes show up too
	List(ctx context.Context) ([]string, error)

	// Drop removes every blob
	Drop(ctx context.Context) error

	// Close releases resources
	Close() error
}
