// Package leveldb stores blob chunks in an embedded LevelDB. Headers live
// under "f/<blob>" as JSON, chunks under "c/<blob>/<seq>" with a zero-padded
// sequence so iteration order equals chunk order.
package leveldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/shivavenkatesh/medarchive/internal/vault"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

const (
	headerPrefix = "f/"
	chunkPrefix  = "c/"
)

// Store implements vault.ChunkStore on LevelDB
type Store struct {
	db   *leveldb.DB
	sync bool
}

var _ vault.ChunkStore = (*Store)(nil)

// Config configures the LevelDB chunk store
type Config struct {
	Path string
	Sync bool // fsync every write
}

// New opens the database directory
func New(cfg Config) (*Store, error) {
	db, err := leveldb.OpenFile(cfg.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", cfg.Path, err)
	}
	return &Store{db: db, sync: cfg.Sync}, nil
}

func headerKey(blobID string) []byte {
	return []byte(headerPrefix + blobID)
}

func chunkKey(blobID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d", chunkPrefix, blobID, seq))
}

func chunkRange(blobID string) *util.Range {
	return util.BytesPrefix([]byte(chunkPrefix + blobID + "/"))
}

func (s *Store) writeOpts() *opt.WriteOptions {
	return &opt.WriteOptions{Sync: s.sync}
}

// PutChunk writes one chunk
func (s *Store) PutChunk(ctx context.Context, blobID string, seq int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Put(chunkKey(blobID, seq), data, s.writeOpts())
}

// PutHeader commits the blob
func (s *Store) PutHeader(ctx context.Context, info types.BlobInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal blob header: %w", err)
	}
	return s.db.Put(headerKey(info.BlobID), data, s.writeOpts())
}

// Header reads the committed header
func (s *Store) Header(ctx context.Context, blobID string) (types.BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return types.BlobInfo{}, err
	}
	data, err := s.db.Get(headerKey(blobID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return types.BlobInfo{}, fmt.Errorf("blob %s: %w", blobID, types.ErrNotFound)
	}
	if err != nil {
		return types.BlobInfo{}, err
	}
	var info types.BlobInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return types.BlobInfo{}, fmt.Errorf("%w: blob %s header: %w", types.ErrCorruption, blobID, err)
	}
	return info, nil
}

// Chunks iterates the chunk keys of a blob
func (s *Store) Chunks(ctx context.Context, blobID string) ([]vault.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter := s.db.NewIterator(chunkRange(blobID), nil)
	defer iter.Release()

	prefix := chunkPrefix + blobID + "/"
	var chunks []vault.Chunk
	for iter.Next() {
		seq, err := strconv.Atoi(strings.TrimPrefix(string(iter.Key()), prefix))
		if err != nil {
			return nil, fmt.Errorf("%w: blob %s has malformed chunk key %q", types.ErrCorruption, blobID, iter.Key())
		}
		// iterator buffers are reused between calls
		data := append([]byte(nil), iter.Value()...)
		chunks = append(chunks, vault.Chunk{Seq: seq, Data: data})
	}
	return chunks, iter.Error()
}

// Delete removes the header and every chunk in one batch
func (s *Store) Delete(ctx context.Context, blobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(headerKey(blobID))

	iter := s.db.NewIterator(chunkRange(blobID), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, s.writeOpts())
}

// List returns ids with a header or any chunk
func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})

	iter := s.db.NewIterator(util.BytesPrefix([]byte(headerPrefix)), nil)
	for iter.Next() {
		seen[strings.TrimPrefix(string(iter.Key()), headerPrefix)] = struct{}{}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	iter = s.db.NewIterator(util.BytesPrefix([]byte(chunkPrefix)), nil)
	for iter.Next() {
		rest := strings.TrimPrefix(string(iter.Key()), chunkPrefix)
		if i := strings.LastIndexByte(rest, '/'); i > 0 {
			seen[rest[:i]] = struct{}{}
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

// Drop removes every key
func (s *Store) Drop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(nil, nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, s.writeOpts())
}

// Close releases the database
func (s *Store) Close() error {
	return s.db.Close()
}
