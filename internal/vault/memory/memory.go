// Package memory is an in-process ChunkStore, used for tests and for
// ephemeral archives.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shivavenkatesh/medarchive/internal/vault"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// Store keeps chunks and headers in maps
type Store struct {
	mu      sync.RWMutex
	headers map[string]types.BlobInfo
	chunks  map[string]map[int][]byte
	closed  bool
}

var _ vault.ChunkStore = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		headers: make(map[string]types.BlobInfo),
		chunks:  make(map[string]map[int][]byte),
	}
}

func (s *Store) check(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return ctx.Err()
}

// PutChunk stores a copy of data
func (s *Store) PutChunk(ctx context.Context, blobID string, seq int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	m, ok := s.chunks[blobID]
	if !ok {
		m = make(map[int][]byte)
		s.chunks[blobID] = m
	}
	m[seq] = append([]byte(nil), data...)
	return nil
}

// PutHeader commits a blob
func (s *Store) PutHeader(ctx context.Context, info types.BlobInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.headers[info.BlobID] = info
	return nil
}

// Header returns the committed header
func (s *Store) Header(ctx context.Context, blobID string) (types.BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return types.BlobInfo{}, err
	}
	info, ok := s.headers[blobID]
	if !ok {
		return types.BlobInfo{}, fmt.Errorf("blob %s: %w", blobID, types.ErrNotFound)
	}
	return info, nil
}

// Chunks returns copies of the stored chunks ordered by sequence
func (s *Store) Chunks(ctx context.Context, blobID string) ([]vault.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	m := s.chunks[blobID]
	out := make([]vault.Chunk, 0, len(m))
	for seq, data := range m {
		out = append(out, vault.Chunk{Seq: seq, Data: append([]byte(nil), data...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Delete removes a blob
func (s *Store) Delete(ctx context.Context, blobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	delete(s.headers, blobID)
	delete(s.chunks, blobID)
	return nil
}

// List returns ids with a header or any chunk
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(s.headers))
	for id := range s.headers {
		seen[id] = struct{}{}
	}
	for id := range s.chunks {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Drop removes everything
func (s *Store) Drop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.headers = make(map[string]types.BlobInfo)
	s.chunks = make(map[string]map[int][]byte)
	return nil
}

// Close marks the store closed
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// CorruptChunk overwrites a stored chunk in place. Test helper.
func (s *Store) CorruptChunk(blobID string, seq int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.chunks[blobID]; ok {
		m[seq] = append([]byte(nil), data...)
	}
}

// DropChunk removes a single chunk. Test helper.
func (s *Store) DropChunk(blobID string, seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.chunks[blobID]; ok {
		delete(m, seq)
	}
}
