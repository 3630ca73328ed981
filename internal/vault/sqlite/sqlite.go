// Package sqlite stores blob chunks GridFS style: a files table holding the
// committed header and a chunks table keyed by (blob id, sequence).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbsqlite "github.com/shivavenkatesh/medarchive/internal/store/sqlite"
	"github.com/shivavenkatesh/medarchive/internal/vault"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// Config configures the SQLite chunk store
type Config struct {
	Path   string // database file
	Driver string // "sqlite3" (default) or "sqlite"
}

// Store implements vault.ChunkStore on SQLite
type Store struct {
	db *sql.DB
}

var _ vault.ChunkStore = (*Store)(nil)

// New opens (and if needed creates) the chunk database
func New(cfg Config) (*Store, error) {
	db, err := dbsqlite.Open(cfg.Path, cfg.Driver)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize blob schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS blob_files (
		blob_id TEXT PRIMARY KEY,
		content_type TEXT NOT NULL DEFAULT '',
		total_size INTEGER NOT NULL,
		chunk_size INTEGER NOT NULL,
		chunk_count INTEGER NOT NULL,
		digest TEXT NOT NULL DEFAULT '',
		compression TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blob_chunks (
		blob_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (blob_id, seq)
	);
	`)
	return err
}

// PutChunk writes one chunk
func (s *Store) PutChunk(ctx context.Context, blobID string, seq int, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO blob_chunks (blob_id, seq, data) VALUES (?, ?, ?)",
		blobID, seq, data)
	if err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	return nil
}

// PutHeader commits the blob
func (s *Store) PutHeader(ctx context.Context, info types.BlobInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO blob_files
			(blob_id, content_type, total_size, chunk_size, chunk_count, digest, compression, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		info.BlobID, info.ContentType, info.TotalSize, info.ChunkSize, info.ChunkCount,
		info.Digest, info.Compression, info.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write blob header: %w", err)
	}
	return nil
}

// Header reads a committed header
func (s *Store) Header(ctx context.Context, blobID string) (types.BlobInfo, error) {
	var info types.BlobInfo
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT blob_id, content_type, total_size, chunk_size, chunk_count, digest, compression, created_at
		FROM blob_files WHERE blob_id = ?`, blobID).Scan(
		&info.BlobID, &info.ContentType, &info.TotalSize, &info.ChunkSize, &info.ChunkCount,
		&info.Digest, &info.Compression, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return types.BlobInfo{}, fmt.Errorf("blob %s: %w", blobID, types.ErrNotFound)
	}
	if err != nil {
		return types.BlobInfo{}, fmt.Errorf("failed to read blob header: %w", err)
	}
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return info, nil
}

// Chunks reads every chunk of a blob in sequence order
func (s *Store) Chunks(ctx context.Context, blobID string) ([]vault.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, data FROM blob_chunks WHERE blob_id = ? ORDER BY seq", blobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []vault.Chunk
	for rows.Next() {
		var c vault.Chunk
		if err := rows.Scan(&c.Seq, &c.Data); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Delete removes the header and chunks in one transaction
func (s *Store) Delete(ctx context.Context, blobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// header first so a concurrent reader never sees a header without chunks
	if _, err := tx.ExecContext(ctx, "DELETE FROM blob_files WHERE blob_id = ?", blobID); err != nil {
		return fmt.Errorf("failed to delete blob header: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM blob_chunks WHERE blob_id = ?", blobID); err != nil {
		return fmt.Errorf("failed to delete blob chunks: %w", err)
	}
	return tx.Commit()
}

// List returns ids with a header or any chunk
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT blob_id FROM blob_files UNION SELECT DISTINCT blob_id FROM blob_chunks")
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan blob id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Drop removes every blob
func (s *Store) Drop(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"blob_files", "blob_chunks"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Close releases resources
func (s *Store) Close() error {
	return s.db.Close()
}
