// Package minio stores blob chunks as objects in MinIO or any S3-compatible
// service, one object per chunk plus a JSON header object.
package minio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/shivavenkatesh/medarchive/internal/vault"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// Config configures the MinIO chunk store
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Secure    bool
}

// Store implements vault.ChunkStore for MinIO
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ vault.ChunkStore = (*Store)(nil)

// New connects to MinIO and creates the bucket when missing
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return NewStore(client, cfg.Bucket, cfg.Prefix), nil
}

// NewStore wraps an existing client
func NewStore(client *minio.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// PutChunk uploads one chunk object
func (s *Store) PutChunk(ctx context.Context, blobID string, seq int, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, vault.ChunkKey(s.prefix, blobID, seq),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}

// PutHeader uploads the header object
func (s *Store) PutHeader(ctx context.Context, info types.BlobInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal blob header: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, vault.HeaderKey(s.prefix, info.BlobID),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	// GetObject is lazy; a missing key surfaces on the first read
	return io.ReadAll(obj)
}

// Header downloads the header object
func (s *Store) Header(ctx context.Context, blobID string) (types.BlobInfo, error) {
	data, err := s.read(ctx, vault.HeaderKey(s.prefix, blobID))
	if err != nil {
		if isNotFound(err) {
			return types.BlobInfo{}, fmt.Errorf("blob %s: %w", blobID, types.ErrNotFound)
		}
		return types.BlobInfo{}, err
	}
	var info types.BlobInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return types.BlobInfo{}, fmt.Errorf("%w: blob %s header: %w", types.ErrCorruption, blobID, err)
	}
	return info, nil
}

// Chunks lists and downloads every chunk object of a blob
func (s *Store) Chunks(ctx context.Context, blobID string) ([]vault.Chunk, error) {
	var chunks []vault.Chunk
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    vault.BlobPrefix(s.prefix, blobID),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		id, seq, ok := vault.ParseObjectKey(s.prefix, obj.Key)
		if !ok || id != blobID || seq < 0 {
			continue
		}
		data, err := s.read(ctx, obj.Key)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		chunks = append(chunks, vault.Chunk{Seq: seq, Data: data})
	}
	return chunks, nil
}

// Delete removes the header first, then every chunk
func (s *Store) Delete(ctx context.Context, blobID string) error {
	if err := s.remove(ctx, vault.HeaderKey(s.prefix, blobID)); err != nil {
		return err
	}
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    vault.BlobPrefix(s.prefix, blobID),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return obj.Err
		}
		if err := s.remove(ctx, obj.Key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) remove(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// List returns ids with a header or any chunk
func (s *Store) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    vault.RootPrefix(s.prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if id, _, ok := vault.ParseObjectKey(s.prefix, obj.Key); ok {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

// Drop deletes every blob under the prefix
func (s *Store) Drop(ctx context.Context) error {
	ids, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the client holds no persistent connections to release
func (s *Store) Close() error {
	return nil
}
