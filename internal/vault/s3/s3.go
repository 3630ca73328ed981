// Package s3 stores blob chunks in Amazon S3 using aws-sdk-go-v2. The object
// layout matches the MinIO backend, so an archive can move between them.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/shivavenkatesh/medarchive/internal/vault"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// API is the subset of *s3.Client the store uses
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config configures the S3 chunk store
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // optional, for S3-compatible services
	AccessKey string // optional, default credential chain otherwise
	SecretKey string
}

// Store implements vault.ChunkStore for S3
type Store struct {
	client API
	bucket string
	prefix string
}

var _ vault.ChunkStore = (*Store)(nil)

// New builds an S3 client from the default AWS configuration chain
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewStore(client, cfg.Bucket, cfg.Prefix), nil
}

// NewStore wraps an existing client
func NewStore(client API, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func isNotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *s3types.NoSuchKey
	return errors.As(err, &nsk)
}

func (s *Store) put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	return err
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

func (s *Store) list(ctx context.Context, prefix string, fn func(key string) error) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, obj := range page.Contents {
			if err := fn(aws.ToString(obj.Key)); err != nil {
				return err
			}
		}
	}
	return nil
}

// PutChunk uploads one chunk object
func (s *Store) PutChunk(ctx context.Context, blobID string, seq int, data []byte) error {
	return s.put(ctx, vault.ChunkKey(s.prefix, blobID, seq), "application/octet-stream", data)
}

// PutHeader uploads the header object
func (s *Store) PutHeader(ctx context.Context, info types.BlobInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal blob header: %w", err)
	}
	return s.put(ctx, vault.HeaderKey(s.prefix, info.BlobID), "application/json", data)
}

// Header downloads the header object
func (s *Store) Header(ctx context.Context, blobID string) (types.BlobInfo, error) {
	data, err := s.get(ctx, vault.HeaderKey(s.prefix, blobID))
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
	err := s.list(ctx, vault.BlobPrefix(s.prefix, blobID), func(key string) error {
		id, seq, ok := vault.ParseObjectKey(s.prefix, key)
		if !ok || id != blobID || seq < 0 {
			return nil
		}
		data, err := s.get(ctx, key)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		chunks = append(chunks, vault.Chunk{Seq: seq, Data: data})
		return nil
	})
	return chunks, err
}

func (s *Store) remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Delete removes the header first, then every chunk
func (s *Store) Delete(ctx context.Context, blobID string) error {
	if err := s.remove(ctx, vault.HeaderKey(s.prefix, blobID)); err != nil {
		return err
	}
	var keys []string
	if err := s.list(ctx, vault.BlobPrefix(s.prefix, blobID), func(key string) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// List returns ids with a header or any chunk
func (s *Store) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.list(ctx, vault.RootPrefix(s.prefix), func(key string) error {
		if id, _, ok := vault.ParseObjectKey(s.prefix, key); ok {
			seen[id] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
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

// Close is a no-op
func (s *Store) Close() error {
	return nil
}
