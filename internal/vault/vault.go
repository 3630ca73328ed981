package vault

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"github.com/shivavenkatesh/medarchive/internal/cache"
	"github.com/shivavenkatesh/medarchive/internal/metrics"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

const (
	// DefaultChunkSize matches the GridFS default of 255 KiB.
	DefaultChunkSize = 255 * 1024

	// MaxChunkSize keeps chunks well under typical row/object limits.
	MaxChunkSize = 16 * 1024 * 1024

	CompressionNone = ""
	CompressionZstd = "zstd"

	cleanupTimeout = 30 * time.Second
)

// Config configures the vault
type Config struct {
	ChunkSize        int    // maximum bytes per chunk before compression
	Compression      string // "" or "zstd"
	WriteBytesPerSec int64  // chunk write throttle, 0 = unlimited
	CacheBytes       int64  // read cache bound, 0 = disabled
	Logger           *slog.Logger
	Metrics          *metrics.Collectors
}

// Vault stores blobs as chunk sequences on a ChunkStore
type Vault struct {
	store   ChunkStore
	cfg     Config
	log     *slog.Logger
	limiter *rate.Limiter
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	cache   *cache.BlobCache
}

// New creates a vault over store
func New(store ChunkStore, cfg Config) (*Vault, error) {
	if store == nil {
		return nil, fmt.Errorf("chunk store is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize > MaxChunkSize {
		return nil, fmt.Errorf("chunk size %d exceeds maximum %d", cfg.ChunkSize, MaxChunkSize)
	}
	cfg.Compression = strings.ToLower(strings.TrimSpace(cfg.Compression))
	if cfg.Compression != CompressionNone && cfg.Compression != CompressionZstd {
		return nil, fmt.Errorf("unsupported compression %q", cfg.Compression)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	v := &Vault{
		store: store,
		cfg:   cfg,
		log:   cfg.Logger.With("component", "vault"),
		cache: cache.NewBlobCache(cfg.CacheBytes),
	}

	if cfg.WriteBytesPerSec > 0 {
		// burst must cover one full chunk or WaitN would reject it
		burst := int(cfg.WriteBytesPerSec)
		if burst < 2*cfg.ChunkSize {
			burst = 2 * cfg.ChunkSize
		}
		v.limiter = rate.NewLimiter(rate.Limit(cfg.WriteBytesPerSec), burst)
	}

	// The decoder is needed even when writing uncompressed: older blobs may be zstd.
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	v.dec = dec
	if cfg.Compression == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		v.enc = enc
	}

	return v, nil
}

// ChunkSize returns the configured maximum chunk size
func (v *Vault) ChunkSize() int {
	return v.cfg.ChunkSize
}

// Put splits data into chunks, writes every chunk, then commits the header.
// The returned blob id is valid only on success. Any failure removes the
// chunks already written so no partial blob survives.
func (v *Vault) Put(ctx context.Context, data []byte, contentType string) (types.BlobInfo, error) {
	info := types.BlobInfo{
		BlobID:      uuid.NewString(),
		ContentType: contentType,
		TotalSize:   int64(len(data)),
		ChunkSize:   v.cfg.ChunkSize,
		Compression: v.cfg.Compression,
		CreatedAt:   time.Now().UTC(),
	}
	sum := blake2b.Sum256(data)
	info.Digest = hex.EncodeToString(sum[:])

	seq := 0
	for off := 0; off < len(data); off += v.cfg.ChunkSize {
		end := off + v.cfg.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		payload := data[off:end]
		if v.enc != nil {
			payload = v.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		}

		if err := v.writeChunk(ctx, info.BlobID, seq, payload); err != nil {
			v.abort(ctx, info.BlobID)
			return types.BlobInfo{}, types.StorageFault(fmt.Sprintf("put blob %s chunk %d", info.BlobID, seq), err)
		}
		seq++
	}
	info.ChunkCount = seq

	if err := ctx.Err(); err != nil {
		v.abort(ctx, info.BlobID)
		return types.BlobInfo{}, types.StorageFault("put blob "+info.BlobID, err)
	}
	if err := v.store.PutHeader(ctx, info); err != nil {
		v.abort(ctx, info.BlobID)
		return types.BlobInfo{}, types.StorageFault("commit blob "+info.BlobID, err)
	}

	v.log.Debug("blob committed", "blob_id", info.BlobID, "size", info.TotalSize, "chunks", info.ChunkCount)
	return info, nil
}

func (v *Vault) writeChunk(ctx context.Context, blobID string, seq int, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.limiter != nil {
		if err := v.limiter.WaitN(ctx, len(payload)); err != nil {
			// WaitN reports a would-exceed-deadline condition with its own error
			if ctx.Err() == nil {
				if _, ok := ctx.Deadline(); ok {
					return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
				}
			}
			return err
		}
	}
	if err := v.store.PutChunk(ctx, blobID, seq, payload); err != nil {
		return err
	}
	v.cfg.Metrics.ChunkWritten(len(payload))
	return nil
}

// abort removes whatever was written for blobID. It runs detached from
// ctx so a cancelled or expired request still cleans up.
func (v *Vault) abort(ctx context.Context, blobID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := v.store.Delete(cctx, blobID); err != nil {
		v.log.Error("failed to remove partial blob", "blob_id", blobID, "err", err)
	}
}

// Get reassembles a blob. Unknown ids fail with NotFound; a broken chunk
// sequence, size mismatch or digest mismatch fails with CorruptionError.
func (v *Vault) Get(ctx context.Context, blobID string) ([]byte, types.BlobInfo, error) {
	info, err := v.Stat(ctx, blobID)
	if err != nil {
		return nil, types.BlobInfo{}, err
	}
	if data, ok := v.cache.Get(blobID); ok {
		return bytes.Clone(data), info, nil
	}

	chunks, err := v.store.Chunks(ctx, blobID)
	if err != nil {
		return nil, types.BlobInfo{}, types.StorageFault("read chunks of "+blobID, err)
	}
	data, err := v.reassemble(info, chunks)
	if err != nil {
		v.cfg.Metrics.Corruption()
		v.log.Error("archive corruption detected", "blob_id", blobID, "err", err)
		return nil, types.BlobInfo{}, err
	}

	v.cache.Put(blobID, data)
	return bytes.Clone(data), info, nil
}

func (v *Vault) reassemble(info types.BlobInfo, chunks []Chunk) ([]byte, error) {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Seq < chunks[j].Seq })
	if len(chunks) != info.ChunkCount {
		return nil, fmt.Errorf("%w: blob %s has %d chunks, header records %d", types.ErrCorruption, info.BlobID, len(chunks), info.ChunkCount)
	}

	out := make([]byte, 0, info.TotalSize)
	for i, c := range chunks {
		if c.Seq != i {
			return nil, fmt.Errorf("%w: blob %s chunk sequence gap at %d (found %d)", types.ErrCorruption, info.BlobID, i, c.Seq)
		}
		payload := c.Data
		if info.Compression == CompressionZstd {
			plain, err := v.dec.DecodeAll(payload, nil)
			if err != nil {
				return nil, fmt.Errorf("%w: blob %s chunk %d: %w", types.ErrCorruption, info.BlobID, i, err)
			}
			payload = plain
		}
		out = append(out, payload...)
	}

	if int64(len(out)) != info.TotalSize {
		return nil, fmt.Errorf("%w: blob %s reassembled %d bytes, header records %d", types.ErrCorruption, info.BlobID, len(out), info.TotalSize)
	}
	if info.Digest != "" {
		sum := blake2b.Sum256(out)
		if hex.EncodeToString(sum[:]) != info.Digest {
			return nil, fmt.Errorf("%w: blob %s digest mismatch", types.ErrCorruption, info.BlobID)
		}
	}
	return out, nil
}

// Stat returns the committed header of a blob
func (v *Vault) Stat(ctx context.Context, blobID string) (types.BlobInfo, error) {
	if strings.TrimSpace(blobID) == "" {
		return types.BlobInfo{}, types.Validationf("blob id is required")
	}
	info, err := v.store.Header(ctx, blobID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.BlobInfo{}, fmt.Errorf("blob %s: %w", blobID, types.ErrNotFound)
		}
		return types.BlobInfo{}, types.StorageFault("stat blob "+blobID, err)
	}
	return info, nil
}

// Delete removes a blob; deleting an unknown id is not an error
func (v *Vault) Delete(ctx context.Context, blobID string) error {
	v.cache.Delete(blobID)
	if err := v.store.Delete(ctx, blobID); err != nil {
		return types.StorageFault("delete blob "+blobID, err)
	}
	return nil
}

// List returns every blob id with stored data, sorted
func (v *Vault) List(ctx context.Context) ([]string, error) {
	ids, err := v.store.List(ctx)
	if err != nil {
		return nil, types.StorageFault("list blobs", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Usage returns the number of committed blobs and their logical size
func (v *Vault) Usage(ctx context.Context) (int, int64, error) {
	ids, err := v.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	var count int
	var size int64
	for _, id := range ids {
		info, err := v.store.Header(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return 0, 0, types.StorageFault("stat blob "+id, err)
		}
		count++
		size += info.TotalSize
	}
	return count, size, nil
}

// Drop removes every blob
func (v *Vault) Drop(ctx context.Context) error {
	v.cache.Clear()
	if err := v.store.Drop(ctx); err != nil {
		return types.StorageFault("drop vault", err)
	}
	return nil
}

// Close releases codec and backend resources
func (v *Vault) Close() error {
	if v.enc != nil {
		_ = v.enc.Close()
	}
	v.dec.Close()
	return v.store.Close()
}
