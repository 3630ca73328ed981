// Package archive provides the archive handle: one explicit object that
// owns the metadata store, blob vault, indexes and embedding provider, and
// the lifecycle controller that sequences Define, Construct, Manipulate
// and Reset over them.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shivavenkatesh/medarchive/internal/config"
	"github.com/shivavenkatesh/medarchive/internal/distance"
	"github.com/shivavenkatesh/medarchive/internal/embeddings"
	"github.com/shivavenkatesh/medarchive/internal/index"
	"github.com/shivavenkatesh/medarchive/internal/ingest"
	"github.com/shivavenkatesh/medarchive/internal/metrics"
	"github.com/shivavenkatesh/medarchive/internal/retrieval"
	"github.com/shivavenkatesh/medarchive/internal/store"
	sqlitestore "github.com/shivavenkatesh/medarchive/internal/store/sqlite"
	"github.com/shivavenkatesh/medarchive/internal/vault"
	"github.com/shivavenkatesh/medarchive/internal/vault/leveldb"
	"github.com/shivavenkatesh/medarchive/internal/vault/memory"
	"github.com/shivavenkatesh/medarchive/internal/vault/minio"
	"github.com/shivavenkatesh/medarchive/internal/vault/s3"
	vaultsqlite "github.com/shivavenkatesh/medarchive/internal/vault/sqlite"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// Options supplies collaborators that are not described by configuration
type Options struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer // nil = metrics are collected but not registered
	Embedder   embeddings.Embedder   // overrides [embedder] config
	ChunkStore vault.ChunkStore      // overrides [vault] backend selection
}

// Archive is the handle threaded through every operation. It holds no
// process-wide state; several archives may be open at once.
type Archive struct {
	cfg      config.Config
	log      *slog.Logger
	metrics  *metrics.Collectors
	store    store.Store
	vault    *vault.Vault
	index    *index.Manager
	embedder embeddings.Embedder
	pipeline *ingest.Pipeline
	engine   *retrieval.Engine

	// mu is held shared by ingestion and reads, exclusively by Reset and Sweep
	mu sync.RWMutex

	pmu    sync.Mutex
	phases map[string]bool
}

// Open wires the archive described by cfg. When the archive was defined
// before, the similarity index is rebuilt from the stored vectors.
func Open(ctx context.Context, cfg config.Config, opts Options) (*Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, types.Validationf("%v", err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	m := metrics.New(opts.Registerer)

	a := &Archive{
		cfg:     cfg,
		log:     log.With("component", "archive"),
		metrics: m,
		phases:  make(map[string]bool),
	}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	st, err := sqlitestore.New(sqlitestore.Config{Path: cfg.Store.Path, Driver: cfg.Store.Driver})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	a.store = st

	chunks := opts.ChunkStore
	if chunks == nil {
		chunks, err = openChunkStore(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s vault: %w", cfg.Vault.Backend, err)
		}
	}
	a.vault, err = vault.New(chunks, vault.Config{
		ChunkSize:        cfg.Vault.ChunkSize,
		Compression:      cfg.Vault.Compression,
		WriteBytesPerSec: cfg.Vault.WriteBytesPerSec,
		CacheBytes:       cfg.Vault.CacheBytes,
		Logger:           log,
		Metrics:          m,
	})
	if err != nil {
		_ = chunks.Close()
		return nil, err
	}

	a.index, err = index.NewManager(st, index.Config{
		IndexedFields:     cfg.Index.IndexedFields,
		Dimensions:        cfg.Index.Dimensions,
		Metric:            distance.Metric(cfg.Index.Metric),
		Candidates:        cfg.Index.Candidates,
		PropagationBuffer: cfg.Index.PropagationBuffer,
		Logger:            log,
		Metrics:           m,
	})
	if err != nil {
		return nil, err
	}

	a.embedder = opts.Embedder
	if a.embedder == nil && cfg.Embedder.URL != "" {
		a.embedder = embeddings.NewHTTPClient(embeddings.HTTPConfig{
			BaseURL:    cfg.Embedder.URL,
			Model:      cfg.Embedder.Model,
			Dimensions: cfg.Index.Dimensions,
			CacheSize:  cfg.Embedder.CacheSize,
			Timeout:    cfg.Embedder.Timeout.Duration,
		})
	}

	a.pipeline, err = ingest.New(a.vault, st, a.index.Similarity(), ingest.Config{
		Dimensions:       cfg.Index.Dimensions,
		RequiredFields:   cfg.Index.RequiredFields,
		NaturalKeyFields: cfg.Index.NaturalKeyFields,
		ConflictPolicy:   cfg.Ingest.ConflictPolicy,
		Workers:          cfg.Ingest.Workers,
		BlobTimeout:      cfg.Ingest.BlobTimeout.Duration,
		RecordTimeout:    cfg.Ingest.RecordTimeout.Duration,
		Embedder:         a.embedder,
		Logger:           log,
		Metrics:          m,
	})
	if err != nil {
		return nil, err
	}
	a.engine = retrieval.New(st, a.vault, a.index, retrieval.Config{
		Workers:       cfg.Ingest.Workers,
		SearchTimeout: cfg.Index.SearchTimeout.Duration,
		Logger:        log,
		Metrics:       m,
	})

	if err := a.loadPhases(ctx); err != nil {
		return nil, err
	}
	if a.completed(PhaseDefine) {
		n, err := a.index.Rebuild(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to rebuild similarity index: %w", err)
		}
		a.log.Debug("archive opened", "vectors", n, "phases", a.completedPhases())
	}

	ok = true
	return a, nil
}

func openChunkStore(ctx context.Context, cfg config.Config) (vault.ChunkStore, error) {
	v := cfg.Vault
	switch v.Backend {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return vaultsqlite.New(vaultsqlite.Config{Path: v.Path, Driver: cfg.Store.Driver})
	case "leveldb":
		return leveldb.New(leveldb.Config{Path: v.Path})
	case "minio":
		return minio.New(ctx, minio.Config{
			Endpoint:  v.Endpoint,
			AccessKey: v.AccessKey,
			SecretKey: v.SecretKey,
			Bucket:    v.Bucket,
			Prefix:    v.Prefix,
			Secure:    v.Secure,
		})
	case "s3":
		return s3.New(ctx, s3.Config{
			Bucket:    v.Bucket,
			Prefix:    v.Prefix,
			Region:    v.Region,
			Endpoint:  v.Endpoint,
			AccessKey: v.AccessKey,
			SecretKey: v.SecretKey,
		})
	}
	return nil, fmt.Errorf("unknown vault backend %q", v.Backend)
}

// Config returns the configuration the archive was opened with
func (a *Archive) Config() config.Config {
	return a.cfg
}

// Metrics returns the archive's collectors
func (a *Archive) Metrics() *metrics.Collectors {
	return a.metrics
}

// Lag returns similarity updates not yet visible to similarity search
func (a *Archive) Lag() int {
	return a.index.Lag()
}

// Sync waits until every accepted similarity update is searchable
func (a *Archive) Sync(ctx context.Context) error {
	return a.index.Similarity().Sync(ctx)
}

// Close releases every component. It is safe on a partially opened archive.
func (a *Archive) Close() error {
	var errs []error
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	if a.embedder != nil {
		errs = append(errs, a.embedder.Close())
	}
	if a.vault != nil {
		errs = append(errs, a.vault.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
