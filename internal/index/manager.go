// Package index declares and verifies the archive's indexes: a conventional
// index over selected clinical fields, maintained synchronously by the
// metadata store, and an asynchronous similarity index over feature vectors.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/shivavenkatesh/medarchive/internal/distance"
	"github.com/shivavenkatesh/medarchive/internal/metrics"
	"github.com/shivavenkatesh/medarchive/internal/store"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// Catalog names
const (
	ConventionalName = "clinical_fields"
	SimilarityName   = "feature_vector"
)

// DefaultCandidates is the default candidate pool for similarity search
const DefaultCandidates = 100

// Config declares the archive's indexes
type Config struct {
	IndexedFields     []string
	Dimensions        int
	Metric            distance.Metric
	Candidates        int
	PropagationBuffer int
	Logger            *slog.Logger
	Metrics           *metrics.Collectors
}

// Manager owns the index definitions and the similarity index
type Manager struct {
	cfg   Config
	store store.Store
	sim   *SimilarityIndex
	log   *slog.Logger
}

// NewManager validates cfg and starts the similarity index. The index is
// empty until Rebuild or new ingestions populate it.
func NewManager(st store.Store, cfg Config) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, types.Validationf("similarity index dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Metric == "" {
		cfg.Metric = distance.Cosine
	}
	if _, err := distance.ParseMetric(string(cfg.Metric)); err != nil {
		return nil, types.Validationf("%v", err)
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = DefaultCandidates
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.IndexedFields = normalizeFields(cfg.IndexedFields)

	return &Manager{
		cfg:   cfg,
		store: st,
		log:   cfg.Logger.With("component", "index"),
		sim: NewSimilarityIndex(SimilarityConfig{
			Dimensions:        cfg.Dimensions,
			Metric:            cfg.Metric,
			Candidates:        cfg.Candidates,
			PropagationBuffer: cfg.PropagationBuffer,
			Logger:            cfg.Logger,
			Metrics:           cfg.Metrics,
		}),
	}, nil
}

func normalizeFields(fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Definitions returns the declared index definitions
func (m *Manager) Definitions() []types.IndexInfo {
	return []types.IndexInfo{
		{
			Name:   ConventionalName,
			Kind:   types.IndexConventional,
			Fields: m.cfg.IndexedFields,
		},
		{
			Name:       SimilarityName,
			Kind:       types.IndexSimilarity,
			Dimensions: m.cfg.Dimensions,
			Metric:     string(m.cfg.Metric),
			Candidates: m.cfg.Candidates,
		},
	}
}

// EnsureIndexes creates missing indexes and verifies existing ones. An
// existing similarity index with a different dimensionality or metric, or
// a conventional index covering fields the declaration drops, fails with
// SchemaConflict and nothing is changed.
func (m *Manager) EnsureIndexes(ctx context.Context) error {
	existing, err := m.store.Indexes(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]types.IndexInfo, len(existing))
	for _, info := range existing {
		byName[info.Name] = info
	}

	desired := m.Definitions()
	for _, want := range desired {
		have, ok := byName[want.Name]
		if !ok {
			continue
		}
		if err := compatible(have, want); err != nil {
			return err
		}
	}

	for _, want := range desired {
		have, ok := byName[want.Name]
		if ok && slices.Equal(have.Fields, want.Fields) && have.Candidates == want.Candidates {
			continue
		}
		if err := m.store.PutIndex(ctx, want); err != nil {
			return err
		}
		m.log.Info("index ensured", "name", want.Name, "kind", want.Kind, "created", !ok)
	}
	return nil
}

func compatible(have, want types.IndexInfo) error {
	if have.Kind != want.Kind {
		return fmt.Errorf("%w: index %s is %s, declared %s", types.ErrSchemaConflict, want.Name, have.Kind, want.Kind)
	}
	switch want.Kind {
	case types.IndexSimilarity:
		if have.Dimensions != want.Dimensions {
			return fmt.Errorf("%w: index %s has %d dimensions, declared %d",
				types.ErrSchemaConflict, want.Name, have.Dimensions, want.Dimensions)
		}
		if have.Metric != want.Metric {
			return fmt.Errorf("%w: index %s uses %s, declared %s",
				types.ErrSchemaConflict, want.Name, have.Metric, want.Metric)
		}
	case types.IndexConventional:
		for _, f := range have.Fields {
			if !slices.Contains(want.Fields, f) {
				return fmt.Errorf("%w: index %s covers %q which the declaration drops",
					types.ErrSchemaConflict, want.Name, f)
			}
		}
	}
	return nil
}

// Similarity returns the similarity index
func (m *Manager) Similarity() *SimilarityIndex {
	return m.sim
}

// Dimensions returns the declared vector length
func (m *Manager) Dimensions() int {
	return m.cfg.Dimensions
}

// Rebuild reloads the similarity index from every stored record
func (m *Manager) Rebuild(ctx context.Context) (int, error) {
	if err := m.sim.Reset(ctx); err != nil {
		return 0, err
	}
	if err := m.sim.Sync(ctx); err != nil {
		return 0, err
	}

	n := 0
	for rec, err := range m.store.Iterate(ctx, nil) {
		if err != nil {
			return n, err
		}
		if len(rec.FeatureVector) == 0 {
			continue
		}
		if err := m.sim.Load(rec.ScanID, rec.FeatureVector); err != nil {
			m.log.Warn("skipping unindexable vector", "scan_id", rec.ScanID, "err", err)
			continue
		}
		n++
	}
	m.log.Debug("similarity index rebuilt", "vectors", n)
	return n, nil
}

// SimilaritySearch returns up to k nearest records to query. A non-empty
// pre-filter is resolved through the metadata store first and restricts
// the candidates. Results reflect updates applied so far; see
// SimilarityIndex.Lag.
func (m *Manager) SimilaritySearch(ctx context.Context, query []float32, k int, pre types.Predicate) ([]types.Hit, error) {
	if k <= 0 {
		return nil, types.Validationf("k must be positive, got %d", k)
	}
	if len(pre) == 0 {
		return m.sim.Search(ctx, query, k, nil)
	}

	var ids []string
	for rec, err := range m.store.Iterate(ctx, pre) {
		if err != nil {
			return nil, err
		}
		ids = append(ids, rec.ScanID)
	}
	if len(ids) == 0 {
		return []types.Hit{}, nil
	}
	return m.sim.Search(ctx, query, k, m.sim.Ordinals(ids))
}

// Lag returns the similarity updates not yet visible to search
func (m *Manager) Lag() int {
	return m.sim.Lag()
}

// Close stops the similarity index
func (m *Manager) Close() error {
	return m.sim.Close()
}
