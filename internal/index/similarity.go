package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/shivavenkatesh/medarchive/internal/distance"
	"github.com/shivavenkatesh/medarchive/internal/metrics"
	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// DefaultPropagationBuffer bounds the number of accepted but unapplied updates
const DefaultPropagationBuffer = 1024

type opKind int

const (
	opUpsert opKind = iota
	opRemove
	opReset
)

type update struct {
	kind   opKind
	scanID string
	vector []float32
}

type entry struct {
	scanID string
	vec    distance.Vector
}

// SimilarityIndex is an exact nearest-neighbour index over feature vectors.
// Writes are accepted into a bounded queue and applied by a background
// goroutine, so a search may not yet see a record whose ingestion already
// returned. Sync waits for everything accepted so far; Lag reports the
// number of pending updates.
type SimilarityIndex struct {
	dims       int
	metric     distance.Metric
	candidates int
	log        *slog.Logger
	metrics    *metrics.Collectors

	queue    chan update
	enqueued atomic.Int64
	applied  atomic.Int64

	mu       sync.RWMutex
	entries  map[uint32]entry
	ordinals map[string]uint32
	live     *roaring.Bitmap
	next     uint32

	// notify is closed and replaced after every applied update
	nmu    sync.Mutex
	notify chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// SimilarityConfig configures a SimilarityIndex
type SimilarityConfig struct {
	Dimensions        int
	Metric            distance.Metric
	Candidates        int
	PropagationBuffer int
	Logger            *slog.Logger
	Metrics           *metrics.Collectors
}

// NewSimilarityIndex starts the propagation goroutine; call Close to stop it
func NewSimilarityIndex(cfg SimilarityConfig) *SimilarityIndex {
	if cfg.PropagationBuffer <= 0 {
		cfg.PropagationBuffer = DefaultPropagationBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &SimilarityIndex{
		dims:       cfg.Dimensions,
		metric:     cfg.Metric,
		candidates: cfg.Candidates,
		log:        cfg.Logger.With("component", "similarity"),
		metrics:    cfg.Metrics,
		queue:      make(chan update, cfg.PropagationBuffer),
		entries:    make(map[uint32]entry),
		ordinals:   make(map[string]uint32),
		live:       roaring.New(),
		notify:     make(chan struct{}),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Dimensions returns the configured vector length
func (s *SimilarityIndex) Dimensions() int { return s.dims }

// Metric returns the configured metric
func (s *SimilarityIndex) Metric() distance.Metric { return s.metric }

func (s *SimilarityIndex) run() {
	defer close(s.stopped)
	for {
		select {
		case u := <-s.queue:
			s.apply(u)
		case <-s.done:
			// drain what was already accepted
			for {
				select {
				case u := <-s.queue:
					s.apply(u)
				default:
					return
				}
			}
		}
	}
}

func (s *SimilarityIndex) apply(u update) {
	s.mu.Lock()
	switch u.kind {
	case opUpsert:
		s.upsertLocked(u.scanID, u.vector)
	case opRemove:
		s.removeLocked(u.scanID)
	case opReset:
		s.resetLocked()
	}
	size := len(s.entries)
	s.mu.Unlock()

	s.applied.Add(1)
	s.metrics.SetSimilarity(size, s.Lag())

	s.nmu.Lock()
	close(s.notify)
	s.notify = make(chan struct{})
	s.nmu.Unlock()
}

func (s *SimilarityIndex) upsertLocked(scanID string, vector []float32) {
	ord, ok := s.ordinals[scanID]
	if !ok {
		ord = s.next
		s.next++
		s.ordinals[scanID] = ord
	}
	s.entries[ord] = entry{scanID: scanID, vec: distance.NewVector(vector)}
	s.live.Add(ord)
}

func (s *SimilarityIndex) removeLocked(scanID string) {
	ord, ok := s.ordinals[scanID]
	if !ok {
		return
	}
	delete(s.ordinals, scanID)
	delete(s.entries, ord)
	s.live.Remove(ord)
}

func (s *SimilarityIndex) resetLocked() {
	s.entries = make(map[uint32]entry)
	s.ordinals = make(map[string]uint32)
	s.live = roaring.New()
	s.next = 0
}

func (s *SimilarityIndex) validate(vector []float32) error {
	if len(vector) != s.dims {
		return types.Validationf("vector has %d dimensions, index expects %d", len(vector), s.dims)
	}
	if err := types.ValidateVector(vector); err != nil {
		return err
	}
	if s.metric.RequiresMagnitude() && distance.NewVector(vector).Magnitude == 0 {
		return types.Validationf("zero vector cannot be compared under %s", s.metric)
	}
	return nil
}

func (s *SimilarityIndex) enqueue(ctx context.Context, u update) error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: similarity index is closed", types.ErrStorageFault)
	default:
	}
	s.enqueued.Add(1)
	select {
	case s.queue <- u:
		return nil
	case <-ctx.Done():
		s.enqueued.Add(-1)
		return types.StorageFault("enqueue similarity update", ctx.Err())
	}
}

// Upsert schedules a vector for indexing. It returns once the update is
// accepted, not once it is searchable.
func (s *SimilarityIndex) Upsert(ctx context.Context, scanID string, vector []float32) error {
	if err := s.validate(vector); err != nil {
		return err
	}
	v := append([]float32(nil), vector...)
	return s.enqueue(ctx, update{kind: opUpsert, scanID: scanID, vector: v})
}

// Remove schedules a record's vector for removal
func (s *SimilarityIndex) Remove(ctx context.Context, scanID string) error {
	return s.enqueue(ctx, update{kind: opRemove, scanID: scanID})
}

// Reset schedules removal of every vector
func (s *SimilarityIndex) Reset(ctx context.Context) error {
	return s.enqueue(ctx, update{kind: opReset})
}

// Load inserts vectors synchronously, bypassing the queue. Used when
// rebuilding from the metadata store.
func (s *SimilarityIndex) Load(scanID string, vector []float32) error {
	if err := s.validate(vector); err != nil {
		return err
	}
	s.mu.Lock()
	s.upsertLocked(scanID, append([]float32(nil), vector...))
	size := len(s.entries)
	s.mu.Unlock()
	s.metrics.SetSimilarity(size, s.Lag())
	return nil
}

// Lag returns the number of accepted updates not yet visible to Search
func (s *SimilarityIndex) Lag() int {
	lag := s.enqueued.Load() - s.applied.Load()
	if lag < 0 {
		return 0
	}
	return int(lag)
}

// Len returns the number of searchable vectors
func (s *SimilarityIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sync blocks until every update accepted before the call is searchable
func (s *SimilarityIndex) Sync(ctx context.Context) error {
	target := s.enqueued.Load()
	for {
		s.nmu.Lock()
		ch := s.notify
		s.nmu.Unlock()

		if s.applied.Load() >= target {
			return nil
		}
		select {
		case <-ch:
		case <-s.stopped:
			if s.applied.Load() >= target {
				return nil
			}
			return fmt.Errorf("%w: similarity index is closed", types.ErrStorageFault)
		case <-ctx.Done():
			return types.StorageFault("sync similarity index", ctx.Err())
		}
	}
}

// Ordinals maps scan ids to the bitmap of their internal ordinals. Ids not
// yet indexed are skipped.
func (s *SimilarityIndex) Ordinals(scanIDs []string) *roaring.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bm := roaring.New()
	for _, id := range scanIDs {
		if ord, ok := s.ordinals[id]; ok {
			bm.Add(ord)
		}
	}
	return bm
}

// Search returns up to k hits best first. A non-nil allowed bitmap
// restricts the search to those ordinals. Recall is exact over the vectors
// applied so far.
func (s *SimilarityIndex) Search(ctx context.Context, query []float32, k int, allowed *roaring.Bitmap) ([]types.Hit, error) {
	start := time.Now()
	defer s.metrics.ObserveSearch(start)

	if k <= 0 {
		return nil, types.Validationf("k must be positive, got %d", k)
	}
	if err := s.validate(query); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, types.StorageFault("similarity search", err)
	}

	q := distance.NewVector(query)

	// the pool never shrinks below k; a larger configured pool only
	// changes how many candidates are ranked before truncation
	pool := k
	if s.candidates > pool {
		pool = s.candidates
	}
	top := newTopK(pool)

	s.mu.RLock()
	candidates := s.live
	if allowed != nil {
		candidates = roaring.And(s.live, allowed)
	}
	it := candidates.Iterator()
	n := 0
	for it.HasNext() {
		e := s.entries[it.Next()]
		top.push(types.Hit{ScanID: e.scanID, Score: s.metric.Score(q, e.vec)})
		n++
		if n%1024 == 0 && ctx.Err() != nil {
			s.mu.RUnlock()
			return nil, types.StorageFault("similarity search", ctx.Err())
		}
	}
	s.mu.RUnlock()

	hits := top.result()
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Close stops the propagation goroutine after applying accepted updates
func (s *SimilarityIndex) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.stopped
	})
	return nil
}
