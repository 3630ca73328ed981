// Package metrics exposes Prometheus collectors for the archive
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups the archive's Prometheus collectors. A nil *Collectors
// is valid and records nothing.
type Collectors struct {
	Ingestions     *prometheus.CounterVec
	Compensations  prometheus.Counter
	BlobBytes      prometheus.Counter
	BlobChunks     prometheus.Counter
	Corruptions    prometheus.Counter
	SearchDuration prometheus.Histogram
	SimilarityLag  prometheus.Gauge
	SimilaritySize prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg skips
// registration, which is what tests usually want.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Ingestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medarchive",
			Name:      "ingestions_total",
			Help:      "Ingestion requests by terminal outcome.",
		}, []string{"outcome"}),
		Compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medarchive",
			Name:      "compensations_total",
			Help:      "Blobs deleted to undo a failed ingestion.",
		}),
		BlobBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medarchive",
			Name:      "blob_bytes_written_total",
			Help:      "Stored chunk bytes written to the blob vault.",
		}),
		BlobChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medarchive",
			Name:      "blob_chunks_written_total",
			Help:      "Chunks written to the blob vault.",
		}),
		Corruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medarchive",
			Name:      "corruptions_total",
			Help:      "Referential integrity or chunk sequence violations detected on read.",
		}),
		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "medarchive",
			Name:      "similarity_search_seconds",
			Help:      "Similarity search latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		SimilarityLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "medarchive",
			Name:      "similarity_index_lag",
			Help:      "Updates accepted but not yet visible to similarity search.",
		}),
		SimilaritySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "medarchive",
			Name:      "similarity_index_vectors",
			Help:      "Vectors currently searchable.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.Ingestions,
			c.Compensations,
			c.BlobBytes,
			c.BlobChunks,
			c.Corruptions,
			c.SearchDuration,
			c.SimilarityLag,
			c.SimilaritySize,
		)
	}
	return c
}

// Ingestion counts one terminal ingestion outcome.
func (c *Collectors) Ingestion(outcome string) {
	if c == nil {
		return
	}
	c.Ingestions.WithLabelValues(outcome).Inc()
}

// Compensated counts a compensating blob deletion
func (c *Collectors) Compensated() {
	if c == nil {
		return
	}
	c.Compensations.Inc()
}

// ChunkWritten records one stored chunk
func (c *Collectors) ChunkWritten(n int) {
	if c == nil {
		return
	}
	c.BlobChunks.Inc()
	c.BlobBytes.Add(float64(n))
}

// Corruption counts a detected integrity violation
func (c *Collectors) Corruption() {
	if c == nil {
		return
	}
	c.Corruptions.Inc()
}

// ObserveSearch records similarity search latency since start.
func (c *Collectors) ObserveSearch(start time.Time) {
	if c == nil {
		return
	}
	c.SearchDuration.Observe(time.Since(start).Seconds())
}

// SetSimilarity publishes the similarity index size and pending lag.
func (c *Collectors) SetSimilarity(size, lag int) {
	if c == nil {
		return
	}
	c.SimilaritySize.Set(float64(size))
	c.SimilarityLag.Set(float64(lag))
}
