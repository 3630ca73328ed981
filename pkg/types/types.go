// Package types defines the core data structures for the medical imaging archive
package types

import (
	"math"
	"sort"
	"time"
)

// ScanRecord represents one clinical scan: metadata, the blob holding the
// raw image and the derived feature vector.
type ScanRecord struct {
	ScanID         string            `json:"scan_id"`
	PatientID      string            `json:"patient_id"`
	ClinicalFields map[string]string `json:"clinical_fields,omitempty"`
	BlobRef        string            `json:"blob_ref"`
	FeatureVector  []float32         `json:"-"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Field returns a clinical field value, or "" when absent.
func (r *ScanRecord) Field(name string) string {
	if r == nil || r.ClinicalFields == nil {
		return ""
	}
	return r.ClinicalFields[name]
}

// BlobInfo describes a committed blob in the vault
type BlobInfo struct {
	BlobID      string    `json:"blob_id"`
	ContentType string    `json:"content_type"`
	TotalSize   int64     `json:"total_size"`
	ChunkSize   int       `json:"chunk_size"`
	ChunkCount  int       `json:"chunk_count"`
	Digest      string    `json:"digest"`      // blake2b-256 of the uncompressed content, hex
	Compression string    `json:"compression"` // "" or "zstd"
	CreatedAt   time.Time `json:"created_at"`
}

// Operator is a comparison applied to a clinical field.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNe  Operator = "ne"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpIn  Operator = "in"
)

// Valid reports whether op is a known operator
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIn:
		return true
	}
	return false
}

// IsRange reports whether op is an ordering comparison.
func (op Operator) IsRange() bool {
	return op == OpLt || op == OpLte || op == OpGt || op == OpGte
}

// Condition constrains one clinical field. Values is used by OpIn only.
type Condition struct {
	Field  string   `json:"field" yaml:"field"`
	Op     Operator `json:"op" yaml:"op"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

// Predicate is a conjunction of conditions. The empty predicate matches everything.
type Predicate []Condition

// Eq builds an equality condition.
func Eq(field, value string) Condition {
	return Condition{Field: field, Op: OpEq, Value: value}
}

// In builds a set-membership condition.
func In(field string, values ...string) Condition {
	return Condition{Field: field, Op: OpIn, Values: values}
}

// Range builds an ordering condition.
func Range(field string, op Operator, value string) Condition {
	return Condition{Field: field, Op: op, Value: value}
}

// ValidateVector rejects NaN and infinite components
func ValidateVector(v []float32) error {
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Validationf("vector component %d is not finite (%v)", i, x)
		}
	}
	return nil
}

// Fields returns the distinct field names referenced, sorted.
func (p Predicate) Fields() []string {
	seen := make(map[string]struct{}, len(p))
	for _, c := range p {
		seen[c.Field] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// IngestState is a state of the per-request ingestion state machine
type IngestState string

const (
	StateReceived        IngestState = "received"
	StateBlobCommitted   IngestState = "blob_committed"
	StateRecordCommitted IngestState = "record_committed"
	StateIndexConfirmed  IngestState = "index_confirmed"
	StateDone            IngestState = "done"
	StateFailed          IngestState = "failed"
	StateSkipped         IngestState = "skipped"
)

// IngestRequest is the payload for ingesting one scan. FeatureVector may be
// nil, in which case the configured embedding provider is consulted.
type IngestRequest struct {
	ScanID         string            `json:"scan_id,omitempty"`
	PatientID      string            `json:"patient_id"`
	ClinicalFields map[string]string `json:"clinical_fields,omitempty"`
	Image          []byte            `json:"-"`
	ContentType    string            `json:"content_type,omitempty"`
	FeatureVector  []float32         `json:"feature_vector,omitempty"`
}

// IngestResult reports the terminal state of one ingestion
type IngestResult struct {
	ScanID string      `json:"scan_id"`
	BlobID string      `json:"blob_id,omitempty"`
	State  IngestState `json:"state"`
	Reason string      `json:"reason,omitempty"`
	Err    error       `json:"-"`
}

// BatchSummary aggregates the outcome of a bulk ingestion
type BatchSummary struct {
	Total   int            `json:"total"`
	Done    int            `json:"done"`
	Failed  int            `json:"failed"`
	Skipped int            `json:"skipped"`
	Reasons map[string]int `json:"reasons,omitempty"`
	Results []IngestResult `json:"results"`
	Timing  int64          `json:"timing_ms"`
}

// Scan is a hydrated retrieval result: metadata plus image bytes.
type Scan struct {
	Record      ScanRecord `json:"record"`
	Image       []byte     `json:"-"`
	ContentType string     `json:"content_type"`
}

// SimilarScan is a hydrated similarity hit
type SimilarScan struct {
	Scan
	Score float32 `json:"score"`
}

// Hit is a raw similarity index result.
type Hit struct {
	ScanID string  `json:"scan_id"`
	Score  float32 `json:"score"`
}

// IndexInfo describes one declared index
type IndexInfo struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Fields     []string `json:"fields,omitempty"`
	Dimensions int      `json:"dimensions,omitempty"`
	Metric     string   `json:"metric,omitempty"`
	Candidates int      `json:"candidates,omitempty"`
}

// StatsResponse contains statistics about the archive
type StatsResponse struct {
	TotalScans      int            `json:"total_scans"`
	ScansByPatient  map[string]int `json:"scans_by_patient"`
	PatientCount    int            `json:"patient_count"`
	TotalBlobs      int            `json:"total_blobs"`
	BlobBytes       int64          `json:"blob_bytes"`
	StorageBytes    int64          `json:"storage_bytes"`
	Indexes         []IndexInfo    `json:"indexes"`
	SimilarityLag   int            `json:"similarity_lag"`
	EmbeddingModel  string         `json:"embedding_model,omitempty"`
	CompletedPhases []string       `json:"completed_phases"`
}

// SweepReport lists blobs that were not referenced by any record
type SweepReport struct {
	Scanned int      `json:"scanned"`
	Orphans []string `json:"orphans"`
	Deleted int      `json:"deleted"`
}
