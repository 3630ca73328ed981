// Package distance implements the similarity metrics supported by the
// similarity index. Every metric is turned into a score where higher means
// more similar, normalized the way hosted vector search engines report it.
package distance

import (
	"fmt"
	"strings"

	"github.com/viant/vec/search"
)

// Metric identifies a vector similarity function
type Metric string

const (
	Cosine     Metric = "cosine"
	Euclidean  Metric = "euclidean"
	DotProduct Metric = "dotProduct"
)

// ParseMetric accepts the canonical names plus a few common aliases.
func ParseMetric(raw string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cosine", "cos":
		return Cosine, nil
	case "euclidean", "l2":
		return Euclidean, nil
	case "dotproduct", "dot", "dot_product", "ip":
		return DotProduct, nil
	default:
		return "", fmt.Errorf("unknown distance metric %q (want cosine, euclidean or dotProduct)", raw)
	}
}

// RequiresMagnitude reports whether zero-length vectors are meaningless
// under the metric.
func (m Metric) RequiresMagnitude() bool {
	return m == Cosine
}

// Vector is a stored vector with its precomputed L2 magnitude
type Vector struct {
	Values    []float32
	Magnitude float32
}

// NewVector precomputes the magnitude of v. The slice is not copied.
func NewVector(v []float32) Vector {
	return Vector{Values: v, Magnitude: search.Float32s(v).Magnitude()}
}

// Score compares a query against a stored vector. Scores:
//
//	cosine:     (1 + cos) / 2        in [0, 1]
//	euclidean:  1 / (1 + d)          in (0, 1]
//	dotProduct: (1 + dot) / 2        unbounded for non-normalized vectors
func (m Metric) Score(q, v Vector) float32 {
	if len(q.Values) != len(v.Values) || len(q.Values) == 0 {
		return 0
	}
	switch m {
	case Cosine:
		if q.Magnitude == 0 || v.Magnitude == 0 {
			return 0
		}
		cos := Dot(q.Values, v.Values) / (q.Magnitude * v.Magnitude)
		return (1 + cos) / 2
	case Euclidean:
		d := search.Float32s(q.Values).EuclideanDistance(v.Values)
		return 1 / (1 + d)
	case DotProduct:
		return (1 + Dot(q.Values, v.Values)) / 2
	default:
		return 0
	}
}

// Dot computes the dot product of two equal-length vectors
func Dot(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var sum float32
	n := len(a)
	limit := n - (n % 8)

	for i := 0; i < limit; i += 8 {
		sum += a[i]*b[i] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3] +
			a[i+4]*b[i+4] + a[i+5]*b[i+5] + a[i+6]*b[i+6] + a[i+7]*b[i+7]
	}

	for i := limit; i < n; i++ {
		sum += a[i] * b[i]
	}

	return sum
}
