package index

import (
	"math"
	"sort"

	"github.com/shivavenkatesh/medarchive/pkg/types"
)

// better orders hits by score, then scan id so equal scores are stable.
// NaN scores rank last.
func better(a, b types.Hit) bool {
	an, bn := math.IsNaN(float64(a.Score)), math.IsNaN(float64(b.Score))
	if an != bn {
		return bn
	}
	if !an && a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ScanID < b.ScanID
}

// sortHits sorts hits best first
func sortHits(hits []types.Hit) {
	n := len(hits)
	if n <= 1 {
		return
	}

	// For small slices, insertion sort is faster due to lower overhead
	if n <= 16 {
		for i := 1; i < n; i++ {
			key := hits[i]
			j := i - 1
			for j >= 0 && better(key, hits[j]) {
				hits[j+1] = hits[j]
				j--
			}
			hits[j+1] = key
		}
		return
	}

	sort.Slice(hits, func(i, j int) bool { return better(hits[i], hits[j]) })
}

// topK keeps the best k hits seen so far in a min-heap whose root is the
// worst retained hit.
type topK struct {
	k    int
	heap []types.Hit
}

func newTopK(k int) *topK {
	return &topK{k: k, heap: make([]types.Hit, 0, k)}
}

func (t *topK) push(h types.Hit) {
	if t.k <= 0 {
		return
	}
	if len(t.heap) < t.k {
		t.heap = append(t.heap, h)
		t.up(len(t.heap) - 1)
		return
	}
	if better(h, t.heap[0]) {
		t.heap[0] = h
		t.down(0)
	}
}

// result returns the retained hits best first
func (t *topK) result() []types.Hit {
	out := append([]types.Hit(nil), t.heap...)
	sortHits(out)
	return out
}

func (t *topK) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !better(t.heap[parent], t.heap[i]) {
			break
		}
		t.heap[parent], t.heap[i] = t.heap[i], t.heap[parent]
		i = parent
	}
}

func (t *topK) down(i int) {
	n := len(t.heap)
	for {
		worst := i
		left := 2*i + 1
		right := 2*i + 2

		if left < n && better(t.heap[worst], t.heap[left]) {
			worst = left
		}
		if right < n && better(t.heap[worst], t.heap[right]) {
			worst = right
		}
		if worst == i {
			break
		}
		t.heap[i], t.heap[worst] = t.heap[worst], t.heap[i]
		i = worst
	}
}
