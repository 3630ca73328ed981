package sqlite

import (
	"math"
	"testing"
)

func TestFloat32ToBytesAlloc(t *testing.T) {
	input := []float32{1.0, -2.5, 3.25, float32(math.Inf(1)), 0}
	bytes := float32ToBytesAlloc(input)

	if len(bytes) != len(input)*4 {
		t.Errorf("expected %d bytes, got %d", len(input)*4, len(bytes))
	}

	// Modify input to verify no aliasing
	input[0] = 99

	result := bytesToFloat32Alloc(bytes)
	want := []float32{1.0, -2.5, 3.25, float32(math.Inf(1)), 0}
	for i, v := range want {
		if result[i] != v {
			t.Errorf("at index %d: expected %f, got %f", i, v, result[i])
		}
	}
}

func TestFloat32ToBytesAlloc_Empty(t *testing.T) {
	if float32ToBytesAlloc(nil) != nil {
		t.Error("expected nil for nil input")
	}
	if float32ToBytesAlloc([]float32{}) != nil {
		t.Error("expected nil for empty slice")
	}
}

func TestBytesToFloat32Alloc_Invalid(t *testing.T) {
	if bytesToFloat32Alloc(nil) != nil {
		t.Error("expected nil for nil input")
	}
	if bytesToFloat32Alloc([]byte{1, 2, 3}) != nil {
		t.Error("expected nil for invalid length")
	}
}

func BenchmarkFloat32ToBytesAlloc(b *testing.B) {
	embedding := make([]float32, 768)
	for i := range embedding {
		embedding[i] = float32(i) * 0.001
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = float32ToBytesAlloc(embedding)
	}
}

func BenchmarkBytesToFloat32Alloc(b *testing.B) {
	data := float32ToBytesAlloc(make([]float32, 768))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = bytesToFloat32Alloc(data)
	}
}
