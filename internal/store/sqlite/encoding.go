package sqlite

import (
	"encoding/binary"
	"math"
)

// float32ToBytesAlloc encodes a vector as little-endian float32s
func float32ToBytesAlloc(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	b := make([]byte, len(f)*4)
	for i, v := range f {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// bytesToFloat32Alloc decodes a vector; nil for empty or malformed input
func bytesToFloat32Alloc(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	f := make([]float32, len(b)/4)
	for i := range f {
		f[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return f
}
