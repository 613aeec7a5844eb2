package vector

import (
	"encoding/binary"
	"math"
)

// Encode packs v as little-endian float32 values for the SQLite embedding column.
func Encode(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Decode is the inverse of Encode. Trailing bytes that do not form a full value are ignored.
func Decode(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}

	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
