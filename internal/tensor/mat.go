package tensor

import (
	"fmt"
	"math/rand/v2"
)

// Mat is a row-major 2D view over float32 data. Rows start Stride elements
// apart; a Mat built here always has Stride == C.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed r x c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic(fmt.Sprintf("tensor: negative matrix dims %dx%d", r, c))
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// NewMatFromData views data as an r x c matrix without copying.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic(fmt.Sprintf("tensor: %dx%d matrix over %d values", r, c, len(data)))
	}
	return Mat{R: r, C: c, Stride: c, Data: data}
}

// Row aliases row i.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic(fmt.Sprintf("tensor: row %d out of range [0,%d)", i, m.R))
	}
	off := i * m.Stride
	return m.Data[off : off+m.C]
}

// FillRand overwrites m with values drawn uniformly from
// [-scale/2, scale/2). The same seed always yields the same matrix.
func FillRand(m *Mat, seed int64, scale float32) {
	rng := rand.New(rand.NewPCG(uint64(seed), 0x5eed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * scale
	}
}
