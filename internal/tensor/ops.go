package tensor

import "fmt"

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// MatVec computes dst = w·x for a row-major w of shape [R, C].
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(x) < w.C || len(dst) < w.R {
		panic("matvec dimension mismatch")
	}
	for r := 0; r < w.R; r++ {
		dst[r] = Dot(w.Row(r), x[:w.C])
	}
}

// Linear computes x·wᵀ + bias, the matrix-multiply-plus-bias primitive.
// x has shape [..., in], w has shape [out, in] and bias, when present, has
// shape [out]. The result has shape [..., out].
func Linear(x, w, bias *Tensor) (*Tensor, error) {
	if w.Rank() != 2 {
		return nil, fmt.Errorf("%w: weight must be rank 2, got %v", ErrShapeMismatch, w.Shape)
	}
	out, in := w.Shape[0], w.Shape[1]
	if x.Rank() == 0 || x.Shape[x.Rank()-1] != in {
		return nil, fmt.Errorf("%w: input %v does not match weight %v", ErrShapeMismatch, x.Shape, w.Shape)
	}
	if bias != nil && (bias.Rank() != 1 || bias.Shape[0] != out) {
		return nil, fmt.Errorf("%w: bias %v does not match weight %v", ErrShapeMismatch, bias.Shape, w.Shape)
	}

	xm, err := x.Mat()
	if err != nil {
		return nil, err
	}
	wm := NewMatFromData(out, in, w.Data)

	shape := append([]int(nil), x.Shape...)
	shape[len(shape)-1] = out
	y, err := New(shape...)
	if err != nil {
		return nil, err
	}
	ym := NewMatFromData(xm.R, out, y.Data)
	for r := 0; r < xm.R; r++ {
		row := ym.Row(r)
		MatVec(row, &wm, xm.Row(r))
		if bias != nil {
			Add(row, bias.Data)
		}
	}
	return y, nil
}

// ReLU returns max(x, 0) element-wise.
func ReLU(x *Tensor) *Tensor {
	return x.Map(func(v float32) float32 {
		if v < 0 {
			return 0
		}
		return v
	})
}
