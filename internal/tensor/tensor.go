package tensor

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrInvalidShape  = errors.New("invalid shape")
)

// Tensor is a dense row-major float32 tensor of arbitrary rank. A nil or
// empty Shape describes a scalar holding exactly one element.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int) (*Tensor, error) {
	n, err := Numel(shape)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
	}, nil
}

// FromData wraps data with the given shape. The data slice is not copied.
func FromData(shape []int, data []float32) (*Tensor, error) {
	n, err := Numel(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v wants %d elements, got %d", ErrShapeMismatch, shape, n, len(data))
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}, nil
}

// MustFromData is FromData for static shapes; it panics on mismatch.
func MustFromData(shape []int, data []float32) *Tensor {
	t, err := FromData(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Numel returns the element count for shape. Zero-sized dimensions are
// allowed and produce an empty tensor.
func Numel(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dim %d", ErrInvalidShape, d)
		}
		if d != 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("%w: tensor too large", ErrInvalidShape)
		}
		n *= d
	}
	return n, nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// AbsMax returns max(|x|) over all elements, or 0 for an empty tensor.
// NaN elements are ignored; use CheckFinite to reject them.
func (t *Tensor) AbsMax() float32 {
	var m float32
	for _, v := range t.Data {
		if a := float32(math.Abs(float64(v))); a > m {
			m = a
		}
	}
	return m
}

// CheckFinite returns the index of the first NaN or infinite element, or
// -1 when every element is finite.
func (t *Tensor) CheckFinite() int {
	for i, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Map returns a new tensor with fn applied to every element.
func (t *Tensor) Map(fn func(float32) float32) *Tensor {
	out := &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  make([]float32, len(t.Data)),
	}
	for i, v := range t.Data {
		out.Data[i] = fn(v)
	}
	return out
}

// Mat views the tensor as a matrix whose columns are the last dimension
// and whose rows are the product of the leading dimensions.
func (t *Tensor) Mat() (Mat, error) {
	if len(t.Shape) == 0 {
		return NewMatFromData(1, 1, t.Data), nil
	}
	c := t.Shape[len(t.Shape)-1]
	if c == 0 {
		return Mat{}, fmt.Errorf("%w: zero-width last dimension", ErrInvalidShape)
	}
	return NewMatFromData(len(t.Data)/c, c, t.Data), nil
}
