package observer

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyTensor = errors.New("observer: empty tensor")
	ErrNonFinite   = errors.New("observer: non-finite input")
)

// NonFiniteError reports the first NaN or infinite element of a rejected
// tensor. It unwraps to ErrNonFinite.
type NonFiniteError struct {
	Observer string
	Index    int
	Value    float32
}

func (e *NonFiniteError) Error() string {
	return fmt.Sprintf("observer %s: non-finite value %v at index %d", e.Observer, e.Value, e.Index)
}

func (e *NonFiniteError) Unwrap() error {
	return ErrNonFinite
}
