// Package fp8 implements the two 8-bit floating point encodings used for
// FP8 quantisation: E4M3 (the "fn" variant, finite-only) and E5M2.
//
// Both encoders round to nearest-even and saturate: magnitudes beyond the
// largest finite value, including infinities, encode as ±Max.
package fp8

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Format selects one of the supported float8 encodings.
type Format uint8

const (
	// E4M3 has 4 exponent bits (bias 7) and 3 mantissa bits. It has no
	// infinities; S.1111.111 is NaN. Largest finite value is 448.
	E4M3 Format = iota
	// E5M2 has 5 exponent bits (bias 15) and 2 mantissa bits, with IEEE
	// style infinities and NaNs. Largest finite value is 57344.
	E5M2
)

var ErrUnknownFormat = errors.New("unknown float8 format")

type layout struct {
	expBits  uint
	manBits  uint
	bias     int
	finite   bool // no infinities, only the all-ones pattern is NaN
	maxCode  uint8
	nanCode  uint8
	maxValue float64
}

var layouts = [...]layout{
	E4M3: {expBits: 4, manBits: 3, bias: 7, finite: true, maxCode: 0x7E, nanCode: 0x7F, maxValue: 448},
	E5M2: {expBits: 5, manBits: 2, bias: 15, maxCode: 0x7B, nanCode: 0x7E, maxValue: 57344},
}

// ParseFormat resolves a format tag. Accepted spellings are the short
// names ("e4m3", "e5m2") and the framework dtype names
// ("float8_e4m3fn", "float8_e5m2"). Matching is case-insensitive.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "e4m3", "e4m3fn", "float8_e4m3fn", "f8_e4m3":
		return E4M3, nil
	case "e5m2", "float8_e5m2", "f8_e5m2":
		return E5M2, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

func (f Format) String() string {
	switch f {
	case E4M3:
		return "e4m3"
	case E5M2:
		return "e5m2"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// DType returns the safetensors dtype tag for the format.
func (f Format) DType() string {
	if f == E5M2 {
		return "F8_E5M2"
	}
	return "F8_E4M3"
}

// Valid reports whether f is one of the supported encodings.
func (f Format) Valid() bool {
	return int(f) < len(layouts)
}

func (f Format) layout() layout {
	if !f.Valid() {
		panic(fmt.Sprintf("fp8: invalid format %d", uint8(f)))
	}
	return layouts[f]
}

// Max returns the largest finite magnitude representable in f.
func (f Format) Max() float64 {
	return f.layout().maxValue
}

// MinNormal returns the smallest positive normal value.
func (f Format) MinNormal() float64 {
	l := f.layout()
	return math.Ldexp(1, 1-l.bias)
}

// Spacing returns the gap between adjacent representable values in the
// binade containing |v|.
func (f Format) Spacing(v float64) float64 {
	l := f.layout()
	emin := 1 - l.bias
	a := math.Abs(v)
	if a < math.Ldexp(1, emin) {
		return math.Ldexp(1, emin-int(l.manBits))
	}
	_, exp := math.Frexp(a)
	return math.Ldexp(1, exp-1-int(l.manBits))
}

// Encode converts v to the f bit pattern.
func (f Format) Encode(v float64) uint8 {
	l := f.layout()
	if math.IsNaN(v) {
		return l.nanCode
	}

	var sign uint8
	if math.Signbit(v) {
		sign = 0x80
		v = -v
	}
	if v == 0 {
		return sign
	}
	if v >= l.maxValue {
		return sign | l.maxCode
	}

	emin := 1 - l.bias
	implicit := 1 << l.manBits

	_, exp := math.Frexp(v)
	e := exp - 1
	if e < emin {
		quantum := math.Ldexp(1, emin-int(l.manBits))
		m := int(math.RoundToEven(v / quantum))
		if m >= implicit {
			// rounded up into the smallest normal
			return sign | 1<<l.manBits
		}
		return sign | uint8(m)
	}

	quantum := math.Ldexp(1, e-int(l.manBits))
	m := int(math.RoundToEven(v / quantum))
	if m == implicit<<1 {
		e++
		m = implicit
	}
	if float64(m)*math.Ldexp(1, e-int(l.manBits)) > l.maxValue {
		return sign | l.maxCode
	}
	biased := uint8(e + l.bias)
	return sign | biased<<l.manBits | uint8(m-implicit)
}

// Decode converts an f bit pattern back to float64.
func (f Format) Decode(b uint8) float64 {
	l := f.layout()
	neg := b&0x80 != 0
	expMask := uint8(1<<l.expBits - 1)
	manMask := uint8(1<<l.manBits - 1)
	exp := (b >> l.manBits) & expMask
	man := b & manMask

	var v float64
	switch {
	case exp == expMask && l.finite && man == manMask:
		return math.NaN()
	case exp == expMask && !l.finite:
		if man != 0 {
			return math.NaN()
		}
		v = math.Inf(1)
	case exp == 0:
		v = math.Ldexp(float64(man), 1-l.bias-int(l.manBits))
	default:
		v = math.Ldexp(float64(int(man)|1<<l.manBits), int(exp)-l.bias-int(l.manBits))
	}
	if neg {
		return -v
	}
	return v
}

// Round returns v rounded to the nearest value representable in f.
func (f Format) Round(v float64) float64 {
	return f.Decode(f.Encode(v))
}

// EncodeSlice encodes src into dst. dst must be at least len(src) long.
func (f Format) EncodeSlice(dst []uint8, src []float32) {
	dst = dst[:len(src)]
	for i, v := range src {
		dst[i] = f.Encode(float64(v))
	}
}

// DecodeSlice decodes src into dst. dst must be at least len(src) long.
func (f Format) DecodeSlice(dst []float32, src []uint8) {
	dst = dst[:len(src)]
	for i, b := range src {
		dst[i] = float32(f.Decode(b))
	}
}
