// Package observer tracks the running absolute maximum of the tensors that
// flow through a quantised layer and derives the symmetric FP8 scale used to
// quantise them.
//
// An Observer moves through three states:
//
//	Uninitialized --Observe--> Observing --ComputeScale--> Calibrated
//
// While the observer is not frozen, an observation that raises the running
// maximum drops the cached scale and returns it to Observing. After Freeze
// the cached scale is kept even if later observations raise the maximum;
// Invalidate drops it explicitly in either mode.
package observer

import (
	"fmt"
	"math"
	"sync"

	"github.com/samcharles93/slim/internal/fp8"
	"github.com/samcharles93/slim/internal/logger"
	"github.com/samcharles93/slim/internal/tensor"
)

const (
	// Epsilon is the floor of the running maximum. It keeps qMax/absMax
	// finite before any data has been observed.
	Epsilon = 1e-7

	// QuantBits is the storage width of the FP8 formats.
	QuantBits = 8

	// QuantAxis is the axis scales are reported for. Scales are per-tensor,
	// so this is informational and follows the last-axis convention.
	QuantAxis = -1
)

type State int

const (
	Uninitialized State = iota
	Observing
	Calibrated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Observing:
		return "observing"
	case Calibrated:
		return "calibrated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Observer is safe for concurrent use.
type Observer struct {
	name   string
	format fp8.Format
	log    logger.Logger

	mu           sync.Mutex
	runningMax   float64
	observations int
	frozen       bool
	grewFrozen   bool // max rose past a pinned scale
	calibrated   bool
	scale        float64
	zeroPoint    int
}

// New returns an observer for the given format. A nil logger discards.
func New(name string, format fp8.Format, log logger.Logger) *Observer {
	if !format.Valid() {
		panic(fmt.Sprintf("observer: invalid format %v", format))
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Observer{
		name:       name,
		format:     format,
		log:        log.With("observer", name, "format", format.String()),
		runningMax: Epsilon,
	}
}

func (o *Observer) Name() string       { return o.name }
func (o *Observer) Format() fp8.Format { return o.format }

// Observe folds the absolute maximum of t into the running maximum and
// returns t unchanged. Empty tensors and tensors holding NaN or ±Inf are
// rejected without touching the observer state.
func (o *Observer) Observe(t *tensor.Tensor) (*tensor.Tensor, error) {
	if err := o.ObserveValues(t.Data); err != nil {
		return nil, err
	}
	return t, nil
}

// ObserveValues is Observe for a flat slice.
func (o *Observer) ObserveValues(values []float32) error {
	batchMax, err := batchAbsMax(o.name, values)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.observations++
	if batchMax > o.runningMax {
		o.runningMax = batchMax
		switch {
		case o.calibrated && o.frozen:
			o.grewFrozen = true
		case o.calibrated:
			o.calibrated = false
		}
	}
	return nil
}

// Check returns the error ObserveValues would give an observer called name
// for values, without needing the observer.
func Check(name string, values []float32) error {
	_, err := batchAbsMax(name, values)
	return err
}

func batchAbsMax(name string, values []float32) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrEmptyTensor, name)
	}
	var m float64
	for i, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, &NonFiniteError{Observer: name, Index: i, Value: v}
		}
		m = max(m, math.Abs(f))
	}
	return m, nil
}

// QRange returns the representable range of the configured format.
func (o *Observer) QRange() (qMin, qMax float64) {
	m := o.format.Max()
	return -m, m
}

// ComputeScale returns the cached (scale, zeroPoint) pair, computing it
// from the running maximum when nothing is cached.
func (o *Observer) ComputeScale() (float64, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.computeLocked()
}

func (o *Observer) computeLocked() (float64, int) {
	if o.calibrated {
		return o.scale, o.zeroPoint
	}
	if o.observations == 0 {
		o.log.Warn("computing scale before any observation; result is provisional", "running_max", o.runningMax)
	}
	_, qMax := o.QRange()
	// Only magnitudes are tracked, so the range folded to include zero is
	// [-runningMax, runningMax].
	absMax := math.Max(o.runningMax, 0)
	o.scale = qMax / absMax
	o.zeroPoint = 0
	o.calibrated = true
	o.log.Debug("scale computed", "running_max", o.runningMax, "scale", o.scale)
	return o.scale, o.zeroPoint
}

// Scale returns the scale, computing it if needed.
func (o *Observer) Scale() float64 {
	s, _ := o.ComputeScale()
	return s
}

// ZeroPoint returns the zero point, computing the scale if needed. It is
// always 0.
func (o *Observer) ZeroPoint() int {
	_, z := o.ComputeScale()
	return z
}

// CachedScale returns the cached scale without computing one.
func (o *Observer) CachedScale() (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.scale, o.calibrated
}

func (o *Observer) BitLength() int { return QuantBits }
func (o *Observer) QuantAxis() int { return QuantAxis }

// MinValue is the tracked floating point minimum. Ranges are folded to be
// symmetric, so it is always 0.
func (o *Observer) MinValue() float64 { return 0 }

// MaxValue returns the running absolute maximum.
func (o *Observer) MaxValue() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runningMax
}

// Observations returns how many tensors have been folded in.
func (o *Observer) Observations() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.observations
}

func (o *Observer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked()
}

func (o *Observer) stateLocked() State {
	switch {
	case o.calibrated:
		return Calibrated
	case o.observations == 0:
		return Uninitialized
	default:
		return Observing
	}
}

// Freeze pins the cached scale: later observations keep updating the
// running maximum but no longer drop the cache.
func (o *Observer) Freeze() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frozen = true
}

// Unfreeze leaves frozen mode. If the maximum rose while frozen the pinned
// scale is dropped, so the next query reflects the current range.
func (o *Observer) Unfreeze() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frozen = false
	if o.grewFrozen {
		o.calibrated = false
		o.grewFrozen = false
	}
}

func (o *Observer) Frozen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frozen
}

// Invalidate drops the cached scale so the next query recomputes it.
func (o *Observer) Invalidate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calibrated = false
	o.grewFrozen = false
}

// Reset returns the observer to Uninitialized.
func (o *Observer) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runningMax = Epsilon
	o.observations = 0
	o.calibrated = false
	o.grewFrozen = false
	o.scale = 0
	o.zeroPoint = 0
}

// Quantize maps v into the FP8 domain: clamp(v*scale, qMin, qMax) rounded
// to the nearest representable value.
func (o *Observer) Quantize(v float64) float64 {
	scale := o.Scale()
	qMin, qMax := o.QRange()
	return o.format.Round(min(max(v*scale, qMin), qMax))
}

// Dequantize maps a quantised value back to the floating point domain.
func (o *Observer) Dequantize(q float64) float64 {
	return q / o.Scale()
}

// QuantizeTensor returns a tensor of FP8-domain values for t.
func (o *Observer) QuantizeTensor(t *tensor.Tensor) *tensor.Tensor {
	scale := o.Scale()
	qMin, qMax := o.QRange()
	return t.Map(func(v float32) float32 {
		return float32(o.format.Round(min(max(float64(v)*scale, qMin), qMax)))
	})
}

// EncodeTensor returns the FP8 bit patterns for t together with the scale
// that was used.
func (o *Observer) EncodeTensor(t *tensor.Tensor) ([]uint8, float64) {
	scale := o.Scale()
	qMin, qMax := o.QRange()
	out := make([]uint8, len(t.Data))
	for i, v := range t.Data {
		out[i] = o.format.Encode(min(max(float64(v)*scale, qMin), qMax))
	}
	return out, scale
}

// FakeQuantTensor quantises and immediately dequantises t, so the result
// carries the FP8 rounding error in the original units.
func (o *Observer) FakeQuantTensor(t *tensor.Tensor) *tensor.Tensor {
	scale := o.Scale()
	qMin, qMax := o.QRange()
	return t.Map(func(v float32) float32 {
		q := o.format.Round(min(max(float64(v)*scale, qMin), qMax))
		return float32(q / scale)
	})
}

// Stats is a point-in-time snapshot of an observer.
type Stats struct {
	Name         string   `json:"name"`
	Format       string   `json:"format"`
	State        string   `json:"state"`
	RunningMax   float64  `json:"running_max"`
	Scale        *float64 `json:"scale,omitempty"`
	ZeroPoint    *int     `json:"zero_point,omitempty"`
	BitLength    int      `json:"bit_length"`
	QuantAxis    int      `json:"quant_axis"`
	Observations int      `json:"observations"`
	Frozen       bool     `json:"frozen"`
}

// Snapshot reports the observer state without computing a scale.
func (o *Observer) Snapshot() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Stats{
		Name:         o.name,
		Format:       o.format.String(),
		State:        o.stateLocked().String(),
		RunningMax:   o.runningMax,
		BitLength:    QuantBits,
		QuantAxis:    QuantAxis,
		Observations: o.observations,
		Frozen:       o.frozen,
	}
	if o.calibrated {
		scale, zp := o.scale, o.zeroPoint
		st.Scale = &scale
		st.ZeroPoint = &zp
	}
	return st
}

// Calibrate computes the scale if needed and returns the snapshot.
func (o *Observer) Calibrate() Stats {
	o.mu.Lock()
	o.computeLocked()
	o.mu.Unlock()
	return o.Snapshot()
}
