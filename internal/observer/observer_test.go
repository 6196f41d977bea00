package observer

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/samcharles93/slim/internal/fp8"
	"github.com/samcharles93/slim/internal/logger"
	"github.com/samcharles93/slim/internal/tensor"
)

func vec(values ...float32) *tensor.Tensor {
	return tensor.MustFromData([]int{len(values)}, values)
}

func TestNewObserverInitialState(t *testing.T) {
	t.Parallel()

	o := New("fc1.weight", fp8.E4M3, nil)
	if o.MaxValue() != Epsilon {
		t.Fatalf("expected running max %v, got %v", Epsilon, o.MaxValue())
	}
	if _, ok := o.CachedScale(); ok {
		t.Fatal("expected no cached scale before computation")
	}
	if o.State() != Uninitialized {
		t.Fatalf("expected uninitialized, got %v", o.State())
	}
	if o.BitLength() != 8 || o.QuantAxis() != -1 || o.MinValue() != 0 {
		t.Fatalf("unexpected static properties: bits=%d axis=%d min=%v", o.BitLength(), o.QuantAxis(), o.MinValue())
	}
}

func TestQRange(t *testing.T) {
	t.Parallel()

	qMin, qMax := New("a", fp8.E4M3, nil).QRange()
	if qMin != -448 || qMax != 448 {
		t.Fatalf("e4m3 range: got [%v, %v]", qMin, qMax)
	}
	qMin, qMax = New("b", fp8.E5M2, nil).QRange()
	if qMin != -57344 || qMax != 57344 {
		t.Fatalf("e5m2 range: got [%v, %v]", qMin, qMax)
	}
}

func TestObserveReturnsInputUnchanged(t *testing.T) {
	t.Parallel()

	o := New("act", fp8.E4M3, nil)
	in := vec(1, -2, 3)
	out, err := o.Observe(in)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if out != in {
		t.Fatal("Observe should return the same tensor")
	}
	if in.Data[1] != -2 {
		t.Fatalf("input mutated: %v", in.Data)
	}
	if o.State() != Observing {
		t.Fatalf("expected observing, got %v", o.State())
	}
}

func TestRunningMaxIsMonotonic(t *testing.T) {
	t.Parallel()

	o := New("act", fp8.E4M3, nil)
	batches := [][]float32{
		{0.5, -0.25},
		{-3, 2},
		{1, 1},
		{0},
		{2.5, -2.9},
	}
	prev := o.MaxValue()
	for _, b := range batches {
		if err := o.ObserveValues(b); err != nil {
			t.Fatalf("ObserveValues: %v", err)
		}
		cur := o.MaxValue()
		if cur < prev {
			t.Fatalf("running max decreased from %v to %v", prev, cur)
		}
		prev = cur
	}
	if o.MaxValue() != 3 {
		t.Fatalf("expected running max 3, got %v", o.MaxValue())
	}
	if o.Observations() != len(batches) {
		t.Fatalf("expected %d observations, got %d", len(batches), o.Observations())
	}
}

func TestRunningMaxKeepsEpsilonFloor(t *testing.T) {
	t.Parallel()

	o := New("zeros", fp8.E4M3, nil)
	if err := o.ObserveValues([]float32{0, 0, 0}); err != nil {
		t.Fatalf("ObserveValues: %v", err)
	}
	if o.MaxValue() != Epsilon {
		t.Fatalf("expected epsilon floor, got %v", o.MaxValue())
	}
}

func TestComputeScaleE4M3(t *testing.T) {
	t.Parallel()

	o := New("w", fp8.E4M3, nil)
	if _, err := o.Observe(vec(-10, 3)); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	scale, zp := o.ComputeScale()
	if scale != 44.8 {
		t.Fatalf("expected scale 44.8, got %v", scale)
	}
	if zp != 0 {
		t.Fatalf("expected zero point 0, got %d", zp)
	}
	if o.State() != Calibrated {
		t.Fatalf("expected calibrated, got %v", o.State())
	}
}

func TestComputeScaleE5M2(t *testing.T) {
	t.Parallel()

	o := New("w", fp8.E5M2, nil)
	if _, err := o.Observe(vec(100, -42)); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if scale := o.Scale(); scale != 573.44 {
		t.Fatalf("expected scale 573.44, got %v", scale)
	}
	if o.ZeroPoint() != 0 {
		t.Fatalf("expected zero point 0, got %d", o.ZeroPoint())
	}
}

func TestComputeScaleBeforeObserveIsFinite(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	o := New("early", fp8.E4M3, logger.JSON(&buf, slog.LevelWarn))
	scale, zp := o.ComputeScale()
	if math.IsInf(scale, 0) || math.IsNaN(scale) {
		t.Fatalf("expected finite scale, got %v", scale)
	}
	if scale != 448/Epsilon {
		t.Fatalf("expected %v, got %v", 448/Epsilon, scale)
	}
	if zp != 0 {
		t.Fatalf("expected zero point 0, got %d", zp)
	}
	if !strings.Contains(buf.String(), "provisional") {
		t.Fatalf("expected provisional-scale warning, got: %s", buf.String())
	}
}

func TestComputeScaleIsCached(t *testing.T) {
	t.Parallel()

	o := New("w", fp8.E4M3, nil)
	if err := o.ObserveValues([]float32{7}); err != nil {
		t.Fatalf("ObserveValues: %v", err)
	}
	s1, z1 := o.ComputeScale()
	s2, z2 := o.ComputeScale()
	if s1 != s2 || z1 != z2 {
		t.Fatalf("expected identical pairs, got (%v,%d) and (%v,%d)", s1, z1, s2, z2)
	}

	// A smaller batch does not move the max, so the cache survives.
	if err := o.ObserveValues([]float32{1}); err != nil {
		t.Fatalf("ObserveValues: %v", err)
	}
	if cached, ok := o.CachedScale(); !ok || cached != s1 {
		t.Fatalf("expected cached scale %v, got %v (ok=%v)", s1, cached, ok)
	}
}

func TestLargerObservationRecomputesScale(t *testing.T) {
	t.Parallel()

	o := New("act", fp8.E4M3, nil)
	if err := o.ObserveValues([]float32{5}); err != nil {
		t.Fatalf("ObserveValues: %v", err)
	}
	s1 := o.Scale()
	if err := o.ObserveValues([]float32{-50}); err != nil {
		t.Fatalf("ObserveValues: %v", err)
	}
	if o.State() != Observing {
		t.Fatalf("expected observing after max grew, got %v", o.State())
	}
	s2 := o.Scale()
	if s1 != 448.0/5 {
		t.Fatalf("expected first scale %v, got %v", 448.0/5, s1)
	}
	if s2 != 448.0/50 {
		t.Fatalf("expected recomputed scale %v, got %v", 448.0/50, s2)
	}
}

func TestFrozenObserverKeepsStaleScale(t *testing.T) {
	t.Parallel()

	o := New("act", fp8.E4M3, nil)
	if err := o.ObserveValues([]float32{5}); err != nil {
		t.Fatalf("ObserveValues: %v", err)
	}
	s1 := o.Scale()
	o.Freeze()
	if err := o.ObserveValues([]float32{50}); err != nil {
		t.Fatalf("ObserveValues: %v", err)
	}
	if o.MaxValue() != 50 {
		t.Fatalf("running max should still update while frozen, got %v", o.MaxValue())
	}
	if s2 := o.Scale(); s2 != s1 {
		t.Fatalf("frozen observer should keep scale %v, got %v", s1, s2)
	}

	o.Invalidate()
	if s3 := o.Scale(); s3 != 448.0/50 {
		t.Fatalf("expected invalidated scale %v, got %v", 448.0/50, s3)
	}
	if !o.Frozen() {
		t.Fatal("Invalidate should not leave frozen mode")
	}

	o.Unfreeze()
	if err := o.ObserveValues([]float32{100}); err != nil {
		t.Fatalf("ObserveValues: %v", err)
	}
	if _, ok := o.CachedScale(); ok {
		t.Fatal("expected cache dropped after unfreeze and larger observation")
	}
}

func TestUnfreezeDropsScaleOutgrownWhileFrozen(t *testing.T) {
	t.Parallel()

	o := New("act", fp8.E4M3, nil)
	if err := o.ObserveValues([]float32{4}); err != nil {
		t.Fatalf("ObserveValues: %v", err)
	}
	o.Freeze()
	if s := o.Scale(); s != 112 {
		t.Fatalf("expected pinned scale 112, got %v", s)
	}
	if err := o.ObserveValues([]float32{8}); err != nil {
		t.Fatalf("ObserveValues: %v", err)
	}

	o.Unfreeze()
	if _, ok := o.CachedScale(); ok {
		t.Fatal("expected the outgrown scale to be dropped on unfreeze")
	}
	if s := o.Scale(); s != 56 {
		t.Fatalf("expected scale 56 from the current max, got %v", s)
	}

	// A pinned scale that still matches the range survives a freeze cycle.
	o.Freeze()
	if err := o.ObserveValues([]float32{1}); err != nil {
		t.Fatalf("ObserveValues: %v", err)
	}
	o.Unfreeze()
	if s, ok := o.CachedScale(); !ok || s != 56 {
		t.Fatalf("expected cached scale 56, got %v (cached=%v)", s, ok)
	}
}

func TestObserveRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	o := New("act", fp8.E4M3, nil)
	if err := o.ObserveValues([]float32{2}); err != nil {
		t.Fatalf("ObserveValues: %v", err)
	}

	empty, _ := tensor.New(0, 3)
	if _, err := o.Observe(empty); !errors.Is(err, ErrEmptyTensor) {
		t.Fatalf("expected ErrEmptyTensor, got %v", err)
	}

	_, err := o.Observe(vec(1, float32(math.NaN()), 1000))
	if !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected ErrNonFinite, got %v", err)
	}
	var nfe *NonFiniteError
	if !errors.As(err, &nfe) || nfe.Index != 1 || nfe.Observer != "act" {
		t.Fatalf("expected NonFiniteError at index 1, got %#v", err)
	}

	if _, err := o.Observe(vec(float32(math.Inf(1)))); !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected ErrNonFinite for +Inf, got %v", err)
	}

	if o.MaxValue() != 2 || o.Observations() != 1 {
		t.Fatalf("rejected input mutated state: max=%v observations=%d", o.MaxValue(), o.Observations())
	}
}

func TestQuantizeRoundTripBound(t *testing.T) {
	t.Parallel()

	for _, f := range []fp8.Format{fp8.E4M3, fp8.E5M2} {
		o := New("w", f, nil)
		if err := o.ObserveValues([]float32{-3.7, 2.2}); err != nil {
			t.Fatalf("ObserveValues: %v", err)
		}
		scale := o.Scale()
		for v := -3.7; v <= 3.7; v += 0.013 {
			q := o.Quantize(v)
			back := o.Dequantize(q)
			step := f.Spacing(v*scale) / scale
			if diff := math.Abs(back - v); diff > step {
				t.Fatalf("%v: value %v recovered as %v, error %v exceeds step %v", f, v, back, diff, step)
			}
		}
	}
}

func TestQuantizeClampsOutOfRange(t *testing.T) {
	t.Parallel()

	o := New("w", fp8.E4M3, nil)
	if err := o.ObserveValues([]float32{1}); err != nil {
		t.Fatalf("ObserveValues: %v", err)
	}
	if q := o.Quantize(10); q != 448 {
		t.Fatalf("expected clamp to 448, got %v", q)
	}
	if q := o.Quantize(-10); q != -448 {
		t.Fatalf("expected clamp to -448, got %v", q)
	}
	if q := o.Quantize(1); q != 448 {
		t.Fatalf("running max should map to qMax, got %v", q)
	}
}

func TestTensorQuantization(t *testing.T) {
	t.Parallel()

	o := New("w", fp8.E4M3, nil)
	x := vec(-2, 0.5, 2)
	if _, err := o.Observe(x); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	q := o.QuantizeTensor(x)
	if q.Data[0] != -448 || q.Data[1] != 112 || q.Data[2] != 448 {
		t.Fatalf("unexpected quantised values %v", q.Data)
	}

	fq := o.FakeQuantTensor(x)
	for i := range x.Data {
		if fq.Data[i] != x.Data[i] {
			t.Fatalf("exactly representable value %v changed to %v", x.Data[i], fq.Data[i])
		}
	}

	codes, scale := o.EncodeTensor(x)
	if scale != 224 {
		t.Fatalf("expected scale 224, got %v", scale)
	}
	if codes[0] != 0xFE || codes[2] != 0x7E {
		t.Fatalf("unexpected codes %#v", codes)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	o := New("w", fp8.E4M3, nil)
	_ = o.ObserveValues([]float32{9})
	o.ComputeScale()
	o.Reset()
	if o.State() != Uninitialized || o.MaxValue() != Epsilon {
		t.Fatalf("reset did not restore initial state: %+v", o.Snapshot())
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	o := New("fc.weight", fp8.E4M3, nil)
	_ = o.ObserveValues([]float32{4})
	st := o.Snapshot()
	if st.Scale != nil || st.State != "observing" {
		t.Fatalf("snapshot should not compute a scale: %+v", st)
	}
	st = o.Calibrate()
	if st.Scale == nil || *st.Scale != 112 || st.ZeroPoint == nil || *st.ZeroPoint != 0 {
		t.Fatalf("unexpected calibrated snapshot: %+v", st)
	}
	if st.Name != "fc.weight" || st.Format != "e4m3" || st.State != "calibrated" {
		t.Fatalf("unexpected snapshot metadata: %+v", st)
	}
}

func TestConcurrentObserveNoLostUpdates(t *testing.T) {
	t.Parallel()

	o := New("act", fp8.E4M3, nil)
	const workers = 16
	var wg sync.WaitGroup
	for i := 1; i <= workers; i++ {
		wg.Add(1)
		go func(v float32) {
			defer wg.Done()
			for range 100 {
				_ = o.ObserveValues([]float32{v, -v / 2})
			}
		}(float32(i))
	}
	wg.Wait()

	if o.MaxValue() != workers {
		t.Fatalf("expected running max %d, got %v", workers, o.MaxValue())
	}
	if o.Observations() != workers*100 {
		t.Fatalf("expected %d observations, got %d", workers*100, o.Observations())
	}
}

func TestFactory(t *testing.T) {
	t.Parallel()

	f := NewFactory(Config{Format: fp8.E5M2, Frozen: true})
	a := f.New("fc1.weight_quanter")
	b := f.New("fc1.activation_quanter")
	if a == b {
		t.Fatal("factory should create distinct observers")
	}
	if a.Format() != fp8.E5M2 || f.Format() != fp8.E5M2 {
		t.Fatalf("unexpected format %v", a.Format())
	}
	if !a.Frozen() || !b.Frozen() {
		t.Fatal("observers should inherit frozen mode")
	}
	_ = a.ObserveValues([]float32{3})
	if b.MaxValue() != Epsilon {
		t.Fatal("observers should not share state")
	}
}
