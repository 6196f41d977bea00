// Package calib runs post-training FP8 calibration: it feeds weights and
// calibration batches through observers, freezes the resulting scales,
// optionally evaluates the fake-quantised model and exports the report
// and the FP8 weights.
package calib

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/slim/internal/fp8"
	"github.com/samcharles93/slim/internal/logger"
	"github.com/samcharles93/slim/internal/observer"
	"github.com/samcharles93/slim/internal/tensor"
)

var ErrUnknownTensor = errors.New("unknown tensor")

// Session groups the observers of one calibration run, one per tensor
// position.
type Session struct {
	ID        string
	CreatedAt time.Time

	factory *observer.Factory
	log     logger.Logger

	mu        sync.Mutex
	observers map[string]*observer.Observer
	frozen    bool
}

func NewSession(factory *observer.Factory, log logger.Logger, now time.Time) *Session {
	if log == nil {
		log = logger.Discard()
	}
	id := "calib_" + uuid.NewString()
	return &Session{
		ID:        id,
		CreatedAt: now,
		factory:   factory,
		log:       log.With("session", id),
		observers: make(map[string]*observer.Observer),
	}
}

func (s *Session) Format() fp8.Format {
	return s.factory.Format()
}

// Observer returns the observer for name, creating it on first use.
func (s *Session) Observer(name string) *observer.Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.observers[name]; ok {
		return o
	}
	o := s.factory.New(name)
	if s.frozen {
		o.Freeze()
	}
	s.observers[name] = o
	return o
}

func (s *Session) Lookup(name string) (*observer.Observer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.observers[name]
	return o, ok
}

// Attach registers observers created elsewhere, such as the quanters of a
// wrapped model.
func (s *Session) Attach(obs map[string]*observer.Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, o := range obs {
		s.observers[name] = o
	}
}

// ObserveTensor folds t into the observer for name. Rejected input leaves
// the session as it was, without creating the observer.
func (s *Session) ObserveTensor(name string, t *tensor.Tensor) error {
	if err := observer.Check(name, t.Data); err != nil {
		return fmt.Errorf("observe %s: %w", name, err)
	}
	if _, err := s.Observer(name).Observe(t); err != nil {
		return fmt.Errorf("observe %s: %w", name, err)
	}
	return nil
}

// Freeze computes every scale and pins it.
func (s *Session) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.observers {
		o.ComputeScale()
		o.Freeze()
	}
	s.frozen = true
	s.log.Info("session frozen", "observers", len(s.observers))
}

func (s *Session) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// Quantization is the result of quantising a slice through a session
// observer.
type Quantization struct {
	Scale       float64   `json:"scale"`
	ZeroPoint   int       `json:"zero_point"`
	Quantized   []float32 `json:"quantized"`
	Dequantized []float32 `json:"dequantized"`
}

// Quantize runs values through the named observer's scale without
// observing them.
func (s *Session) Quantize(name string, values []float32) (Quantization, error) {
	o, ok := s.Lookup(name)
	if !ok {
		return Quantization{}, fmt.Errorf("%w: %s", ErrUnknownTensor, name)
	}
	t, err := tensor.FromData([]int{len(values)}, values)
	if err != nil {
		return Quantization{}, err
	}
	if idx := t.CheckFinite(); idx >= 0 {
		return Quantization{}, &observer.NonFiniteError{Observer: name, Index: idx, Value: values[idx]}
	}
	scale, zp := o.ComputeScale()
	return Quantization{
		Scale:       scale,
		ZeroPoint:   zp,
		Quantized:   o.QuantizeTensor(t).Data,
		Dequantized: o.FakeQuantTensor(t).Data,
	}, nil
}

// Report snapshots every observer, computing scales that are not cached.
func (s *Session) Report() Report {
	return s.report((*observer.Observer).Calibrate)
}

// Snapshot is Report without computing scales, for read-only views.
func (s *Session) Snapshot() Report {
	return s.report((*observer.Observer).Snapshot)
}

func (s *Session) report(stat func(*observer.Observer) observer.Stats) Report {
	s.mu.Lock()
	names := make([]string, 0, len(s.observers))
	for name := range s.observers {
		names = append(names, name)
	}
	obs := make([]*observer.Observer, len(names))
	sort.Strings(names)
	for i, name := range names {
		obs[i] = s.observers[name]
	}
	frozen := s.frozen
	s.mu.Unlock()

	stats := make([]observer.Stats, len(obs))
	for i, o := range obs {
		stats[i] = stat(o)
	}
	return Report{
		ID:        s.ID,
		Format:    s.Format().String(),
		CreatedAt: s.CreatedAt,
		Frozen:    frozen,
		Tensors:   stats,
	}
}
