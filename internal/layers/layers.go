// Package layers provides the float linear layer, its FP8 quantised
// replacement and a sequential model that can swap one for the other.
package layers

import (
	"fmt"

	"github.com/samcharles93/slim/internal/observer"
	"github.com/samcharles93/slim/internal/tensor"
)

// Layer is a named forward computation.
type Layer interface {
	LayerName() string
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// Linear computes x·Weightᵀ + Bias. Weight has shape [out, in]; Bias is
// optional with shape [out].
type Linear struct {
	Name   string
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

func NewLinear(name string, weight, bias *tensor.Tensor) (*Linear, error) {
	if weight == nil || weight.Rank() != 2 {
		return nil, fmt.Errorf("linear %s: weight must be rank 2", name)
	}
	if bias != nil && (bias.Rank() != 1 || bias.Shape[0] != weight.Shape[0]) {
		return nil, fmt.Errorf("linear %s: bias shape %v does not match %d outputs", name, bias.Shape, weight.Shape[0])
	}
	return &Linear{Name: name, Weight: weight, Bias: bias}, nil
}

func (l *Linear) LayerName() string { return l.Name }

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(x, l.Weight, l.Bias)
}

// ReLU is the rectifier activation.
type ReLU struct {
	Name string
}

func (r ReLU) LayerName() string { return r.Name }

func (r ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLU(x), nil
}

// QuantConfig selects the observer factories used for weights and
// activations. A nil factory leaves that operand in floating point.
type QuantConfig struct {
	Weight     *observer.Factory
	Activation *observer.Factory
	// FakeQuant rounds observed operands through FP8 before the matmul so
	// the output carries the quantisation error.
	FakeQuant bool
}

// QuanterBinding pairs a parameter with the attribute holding its quanter.
type QuanterBinding struct {
	Param   string
	Quanter string
}

// QuantedLinear computes the same function as Linear, with its input and
// weight routed through observers first.
type QuantedLinear struct {
	Name              string
	Weight            *tensor.Tensor
	Bias              *tensor.Tensor
	WeightQuanter     *observer.Observer
	ActivationQuanter *observer.Observer
	fakeQuant         bool
	noObserve         bool
}

func NewQuantedLinear(l *Linear, cfg QuantConfig) *QuantedLinear {
	q := &QuantedLinear{
		Name:      l.Name,
		Weight:    l.Weight,
		Bias:      l.Bias,
		fakeQuant: cfg.FakeQuant,
	}
	if cfg.Weight != nil {
		q.WeightQuanter = cfg.Weight.New(l.Name + ".weight_quanter")
	}
	if cfg.Activation != nil {
		q.ActivationQuanter = cfg.Activation.New(l.Name + ".activation_quanter")
	}
	return q
}

func (q *QuantedLinear) LayerName() string { return q.Name }

func (q *QuantedLinear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	input, err := q.quant(q.ActivationQuanter, x)
	if err != nil {
		return nil, fmt.Errorf("%s: activation: %w", q.Name, err)
	}
	weight, err := q.quant(q.WeightQuanter, q.Weight)
	if err != nil {
		return nil, fmt.Errorf("%s: weight: %w", q.Name, err)
	}
	return tensor.Linear(input, weight, q.Bias)
}

func (q *QuantedLinear) quant(o *observer.Observer, t *tensor.Tensor) (*tensor.Tensor, error) {
	if o == nil {
		return t, nil
	}
	if !q.noObserve {
		var err error
		if t, err = o.Observe(t); err != nil {
			return nil, err
		}
	}
	if q.fakeQuant {
		return o.FakeQuantTensor(t), nil
	}
	return t, nil
}

// SetFakeQuant toggles rounding of observed operands through FP8.
func (q *QuantedLinear) SetFakeQuant(on bool) {
	q.fakeQuant = on
}

// SetObserve toggles range tracking. With it off the quanters only apply
// their current scales, so evaluation passes leave the ranges untouched.
func (q *QuantedLinear) SetObserve(on bool) {
	q.noObserve = !on
}

// WeightsToQuanters lists the parameters that have a weight quanter.
func (q *QuantedLinear) WeightsToQuanters() []QuanterBinding {
	return []QuanterBinding{{Param: "weight", Quanter: "weight_quanter"}}
}

// ActivationQuanters lists the activation quanter attributes.
func (q *QuantedLinear) ActivationQuanters() []string {
	return []string{"activation_quanter"}
}

// Observers returns the non-nil quanters keyed by their observer name.
func (q *QuantedLinear) Observers() map[string]*observer.Observer {
	out := make(map[string]*observer.Observer, 2)
	if q.WeightQuanter != nil {
		out[q.WeightQuanter.Name()] = q.WeightQuanter
	}
	if q.ActivationQuanter != nil {
		out[q.ActivationQuanter.Name()] = q.ActivationQuanter
	}
	return out
}
