package layers

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samcharles93/slim/internal/observer"
	"github.com/samcharles93/slim/internal/safetensors"
	"github.com/samcharles93/slim/internal/tensor"
)

// Model runs its layers in order.
type Model struct {
	layers []Layer
}

func NewModel(layers ...Layer) *Model {
	return &Model{layers: layers}
}

func (m *Model) Layers() []Layer {
	return m.layers
}

func (m *Model) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, l := range m.layers {
		x, err = l.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.LayerName(), err)
		}
	}
	return x, nil
}

// Wrap returns a copy of the model with every Linear replaced by a
// QuantedLinear built from cfg. Other layers are shared.
func (m *Model) Wrap(cfg QuantConfig) *Model {
	out := make([]Layer, len(m.layers))
	for i, l := range m.layers {
		if lin, ok := l.(*Linear); ok {
			out[i] = NewQuantedLinear(lin, cfg)
			continue
		}
		out[i] = l
	}
	return &Model{layers: out}
}

// Observers collects the quanters of every QuantedLinear.
func (m *Model) Observers() map[string]*observer.Observer {
	out := make(map[string]*observer.Observer)
	for _, l := range m.layers {
		if q, ok := l.(*QuantedLinear); ok {
			for name, o := range q.Observers() {
				out[name] = o
			}
		}
	}
	return out
}

// SetFakeQuant toggles fake quantisation on every QuantedLinear.
func (m *Model) SetFakeQuant(on bool) {
	for _, l := range m.layers {
		if q, ok := l.(*QuantedLinear); ok {
			q.SetFakeQuant(on)
		}
	}
}

// SetObserve toggles range tracking on every QuantedLinear.
func (m *Model) SetObserve(on bool) {
	for _, l := range m.layers {
		if q, ok := l.(*QuantedLinear); ok {
			q.SetObserve(on)
		}
	}
}

// LoadMLP builds a Linear stack from "<layer>.weight" / "<layer>.bias"
// tensors, ordered by layer name with numeric suffixes compared as numbers
// (fc2 before fc10), with a ReLU between consecutive linears.
func LoadMLP(f *safetensors.File) (*Model, error) {
	var names []string
	for _, name := range f.Names() {
		info, _ := f.Tensor(name)
		if strings.HasSuffix(name, ".weight") && len(info.Shape) == 2 {
			names = append(names, strings.TrimSuffix(name, ".weight"))
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: no rank-2 .weight tensors", f.Path)
	}
	slices.SortFunc(names, compareLayerNames)

	var ls []Layer
	for i, name := range names {
		w, err := readTensor(f, name+".weight")
		if err != nil {
			return nil, err
		}
		var b *tensor.Tensor
		if _, ok := f.Tensor(name + ".bias"); ok {
			if b, err = readTensor(f, name+".bias"); err != nil {
				return nil, err
			}
		}
		lin, err := NewLinear(name, w, b)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			ls = append(ls, ReLU{Name: names[i-1] + ".relu"})
		}
		ls = append(ls, lin)
	}
	return NewModel(ls...), nil
}

func compareLayerNames(a, b string) int {
	pa, na, oka := splitIndex(a)
	pb, nb, okb := splitIndex(b)
	if oka && okb && pa == pb {
		return cmp.Compare(na, nb)
	}
	return strings.Compare(a, b)
}

// splitIndex splits "fc12" into ("fc", 12).
func splitIndex(name string) (string, int, bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return name, 0, false
	}
	return name[:i], n, true
}

func readTensor(f *safetensors.File, name string) (*tensor.Tensor, error) {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	return tensor.FromData(info.Shape, data)
}
