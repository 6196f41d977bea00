// Package toy builds small random MLPs and calibration batches for trying
// out and testing the calibration pipeline without a real checkpoint.
package toy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/slim/internal/config"
	"github.com/samcharles93/slim/internal/layers"
	"github.com/samcharles93/slim/internal/safetensors"
	"github.com/samcharles93/slim/internal/tensor"
)

const (
	ModelFile    = "toy.safetensors"
	CalibFile    = "toy_calib.safetensors"
	StrategyFile = "toy_strategy.yaml"
)

// Spec describes a toy MLP. Dims lists the layer widths from input to
// output, so Dims = {4, 8, 2} gives fc1 [8x4] and fc2 [2x8].
type Spec struct {
	Dims      []int
	Seed      int64
	Batches   int
	BatchSize int
	// InputScale widens the calibration inputs relative to the weights.
	InputScale float32
}

func (s Spec) validate() error {
	if len(s.Dims) < 2 {
		return fmt.Errorf("toy: need at least two dims, got %v", s.Dims)
	}
	for _, d := range s.Dims {
		if d <= 0 {
			return fmt.Errorf("toy: invalid dims %v", s.Dims)
		}
	}
	if s.Batches < 0 || s.BatchSize <= 0 {
		return fmt.Errorf("toy: invalid batches %d x %d", s.Batches, s.BatchSize)
	}
	return nil
}

func layerName(i int) string {
	return fmt.Sprintf("fc%d", i+1)
}

// NewMLP builds the float model described by s. Weights are reproducible
// for a given seed; biases are small and non-zero.
func NewMLP(s Spec) (*layers.Model, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	var ls []layers.Layer
	for i := 0; i+1 < len(s.Dims); i++ {
		in, out := s.Dims[i], s.Dims[i+1]
		w := tensor.NewMat(out, in)
		tensor.FillRand(&w, s.Seed+int64(11*(i+1)), 2)
		b := tensor.NewMat(1, out)
		tensor.FillRand(&b, s.Seed+int64(23*(i+1)), 0.2)

		weight, err := tensor.FromData([]int{out, in}, w.Data)
		if err != nil {
			return nil, err
		}
		bias, err := tensor.FromData([]int{out}, b.Data)
		if err != nil {
			return nil, err
		}
		lin, err := layers.NewLinear(layerName(i), weight, bias)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			ls = append(ls, layers.ReLU{Name: layerName(i-1) + ".relu"})
		}
		ls = append(ls, lin)
	}
	return layers.NewModel(ls...), nil
}

// NewBatches returns s.Batches random inputs of shape [BatchSize, Dims[0]].
func NewBatches(s Spec) ([]*tensor.Tensor, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	scale := s.InputScale
	if scale == 0 {
		scale = 4
	}
	out := make([]*tensor.Tensor, s.Batches)
	for i := range out {
		m := tensor.NewMat(s.BatchSize, s.Dims[0])
		tensor.FillRand(&m, s.Seed+1000+int64(i), scale)
		t, err := tensor.FromData([]int{s.BatchSize, s.Dims[0]}, m.Data)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

// Files are the paths written by Write.
type Files struct {
	Model    string
	Calib    string
	Strategy string
}

// Write stores the toy model, its calibration batches and a strategy file
// pointing at both in dir.
func Write(dir string, s Spec) (Files, error) {
	model, err := NewMLP(s)
	if err != nil {
		return Files{}, err
	}
	batches, err := NewBatches(s)
	if err != nil {
		return Files{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Files{}, err
	}
	files := Files{
		Model:    filepath.Join(dir, ModelFile),
		Calib:    filepath.Join(dir, CalibFile),
		Strategy: filepath.Join(dir, StrategyFile),
	}

	var weights []safetensors.WriteTensor
	for _, l := range model.Layers() {
		lin, ok := l.(*layers.Linear)
		if !ok {
			continue
		}
		weights = append(weights,
			safetensors.F32Tensor(lin.Name+".weight", lin.Weight.Shape, lin.Weight.Data),
			safetensors.F32Tensor(lin.Name+".bias", lin.Bias.Shape, lin.Bias.Data),
		)
	}
	if err := safetensors.Write(files.Model, weights, map[string]string{"source": "toy"}); err != nil {
		return Files{}, err
	}

	calib := make([]safetensors.WriteTensor, len(batches))
	for i, b := range batches {
		calib[i] = safetensors.F32Tensor(fmt.Sprintf("batch_%03d", i), b.Shape, b.Data)
	}
	if err := safetensors.Write(files.Calib, calib, nil); err != nil {
		return Files{}, err
	}

	strategy := config.Config{
		Global:       &config.Global{ModelPath: files.Model},
		Quantization: config.Quantization{Format: "e4m3"},
	}
	if s.Batches > 0 {
		strategy.Global.CalibPath = files.Calib
		eval := true
		strategy.Global.Eval = &eval
	}
	body, err := yaml.Marshal(strategy)
	if err != nil {
		return Files{}, err
	}
	if err := os.WriteFile(files.Strategy, body, 0o644); err != nil {
		return Files{}, err
	}
	return files, nil
}
