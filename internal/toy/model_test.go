package toy

import (
	"context"
	"math"
	"testing"

	"github.com/samcharles93/slim/internal/calib"
	"github.com/samcharles93/slim/internal/config"
	"github.com/samcharles93/slim/internal/layers"
	"github.com/samcharles93/slim/internal/safetensors"
)

func TestNewMLPIsDeterministic(t *testing.T) {
	t.Parallel()

	s := Spec{Dims: []int{4, 8, 3}, Seed: 5, Batches: 2, BatchSize: 3}
	a, err := NewMLP(s)
	if err != nil {
		t.Fatalf("NewMLP: %v", err)
	}
	b, _ := NewMLP(s)
	if len(a.Layers()) != 3 {
		t.Fatalf("expected linear, relu, linear; got %d layers", len(a.Layers()))
	}
	wa := a.Layers()[2].(*layers.Linear).Weight
	wb := b.Layers()[2].(*layers.Linear).Weight
	if wa.Shape[0] != 3 || wa.Shape[1] != 8 {
		t.Fatalf("unexpected fc2 shape %v", wa.Shape)
	}
	for i := range wa.Data {
		if wa.Data[i] != wb.Data[i] {
			t.Fatalf("weights differ at %d", i)
		}
	}

	batches, err := NewBatches(s)
	if err != nil {
		t.Fatalf("NewBatches: %v", err)
	}
	y, err := a.Forward(batches[0])
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if y.Shape[0] != 3 || y.Shape[1] != 3 {
		t.Fatalf("unexpected output shape %v", y.Shape)
	}
}

func TestSpecValidation(t *testing.T) {
	t.Parallel()

	for _, s := range []Spec{
		{Dims: []int{4}, BatchSize: 1},
		{Dims: []int{4, 0}, BatchSize: 1},
		{Dims: []int{4, 2}, BatchSize: 0},
	} {
		if _, err := NewMLP(s); err == nil {
			t.Fatalf("expected error for %+v", s)
		}
	}
}

func TestWriteRunsThroughPipeline(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files, err := Write(dir, Spec{Dims: []int{6, 16, 4}, Seed: 7, Batches: 4, BatchSize: 8})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := safetensors.Open(files.Model)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(f.Names()) != 4 {
		t.Fatalf("expected 4 tensors, got %v", f.Names())
	}
	_ = f.Close()

	cfg, err := config.Load(files.Strategy)
	if err != nil {
		t.Fatalf("load strategy: %v", err)
	}
	res, err := (&calib.Pipeline{Config: cfg}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Report.Eval == nil {
		t.Fatal("expected evaluation")
	}
	// FP8 E4M3 keeps roughly two significant decimal digits; on a small
	// random MLP the output error stays far below the output magnitude.
	if v := res.Report.Eval.Value; math.IsNaN(v) || v <= 0 || v > 0.5 {
		t.Fatalf("unexpected reconstruction mse %v", v)
	}
}
