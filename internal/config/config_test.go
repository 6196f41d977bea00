package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/slim/internal/fp8"
)

func TestLoadFullConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "strategy.yaml")
	data := `
Global:
  model_path: ./model.safetensors
  calib_path: ./calib.safetensors
  save_dir: ./out
  eval: true
Quantization:
  format: float8_e5m2
  fake_quant: false
  freeze: false
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Global.ModelPath != "./model.safetensors" || cfg.Global.SaveDir != "./out" || !cfg.Evaluate() {
		t.Fatalf("unexpected global section %+v", cfg.Global)
	}
	f, err := cfg.Format()
	if err != nil || f != fp8.E5M2 {
		t.Fatalf("expected e5m2, got %v (%v)", f, err)
	}
	if !cfg.QuantizeWeights() || !cfg.QuantizeActivations() {
		t.Fatal("expected weights and activations enabled by default")
	}
	if cfg.FakeQuant() || cfg.Freeze() {
		t.Fatal("expected explicit false values to be honoured")
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("Global:\n  model_path: m.safetensors\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	f, _ := cfg.Format()
	if f != fp8.E4M3 {
		t.Fatalf("expected default e4m3, got %v", f)
	}
	if cfg.QuantizeActivations() {
		t.Fatal("activations should default off without calibration data")
	}
	if !cfg.QuantizeWeights() || !cfg.FakeQuant() || !cfg.Freeze() {
		t.Fatal("unexpected defaults")
	}
}

func TestValidationErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		yaml string
		want error
	}{
		"missing global": {
			yaml: "Quantization:\n  format: e4m3\n",
			want: ErrMissingGlobal,
		},
		"missing model path": {
			yaml: "Global:\n  save_dir: out\n",
			want: ErrInvalid,
		},
		"unknown format": {
			yaml: "Global:\n  model_path: m\nQuantization:\n  format: e3m4\n",
			want: ErrInvalid,
		},
		"nothing to quantize": {
			yaml: "Global:\n  model_path: m\nQuantization:\n  weight: false\n",
			want: ErrInvalid,
		},
		"activations without data": {
			yaml: "Global:\n  model_path: m\nQuantization:\n  activation: true\n",
			want: ErrInvalid,
		},
	}
	for name, tc := range tests {
		if _, err := Parse([]byte(tc.yaml)); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", name, tc.want, err)
		}
	}
}

func TestParseMalformedYAML(t *testing.T) {
	t.Parallel()
	if _, err := Parse([]byte("Global: [unterminated")); err == nil {
		t.Fatal("expected YAML error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestEvalExplicitFalse(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("Global:\n  model_path: m.safetensors\n  eval: false\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Global.Eval == nil || cfg.Evaluate() {
		t.Fatalf("explicit eval: false lost: %+v", cfg.Global)
	}

	cfg, err = Parse([]byte("Global:\n  model_path: m.safetensors\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Global.Eval != nil || cfg.Evaluate() {
		t.Fatalf("absent eval should be unset: %+v", cfg.Global)
	}
}
