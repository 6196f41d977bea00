// Package config loads the YAML compression strategy consumed by the
// calibration pipeline.
//
// A strategy file has a mandatory Global section and an optional
// Quantization section:
//
//	Global:
//	  model_path: ./model.safetensors
//	  calib_path: ./calib.safetensors
//	  save_dir: ./out
//	  eval: true
//	Quantization:
//	  format: e4m3
//	  weight: true
//	  activation: true
//	  fake_quant: true
//	  freeze: true
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/slim/internal/fp8"
)

var (
	ErrMissingGlobal = errors.New("config: key 'Global' not found")
	ErrInvalid       = errors.New("config: invalid")
)

type Config struct {
	Global       *Global      `yaml:"Global"`
	Quantization Quantization `yaml:"Quantization,omitempty"`
}

// Global mirrors the strategy's Global section. Eval is a pointer so an
// explicit "eval: false" can be told apart from an absent key.
type Global struct {
	ModelPath string `yaml:"model_path"`
	CalibPath string `yaml:"calib_path,omitempty"`
	SaveDir   string `yaml:"save_dir,omitempty"`
	Eval      *bool  `yaml:"eval,omitempty"`
}

// Quantization fields are pointers so unset keys keep their defaults.
type Quantization struct {
	Format     string `yaml:"format,omitempty"`
	Weight     *bool  `yaml:"weight,omitempty"`
	Activation *bool  `yaml:"activation,omitempty"`
	FakeQuant  *bool  `yaml:"fake_quant,omitempty"`
	Freeze     *bool  `yaml:"freeze,omitempty"`
}

// Load reads and validates a strategy file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Global == nil {
		return ErrMissingGlobal
	}
	if c.Global.ModelPath == "" {
		return fmt.Errorf("%w: Global.model_path is required", ErrInvalid)
	}
	if _, err := c.Format(); err != nil {
		return fmt.Errorf("%w: Quantization.format: %v", ErrInvalid, err)
	}
	if !c.QuantizeWeights() && !c.QuantizeActivations() {
		return fmt.Errorf("%w: nothing to quantize", ErrInvalid)
	}
	if c.QuantizeActivations() && c.Global.CalibPath == "" {
		return fmt.Errorf("%w: activation quantization needs Global.calib_path", ErrInvalid)
	}
	return nil
}

// Format resolves the float8 format, defaulting to e4m3.
func (c Config) Format() (fp8.Format, error) {
	if c.Quantization.Format == "" {
		return fp8.E4M3, nil
	}
	return fp8.ParseFormat(c.Quantization.Format)
}

func (c Config) QuantizeWeights() bool {
	return boolOr(c.Quantization.Weight, true)
}

// QuantizeActivations defaults to true when calibration data is given.
func (c Config) QuantizeActivations() bool {
	def := c.Global != nil && c.Global.CalibPath != ""
	return boolOr(c.Quantization.Activation, def)
}

// Evaluate reports whether the quantised model should be scored after
// calibration. It defaults to false.
func (c Config) Evaluate() bool {
	return c.Global != nil && boolOr(c.Global.Eval, false)
}

func (c Config) FakeQuant() bool {
	return boolOr(c.Quantization.FakeQuant, true)
}

func (c Config) Freeze() bool {
	return boolOr(c.Quantization.Freeze, true)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
