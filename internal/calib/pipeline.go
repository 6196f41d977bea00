package calib

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/samcharles93/slim/internal/config"
	"github.com/samcharles93/slim/internal/layers"
	"github.com/samcharles93/slim/internal/logger"
	"github.com/samcharles93/slim/internal/observer"
	"github.com/samcharles93/slim/internal/safetensors"
	"github.com/samcharles93/slim/internal/tensor"
)

const (
	ReportFile = "report.json"
	ModelFile  = "model.fp8.safetensors"

	MetaFormat  = "quant_format"
	MetaSession = "calib_session"
)

// Pipeline runs one calibration described by Config.
type Pipeline struct {
	Config config.Config
	Logger logger.Logger
	// Eval scores the quantised model when Global.eval is set. Nil uses
	// ReconstructionMSE.
	Eval EvalFunc
	// Now stamps the session. Nil uses time.Now.
	Now func() time.Time
}

// Result is what a pipeline run produced.
type Result struct {
	Session    *Session
	Model      *layers.Model
	Report     Report
	ReportPath string
	ModelPath  string
}

func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	log := p.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	format, _ := p.Config.Format()
	g := p.Config.Global

	mf, err := safetensors.Open(g.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("open model: %w", err)
	}
	defer func() { _ = mf.Close() }()
	ref, err := layers.LoadMLP(mf)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	factory := observer.NewFactory(observer.Config{Format: format, Logger: log})
	qcfg := layers.QuantConfig{}
	if p.Config.QuantizeWeights() {
		qcfg.Weight = factory
	}
	if p.Config.QuantizeActivations() {
		qcfg.Activation = factory
	}
	model := ref.Wrap(qcfg)

	sess := NewSession(factory, log, now())
	sess.Attach(model.Observers())
	log = log.With("session", sess.ID)
	log.Info("calibration started", "model", g.ModelPath, "format", format.String(), "layers", len(model.Layers()))

	for _, l := range model.Layers() {
		q, ok := l.(*layers.QuantedLinear)
		if !ok || q.WeightQuanter == nil {
			continue
		}
		if _, err := q.WeightQuanter.Observe(q.Weight); err != nil {
			return nil, fmt.Errorf("%s: weight: %w", q.Name, err)
		}
	}

	var batches []*tensor.Tensor
	if g.CalibPath != "" {
		batches, err = LoadBatches(g.CalibPath)
		if err != nil {
			return nil, fmt.Errorf("load calibration data: %w", err)
		}
	}
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := model.Forward(b); err != nil {
			return nil, fmt.Errorf("calibration batch %d: %w", i, err)
		}
	}
	log.Info("calibration data observed", "batches", len(batches))

	if p.Config.Freeze() {
		sess.Freeze()
	}
	report := sess.Report()

	if p.Config.Evaluate() {
		res, err := p.evaluate(ctx, log, ref, model, batches)
		if err != nil {
			return nil, err
		}
		report.Eval = res
	}

	out := &Result{Session: sess, Model: model, Report: report}
	if g.SaveDir == "" {
		return out, nil
	}
	if err := os.MkdirAll(g.SaveDir, 0o755); err != nil {
		return nil, err
	}
	out.ReportPath = filepath.Join(g.SaveDir, ReportFile)
	if err := WriteReport(out.ReportPath, report); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	out.ModelPath = filepath.Join(g.SaveDir, ModelFile)
	if err := ExportModel(out.ModelPath, sess, model); err != nil {
		return nil, fmt.Errorf("export model: %w", err)
	}
	log.Info("calibration saved", "report", out.ReportPath, "model", out.ModelPath)
	return out, nil
}

func (p *Pipeline) evaluate(ctx context.Context, log logger.Logger, ref, model *layers.Model, batches []*tensor.Tensor) (*EvalResult, error) {
	if len(batches) == 0 {
		log.Warn("evaluation requested without calibration data; skipping")
		return nil, nil
	}
	eval := p.Eval
	metric := "custom"
	if eval == nil {
		eval = ReconstructionMSE
		metric = "reconstruction_mse"
	}
	model.SetObserve(false)
	defer model.SetObserve(true)
	if p.Config.FakeQuant() {
		model.SetFakeQuant(true)
		defer model.SetFakeQuant(false)
	}
	v, err := eval(ctx, &EvalContext{Batches: batches, Reference: ref, Logger: log}, model)
	if err != nil {
		if errors.Is(err, ErrNoEvalData) {
			log.Warn("evaluation skipped", "reason", err)
			return nil, nil
		}
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	log.Info("evaluation finished", "metric", metric, "value", v)
	return &EvalResult{Metric: metric, Value: v, Batches: len(batches)}, nil
}

// LoadBatches reads every tensor of a safetensors file as one batch, in
// name order.
func LoadBatches(path string) ([]*tensor.Tensor, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	names := f.Names()
	out := make([]*tensor.Tensor, 0, len(names))
	for _, name := range names {
		data, info, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, err
		}
		t, err := tensor.FromData(info.Shape, data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// ExportModel writes the wrapped model with FP8 weights. Each quantised
// layer stores its weight in the session format together with a
// "<layer>.weight_scale" tensor, and "<layer>.input_scale" when its
// activations were calibrated. Weights without a quanter stay F32.
func ExportModel(path string, sess *Session, model *layers.Model) error {
	format := sess.Format()
	var out []safetensors.WriteTensor
	for _, l := range model.Layers() {
		var (
			name   string
			weight *tensor.Tensor
			bias   *tensor.Tensor
			wq, aq *observer.Observer
		)
		switch v := l.(type) {
		case *layers.QuantedLinear:
			name, weight, bias, wq, aq = v.Name, v.Weight, v.Bias, v.WeightQuanter, v.ActivationQuanter
		case *layers.Linear:
			name, weight, bias = v.Name, v.Weight, v.Bias
		default:
			continue
		}
		if wq != nil {
			codes, scale := wq.EncodeTensor(weight)
			out = append(out,
				safetensors.WriteTensor{Name: name + ".weight", DType: format.DType(), Shape: weight.Shape, Data: codes},
				safetensors.F32Tensor(name+".weight_scale", []int{1}, []float32{float32(scale)}),
			)
		} else {
			out = append(out, safetensors.F32Tensor(name+".weight", weight.Shape, weight.Data))
		}
		if aq != nil {
			out = append(out, safetensors.F32Tensor(name+".input_scale", []int{1}, []float32{float32(aq.Scale())}))
		}
		if bias != nil {
			out = append(out, safetensors.F32Tensor(name+".bias", bias.Shape, bias.Data))
		}
	}
	return safetensors.Write(path, out, map[string]string{
		MetaFormat:  format.String(),
		MetaSession: sess.ID,
	})
}

// LoadQuantized reads a model written by ExportModel back into float
// layers, dividing FP8 weights by their stored scale.
func LoadQuantized(path string) (*layers.Model, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	model, err := layers.LoadMLP(f)
	if err != nil {
		return nil, err
	}
	for _, l := range model.Layers() {
		lin, ok := l.(*layers.Linear)
		if !ok {
			continue
		}
		if _, ok := f.Tensor(lin.Name + ".weight_scale"); !ok {
			continue
		}
		s, _, err := f.ReadTensorF32(lin.Name + ".weight_scale")
		if err != nil {
			return nil, err
		}
		if len(s) != 1 || s[0] <= 0 {
			return nil, fmt.Errorf("%s: invalid weight scale %v", lin.Name, s)
		}
		scale := s[0]
		lin.Weight = lin.Weight.Map(func(v float32) float32 { return v / scale })
	}
	return model, nil
}
