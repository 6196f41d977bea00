package calib

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/slim/internal/layers"
	"github.com/samcharles93/slim/internal/logger"
	"github.com/samcharles93/slim/internal/tensor"
)

var ErrNoEvalData = errors.New("no evaluation batches")

// EvalContext carries everything an evaluation callback needs. It is
// passed explicitly; callbacks must not rely on package state.
type EvalContext struct {
	Batches   []*tensor.Tensor
	Reference *layers.Model
	Logger    logger.Logger
}

// EvalFunc scores a quantised model. Lower is better for the built-in
// metric.
type EvalFunc func(ctx context.Context, ec *EvalContext, model *layers.Model) (float64, error)

// ReconstructionMSE is the mean squared error between the reference and
// quantised model outputs over all evaluation batches.
func ReconstructionMSE(ctx context.Context, ec *EvalContext, model *layers.Model) (float64, error) {
	if len(ec.Batches) == 0 {
		return 0, ErrNoEvalData
	}
	if ec.Reference == nil {
		return 0, errors.New("reconstruction mse: no reference model")
	}
	var (
		sum float64
		n   int
	)
	for i, batch := range ec.Batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		want, err := ec.Reference.Forward(batch)
		if err != nil {
			return 0, fmt.Errorf("reference batch %d: %w", i, err)
		}
		got, err := model.Forward(batch)
		if err != nil {
			return 0, fmt.Errorf("quantized batch %d: %w", i, err)
		}
		for j := range want.Data {
			d := float64(got.Data[j] - want.Data[j])
			sum += d * d
		}
		n += len(want.Data)
	}
	if n == 0 {
		return 0, nil
	}
	mse := sum / float64(n)
	if ec.Logger != nil {
		ec.Logger.Debug("evaluation finished", "batches", len(ec.Batches), "mse", mse)
	}
	return mse, nil
}
