package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slim/internal/logger"
	"github.com/samcharles93/slim/internal/toy"
)

func toyCmd() *cli.Command {
	var (
		outDir    string
		dims      []int64
		seed      int64
		batches   int64
		batchSize int64
	)

	return &cli.Command{
		Name:  "toy",
		Usage: "Write a random MLP, calibration batches and a strategy file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory",
				Value:       "toy",
				Destination: &outDir,
			},
			&cli.Int64SliceFlag{
				Name:        "dims",
				Usage:       "layer widths from input to output",
				Value:       []int64{16, 64, 8},
				Destination: &dims,
			},
			&cli.Int64Flag{Name: "seed", Value: 1, Destination: &seed},
			&cli.Int64Flag{Name: "batches", Value: 8, Usage: "number of calibration batches", Destination: &batches},
			&cli.Int64Flag{Name: "batch-size", Value: 16, Destination: &batchSize},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			spec := toy.Spec{
				Seed:      seed,
				Batches:   int(batches),
				BatchSize: int(batchSize),
			}
			for _, d := range dims {
				spec.Dims = append(spec.Dims, int(d))
			}
			files, err := toy.Write(outDir, spec)
			if err != nil {
				return err
			}
			logger.FromContext(ctx).Info("toy model written", "dir", outDir, "dims", spec.Dims)
			_, _ = fmt.Fprintf(cmd.Root().Writer, "model:    %s\ncalib:    %s\nstrategy: %s\n\nrun: slim calibrate -c %s\n",
				files.Model, files.Calib, files.Strategy, files.Strategy)
			return nil
		},
	}
}
