package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slim/internal/calib"
	"github.com/samcharles93/slim/internal/config"
	"github.com/samcharles93/slim/internal/logger"
)

type calibrateOptions struct {
	configPath string
	format     string
	saveDir    string
	eval       bool
	evalSet    bool
	freeze     bool
	freezeSet  bool
}

func calibrateCmd() *cli.Command {
	var opts calibrateOptions

	return &cli.Command{
		Name:  "calibrate",
		Usage: "Calibrate FP8 scales for a safetensors model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to the YAML strategy file",
				Required:    true,
				Destination: &opts.configPath,
			},
			formatFlag(&opts.format),
			&cli.StringFlag{
				Name:        "save-dir",
				Aliases:     []string{"o"},
				Usage:       "directory for report.json and the FP8 model",
				Destination: &opts.saveDir,
			},
			&cli.BoolFlag{
				Name:        "eval",
				Usage:       "evaluate the fake-quantized model after calibration",
				Destination: &opts.eval,
			},
			&cli.BoolFlag{
				Name:        "freeze",
				Usage:       "freeze scales after calibration",
				Value:       true,
				Destination: &opts.freeze,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			opts.evalSet = cmd.IsSet("eval")
			opts.freezeSet = cmd.IsSet("freeze")

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			applyCalibrateConfig(cmd, LoadConfig(), &cfg)
			if err := opts.apply(&cfg); err != nil {
				return err
			}
			if cfg.Global.SaveDir == "" {
				dir, _, err := resolveSaveDir("", cfg.Global.ModelPath)
				if err != nil {
					return err
				}
				cfg.Global.SaveDir = dir
				log.Info("using default output directory", "save_dir", dir)
			}

			p := &calib.Pipeline{Config: cfg, Logger: log}
			res, err := p.Run(ctx)
			if err != nil {
				return err
			}
			printReport(cmd.Root().Writer, res.Report)
			if res.ReportPath != "" {
				_, _ = fmt.Fprintf(cmd.Root().Writer, "\nreport: %s\nmodel:  %s\n", res.ReportPath, res.ModelPath)
			}
			return nil
		},
	}
}

// apply overrides strategy values with the flags given on the command
// line.
func (o calibrateOptions) apply(cfg *config.Config) error {
	if o.format != "" {
		cfg.Quantization.Format = o.format
	}
	if o.saveDir != "" {
		cfg.Global.SaveDir = o.saveDir
	}
	if o.evalSet {
		eval := o.eval
		cfg.Global.Eval = &eval
	}
	if o.freezeSet {
		freeze := o.freeze
		cfg.Quantization.Freeze = &freeze
	}
	return cfg.Validate()
}

func printReport(w io.Writer, r calib.Report) {
	_, _ = fmt.Fprintf(w, "session: %s\nformat:  %s\nfrozen:  %t\n\n", r.ID, r.Format, r.Frozen)
	_, _ = fmt.Fprintf(w, "%-40s %-12s %14s %14s %6s\n", "observer", "state", "running_max", "scale", "obs")
	for _, st := range r.Tensors {
		scale := "-"
		if st.Scale != nil {
			scale = strconv.FormatFloat(*st.Scale, 'g', 6, 64)
		}
		_, _ = fmt.Fprintf(w, "%-40s %-12s %14.6g %14s %6d\n", st.Name, st.State, st.RunningMax, scale, st.Observations)
	}
	if r.Eval != nil {
		_, _ = fmt.Fprintf(w, "\neval %s: %.6g (%d batches)\n", r.Eval.Metric, r.Eval.Value, r.Eval.Batches)
	}
}
