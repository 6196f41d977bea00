package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slim/internal/calib"
	"github.com/samcharles93/slim/internal/safetensors"
)

type tensorSummary struct {
	Name   string   `json:"name"`
	DType  string   `json:"dtype"`
	Shape  []int    `json:"shape"`
	Scale  *float32 `json:"scale,omitempty"`
	AbsMax float32  `json:"abs_max"`
}

type inspectOutput struct {
	Path     string            `json:"path"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Tensors  []tensorSummary   `json:"tensors"`
	Report   *calib.Report     `json:"report,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		modelPath  string
		reportPath string
		asJSON     bool
		filter     string
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a safetensors model or a calibration output directory",
		ArgsUsage: "[path]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to a .safetensors file or calibration output directory",
				Destination: &modelPath,
			},
			&cli.StringFlag{
				Name:        "report",
				Usage:       "path to report.json (defaults to the one next to the model)",
				Destination: &reportPath,
			},
			&cli.StringFlag{
				Name:        "filter",
				Usage:       "only show tensors whose name contains this substring",
				Destination: &filter,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print JSON instead of a table",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if modelPath == "" {
				modelPath = cmd.Args().First()
			}
			if modelPath == "" {
				return fmt.Errorf("inspect: --model or a path argument is required")
			}
			path, err := resolveInspectPath(modelPath)
			if err != nil {
				return err
			}
			out, err := inspectModel(path, filter)
			if err != nil {
				return err
			}
			if reportPath == "" {
				candidate := filepath.Join(filepath.Dir(path), calib.ReportFile)
				if _, err := os.Stat(candidate); err == nil {
					reportPath = candidate
				}
			}
			if reportPath != "" {
				r, err := calib.ReadReport(reportPath)
				if err != nil {
					return fmt.Errorf("read report: %w", err)
				}
				out.Report = &r
			}

			w := cmd.Root().Writer
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			printInspect(w, out)
			return nil
		},
	}
}

func inspectModel(path, filter string) (*inspectOutput, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	out := &inspectOutput{Path: path, Metadata: f.Metadata}
	for _, name := range f.Names() {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		values, info, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, err
		}
		ts := tensorSummary{Name: name, DType: info.DType, Shape: info.Shape}
		if strings.HasPrefix(info.DType, "F8_") {
			if layer, ok := strings.CutSuffix(name, ".weight"); ok {
				if s, _, err := f.ReadTensorF32(layer + ".weight_scale"); err == nil && len(s) == 1 && s[0] > 0 {
					ts.Scale = &s[0]
				}
			}
		}
		for _, v := range values {
			if v < 0 {
				v = -v
			}
			ts.AbsMax = max(ts.AbsMax, v)
		}
		if ts.Scale != nil {
			ts.AbsMax /= *ts.Scale
		}
		out.Tensors = append(out.Tensors, ts)
	}
	return out, nil
}

func printInspect(w io.Writer, out *inspectOutput) {
	_, _ = fmt.Fprintf(w, "file: %s\n", out.Path)
	if len(out.Metadata) > 0 {
		_, _ = fmt.Fprintln(w, "metadata:")
		for _, k := range sortedKeys(out.Metadata) {
			_, _ = fmt.Fprintf(w, "  %s: %s\n", k, out.Metadata[k])
		}
	}
	_, _ = fmt.Fprintf(w, "\n%-40s %-8s %-16s %12s %12s\n", "tensor", "dtype", "shape", "abs_max", "scale")
	for _, ts := range out.Tensors {
		scale := "-"
		if ts.Scale != nil {
			scale = fmt.Sprintf("%.6g", *ts.Scale)
		}
		_, _ = fmt.Fprintf(w, "%-40s %-8s %-16s %12.6g %12s\n", ts.Name, ts.DType, fmt.Sprint(ts.Shape), ts.AbsMax, scale)
	}
	if out.Report != nil {
		_, _ = fmt.Fprintln(w)
		printReport(w, *out.Report)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
