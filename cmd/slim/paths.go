package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samcharles93/slim/internal/calib"
)

const envSlimOutDir = "SLIM_OUT_DIR"

// resolveSaveDir returns the output directory for a calibration run. An
// explicit value wins; otherwise the run is saved under $SLIM_OUT_DIR (or
// ./out) in a directory named after the model file.
func resolveSaveDir(saveFlag, modelPath string) (string, bool, error) {
	saveFlag = strings.TrimSpace(saveFlag)
	if saveFlag != "" {
		return filepath.Clean(saveFlag), false, nil
	}

	base := filepath.Base(filepath.Clean(modelPath))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", true, fmt.Errorf("invalid model path: %q", modelPath)
	}

	outDir := strings.TrimSpace(os.Getenv(envSlimOutDir))
	if outDir == "" {
		outDir = filepath.Join(".", "out")
	}
	return filepath.Join(outDir, base+"-fp8"), true, nil
}

// resolveInspectPath accepts either a safetensors file or a calibration
// output directory.
func resolveInspectPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("path is empty")
	}
	st, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		return filepath.Clean(path), nil
	}

	exported := filepath.Join(path, calib.ModelFile)
	if _, err := os.Stat(exported); err == nil {
		return exported, nil
	}
	files, err := discoverSafetensors(path)
	if err != nil {
		return "", err
	}
	switch len(files) {
	case 0:
		return "", fmt.Errorf("no .safetensors files found in %s", path)
	case 1:
		return files[0], nil
	default:
		return "", fmt.Errorf("multiple .safetensors files found in %s; pass one explicitly", path)
	}
}

func discoverSafetensors(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".safetensors") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}
