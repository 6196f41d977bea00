package calib

import (
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/slim/internal/observer"
)

type Report struct {
	ID        string           `json:"id"`
	Format    string           `json:"format"`
	CreatedAt time.Time        `json:"created_at"`
	Frozen    bool             `json:"frozen"`
	Tensors   []observer.Stats `json:"tensors"`
	Eval      *EvalResult      `json:"eval,omitempty"`
}

type EvalResult struct {
	Metric  string  `json:"metric"`
	Value   float64 `json:"value"`
	Batches int     `json:"batches"`
}

// Tensor returns the stats for name.
func (r Report) Tensor(name string) (observer.Stats, bool) {
	for _, st := range r.Tensors {
		if st.Name == name {
			return st, true
		}
	}
	return observer.Stats{}, false
}

func WriteReport(path string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func ReadReport(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, err
	}
	return r, nil
}
