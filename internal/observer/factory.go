package observer

import (
	"github.com/samcharles93/slim/internal/fp8"
	"github.com/samcharles93/slim/internal/logger"
)

// Config is shared by every observer a Factory creates.
type Config struct {
	Format fp8.Format
	// Frozen makes new observers start in frozen mode, keeping the first
	// computed scale for the lifetime of the observer.
	Frozen bool
	Logger logger.Logger
}

// Factory creates one observer per quantised tensor position.
type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	return &Factory{cfg: cfg}
}

// New creates an observer named after the tensor position it instruments.
func (f *Factory) New(name string) *Observer {
	o := New(name, f.cfg.Format, f.cfg.Logger)
	if f.cfg.Frozen {
		o.Freeze()
	}
	return o
}

func (f *Factory) Format() fp8.Format {
	return f.cfg.Format
}
