package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/slim/internal/config"
)

// Config represents the slim user configuration file
// (~/.config/slim/config.yaml). It supplies defaults for flags that were
// not given on the command line.
type Config struct {
	// Calibration defaults
	Format  string `yaml:"format"`
	SaveDir string `yaml:"save_dir"`
	Eval    *bool  `yaml:"eval"`
	Freeze  *bool  `yaml:"freeze"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "slim", "config.yaml")
}

// applyLoggingConfig applies config file defaults to the logging flags.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyCalibrateConfig fills strategy values the strategy file left unset
// from the config file, unless the corresponding CLI flag was given.
func applyCalibrateConfig(c *cli.Command, user Config, cfg *config.Config) {
	if user.Format != "" && !c.IsSet("format") && cfg.Quantization.Format == "" {
		cfg.Quantization.Format = user.Format
	}
	if user.SaveDir != "" && !c.IsSet("save-dir") && cfg.Global.SaveDir == "" {
		cfg.Global.SaveDir = user.SaveDir
	}
	if user.Eval != nil && !c.IsSet("eval") && cfg.Global.Eval == nil {
		eval := *user.Eval
		cfg.Global.Eval = &eval
	}
	if user.Freeze != nil && !c.IsSet("freeze") && cfg.Quantization.Freeze == nil {
		freeze := *user.Freeze
		cfg.Quantization.Freeze = &freeze
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFile(configPath())
}

func loadConfigFile(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
