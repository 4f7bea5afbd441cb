package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OptimizerConfig controls the assembler's optimization passes.
type OptimizerConfig struct {
	// Enabled turns the peephole and constant-folding passes on.
	Enabled bool `yaml:"enabled"`

	// MaxRounds caps pass iteration when no fixed point is reached.
	MaxRounds int `yaml:"max_rounds"`
}

// VMConfig controls the virtual machine.
type VMConfig struct {
	// StackSize is the initial register file size in slots.
	StackSize int `yaml:"stack_size"`
}

// Config is the mondot.yaml project configuration.
type Config struct {
	Optimizer OptimizerConfig `yaml:"optimizer"`
	VM        VMConfig        `yaml:"vm"`

	// Color selects diagnostic coloring: auto, always or never.
	Color string `yaml:"color"`
}

// Default returns the configuration used when no mondot.yaml is present.
func Default() *Config {
	return &Config{
		Optimizer: OptimizerConfig{Enabled: true, MaxRounds: DefaultOptimizeRounds},
		VM:        VMConfig{StackSize: DefaultStackSize},
		Color:     "auto",
	}
}

// Load reads a mondot.yaml file. Unknown keys are errors so typos do not
// silently fall back to defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Optimizer.MaxRounds < 0 {
		return fmt.Errorf("optimizer.max_rounds must be non-negative, got %d", c.Optimizer.MaxRounds)
	}
	if c.VM.StackSize < FrameSize {
		return fmt.Errorf("vm.stack_size must be at least %d, got %d", FrameSize, c.VM.StackSize)
	}
	switch c.Color {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("color must be auto, always or never, got %q", c.Color)
	}
	return nil
}
