package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codeevolver/evolver/eval"
	"github.com/codeevolver/evolver/policy"
)

// Config is the on-disk shape cmd/evolver loads via --config. Policy is the
// declarative role-routing document policy.Resolver consumes directly;
// everything else (data directory, sandbox command, embedding backend,
// thresholds) is wiring policy.go's own doc comment leaves to the CLI.
type Config struct {
	// Policy resolves logical roles (overseer, generator, evaluator,
	// triage, escalation, embedding, specialist:<name>) to backends.
	Policy policy.Document `yaml:"policy"`

	// DataDir holds the node store's saved sources/tests/manifest.
	DataDir string `yaml:"data_dir"`

	// Sandbox describes how a generated artifact is executed for
	// evaluation (spec.md C4).
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Embedding configures the embedder Artifact Memory uses for semantic
	// search. Backend "none" disables embedding: Put still works, and
	// artifact/inmem's Search falls back to a substring match over name and
	// description.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Thresholds seeds eval.NewThresholdTracker's per-Kind pass bars.
	Thresholds map[string]ThresholdConfig `yaml:"thresholds"`
}

// SandboxConfig configures the command used to execute a generated artifact.
type SandboxConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

func (s SandboxConfig) timeout() time.Duration {
	if s.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSec) * time.Second
}

// EmbeddingConfig configures the embedder backing semantic search over the
// Artifact Memory and Tool Registry.
type EmbeddingConfig struct {
	Backend   string `yaml:"backend"` // "openai" or "none"
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

// ThresholdConfig mirrors eval.ThresholdConfig for YAML decoding.
type ThresholdConfig struct {
	Threshold float64 `yaml:"threshold"`
	Floor     float64 `yaml:"floor"`
}

func defaultConfig() *Config {
	return &Config{
		DataDir: "./evolver-data",
		Sandbox: SandboxConfig{
			Command:    "go",
			Args:       []string{"run", "."},
			TimeoutSec: 30,
		},
		Embedding: EmbeddingConfig{
			Backend:   "none",
			Dimension: 1536,
		},
		Thresholds: map[string]ThresholdConfig{
			string(eval.KindCode):     {Threshold: 0.7, Floor: 0.5},
			string(eval.KindTests):    {Threshold: 0.7, Floor: 0.5},
			string(eval.KindStrategy): {Threshold: 0.6, Floor: 0.4},
			string(eval.KindFinal):    {Threshold: 0.75, Floor: 0.5},
		},
	}
}

// loadConfig reads and parses a YAML config file at path, defaulting every
// field a zero-value document leaves unset. An empty path returns
// defaultConfig() unchanged, letting cmd/evolver run against the built-in
// policy cascade with no file at all.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./evolver-data"
	}
	if cfg.Sandbox.Command == "" {
		cfg.Sandbox.Command = "go"
	}
	if len(cfg.Sandbox.Args) == 0 {
		cfg.Sandbox.Args = []string{"run", "."}
	}
	return cfg, nil
}

func (t ThresholdConfig) toEval() eval.ThresholdConfig {
	return eval.ThresholdConfig{Threshold: t.Threshold, Floor: t.Floor}
}
