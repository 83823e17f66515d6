package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration reports unusable CLI, file or environment input.
var ErrConfiguration = errors.New("configuration error")

// Config captures the runtime knobs for a training run.
type Config struct {
	// DataRoots lists shard directories. Empty means a synthetic corpus.
	DataRoots        []string `yaml:"data_roots"`
	SyntheticRecords int      `yaml:"synthetic_records"`
	Embedding        string   `yaml:"embedding"`
	Passes           int      `yaml:"passes"`
	BatchSize        int      `yaml:"batch_size"`
	ShuffleBuffer    int      `yaml:"shuffle_buffer"`
	NumWorkers       int      `yaml:"num_workers"`
	LearningRate     float64  `yaml:"learning_rate"`
	Seed             int64    `yaml:"seed"`
	LogEvery         int      `yaml:"log_every"`
	EvalEvery        int      `yaml:"eval_every"`
	Threshold        float64  `yaml:"threshold"`
	SaveDir          string   `yaml:"save_dir"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataRoots        []string
	SyntheticRecords int
	Embedding        string
	Passes           int
	BatchSize        int
	NumWorkers       int
	LearningRate     float64
	Seed             int64
	LogEvery         int
	EvalEvery        int
	Threshold        float64
	SaveDir          string
}

// Load overlays the YAML file at path on base. Unknown keys are rejected.
// An empty path returns base unchanged.
func Load(path string, base Config) (*Config, error) {
	cfg := base
	if path == "" {
		return &cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open config: %v", ErrConfiguration, err)
	}
	defer f.Close()

	if err := decode(f, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config %s: %v", ErrConfiguration, path, err)
	}
	return &cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if len(o.DataRoots) > 0 {
		c.DataRoots = append([]string(nil), o.DataRoots...)
	}
	if o.SyntheticRecords > 0 {
		c.SyntheticRecords = o.SyntheticRecords
	}
	if o.Embedding != "" {
		c.Embedding = o.Embedding
	}
	if o.Passes > 0 {
		c.Passes = o.Passes
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.EvalEvery > 0 {
		c.EvalEvery = o.EvalEvery
	}
	if o.Threshold != 0 {
		c.Threshold = o.Threshold
	}
	if o.SaveDir != "" {
		c.SaveDir = o.SaveDir
	}
}

// Validate verifies the config is runnable and fills unset optional knobs.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrConfiguration)
	}
	if c.Passes <= 0 {
		return fmt.Errorf("%w: passes must be > 0 (got %d)", ErrConfiguration, c.Passes)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be > 0 (got %d)", ErrConfiguration, c.BatchSize)
	}
	if c.LearningRate < 0 {
		return fmt.Errorf("%w: learning_rate must be >= 0 (got %g)", ErrConfiguration, c.LearningRate)
	}
	if c.EvalEvery < 0 {
		return fmt.Errorf("%w: eval_every must be >= 0 (got %d)", ErrConfiguration, c.EvalEvery)
	}
	if c.EvalEvery > 0 && c.SaveDir == "" {
		return fmt.Errorf("%w: save_dir is required when eval_every is set", ErrConfiguration)
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	return nil
}
