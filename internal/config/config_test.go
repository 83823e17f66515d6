package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func base() Config {
	return Config{Passes: 10, BatchSize: 10, LearningRate: 0.2, EvalEvery: 10, Threshold: 6, SaveDir: "out"}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverlaysBase(t *testing.T) {
	path := writeConfig(t, "passes: 3\nbatch_size: 256\ndata_roots: [a, b]\n# comment\n")
	cfg, err := Load(path, base())
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Passes)
	assert.Equal(t, 256, cfg.BatchSize)
	assert.Equal(t, []string{"a", "b"}, cfg.DataRoots)
	assert.Equal(t, 0.2, cfg.LearningRate)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.LogEvery)
	assert.Equal(t, 1, cfg.NumWorkers)
}

func TestLoadEmptyPathAndEmptyFile(t *testing.T) {
	cfg, err := Load("", base())
	require.NoError(t, err)
	assert.Equal(t, base(), *cfg)

	cfg, err = Load(writeConfig(t, ""), base())
	require.NoError(t, err)
	assert.Equal(t, base(), *cfg)
}

func TestLoadRejectsBadInput(t *testing.T) {
	_, err := Load(writeConfig(t, "stepz: 3\n"), base())
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = Load(writeConfig(t, "passes: many\n"), base())
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), base())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestApplyOverrides(t *testing.T) {
	cfg := base()
	cfg.ApplyOverrides(Overrides{Passes: 2, SaveDir: "elsewhere", Seed: 9})
	assert.Equal(t, 2, cfg.Passes)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, "elsewhere", cfg.SaveDir)
	assert.Equal(t, int64(9), cfg.Seed)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"passes":     func(c *Config) { c.Passes = 0 },
		"batch":      func(c *Config) { c.BatchSize = -1 },
		"lr":         func(c *Config) { c.LearningRate = -1 },
		"save dir":   func(c *Config) { c.SaveDir = "" },
		"eval every": func(c *Config) { c.EvalEvery = -2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrConfiguration)
		})
	}
	var nilCfg *Config
	assert.ErrorIs(t, nilCfg.Validate(), ErrConfiguration)
}
