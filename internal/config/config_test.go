package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srcnn-forge/internal/dataset"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30000, cfg.Patience)
	assert.Equal(t, 2, cfg.PatienceIncrease)
	assert.Equal(t, 0.997, cfg.ImprovementThreshold)
	assert.Equal(t, -1, cfg.GPU)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	body := "arch: basic_cnn_middle\nbatch_size: 16\ncolor: yonly\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "basic_cnn_middle", cfg.Arch)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, dataset.ColorYOnly, cfg.Color)
	assert.Equal(t, 1000, cfg.Epochs)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batchsize: 4\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	gpu := 0
	epochs := 3
	color := dataset.ColorYOnly
	cfg.ApplyOverrides(Overrides{GPU: &gpu, Epochs: &epochs, Color: &color})

	assert.Equal(t, 0, cfg.GPU)
	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, dataset.ColorYOnly, cfg.Color)
	assert.Equal(t, 32, cfg.BatchSize)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"batch size", func(c *Config) { c.BatchSize = 0 }},
		{"val batch size", func(c *Config) { c.ValBatchSize = -1 }},
		{"epochs", func(c *Config) { c.Epochs = 0 }},
		{"color", func(c *Config) { c.Color = "cmyk" }},
		{"threshold", func(c *Config) { c.ImprovementThreshold = 1.5 }},
		{"patience increase", func(c *Config) { c.PatienceIncrease = 0 }},
		{"optimizer", func(c *Config) { c.Optimizer = "rmsprop" }},
		{"learning rate", func(c *Config) { c.LearningRate = 0 }},
		{"data root", func(c *Config) { c.DataRoot = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
