package config

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"srcnn-forge/internal/dataset"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	DataRoot     string `yaml:"data_root"`
	WorkDir      string `yaml:"work_dir"`
	Arch         string `yaml:"arch"`
	GPU          int    `yaml:"gpu"`
	BatchSize    int    `yaml:"batch_size"`
	ValBatchSize int    `yaml:"val_batch_size"`
	Epochs       int    `yaml:"epochs"`
	Color        string `yaml:"color"`
	Workers      int    `yaml:"workers"`
	Seed         int64  `yaml:"seed"`
	LogEvery     int    `yaml:"log_every"`
	InitFrom     string `yaml:"init_from"`

	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`

	Patience             int     `yaml:"patience"`
	PatienceIncrease     int     `yaml:"patience_increase"`
	ImprovementThreshold float64 `yaml:"improvement_threshold"`

	PreviewEvery int `yaml:"preview_every"`
	PreviewCount int `yaml:"preview_count"`
}

// Overrides captures CLI supplied values. Nil fields were not set on the
// command line.
type Overrides struct {
	DataRoot     *string
	WorkDir      *string
	Arch         *string
	GPU          *int
	BatchSize    *int
	ValBatchSize *int
	Epochs       *int
	Color        *string
	Seed         *int64
	InitFrom     *string
}

// Default returns the settings the experiment was originally run with.
func Default() *Config {
	return &Config{
		DataRoot:             "data",
		WorkDir:              "runs",
		Arch:                 "basic_cnn_tail",
		GPU:                  -1,
		BatchSize:            32,
		ValBatchSize:         250,
		Epochs:               1000,
		Color:                dataset.ColorRGB,
		Workers:              4,
		LogEvery:             100,
		Optimizer:            "adam",
		LearningRate:         0.0001,
		Patience:             30000,
		PatienceIncrease:     2,
		ImprovementThreshold: 0.997,
		PreviewEvery:         10,
		PreviewCount:         5,
	}
}

// Load reads a YAML file on top of Default and validates the result. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	if err := decode(f, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// ApplyOverrides updates c with every override that was set.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataRoot != nil {
		c.DataRoot = *o.DataRoot
	}
	if o.WorkDir != nil {
		c.WorkDir = *o.WorkDir
	}
	if o.Arch != nil {
		c.Arch = *o.Arch
	}
	if o.GPU != nil {
		c.GPU = *o.GPU
	}
	if o.BatchSize != nil {
		c.BatchSize = *o.BatchSize
	}
	if o.ValBatchSize != nil {
		c.ValBatchSize = *o.ValBatchSize
	}
	if o.Epochs != nil {
		c.Epochs = *o.Epochs
	}
	if o.Color != nil {
		c.Color = *o.Color
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	if o.InitFrom != nil {
		c.InitFrom = *o.InitFrom
	}
}

// Validate verifies the config is runnable. The architecture name is checked
// later against the model registry.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataRoot == "" {
		return errors.New("data_root must be set")
	}
	if c.WorkDir == "" {
		return errors.New("work_dir must be set")
	}
	if c.Arch == "" {
		return errors.New("arch must be set")
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.ValBatchSize <= 0 {
		return errors.Errorf("val_batch_size must be > 0 (got %d)", c.ValBatchSize)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if _, err := dataset.Channels(c.Color); err != nil {
		return err
	}
	if c.Patience <= 0 {
		return errors.Errorf("patience must be > 0 (got %d)", c.Patience)
	}
	if c.PatienceIncrease < 1 {
		return errors.Errorf("patience_increase must be >= 1 (got %d)", c.PatienceIncrease)
	}
	if c.ImprovementThreshold <= 0 || c.ImprovementThreshold > 1 {
		return errors.Errorf("improvement_threshold must be in (0, 1] (got %g)", c.ImprovementThreshold)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.Optimizer != "adam" && c.Optimizer != "sgd" {
		return errors.Errorf("optimizer must be adam or sgd (got %q)", c.Optimizer)
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 100
	}
	if c.PreviewEvery <= 0 {
		c.PreviewEvery = 10
	}
	if c.PreviewCount < 0 {
		return errors.Errorf("preview_count must be >= 0 (got %d)", c.PreviewCount)
	}
	return nil
}
