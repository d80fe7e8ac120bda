// Package config holds the tagger's run configuration. Settings come from
// Default, then a YAML file, then TAGGER_* environment variables (a .env
// file is honoured), then command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/tsawler/go-tagnet/checkpoints"
	"github.com/tsawler/go-tagnet/logging"
	"github.com/tsawler/go-tagnet/optimizer"
	"github.com/tsawler/go-tagnet/tensor"
	"github.com/tsawler/go-tagnet/training"
	"github.com/tsawler/go-tagnet/vision/dataloader"
	"github.com/tsawler/go-tagnet/zoo"
)

// ErrInvalid is wrapped by every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// Error reports a single bad setting.
type Error struct {
	Field  string
	Value  interface{}
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration: %s=%v: %s", e.Field, e.Value, e.Reason)
}

// Unwrap exposes ErrInvalid and, when set, the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalid, e.Err}
	}
	return []error{ErrInvalid}
}

// Config is the complete set of run settings. Keys follow the original
// command-line option names.
type Config struct {
	Name     string `yaml:"name"`
	SavePath string `yaml:"save_path"`

	Model           string `yaml:"model"`
	PretrainedModel string `yaml:"pretrained_model"`
	NumClasses      int    `yaml:"num_classes"`
	ImageSize       int    `yaml:"image_size"`
	Width           int    `yaml:"width"`
	Grid            int    `yaml:"grid"`

	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	WeightDecay  float64 `yaml:"weight_decay"`

	Loss       string `yaml:"loss"`
	Reweight   bool   `yaml:"reweight"`
	TagWeights string `yaml:"tag_weights"`
	TagIndex   string `yaml:"tag_index"`

	LRPolicy     string `yaml:"lr_policy"`
	NIter        int    `yaml:"niter"`
	NIterDecay   int    `yaml:"niter_decay"`
	LRDecayIters int    `yaml:"lr_decay_iters"`
	Patience     int    `yaml:"patience"`

	BatchSize      int     `yaml:"batch_size"`
	ScoreThreshold float64 `yaml:"score_thres"`

	EpochCount        int   `yaml:"epoch_count"`
	StartStep         int64 `yaml:"start_step"`
	SaveModelFreq     int   `yaml:"save_model_freq"`
	SaveModelFreqStep int   `yaml:"save_model_freq_step"`
	PrintStateFreq    int   `yaml:"print_state_freq"`

	Eval      bool   `yaml:"eval"`
	GTLabel   bool   `yaml:"gt_label"`
	Device    string `yaml:"device"`
	LoadModel bool   `yaml:"load_model"`
	LoadEpoch string `yaml:"load_epoch"`

	Dataset      string `yaml:"dataset"`
	Shuffle      bool   `yaml:"shuffle"`
	NotFlip      bool   `yaml:"not_flip"`
	NotRotate    bool   `yaml:"not_rotate"`
	Workers      int    `yaml:"workers"`
	Preload      bool   `yaml:"preload"`
	MaxCacheSize int    `yaml:"max_cache_size"`
	Prefetch     int    `yaml:"prefetch"`

	CheckpointFormat string `yaml:"checkpoint_format"`
	Dashboard        bool   `yaml:"dashboard"`
	DashboardAddr    string `yaml:"dashboard_addr"`
	SidecarURL       string `yaml:"sidecar_url"`

	Seed      int64  `yaml:"seed"`
	LogLevel  string `yaml:"log_level"`
	LogOutput string `yaml:"log_output"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		Name:     "tagger",
		SavePath: "checkpoints",

		Model:      string(zoo.ResNet50),
		NumClasses: 100,
		ImageSize:  224,
		Width:      64,
		Grid:       4,

		Optimizer:    "adam",
		LearningRate: 0.0002,
		Momentum:     0.9,
		Beta1:        0.9,
		Beta2:        0.999,

		Loss:       training.LossFocal.String(),
		TagWeights: "tag_utils/tag_weights.json",
		TagIndex:   "tag_utils/tag_index.json",

		LRPolicy:     training.PolicyLambda.String(),
		NIter:        100,
		NIterDecay:   100,
		LRDecayIters: 50,
		Patience:     5,

		BatchSize:      16,
		ScoreThreshold: 0.5,

		EpochCount:        1,
		SaveModelFreq:     5,
		SaveModelFreqStep: 500,
		PrintStateFreq:    100,

		Device:    "cpu",
		LoadEpoch: checkpoints.LatestLabel,

		Dataset:      "data/train.csv",
		Shuffle:      true,
		MaxCacheSize: 1000,
		Prefetch:     dataloader.DefaultPrefetchDepth,

		CheckpointFormat: "json",
		DashboardAddr:    "",

		Seed:      1,
		LogLevel:  "info",
		LogOutput: "stderr",
	}
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Resolved carries the closed enums Validate derives from string settings.
type Resolved struct {
	Model     zoo.Name
	Optimizer optimizer.Kind
	Loss      training.LossKind
	Policy    training.Policy
	Device    tensor.Device
	Format    checkpoints.CheckpointFormat
	LogLevel  logging.LogLevel
}

// Validate checks every setting and resolves string choices. The first
// problem found is returned as an *Error.
func (c *Config) Validate() (*Resolved, error) {
	var r Resolved
	var err error

	if r.Model, err = zoo.Parse(c.Model); err != nil {
		return nil, &Error{Field: "model", Value: c.Model, Reason: "unknown model", Err: err}
	}
	if r.Optimizer, err = optimizer.ParseKind(c.Optimizer); err != nil {
		return nil, &Error{Field: "optimizer", Value: c.Optimizer, Reason: "expected sgd or adam", Err: err}
	}
	if r.Loss, err = training.ParseLossKind(c.Loss); err != nil {
		return nil, &Error{Field: "loss", Value: c.Loss, Reason: "expected focal_loss or bce", Err: err}
	}
	if r.Policy, err = training.ParsePolicy(c.LRPolicy); err != nil {
		return nil, &Error{Field: "lr_policy", Value: c.LRPolicy, Reason: "expected lambda, step, plateau or cosine", Err: err}
	}
	if r.Device, err = tensor.ParseDevice(c.Device); err != nil {
		return nil, &Error{Field: "device", Value: c.Device, Reason: "unusable device", Err: err}
	}
	if r.Format, err = checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return nil, &Error{Field: "checkpoint_format", Value: c.CheckpointFormat, Reason: "expected json or onnx", Err: err}
	}
	if r.LogLevel, err = logging.ParseLevel(c.LogLevel); err != nil {
		return nil, &Error{Field: "log_level", Value: c.LogLevel, Reason: "expected debug, info, warn or error", Err: err}
	}

	checks := []struct {
		bad    bool
		field  string
		value  interface{}
		reason string
	}{
		{c.Name == "", "name", c.Name, "must not be empty"},
		{c.SavePath == "", "save_path", c.SavePath, "must not be empty"},
		{c.Dataset == "", "dataset", c.Dataset, "must not be empty"},
		{c.NumClasses <= 0, "num_classes", c.NumClasses, "must be positive"},
		{c.ImageSize <= 0, "image_size", c.ImageSize, "must be positive"},
		{c.Width < 0, "width", c.Width, "must not be negative"},
		{c.Grid < 0 || c.Grid > c.ImageSize, "grid", c.Grid, "must be between 0 and image_size"},
		{c.LearningRate <= 0, "learning_rate", c.LearningRate, "must be positive"},
		{c.BatchSize <= 0, "batch_size", c.BatchSize, "must be positive"},
		{c.ScoreThreshold < 0 || c.ScoreThreshold > 1, "score_thres", c.ScoreThreshold, "must be within [0, 1]"},
		{c.NIter < 0, "niter", c.NIter, "must not be negative"},
		{c.NIterDecay < 0, "niter_decay", c.NIterDecay, "must not be negative"},
		{c.EpochCount < 1, "epoch_count", c.EpochCount, "must be at least 1"},
		{c.StartStep < 0, "start_step", c.StartStep, "must not be negative"},
		{c.SaveModelFreq <= 0, "save_model_freq", c.SaveModelFreq, "must be positive"},
		{c.SaveModelFreqStep <= 0, "save_model_freq_step", c.SaveModelFreqStep, "must be positive"},
		{c.PrintStateFreq <= 0, "print_state_freq", c.PrintStateFreq, "must be positive"},
		{r.Policy == training.PolicyStep && c.LRDecayIters <= 0, "lr_decay_iters", c.LRDecayIters, "step policy needs a positive decay interval"},
		{r.Policy == training.PolicyCosine && c.NIter <= 0, "niter", c.NIter, "cosine policy needs a positive niter"},
		{r.Policy == training.PolicyPlateau && c.Patience < 0, "patience", c.Patience, "must not be negative"},
		{c.Reweight && c.TagWeights == "", "tag_weights", c.TagWeights, "reweight needs a weights table"},
		{c.Workers < 0, "workers", c.Workers, "must not be negative"},
		{c.Prefetch < 0, "prefetch", c.Prefetch, "must not be negative"},
		{c.LoadModel && c.LoadEpoch == "", "load_epoch", c.LoadEpoch, "resuming needs a checkpoint label"},
		{c.Eval && c.LoadEpoch == "", "load_epoch", c.LoadEpoch, "evaluation needs a checkpoint label"},
	}
	for _, chk := range checks {
		if chk.bad {
			return nil, &Error{Field: chk.field, Value: chk.value, Reason: chk.reason}
		}
	}
	return &r, nil
}

// CheckpointDir is {save_path}/{name}.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.SavePath, c.Name)
}

// Logging returns the logger settings.
func (c *Config) Logging() *logging.LoggingConfig {
	return &logging.LoggingConfig{Level: c.LogLevel, Output: c.LogOutput}
}
