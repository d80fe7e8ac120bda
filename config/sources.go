package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes the upper-cased key of every environment override,
// e.g. TAGGER_BATCH_SIZE.
const EnvPrefix = "TAGGER_"

// binding ties a setting's key to its field.
type binding struct {
	key   string
	usage string
	ptr   interface{}
}

func (c *Config) bindings() []binding {
	return []binding{
		{"name", "experiment name; checkpoints go to save_path/name", &c.Name},
		{"save_path", "root directory for checkpoints", &c.SavePath},
		{"model", "backbone: resnet34, resnet50, resnext50, senet50, senext50", &c.Model},
		{"pretrained_model", "params file used to initialise matching weights", &c.PretrainedModel},
		{"num_classes", "number of tags", &c.NumClasses},
		{"image_size", "input side length in pixels", &c.ImageSize},
		{"width", "first stage feature width", &c.Width},
		{"grid", "stem pooling grid", &c.Grid},
		{"optimizer", "sgd or adam", &c.Optimizer},
		{"learning_rate", "initial learning rate", &c.LearningRate},
		{"momentum", "SGD momentum", &c.Momentum},
		{"beta1", "Adam beta1", &c.Beta1},
		{"beta2", "Adam beta2", &c.Beta2},
		{"weight_decay", "L2 weight decay", &c.WeightDecay},
		{"loss", "focal_loss or bce", &c.Loss},
		{"reweight", "weight BCE classes from tag_weights", &c.Reweight},
		{"tag_weights", "JSON array of class weights", &c.TagWeights},
		{"tag_index", "JSON object of tag names", &c.TagIndex},
		{"lr_policy", "lambda, step, plateau or cosine", &c.LRPolicy},
		{"niter", "epochs at the initial learning rate", &c.NIter},
		{"niter_decay", "epochs to decay the learning rate to zero", &c.NIterDecay},
		{"lr_decay_iters", "step policy interval in epochs", &c.LRDecayIters},
		{"patience", "plateau policy patience in epochs", &c.Patience},
		{"batch_size", "images per batch", &c.BatchSize},
		{"score_thres", "probability threshold for a predicted tag", &c.ScoreThreshold},
		{"epoch_count", "first epoch number", &c.EpochCount},
		{"start_step", "initial global step", &c.StartStep},
		{"save_model_freq", "save a labelled checkpoint every N epochs", &c.SaveModelFreq},
		{"save_model_freq_step", "refresh the latest checkpoint every N steps", &c.SaveModelFreqStep},
		{"print_state_freq", "report progress every N steps", &c.PrintStateFreq},
		{"eval", "evaluate instead of training", &c.Eval},
		{"gt_label", "dataset has ground truth; print it with scores", &c.GTLabel},
		{"device", "execution device, e.g. cpu or cpu:4", &c.Device},
		{"load_model", "resume from load_epoch", &c.LoadModel},
		{"load_epoch", "checkpoint label to resume or evaluate", &c.LoadEpoch},
		{"dataset", "CSV or Parquet manifest", &c.Dataset},
		{"shuffle", "shuffle training samples each epoch", &c.Shuffle},
		{"not_flip", "disable random horizontal flips", &c.NotFlip},
		{"not_rotate", "disable random 180 degree rotations", &c.NotRotate},
		{"workers", "image decode workers; 0 uses the device threads", &c.Workers},
		{"preload", "decode the dataset into the cache before training", &c.Preload},
		{"max_cache_size", "decoded images kept in memory", &c.MaxCacheSize},
		{"prefetch", "batches decoded ahead on a background goroutine; 0 disables", &c.Prefetch},
		{"checkpoint_format", "json or onnx", &c.CheckpointFormat},
		{"dashboard", "record scalars to save_path/name/logs/scalars.db", &c.Dashboard},
		{"dashboard_addr", "serve the dashboard on this address while training", &c.DashboardAddr},
		{"sidecar_url", "plotting sidecar base URL", &c.SidecarURL},
		{"seed", "random seed", &c.Seed},
		{"log_level", "debug, info, warn or error", &c.LogLevel},
		{"log_output", "stdout, stderr or a file path", &c.LogOutput},
	}
}

func (b binding) set(raw string) error {
	var err error
	switch p := b.ptr.(type) {
	case *string:
		*p = raw
	case *bool:
		*p, err = strconv.ParseBool(raw)
	case *int:
		*p, err = strconv.Atoi(raw)
	case *int64:
		*p, err = strconv.ParseInt(raw, 10, 64)
	case *float64:
		*p, err = strconv.ParseFloat(raw, 64)
	default:
		err = fmt.Errorf("unsupported type %T", b.ptr)
	}
	if err != nil {
		return &Error{Field: b.key, Value: raw, Reason: "cannot parse value", Err: err}
	}
	return nil
}

// LoadEnv loads envFile (if present) into the process environment and
// applies TAGGER_* overrides to c. Variables already set are not replaced
// by the file.
func (c *Config) LoadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	for _, b := range c.bindings() {
		if raw, ok := os.LookupEnv(EnvPrefix + strings.ToUpper(b.key)); ok {
			if err := b.set(raw); err != nil {
				return err
			}
		}
	}
	return nil
}

// BindFlags registers one flag per setting on fset, using c's values as
// defaults.
func (c *Config) BindFlags(fset *flag.FlagSet) {
	for _, b := range c.bindings() {
		switch p := b.ptr.(type) {
		case *string:
			fset.StringVar(p, b.key, *p, b.usage)
		case *bool:
			fset.BoolVar(p, b.key, *p, b.usage)
		case *int:
			fset.IntVar(p, b.key, *p, b.usage)
		case *int64:
			fset.Int64Var(p, b.key, *p, b.usage)
		case *float64:
			fset.Float64Var(p, b.key, *p, b.usage)
		}
	}
}

// ApplyFlags copies the flags explicitly set on fset onto c.
func (c *Config) ApplyFlags(fset *flag.FlagSet) error {
	byKey := make(map[string]binding)
	for _, b := range c.bindings() {
		byKey[b.key] = b
	}
	var err error
	fset.Visit(func(f *flag.Flag) {
		if b, ok := byKey[f.Name]; ok && err == nil {
			err = b.set(f.Value.String())
		}
	})
	return err
}

// Options names the configuration sources.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Parse builds the configuration for a command line: defaults, then the
// -config YAML file, then the environment, then explicitly set flags.
func Parse(fset *flag.FlagSet, args []string) (*Config, error) {
	defaults := Default()
	defaults.BindFlags(fset)
	var opts Options
	fset.StringVar(&opts.ConfigFile, "config", "", "YAML configuration file")
	fset.StringVar(&opts.EnvFile, "env_file", ".env", "dotenv file with TAGGER_* overrides")
	if err := fset.Parse(args); err != nil {
		return nil, err
	}
	return Load(opts, fset)
}

// Load applies the file and environment sources to Default, then the
// flags set on fset (which may be nil).
func Load(opts Options, fset *flag.FlagSet) (*Config, error) {
	c := Default()
	if opts.ConfigFile != "" {
		if err := c.LoadFile(opts.ConfigFile); err != nil {
			return nil, err
		}
	}
	if err := c.LoadEnv(opts.EnvFile); err != nil {
		return nil, err
	}
	if fset != nil {
		if err := c.ApplyFlags(fset); err != nil {
			return nil, err
		}
	}
	return c, nil
}
