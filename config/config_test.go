package config

import (
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-tagnet/checkpoints"
	"github.com/tsawler/go-tagnet/optimizer"
	"github.com/tsawler/go-tagnet/tensor"
	"github.com/tsawler/go-tagnet/training"
	"github.com/tsawler/go-tagnet/zoo"
)

func TestDefaultIsValid(t *testing.T) {
	r, err := Default().Validate()
	if err != nil {
		t.Fatalf("default configuration rejected: %v", err)
	}
	if r.Model != zoo.ResNet50 || r.Optimizer != optimizer.Adam || r.Loss != training.LossFocal ||
		r.Policy != training.PolicyLambda || r.Format != checkpoints.FormatJSON || r.Device.Type != tensor.CPU {
		t.Errorf("resolved = %+v", r)
	}
}

func TestValidateReportsField(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(c *Config)
		cause  error
	}{
		{"model", func(c *Config) { c.Model = "resnet99" }, zoo.ErrUnknownModel},
		{"optimizer", func(c *Config) { c.Optimizer = "lbfgs" }, optimizer.ErrUnknownOptimizer},
		{"loss", func(c *Config) { c.Loss = "hinge" }, training.ErrUnknownLoss},
		{"lr_policy", func(c *Config) { c.LRPolicy = "linear" }, training.ErrUnknownPolicy},
		{"device", func(c *Config) { c.Device = "cuda:0" }, tensor.ErrDeviceUnavailable},
		{"checkpoint_format", func(c *Config) { c.CheckpointFormat = "pth" }, nil},
		{"log_level", func(c *Config) { c.LogLevel = "loud" }, nil},
		{"num_classes", func(c *Config) { c.NumClasses = 0 }, nil},
		{"batch_size", func(c *Config) { c.BatchSize = -1 }, nil},
		{"score_thres", func(c *Config) { c.ScoreThreshold = 1.5 }, nil},
		{"grid", func(c *Config) { c.Grid = 500 }, nil},
		{"lr_decay_iters", func(c *Config) { c.LRPolicy = "step"; c.LRDecayIters = 0 }, nil},
		{"tag_weights", func(c *Config) { c.Reweight = true; c.TagWeights = "" }, nil},
		{"print_state_freq", func(c *Config) { c.PrintStateFreq = 0 }, nil},
		{"prefetch", func(c *Config) { c.Prefetch = -1 }, nil},
		{"load_epoch", func(c *Config) { c.Eval = true; c.LoadEpoch = "" }, nil},
	}
	for _, test := range tests {
		c := Default()
		test.mutate(c)
		_, err := c.Validate()

		var cerr *Error
		if !errors.As(err, &cerr) {
			t.Errorf("%s: expected *Error, got %v", test.field, err)
			continue
		}
		if cerr.Field != test.field {
			t.Errorf("%s: error names field %q", test.field, cerr.Field)
		}
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: error does not wrap ErrInvalid", test.field)
		}
		if test.cause != nil && !errors.Is(err, test.cause) {
			t.Errorf("%s: error does not wrap %v", test.field, test.cause)
		}
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSourcePrecedence(t *testing.T) {
	dir := t.TempDir()
	yamlPath := writeFile(t, dir, "run.yaml", "name: from-file\nbatch_size: 8\nniter: 3\nmodel: senet50\n")
	envPath := writeFile(t, dir, "run.env", "TAGGER_NITER=7\n")
	t.Setenv("TAGGER_BATCH_SIZE", "4")
	// godotenv exports the file's variables into the process
	t.Cleanup(func() { os.Unsetenv("TAGGER_NITER") })

	fset := flag.NewFlagSet("test", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	c, err := Parse(fset, []string{"-config", yamlPath, "-env_file", envPath, "-batch_size", "2", "-gt_label"})
	if err != nil {
		t.Fatal(err)
	}

	if c.Name != "from-file" || c.Model != "senet50" {
		t.Errorf("file values lost: name=%s model=%s", c.Name, c.Model)
	}
	if c.NIter != 7 {
		t.Errorf("niter = %d, expected the .env value 7", c.NIter)
	}
	if c.BatchSize != 2 {
		t.Errorf("batch_size = %d, expected the flag value 2", c.BatchSize)
	}
	if !c.GTLabel {
		t.Error("gt_label flag not applied")
	}
	if c.NIterDecay != Default().NIterDecay {
		t.Errorf("untouched setting changed: niter_decay = %d", c.NIterDecay)
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "modle: resnet34\n")
	if err := Default().LoadFile(path); err == nil {
		t.Error("expected error for misspelled key")
	}
}

func TestBadEnvValue(t *testing.T) {
	t.Setenv("TAGGER_NUM_CLASSES", "many")
	err := Default().LoadEnv("")
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Field != "num_classes" {
		t.Errorf("expected num_classes error, got %v", err)
	}
}

func TestConversions(t *testing.T) {
	c := Default()
	c.SavePath = "ckpt"
	c.Name = "exp"
	c.Workers = 3
	c.NotRotate = true
	r, err := c.Validate()
	if err != nil {
		t.Fatal(err)
	}

	tc := c.TrainingConfig(r, []float32{1, 2}, nil)
	if tc.CheckpointDir != filepath.Join("ckpt", "exp") || tc.Schedule.NIter != c.NIter || len(tc.ClassWeights) != 2 {
		t.Errorf("training config = %+v", tc)
	}
	if tc.LastEpoch() != c.NIter+c.NIterDecay {
		t.Errorf("last epoch = %d", tc.LastEpoch())
	}

	lc := c.LoaderConfig(r)
	if lc.Device.Threads != 3 || !lc.Augment.Flip || lc.Augment.Rotate || lc.BatchSize != c.BatchSize {
		t.Errorf("loader config = %+v", lc)
	}

	c.Eval = true
	c.PretrainedModel = "weights.json"
	lc = c.LoaderConfig(r)
	if lc.BatchSize != 1 || lc.Shuffle || lc.Augment.Enabled() {
		t.Errorf("evaluation loader config = %+v", lc)
	}
	ec := c.EvaluatorConfig(r, nil)
	if ec.Label != checkpoints.LatestLabel || ec.ModelOptions.Pretrained != "" || ec.Threshold != c.ScoreThreshold {
		t.Errorf("evaluator config = %+v", ec)
	}
}
