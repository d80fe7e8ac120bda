package config

import (
	"github.com/tsawler/go-tagnet/inference"
	"github.com/tsawler/go-tagnet/logging"
	"github.com/tsawler/go-tagnet/optimizer"
	"github.com/tsawler/go-tagnet/training"
	"github.com/tsawler/go-tagnet/vision/dataloader"
	"github.com/tsawler/go-tagnet/vision/preprocessing"
	"github.com/tsawler/go-tagnet/zoo"
)

// ModelOptions returns the backbone construction options. Evaluation never
// loads pretrained weights since the checkpoint replaces them.
func (c *Config) ModelOptions(r *Resolved, logger *logging.Logger) zoo.Options {
	opts := zoo.Options{
		NumClasses: c.NumClasses,
		ImageSize:  c.ImageSize,
		Width:      c.Width,
		Grid:       c.Grid,
		Device:     r.Device,
		Seed:       c.Seed,
		Logger:     logger,
	}
	if !c.Eval {
		opts.Pretrained = c.PretrainedModel
	}
	return opts
}

// TrainingConfig returns the trainer settings. weights holds the per-class
// BCE weights when reweighting is enabled.
func (c *Config) TrainingConfig(r *Resolved, weights []float32, logger *logging.Logger) training.TrainingConfig {
	return training.TrainingConfig{
		Model:        r.Model,
		ModelOptions: c.ModelOptions(r, logger),
		Optimizer:    r.Optimizer,
		OptimizerConfig: optimizer.Config{
			LearningRate: c.LearningRate,
			Momentum:     c.Momentum,
			Beta1:        c.Beta1,
			Beta2:        c.Beta2,
			WeightDecay:  c.WeightDecay,
		},
		Loss:         r.Loss,
		ClassWeights: weights,
		Policy:       r.Policy,
		Schedule: training.ScheduleConfig{
			EpochCount: c.EpochCount,
			NIter:      c.NIter,
			NIterDecay: c.NIterDecay,
			DecayIters: c.LRDecayIters,
			Patience:   c.Patience,
		},
		BatchSize:         c.BatchSize,
		Threshold:         c.ScoreThreshold,
		CheckpointDir:     c.CheckpointDir(),
		CheckpointFormat:  r.Format,
		StartStep:         c.StartStep,
		SaveModelFreq:     c.SaveModelFreq,
		SaveModelFreqStep: c.SaveModelFreqStep,
		PrintStateFreq:    c.PrintStateFreq,
		Resume:            c.LoadModel,
		ResumeLabel:       c.LoadEpoch,
	}
}

// EvaluatorConfig returns the evaluation settings.
func (c *Config) EvaluatorConfig(r *Resolved, logger *logging.Logger) inference.Config {
	return inference.Config{
		Model:            r.Model,
		ModelOptions:     c.ModelOptions(r, logger),
		CheckpointDir:    c.CheckpointDir(),
		CheckpointFormat: r.Format,
		Label:            c.LoadEpoch,
		Threshold:        c.ScoreThreshold,
		GroundTruth:      c.GTLabel,
	}
}

// LoaderConfig returns the dataloader settings. Evaluation reads one image
// at a time, in order, without augmentation.
func (c *Config) LoaderConfig(r *Resolved) dataloader.Config {
	device := r.Device
	if c.Workers > 0 {
		device.Threads = c.Workers
	}
	cfg := dataloader.Config{
		BatchSize:    c.BatchSize,
		Shuffle:      c.Shuffle,
		ImageSize:    c.ImageSize,
		MaxCacheSize: c.MaxCacheSize,
		Augment:      preprocessing.Augmentation{Flip: !c.NotFlip, Rotate: !c.NotRotate},
		Device:       device,
		Seed:         c.Seed,
	}
	if c.Eval {
		cfg.BatchSize = 1
		cfg.Shuffle = false
		cfg.Augment = preprocessing.Augmentation{}
	}
	return cfg
}
