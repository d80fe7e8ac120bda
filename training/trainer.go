package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/tsawler/go-tagnet/checkpoints"
	"github.com/tsawler/go-tagnet/logging"
	"github.com/tsawler/go-tagnet/optimizer"
	"github.com/tsawler/go-tagnet/vision/dataloader"
	"github.com/tsawler/go-tagnet/zoo"
)

// ModelKey names the classification model inside checkpoints.
const ModelKey = "classification"

// State is the position of a Trainer in its epoch/step cycle.
type State int

const (
	EpochIdle State = iota
	StepRunning
	Checkpointing
	EpochDone
	Finished
)

func (s State) String() string {
	switch s {
	case EpochIdle:
		return "epoch-idle"
	case StepRunning:
		return "step-running"
	case Checkpointing:
		return "checkpointing"
	case EpochDone:
		return "epoch-done"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// BatchSource yields the batches of one epoch; Next returns io.EOF once
// the epoch is exhausted and Reset starts the next one.
type BatchSource interface {
	Next() (*dataloader.Batch, error)
	Reset()
	Len() int
}

// TrainingConfig holds every resolved setting the trainer needs.
type TrainingConfig struct {
	Model        zoo.Name
	ModelOptions zoo.Options

	Optimizer       optimizer.Kind
	OptimizerConfig optimizer.Config

	Loss         LossKind
	ClassWeights []float32

	Policy   Policy
	Schedule ScheduleConfig

	BatchSize int
	Threshold float64

	CheckpointDir    string
	CheckpointFormat checkpoints.CheckpointFormat

	StartStep         int64
	SaveModelFreq     int
	SaveModelFreqStep int
	PrintStateFreq    int

	Resume      bool
	ResumeLabel string
}

// LastEpoch is the final epoch number, inclusive.
func (c TrainingConfig) LastEpoch() int {
	return c.Schedule.NIter + c.Schedule.NIterDecay
}

func (c TrainingConfig) validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.SaveModelFreq <= 0 || c.SaveModelFreqStep <= 0 || c.PrintStateFreq <= 0:
		return fmt.Errorf("save/print frequencies must be positive")
	case c.CheckpointDir == "":
		return fmt.Errorf("checkpoint directory not set")
	}
	return nil
}

// Trainer drives epochs and steps over a backbone, checkpointing and
// reporting as it goes.
type Trainer struct {
	config     TrainingConfig
	model      zoo.Backbone
	optimizer  optimizer.Optimizer
	criterion  Loss
	schedulers []*Scheduler
	ckpt       *checkpoints.Manager
	data       BatchSource
	reporter   *Reporter
	logger     *logging.Logger

	state        State
	step         int64
	lastSnapshot Snapshot
}

// NewTrainer resolves the model, criterion, optimizer and scheduler and
// restores the configured checkpoint when resuming. The batch source is
// not touched until Train.
func NewTrainer(config TrainingConfig, data BatchSource, reporter *Reporter, logger *logging.Logger) (*Trainer, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	model, err := zoo.New(config.Model, config.ModelOptions)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	criterion, err := NewCriterion(config.Loss, config.ClassWeights)
	if err != nil {
		return nil, fmt.Errorf("loss: %w", err)
	}
	opt, err := optimizer.New(config.Optimizer, model.Parameters(), config.OptimizerConfig)
	if err != nil {
		return nil, fmt.Errorf("optimizer: %w", err)
	}
	sched, err := NewScheduler(config.Policy, config.Schedule, opt)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("no batch source")
	}

	ckpt, err := checkpoints.NewManager(config.CheckpointDir, config.CheckpointFormat,
		map[string]checkpoints.Stateful{ModelKey: model})
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		config:     config,
		model:      model,
		optimizer:  opt,
		criterion:  criterion,
		schedulers: []*Scheduler{sched},
		ckpt:       ckpt,
		data:       data,
		reporter:   reporter,
		logger:     logger,
		state:      EpochIdle,
		step:       config.StartStep,
	}

	if reporter != nil {
		if spec, err := zoo.Spec(config.Model, config.ModelOptions); err == nil {
			reporter.PrintModel(spec)
		}
	}

	if config.Resume {
		if err := t.resume(config.ResumeLabel); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// resume loads label into the model. The side record holds the rate the
// labelled epoch trained at. Only the plateau policy restores it; the other
// policies derive the rate from EpochCount at construction.
func (t *Trainer) resume(label string) error {
	if label == "" {
		label = checkpoints.LatestLabel
	}
	t.logger.Info("loading model from checkpoint %q", label)
	if err := t.ckpt.Load(label); err != nil {
		return fmt.Errorf("failed to resume: %w", err)
	}

	if label != checkpoints.LatestLabel && t.config.Policy == PolicyPlateau {
		state, err := t.ckpt.LoadState()
		switch {
		case err == nil && checkpoints.EpochLabel(state.Epoch) == label:
			t.optimizer.UpdateLearningRate(state.LearningRate)
			t.logger.Info("restored learning rate %.7f from epoch %d", state.LearningRate, state.Epoch)
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("failed to read training state: %w", err)
		}
	}
	t.logger.Info("model loaded from %s", t.ckpt.ParamsPath(label, ModelKey))
	return nil
}

// Train runs epochs EpochCount..LastEpoch. It stops between steps when ctx
// is cancelled and returns ctx.Err().
func (t *Trainer) Train(ctx context.Context) error {
	last := t.config.LastEpoch()
	if t.reporter != nil {
		t.reporter.Start()
	}

	for epoch := t.config.Schedule.EpochCount; epoch <= last; epoch++ {
		t.state = EpochIdle
		t.data.Reset()

		var latest StepResult
		idx := 0
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, err := t.data.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("epoch %d step %d: failed to load batch: %w", epoch, idx, err)
			}

			t.state = StepRunning
			latest, err = t.trainStep(batch)
			if err != nil {
				return fmt.Errorf("epoch %d step %d: %w", epoch, idx, err)
			}

			if idx%t.config.PrintStateFreq == 0 {
				if err := t.reportStep(epoch, idx, latest); err != nil {
					return err
				}
			}
			if idx%t.config.SaveModelFreqStep == 0 {
				if err := t.save(checkpoints.LatestLabel, epoch); err != nil {
					return err
				}
			}
			t.step++
			idx++
		}
		if idx == 0 {
			return fmt.Errorf("epoch %d: dataset yielded no batches", epoch)
		}

		if err := t.save(checkpoints.LatestLabel, epoch); err != nil {
			return err
		}
		t.state = EpochDone
		if err := t.reportEpoch(epoch, latest); err != nil {
			return err
		}
		if epoch%t.config.SaveModelFreq == 0 {
			err := t.save(checkpoints.EpochLabel(epoch), epoch)
			if errors.Is(err, checkpoints.ErrImmutable) {
				t.logger.Warn("keeping existing checkpoint for epoch %d: %v", epoch, err)
			} else if err != nil {
				return err
			}
		}

		monitored, _ := t.lastSnapshot.Get(LossMetric)
		for _, s := range t.schedulers {
			s.Advance(monitored)
		}
	}

	t.state = Finished
	return nil
}

// trainStep is the atomic unit of work: zero grads, forward, loss divided
// by the batch size, backward, one optimizer update.
func (t *Trainer) trainStep(batch *dataloader.Batch) (StepResult, error) {
	t.optimizer.ZeroGrad()

	pred, err := t.model.Forward(batch.Images)
	if err != nil {
		return StepResult{}, fmt.Errorf("forward: %w", err)
	}
	loss, err := t.criterion.Forward(pred, batch.Labels)
	if err != nil {
		return StepResult{}, fmt.Errorf("loss: %w", err)
	}
	grad, err := t.criterion.Backward(pred, batch.Labels)
	if err != nil {
		return StepResult{}, fmt.Errorf("loss gradient: %w", err)
	}

	scale := 1 / float64(t.config.BatchSize)
	grad.Scale(float32(scale))
	if err := t.model.Backward(grad); err != nil {
		return StepResult{}, fmt.Errorf("backward: %w", err)
	}
	if err := t.optimizer.Step(); err != nil {
		return StepResult{}, fmt.Errorf("optimizer step: %w", err)
	}

	return StepResult{
		Predictions: pred.Clone(),
		Labels:      batch.Labels,
		Loss:        loss * scale,
		HasLoss:     true,
	}, nil
}

func (t *Trainer) reportStep(epoch, idx int, r StepResult) error {
	snap, err := NewSnapshot(r, t.config.Threshold)
	if err != nil {
		return err
	}
	t.lastSnapshot = snap
	if t.reporter == nil {
		return nil
	}
	return t.reporter.Step(StepReport{
		Epoch:         epoch,
		LastEpoch:     t.config.LastEpoch(),
		Step:          idx + 1,
		StepsPerEpoch: t.data.Len(),
		GlobalStep:    t.step,
		LearningRate:  t.optimizer.GetLearningRate(),
		Metrics:       snap,
	})
}

func (t *Trainer) reportEpoch(epoch int, r StepResult) error {
	snap, err := NewSnapshot(r, t.config.Threshold)
	if err != nil {
		return err
	}
	t.lastSnapshot = snap
	if t.reporter == nil {
		return nil
	}
	return t.reporter.Epoch(EpochReport{
		Epoch:        epoch,
		LastEpoch:    t.config.LastEpoch(),
		LearningRate: t.optimizer.GetLearningRate(),
		Metrics:      snap,
	})
}

func (t *Trainer) save(label string, epoch int) error {
	prev := t.state
	t.state = Checkpointing
	defer func() { t.state = prev }()

	state := checkpoints.TrainingState{Epoch: epoch, LearningRate: t.optimizer.GetLearningRate()}
	if err := t.ckpt.Save(label, state); err != nil {
		return fmt.Errorf("checkpoint %q: %w", label, err)
	}
	t.logger.Debug("saved checkpoint %q at step %d", label, t.step)
	return nil
}

// State returns the trainer's current state.
func (t *Trainer) State() State {
	return t.state
}

// GlobalStep returns the number of steps taken, offset by StartStep.
func (t *Trainer) GlobalStep() int64 {
	return t.step
}

// LearningRate returns the optimizer's current rate.
func (t *Trainer) LearningRate() float64 {
	return t.optimizer.GetLearningRate()
}

// LastSnapshot returns the most recently reported metrics.
func (t *Trainer) LastSnapshot() Snapshot {
	return t.lastSnapshot
}

// Model returns the backbone being trained.
func (t *Trainer) Model() zoo.Backbone {
	return t.model
}

// Checkpoints returns the manager writing this run's checkpoints.
func (t *Trainer) Checkpoints() *checkpoints.Manager {
	return t.ckpt
}
