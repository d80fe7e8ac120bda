// Package inference runs a trained tagger over a dataset and prints the
// thresholded labels for every image.
package inference

import (
	"context"
	"fmt"
	"io"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-tagnet/checkpoints"
	"github.com/tsawler/go-tagnet/logging"
	"github.com/tsawler/go-tagnet/tensor"
	"github.com/tsawler/go-tagnet/training"
	"github.com/tsawler/go-tagnet/vision/dataloader"
	"github.com/tsawler/go-tagnet/vision/dataset"
	"github.com/tsawler/go-tagnet/zoo"
)

// BatchSource yields evaluation batches; Next returns io.EOF at the end.
type BatchSource interface {
	Next() (*dataloader.Batch, error)
}

// Config holds the resolved evaluation settings.
type Config struct {
	Model        zoo.Name
	ModelOptions zoo.Options

	CheckpointDir    string
	CheckpointFormat checkpoints.CheckpointFormat
	Label            string

	Threshold   float64
	GroundTruth bool
}

// Tag is one predicted label.
type Tag struct {
	Index       int
	Name        string
	Probability float64
}

// Result is the outcome for a single image.
type Result struct {
	Path      string
	Predicted []Tag
	// Truth and Score are only set when ground truth is available.
	Truth []Tag
	Score training.Snapshot
}

// Evaluator loads a checkpoint into a backbone and scores images with it.
type Evaluator struct {
	config Config
	model  zoo.Backbone
	tags   dataset.TagIndex
	out    io.Writer
	logger *logging.Logger
}

// NewEvaluator builds the model, loads config.Label (latest when empty)
// and switches the model to inference mode.
func NewEvaluator(config Config, tags dataset.TagIndex, out io.Writer, logger *logging.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if out == nil {
		out = io.Discard
	}
	if config.Label == "" {
		config.Label = checkpoints.LatestLabel
	}

	model, err := zoo.New(config.Model, config.ModelOptions)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	ckpt, err := checkpoints.NewManager(config.CheckpointDir, config.CheckpointFormat,
		map[string]checkpoints.Stateful{training.ModelKey: model})
	if err != nil {
		return nil, err
	}
	if err := ckpt.Load(config.Label); err != nil {
		return nil, fmt.Errorf("failed to load evaluation weights: %w", err)
	}
	model.SetTraining(false)
	logger.Info("evaluating %s with checkpoint %s", config.Model, ckpt.ParamsPath(config.Label, training.ModelKey))

	return &Evaluator{
		config: config,
		model:  model,
		tags:   tags,
		out:    out,
		logger: logger,
	}, nil
}

// Run evaluates every batch from src in order and prints one block per
// image. It returns the number of images evaluated.
func (e *Evaluator) Run(ctx context.Context, src BatchSource) (int, error) {
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		batch, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("image %d: failed to load batch: %w", count, err)
		}

		results, err := e.Evaluate(batch)
		if err != nil {
			return count, err
		}
		for _, r := range results {
			if err := e.Print(r); err != nil {
				return count, err
			}
			count++
		}
	}
	e.logger.Info("evaluated %d images", count)
	return count, nil
}

// Evaluate scores one batch. Labels are consulted only in ground-truth mode.
func (e *Evaluator) Evaluate(batch *dataloader.Batch) ([]Result, error) {
	probs, err := e.model.Forward(batch.Images)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	rows, cols := probs.Rows()

	results := make([]Result, rows)
	for i := 0; i < rows; i++ {
		p := probs.Row(i)
		r := Result{Predicted: e.rank(p, func(v float64) bool { return v >= e.config.Threshold })}
		if i < len(batch.Paths) {
			r.Path = batch.Paths[i]
		}

		if e.config.GroundTruth {
			if batch.Labels == nil {
				return nil, fmt.Errorf("ground truth requested but batch has no labels")
			}
			y := batch.Labels.Row(i)
			r.Truth = e.rank(y, func(v float64) bool { return v >= 1 })

			device := tensor.Device{Type: batch.Labels.Device, Threads: 1}
			pred, err := tensor.FromData(device, append([]float32(nil), p...), 1, cols)
			if err != nil {
				return nil, err
			}
			gt, err := tensor.FromData(device, append([]float32(nil), y...), 1, cols)
			if err != nil {
				return nil, err
			}
			r.Score, err = training.NewSnapshot(training.StepResult{Predictions: pred, Labels: gt}, e.config.Threshold)
			if err != nil {
				return nil, err
			}
		}
		results[i] = r
	}
	return results, nil
}

// rank orders values descending and keeps the leading run that satisfies
// keep.
func (e *Evaluator) rank(values []float32, keep func(float64) bool) []Tag {
	neg := make([]float64, len(values))
	for i, v := range values {
		neg[i] = -float64(v)
	}
	inds := make([]int, len(values))
	floats.Argsort(neg, inds)

	var tags []Tag
	for k, i := range inds {
		v := -neg[k]
		if !keep(v) {
			break
		}
		tags = append(tags, Tag{Index: i, Name: e.tags.Name(i), Probability: v})
	}
	return tags
}

// Print writes r in the evaluation report format.
func (e *Evaluator) Print(r Result) error {
	_, err := io.WriteString(e.out, FormatResult(r, e.config.GroundTruth))
	return err
}

// FormatResult renders one image block, including the trailing blank line.
func FormatResult(r Result, groundTruth bool) string {
	s := fmt.Sprintf("image file: %s\nprediction labels:\n", r.Path)
	for _, t := range r.Predicted {
		s += fmt.Sprintf("%s: %.4f, ", t.Name, t.Probability)
	}
	if groundTruth {
		s += "\nground truth labels:\n"
		for _, t := range r.Truth {
			s += t.Name + ", "
		}
		s += "\nEvaluation score\n"
		for _, m := range r.Score {
			s += fmt.Sprintf("%s: %v\n", m.Type, m.Value)
		}
	}
	return s + "\n"
}

// Model returns the loaded backbone.
func (e *Evaluator) Model() zoo.Backbone {
	return e.model
}
