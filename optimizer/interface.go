package optimizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tsawler/go-tagnet/tensor"
)

// Optimizer updates parameters in place from their accumulated gradients.
type Optimizer interface {
	// Step applies one update using the current gradients.
	Step() error

	// ZeroGrad clears every parameter gradient.
	ZeroGrad()

	// GetStepCount returns the number of completed steps.
	GetStepCount() uint64

	// GetLearningRate returns the current learning rate.
	GetLearningRate() float64

	// UpdateLearningRate replaces the learning rate used by later steps.
	UpdateLearningRate(lr float64)

	// Name identifies the algorithm.
	Name() string
}

// Kind selects an optimizer.
type Kind int

const (
	SGD Kind = iota
	Adam
)

func (k Kind) String() string {
	switch k {
	case SGD:
		return "SGD"
	case Adam:
		return "Adam"
	default:
		return "Unknown"
	}
}

// ErrUnknownOptimizer is returned for names other than sgd and adam.
var ErrUnknownOptimizer = errors.New("unknown optimizer")

// ParseKind resolves "sgd" or "adam".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sgd":
		return SGD, nil
	case "adam":
		return Adam, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownOptimizer, s)
	}
}

// Config carries the hyperparameters of both algorithms; each uses the
// fields that apply to it.
type Config struct {
	LearningRate float64
	Momentum     float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// New builds the optimizer of the given kind over params.
func New(kind Kind, params []*tensor.Parameter, cfg Config) (Optimizer, error) {
	switch kind {
	case SGD:
		return NewSGDOptimizer(SGDConfig{
			LearningRate: cfg.LearningRate,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
		}, params)
	case Adam:
		eps := cfg.Epsilon
		if eps == 0 {
			eps = DefaultAdamConfig().Epsilon
		}
		return NewAdamOptimizer(AdamConfig{
			LearningRate: cfg.LearningRate,
			Beta1:        cfg.Beta1,
			Beta2:        cfg.Beta2,
			Epsilon:      eps,
			WeightDecay:  cfg.WeightDecay,
		}, params)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOptimizer, kind)
	}
}

func zeroGrads(params []*tensor.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

func validateParams(params []*tensor.Parameter) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	for _, p := range params {
		if p.Grad == nil || p.Grad.NumElems != p.Value.NumElems {
			return fmt.Errorf("parameter %s has no matching gradient buffer", p.Name)
		}
	}
	return nil
}
