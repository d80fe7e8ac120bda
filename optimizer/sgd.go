package optimizer

import (
	"fmt"

	"github.com/tsawler/go-tagnet/tensor"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum:
// v = momentum*v + g; p -= lr*v (or lr*(g + momentum*v) with Nesterov).
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Momentum     float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float64 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	params          []*tensor.Parameter
	momentumBuffers [][]float32

	// Step tracking
	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*tensor.Parameter) (*SGDOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}
	if config.Momentum > 0 {
		sgd.momentumBuffers = make([][]float32, len(params))
		for i, p := range params {
			sgd.momentumBuffers[i] = make([]float32, p.Value.NumElems)
		}
	}
	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step() error {
	lr := float32(sgd.LearningRate)
	mu := float32(sgd.Momentum)
	wd := float32(sgd.WeightDecay)

	for i, p := range sgd.params {
		value, grad := p.Value.Data, p.Grad.Data
		for j := range value {
			g := grad[j]
			if wd != 0 {
				g += wd * value[j]
			}
			if sgd.momentumBuffers != nil {
				v := mu*sgd.momentumBuffers[i][j] + g
				sgd.momentumBuffers[i][j] = v
				if sgd.Nesterov {
					g += mu * v
				} else {
					g = v
				}
			}
			value[j] -= lr * g
		}
	}
	sgd.StepCount++
	return nil
}

// ZeroGrad clears every parameter gradient
func (sgd *SGDOptimizerState) ZeroGrad() {
	zeroGrads(sgd.params)
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float64 {
	return sgd.LearningRate
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(lr float64) {
	sgd.LearningRate = lr
}

// Name returns "SGD".
func (sgd *SGDOptimizerState) Name() string {
	return SGD.String()
}
