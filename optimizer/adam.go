package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-tagnet/tensor"
)

// AdamOptimizerState holds first and second moment estimates per parameter
// and applies bias-corrected Adam updates.
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient

	params          []*tensor.Parameter
	momentumBuffers [][]float32
	varianceBuffers [][]float32

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer over params
func NewAdamOptimizer(config AdamConfig, params []*tensor.Parameter) (*AdamOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1), got %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1), got %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %f", config.Epsilon)
	}

	adam := &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		params:          params,
		momentumBuffers: make([][]float32, len(params)),
		varianceBuffers: make([][]float32, len(params)),
	}
	for i, p := range params {
		adam.momentumBuffers[i] = make([]float32, p.Value.NumElems)
		adam.varianceBuffers[i] = make([]float32, p.Value.NumElems)
	}
	return adam, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++
	t := float64(adam.StepCount)
	b1, b2 := float32(adam.Beta1), float32(adam.Beta2)
	correction1 := 1 - math.Pow(adam.Beta1, t)
	correction2 := 1 - math.Pow(adam.Beta2, t)
	stepSize := float32(adam.LearningRate / correction1)
	sqrtCorrection2 := float32(math.Sqrt(correction2))
	eps := float32(adam.Epsilon)
	wd := float32(adam.WeightDecay)

	for i, p := range adam.params {
		value, grad := p.Value.Data, p.Grad.Data
		m, v := adam.momentumBuffers[i], adam.varianceBuffers[i]
		for j := range value {
			g := grad[j]
			if wd != 0 {
				g += wd * value[j]
			}
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			denom := float32(math.Sqrt(float64(v[j])))/sqrtCorrection2 + eps
			value[j] -= stepSize * m[j] / denom
		}
	}
	return nil
}

// ZeroGrad clears every parameter gradient
func (adam *AdamOptimizerState) ZeroGrad() {
	zeroGrads(adam.params)
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetLearningRate returns the current learning rate
func (adam *AdamOptimizerState) GetLearningRate() float64 {
	return adam.LearningRate
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(lr float64) {
	adam.LearningRate = lr
}

// Name returns "Adam".
func (adam *AdamOptimizerState) Name() string {
	return Adam.String()
}
