package training

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Policy selects how the learning rate evolves across epochs.
type Policy int

const (
	PolicyLambda Policy = iota
	PolicyStep
	PolicyPlateau
	PolicyCosine
)

func (p Policy) String() string {
	switch p {
	case PolicyLambda:
		return "lambda"
	case PolicyStep:
		return "step"
	case PolicyPlateau:
		return "plateau"
	case PolicyCosine:
		return "cosine"
	default:
		return "unknown"
	}
}

// ErrUnknownPolicy is returned for policy names outside the closed set.
var ErrUnknownPolicy = errors.New("unknown learning rate policy")

// ParsePolicy resolves "lambda", "step", "plateau" or "cosine".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lambda":
		return PolicyLambda, nil
	case "step":
		return PolicyStep, nil
	case "plateau":
		return PolicyPlateau, nil
	case "cosine":
		return PolicyCosine, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownPolicy, s)
	}
}

// LRScheduler computes the learning rate after a number of completed
// epochs. Implementations are pure functions of their arguments.
type LRScheduler interface {
	GetLR(epoch int, baseLR float64) float64
	GetName() string
}

// LambdaLRScheduler keeps the rate constant for the first NIter epochs and
// then decays it linearly to zero over NIterDecay+1 epochs. EpochCount is
// the configured starting epoch, so resumed runs continue the same curve.
type LambdaLRScheduler struct {
	EpochCount int
	NIter      int
	NIterDecay int
}

func (s *LambdaLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	over := math.Max(0, float64(epoch+s.EpochCount-s.NIter))
	return baseLR * math.Max(0, 1-over/float64(s.NIterDecay+1))
}

func (s *LambdaLRScheduler) GetName() string {
	return "LambdaLR"
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

// GetLR stays at EtaMin once the horizon is reached.
func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving.
// An observation improves on the best when it beats it by more than
// Threshold relative to the best; the rate is multiplied by Factor once
// more than Patience consecutive observations fail to improve.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Non-improving observations tolerated before reducing
	Threshold float64 // Relative improvement required
	Mode      string  // One of "min" or "max"

	bestMetric float64
	badEpochs  int
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience < 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}

	best := math.Inf(1)
	if mode == "max" {
		best = math.Inf(-1)
	}
	return &ReduceLROnPlateauScheduler{
		Factor:     factor,
		Patience:   patience,
		Threshold:  threshold,
		Mode:       mode,
		bestMetric: best,
	}
}

// Step records one observation and returns the learning rate to use next.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	var improved bool
	if s.Mode == "min" {
		improved = metric < s.bestMetric*(1-s.Threshold)
	} else {
		improved = metric > s.bestMetric*(1+s.Threshold)
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
		return currentLR
	}

	s.badEpochs++
	if s.badEpochs > s.Patience {
		s.badEpochs = 0
		return currentLR * s.Factor
	}
	return currentLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// LearningRateSetter is the part of an optimizer a Scheduler drives.
type LearningRateSetter interface {
	GetLearningRate() float64
	UpdateLearningRate(lr float64)
}

// ScheduleConfig holds the epoch counts the policies are defined over.
type ScheduleConfig struct {
	EpochCount int // first epoch of the run
	NIter      int // epochs at the initial rate
	NIterDecay int // epochs of linear decay
	DecayIters int // step policy period
	Patience   int // plateau policy patience
}

const (
	stepGamma        = 0.1
	plateauFactor    = 0.2
	plateauThreshold = 0.01
)

// Scheduler binds a policy to one optimizer. Advance is called once per
// epoch and writes the new rate into the optimizer.
type Scheduler struct {
	policy   Policy
	schedule LRScheduler
	plateau  *ReduceLROnPlateauScheduler
	opt      LearningRateSetter
	baseLR   float64
	advances int
}

// NewScheduler creates the scheduler for policy and applies its initial
// rate to opt.
func NewScheduler(policy Policy, cfg ScheduleConfig, opt LearningRateSetter) (*Scheduler, error) {
	s := &Scheduler{policy: policy, opt: opt, baseLR: opt.GetLearningRate()}

	switch policy {
	case PolicyLambda:
		s.schedule = &LambdaLRScheduler{EpochCount: cfg.EpochCount, NIter: cfg.NIter, NIterDecay: cfg.NIterDecay}
	case PolicyStep:
		if cfg.DecayIters <= 0 {
			return nil, fmt.Errorf("step policy needs a positive decay period, got %d", cfg.DecayIters)
		}
		s.schedule = NewStepLRScheduler(cfg.DecayIters, stepGamma)
	case PolicyPlateau:
		s.plateau = NewReduceLROnPlateauScheduler(plateauFactor, cfg.Patience, plateauThreshold, "min")
	case PolicyCosine:
		if cfg.NIter <= 0 {
			return nil, fmt.Errorf("cosine policy needs a positive horizon, got %d", cfg.NIter)
		}
		s.schedule = NewCosineAnnealingLRScheduler(cfg.NIter, 0)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownPolicy, int(policy))
	}

	if s.schedule != nil {
		opt.UpdateLearningRate(s.schedule.GetLR(0, s.baseLR))
	}
	return s, nil
}

// Advance moves the schedule one epoch forward. monitored is the value
// watched by the plateau policy and ignored by the others.
func (s *Scheduler) Advance(monitored float64) float64 {
	s.advances++
	var lr float64
	if s.plateau != nil {
		lr = s.plateau.Step(monitored, s.opt.GetLearningRate())
	} else {
		lr = s.schedule.GetLR(s.advances, s.baseLR)
	}
	s.opt.UpdateLearningRate(lr)
	return lr
}

// LearningRate returns the optimizer's current rate.
func (s *Scheduler) LearningRate() float64 {
	return s.opt.GetLearningRate()
}

// Policy returns the scheduler's policy.
func (s *Scheduler) Policy() Policy {
	return s.policy
}
