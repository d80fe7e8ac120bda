package training

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-tagnet/tensor"
)

// Loss is a criterion over per-class probabilities in [0,1] and 0/1
// targets of the same shape. Forward returns the reduced loss and Backward
// its gradient with respect to the probabilities.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (float64, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// LossKind selects a criterion.
type LossKind int

const (
	LossFocal LossKind = iota
	LossBCE
)

func (k LossKind) String() string {
	switch k {
	case LossFocal:
		return "focal_loss"
	case LossBCE:
		return "bce"
	default:
		return "unknown"
	}
}

// ErrUnknownLoss is returned for loss names outside the closed set.
var ErrUnknownLoss = errors.New("unknown loss")

// ParseLossKind resolves "focal_loss" (or "focal") and "bce".
func ParseLossKind(s string) (LossKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "focal_loss", "focal":
		return LossFocal, nil
	case "bce", "bce_loss":
		return LossBCE, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownLoss, s)
	}
}

// NewCriterion builds the loss for kind. weights, if non-nil, holds one
// weight per class and is only used by LossBCE.
func NewCriterion(kind LossKind, weights []float32) (Loss, error) {
	switch kind {
	case LossFocal:
		return NewFocalLoss(DefaultFocalAlpha, DefaultFocalGamma), nil
	case LossBCE:
		return NewBCELoss(weights), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownLoss, int(kind))
	}
}

func checkPair(predicted, target *tensor.Tensor) error {
	if !tensor.SameShape(predicted.Shape, target.Shape) {
		return fmt.Errorf("predicted shape %v does not match target shape %v", predicted.Shape, target.Shape)
	}
	return nil
}

const (
	DefaultFocalAlpha = 0.2
	DefaultFocalGamma = 2.0

	focalClamp = 1e-7
)

// FocalLoss is the sum-reduced binary focal loss
//
//	-alpha * (1-p)^gamma * log(p)       for positive targets
//	-(1-alpha) * p^gamma * log(1-p)     for negative targets
//
// with p clamped away from 0 and 1.
type FocalLoss struct {
	Alpha float64
	Gamma float64
}

// NewFocalLoss creates a focal loss.
func NewFocalLoss(alpha, gamma float64) *FocalLoss {
	return &FocalLoss{Alpha: alpha, Gamma: gamma}
}

func (f *FocalLoss) Name() string { return LossFocal.String() }

func (f *FocalLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkPair(predicted, target); err != nil {
		return 0, err
	}
	var sum float64
	for i, v := range predicted.Data {
		p := clamp(float64(v), focalClamp, 1-focalClamp)
		if target.Data[i] >= 0.5 {
			sum -= f.Alpha * math.Pow(1-p, f.Gamma) * math.Log(p)
		} else {
			sum -= (1 - f.Alpha) * math.Pow(p, f.Gamma) * math.Log(1-p)
		}
	}
	return sum, nil
}

func (f *FocalLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkPair(predicted, target); err != nil {
		return nil, err
	}
	grad := tensor.ZerosLike(predicted)
	for i, v := range predicted.Data {
		p := clamp(float64(v), focalClamp, 1-focalClamp)
		var g float64
		if target.Data[i] >= 0.5 {
			g = f.Alpha * (f.Gamma*math.Pow(1-p, f.Gamma-1)*math.Log(p) - math.Pow(1-p, f.Gamma)/p)
		} else {
			g = -(1 - f.Alpha) * (f.Gamma*math.Pow(p, f.Gamma-1)*math.Log(1-p) - math.Pow(p, f.Gamma)/(1-p))
		}
		grad.Data[i] = float32(g)
	}
	return grad, nil
}

// bceLogFloor bounds log terms so saturated probabilities give a finite loss.
const bceLogFloor = -100

// BCELoss is the sum-reduced binary cross-entropy over probabilities with
// optional per-class weights broadcast over the batch.
type BCELoss struct {
	Weights []float32
}

// NewBCELoss creates a binary cross-entropy loss. A nil weights slice
// weighs every class equally.
func NewBCELoss(weights []float32) *BCELoss {
	return &BCELoss{Weights: weights}
}

func (b *BCELoss) Name() string { return LossBCE.String() }

func (b *BCELoss) weight(i, classes int) float64 {
	if b.Weights == nil {
		return 1
	}
	return float64(b.Weights[i%classes])
}

func (b *BCELoss) check(predicted, target *tensor.Tensor) (int, error) {
	if err := checkPair(predicted, target); err != nil {
		return 0, err
	}
	_, classes := predicted.Rows()
	if b.Weights != nil && len(b.Weights) != classes {
		return 0, fmt.Errorf("bce has %d class weights for %d classes", len(b.Weights), classes)
	}
	return classes, nil
}

func (b *BCELoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	classes, err := b.check(predicted, target)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i, v := range predicted.Data {
		p, y := float64(v), float64(target.Data[i])
		logP := math.Max(math.Log(p), bceLogFloor)
		log1P := math.Max(math.Log(1-p), bceLogFloor)
		sum -= b.weight(i, classes) * (y*logP + (1-y)*log1P)
	}
	return sum, nil
}

func (b *BCELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	classes, err := b.check(predicted, target)
	if err != nil {
		return nil, err
	}
	grad := tensor.ZerosLike(predicted)
	for i, v := range predicted.Data {
		p, y := float64(v), float64(target.Data[i])
		grad.Data[i] = float32(b.weight(i, classes) * (p - y) / math.Max(p*(1-p), 1e-12))
	}
	return grad, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
