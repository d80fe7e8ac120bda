package training

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-tagnet/tensor"
)

// MetricType names the values in a metrics snapshot.
type MetricType int

const (
	LossMetric MetricType = iota
	Accuracy
	Precision
	Recall
	MicroF2Score
)

func (mt MetricType) String() string {
	switch mt {
	case LossMetric:
		return "loss"
	case Accuracy:
		return "accuracy"
	case Precision:
		return "precision"
	case Recall:
		return "recall"
	case MicroF2Score:
		return "micro-F2-score"
	default:
		return fmt.Sprintf("unknown(%d)", int(mt))
	}
}

// metricEpsilon keeps every ratio finite when its denominator is zero.
const metricEpsilon = 1e-7

// ConfusionMatrix holds element-wise counts over a batch of multi-label
// predictions. Each element is coded pred + 2*gt: 0 TN, 1 FP, 2 FN, 3 TP.
type ConfusionMatrix struct {
	TN, FP, FN, TP int
}

// ComputeConfusion binarizes predictions at threshold (values >= threshold
// are positive) and counts them against 0/1 labels of the same shape.
func ComputeConfusion(predictions, labels *tensor.Tensor, threshold float64) (ConfusionMatrix, error) {
	var cm ConfusionMatrix
	if !tensor.SameShape(predictions.Shape, labels.Shape) {
		return cm, fmt.Errorf("prediction shape %v does not match label shape %v", predictions.Shape, labels.Shape)
	}

	thr := float32(threshold)
	for i, p := range predictions.Data {
		code := 0
		if p >= thr {
			code = 1
		}
		if labels.Data[i] >= 0.5 {
			code += 2
		}
		switch code {
		case 0:
			cm.TN++
		case 1:
			cm.FP++
		case 2:
			cm.FN++
		case 3:
			cm.TP++
		}
	}
	return cm, nil
}

// Accuracy is TP / (TP + FP + FN); true negatives are ignored.
func (cm ConfusionMatrix) Accuracy() float64 {
	return float64(cm.TP) / (float64(cm.TP+cm.FP+cm.FN) + metricEpsilon)
}

func (cm ConfusionMatrix) Precision() float64 {
	return float64(cm.TP) / (float64(cm.TP+cm.FP) + metricEpsilon)
}

func (cm ConfusionMatrix) Recall() float64 {
	return float64(cm.TP) / (float64(cm.TP+cm.FN) + metricEpsilon)
}

// F2 weights recall four times as heavily as precision.
func (cm ConfusionMatrix) F2() float64 {
	p, r := cm.Precision(), cm.Recall()
	return 5 * p * r / (r + 4*p + metricEpsilon)
}

// StepResult carries the outcome of one forward pass to metrics and
// reporting.
type StepResult struct {
	Predictions *tensor.Tensor
	Labels      *tensor.Tensor
	Loss        float64
	HasLoss     bool
}

// Metric is one named value of a snapshot.
type Metric struct {
	Type  MetricType
	Value float64
}

// Snapshot is an ordered set of metrics computed from a single batch.
type Snapshot []Metric

// NewSnapshot computes the batch metrics of r; the loss is included only
// when r carries one.
func NewSnapshot(r StepResult, threshold float64) (Snapshot, error) {
	cm, err := ComputeConfusion(r.Predictions, r.Labels, threshold)
	if err != nil {
		return nil, err
	}
	s := make(Snapshot, 0, 5)
	if r.HasLoss {
		s = append(s, Metric{LossMetric, r.Loss})
	}
	return append(s,
		Metric{Accuracy, cm.Accuracy()},
		Metric{Precision, cm.Precision()},
		Metric{Recall, cm.Recall()},
		Metric{MicroF2Score, cm.F2()},
	), nil
}

// Get returns the value of mt, if present.
func (s Snapshot) Get(mt MetricType) (float64, bool) {
	for _, m := range s {
		if m.Type == mt {
			return m.Value, true
		}
	}
	return 0, false
}

// Suffix renders ", name: value" for every metric, as appended to
// progress lines.
func (s Snapshot) Suffix() string {
	var sb strings.Builder
	for _, m := range s {
		fmt.Fprintf(&sb, ", %s: %.7f", m.Type, m.Value)
	}
	return sb.String()
}
