package training

import (
	"math"
	"strings"
	"testing"

	"github.com/tsawler/go-tagnet/tensor"
)

func mustTensor(t *testing.T, data []float32, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromData(tensor.Device{Type: tensor.CPU, Threads: 1}, data, shape...)
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func TestPerfectBatchScenario(t *testing.T) {
	pred := mustTensor(t, []float32{0.9, 0.1, 0.6, 0.2, 0.8, 0.3}, 2, 3)
	gt := mustTensor(t, []float32{1, 0, 1, 0, 1, 0}, 2, 3)

	cm, err := ComputeConfusion(pred, gt, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if cm != (ConfusionMatrix{TN: 3, FP: 0, FN: 0, TP: 3}) {
		t.Fatalf("confusion = %+v", cm)
	}
	for name, v := range map[string]float64{
		"accuracy": cm.Accuracy(), "precision": cm.Precision(), "recall": cm.Recall(), "F2": cm.F2(),
	} {
		if math.Abs(v-1) > 1e-6 {
			t.Errorf("%s = %v, expected 1", name, v)
		}
	}
}

func TestThresholdIsInclusive(t *testing.T) {
	pred := mustTensor(t, []float32{0.5, 0.49999}, 1, 2)
	gt := mustTensor(t, []float32{1, 1}, 1, 2)
	cm, err := ComputeConfusion(pred, gt, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if cm.TP != 1 || cm.FN != 1 {
		t.Errorf("confusion = %+v, expected one TP and one FN", cm)
	}
}

func TestEmptyPositivesCollapseToZero(t *testing.T) {
	pred := mustTensor(t, []float32{0.1, 0.2, 0.3}, 1, 3)
	gt := mustTensor(t, []float32{0, 0, 0}, 1, 3)
	cm, err := ComputeConfusion(pred, gt, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []float64{cm.Accuracy(), cm.Precision(), cm.Recall(), cm.F2()} {
		if v != 0 || math.IsNaN(v) {
			t.Errorf("metric = %v, expected 0", v)
		}
	}
}

func TestMetricsStayInUnitInterval(t *testing.T) {
	cases := []ConfusionMatrix{
		{TP: 1},
		{FP: 4},
		{FN: 2},
		{TP: 3, FP: 1, FN: 7, TN: 2},
		{TP: 1000000, FP: 1},
	}
	for _, cm := range cases {
		for _, v := range []float64{cm.Accuracy(), cm.Precision(), cm.Recall(), cm.F2()} {
			if v < 0 || v > 1 || math.IsNaN(v) {
				t.Errorf("%+v produced %v", cm, v)
			}
		}
	}
}

func TestSnapshotOrderAndSuffix(t *testing.T) {
	pred := mustTensor(t, []float32{0.9, 0.9}, 1, 2)
	gt := mustTensor(t, []float32{1, 0}, 1, 2)

	train, err := NewSnapshot(StepResult{Predictions: pred, Labels: gt, Loss: 0.25, HasLoss: true}, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, m := range train {
		names = append(names, m.Type.String())
	}
	if got := strings.Join(names, ","); got != "loss,accuracy,precision,recall,micro-F2-score" {
		t.Errorf("order = %s", got)
	}
	if v, ok := train.Get(LossMetric); !ok || v != 0.25 {
		t.Errorf("loss = %v, %v", v, ok)
	}
	if !strings.HasPrefix(train.Suffix(), ", loss: 0.2500000, accuracy: 0.5000000, precision: 0.5000000") {
		t.Errorf("suffix = %q", train.Suffix())
	}

	eval, err := NewSnapshot(StepResult{Predictions: pred, Labels: gt}, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := eval.Get(LossMetric); ok || len(eval) != 4 {
		t.Errorf("evaluation snapshot should omit loss: %v", eval)
	}
}

func TestConfusionShapeMismatch(t *testing.T) {
	pred := mustTensor(t, []float32{0.9, 0.9}, 1, 2)
	gt := mustTensor(t, []float32{1, 0}, 2, 1)
	if _, err := ComputeConfusion(pred, gt, 0.5); err == nil {
		t.Error("expected shape mismatch error")
	}
}
