package training

import (
	"errors"
	"math"
	"testing"
)

func TestParseLossKind(t *testing.T) {
	for in, want := range map[string]LossKind{"focal_loss": LossFocal, "focal": LossFocal, "BCE": LossBCE} {
		got, err := ParseLossKind(in)
		if err != nil || got != want {
			t.Errorf("ParseLossKind(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLossKind("hinge"); !errors.Is(err, ErrUnknownLoss) {
		t.Errorf("expected ErrUnknownLoss, got %v", err)
	}
	if _, err := NewCriterion(LossKind(9), nil); !errors.Is(err, ErrUnknownLoss) {
		t.Errorf("expected ErrUnknownLoss, got %v", err)
	}
}

func TestFocalLossValue(t *testing.T) {
	pred := mustTensor(t, []float32{0.8, 0.3}, 1, 2)
	gt := mustTensor(t, []float32{1, 0}, 1, 2)

	f := NewFocalLoss(DefaultFocalAlpha, DefaultFocalGamma)
	got, err := f.Forward(pred, gt)
	if err != nil {
		t.Fatal(err)
	}
	p0, p1 := float64(float32(0.8)), float64(float32(0.3))
	want := -0.2*math.Pow(1-p0, 2)*math.Log(p0) - 0.8*math.Pow(p1, 2)*math.Log(1-p1)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("focal loss = %v, expected %v", got, want)
	}
}

// numericGrad estimates d loss / d pred[i] by central differences.
func numericGrad(t *testing.T, l Loss, pred, gt []float32, i int) float64 {
	const h = 1e-3
	plus := append([]float32(nil), pred...)
	minus := append([]float32(nil), pred...)
	plus[i] += h
	minus[i] -= h
	lp, err := l.Forward(mustTensor(t, plus, 1, len(pred)), mustTensor(t, gt, 1, len(gt)))
	if err != nil {
		t.Fatal(err)
	}
	lm, _ := l.Forward(mustTensor(t, minus, 1, len(pred)), mustTensor(t, gt, 1, len(gt)))
	return (lp - lm) / (2 * float64(float32(h)))
}

func TestLossGradientsMatchFiniteDifferences(t *testing.T) {
	pred := []float32{0.7, 0.2, 0.45, 0.9}
	gt := []float32{1, 0, 1, 0}
	losses := []Loss{
		NewFocalLoss(DefaultFocalAlpha, DefaultFocalGamma),
		NewBCELoss(nil),
		NewBCELoss([]float32{1, 2, 0.5, 3}),
	}
	for _, l := range losses {
		grad, err := l.Backward(mustTensor(t, pred, 1, 4), mustTensor(t, gt, 1, 4))
		if err != nil {
			t.Fatal(err)
		}
		for i := range pred {
			want := numericGrad(t, l, pred, gt, i)
			got := float64(grad.Data[i])
			if math.Abs(got-want) > 1e-2*math.Max(1, math.Abs(want)) {
				t.Errorf("%s: grad[%d] = %v, numeric %v", l.Name(), i, got, want)
			}
		}
	}
}

func TestBCEWeightsAndSaturation(t *testing.T) {
	pred := mustTensor(t, []float32{0.5, 0.5, 0.5, 0.5}, 2, 2)
	gt := mustTensor(t, []float32{1, 0, 0, 1}, 2, 2)

	plain, _ := NewBCELoss(nil).Forward(pred, gt)
	weighted, err := NewBCELoss([]float32{2, 0}).Forward(pred, gt)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(plain-4*math.Ln2) > 1e-6 {
		t.Errorf("unweighted loss = %v, expected 4 ln 2", plain)
	}
	// class 0 counts twice, class 1 not at all
	if math.Abs(weighted-4*math.Ln2) > 1e-6 {
		t.Errorf("weighted loss = %v, expected 4 ln 2", weighted)
	}

	if _, err := NewBCELoss([]float32{1}).Forward(pred, gt); err == nil {
		t.Error("expected error for weight count mismatch")
	}

	saturated, _ := NewBCELoss(nil).Forward(mustTensor(t, []float32{0}, 1, 1), mustTensor(t, []float32{1}, 1, 1))
	if saturated != 100 {
		t.Errorf("saturated loss = %v, expected 100", saturated)
	}
}
