package zoo

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"github.com/tsawler/go-tagnet/checkpoints"
	"github.com/tsawler/go-tagnet/tensor"
)

func smallOptions(numClasses int) Options {
	return Options{
		NumClasses: numClasses,
		ImageSize:  8,
		Device:     tensor.Device{Type: tensor.CPU, Threads: 1},
		Seed:       3,
	}
}

func TestParse(t *testing.T) {
	for _, name := range []string{"resnet34", "resnet50", "resnext50", "senet50", "SENeXt50"} {
		if _, err := Parse(name); err != nil {
			t.Errorf("Parse(%q) failed: %v", name, err)
		}
	}
	_, err := Parse("resnet99")
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Parse(resnet99) error = %v, expected ErrUnknownModel", err)
	}
	if len(Names()) != 5 {
		t.Errorf("Names() = %v", Names())
	}
}

func TestEveryBackboneEmitsClassProbabilities(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x, _ := tensor.New(tensor.Device{Type: tensor.CPU, Threads: 1}, 2, 3, 8, 8)
	for i := range x.Data {
		x.Data[i] = rng.Float32()
	}

	for _, name := range Names() {
		t.Run(string(name), func(t *testing.T) {
			m, err := New(name, smallOptions(7))
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if m.Name() != string(name) {
				t.Errorf("Name() = %s", m.Name())
			}
			y, err := m.Forward(x)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			if !reflect.DeepEqual(y.Shape, []int{2, 7}) {
				t.Errorf("output shape = %v", y.Shape)
			}
			for _, p := range y.Data {
				if p < 0 || p > 1 {
					t.Errorf("probability %f outside [0,1]", p)
				}
			}
		})
	}
}

func TestFamiliesDiffer(t *testing.T) {
	opts := smallOptions(4)
	counts := map[Name]int64{}
	for _, name := range Names() {
		spec, err := Spec(name, opts)
		if err != nil {
			t.Fatal(err)
		}
		counts[name] = spec.TotalParameters
	}
	if counts[ResNeXt50] >= counts[ResNet50] {
		t.Errorf("grouped variant should have fewer parameters: %d vs %d", counts[ResNeXt50], counts[ResNet50])
	}
	if counts[SENet50] <= counts[ResNet50] {
		t.Errorf("SE variant should add gating parameters: %d vs %d", counts[SENet50], counts[ResNet50])
	}
}

func TestSpecErrors(t *testing.T) {
	if _, err := Spec("resnet99", smallOptions(3)); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
	if _, err := Spec(ResNet34, smallOptions(0)); err == nil {
		t.Error("expected error for zero classes")
	}
}

func TestPretrainedSkipsHead(t *testing.T) {
	dir := t.TempDir()
	src, err := New(ResNet34, smallOptions(10))
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := checkpoints.NewManager(dir, checkpoints.FormatONNX, map[string]checkpoints.Stateful{"classification": src})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Save(checkpoints.LatestLabel, checkpoints.TrainingState{}); err != nil {
		t.Fatal(err)
	}

	opts := smallOptions(3)
	opts.Seed = 99
	opts.Pretrained = mgr.ParamsPath(checkpoints.LatestLabel, "classification")
	dst, err := New(ResNet34, opts)
	if err != nil {
		t.Fatalf("New with pretrained failed: %v", err)
	}

	srcParams, dstParams := src.Parameters(), dst.Parameters()
	if !reflect.DeepEqual(srcParams[0].Value.Data, dstParams[0].Value.Data) {
		t.Error("stem weights were not loaded")
	}
	last := len(dstParams) - 1
	if dstParams[last].Value.NumElems != 3 {
		t.Errorf("head bias has %d elements, expected 3", dstParams[last].Value.NumElems)
	}

	opts.Pretrained = dir + "/missing.json"
	if _, err := New(ResNet34, opts); err == nil {
		t.Error("expected error for missing pretrained file")
	}
}
