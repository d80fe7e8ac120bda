package layers

import (
	"reflect"
	"strings"
	"testing"
)

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		lt       LayerType
		expected string
	}{
		{Dense, "Dense"},
		{ReLU, "ReLU"},
		{Sigmoid, "Sigmoid"},
		{GridPool, "GridPool"},
		{Residual, "Residual"},
		{LayerType(99), "Unknown"},
	}
	for _, test := range tests {
		if got := test.lt.String(); got != test.expected {
			t.Errorf("LayerType(%d).String() = %s, expected %s", test.lt, got, test.expected)
		}
	}
}

func TestCompileComputesShapes(t *testing.T) {
	model, err := NewModelBuilder("tiny", []int{1, 3, 8, 8}).
		AddGridPool(2, "stem.pool").
		AddDense(16, true, "stem.fc").
		AddReLU("stem.relu").
		AddResidual(ResidualConfig{}, "block1").
		AddDense(5, true, "fc").
		AddSigmoid("sigmoid").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	if !reflect.DeepEqual(model.OutputShape, []int{1, 5}) {
		t.Errorf("output shape = %v, expected [1 5]", model.OutputShape)
	}
	if !reflect.DeepEqual(model.Layers[0].OutputShape, []int{1, 12}) {
		t.Errorf("grid pool output = %v, expected [1 12]", model.Layers[0].OutputShape)
	}

	// stem.fc: 12*16+16, block1: 2*(16*16+16), fc: 16*5+5
	expected := int64(12*16+16) + int64(2*(16*16+16)) + int64(16*5+5)
	if model.TotalParameters != expected {
		t.Errorf("TotalParameters = %d, expected %d", model.TotalParameters, expected)
	}

	names := model.ParameterNames()
	wantNames := []string{
		"stem.fc.weight", "stem.fc.bias",
		"block1.fc1.weight", "block1.fc1.bias", "block1.fc2.weight", "block1.fc2.bias",
		"fc.weight", "fc.bias",
	}
	if !reflect.DeepEqual(names, wantNames) {
		t.Errorf("ParameterNames = %v", names)
	}
	if len(model.ParameterShapes) != len(names) {
		t.Errorf("%d shapes for %d names", len(model.ParameterShapes), len(names))
	}
}

func TestCompileGroupedSEBlock(t *testing.T) {
	model, err := NewModelBuilder("grouped", []int{1, 3, 4, 4}).
		AddGridPool(1, "pool").
		AddDense(64, true, "proj").
		AddResidual(ResidualConfig{Bottleneck: true, Hidden: 32, Groups: 8, SEReduction: 4}, "block").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	block := model.Layers[2]
	wantShapes := [][]int{
		{64, 32}, {32},
		{8, 4, 4}, {32},
		{32, 64}, {64},
		{64, 16}, {16},
		{16, 64}, {64},
	}
	if !reflect.DeepEqual(block.ParameterShapes, wantShapes) {
		t.Errorf("block shapes = %v", block.ParameterShapes)
	}
	if block.ParameterNames[6] != "block.se.fc1.weight" {
		t.Errorf("unexpected name %s", block.ParameterNames[6])
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		builder *ModelBuilder
	}{
		{"empty", NewModelBuilder("m", []int{1, 3, 4, 4})},
		{"bad input rank", NewModelBuilder("m", []int{1, 3}).AddDense(2, true, "fc")},
		{"dense on images", NewModelBuilder("m", []int{1, 3, 4, 4}).AddDense(2, true, "fc")},
		{"grid too large", NewModelBuilder("m", []int{1, 3, 4, 4}).AddGridPool(5, "pool")},
		{"indivisible groups", NewModelBuilder("m", []int{1, 3, 4, 4}).
			AddGridPool(1, "pool").
			AddResidual(ResidualConfig{Bottleneck: true, Hidden: 3, Groups: 2}, "block")},
		{"duplicate names", NewModelBuilder("m", []int{1, 3, 4, 4}).
			AddGridPool(1, "x").AddReLU("x")},
	}
	for _, test := range tests {
		if _, err := test.builder.Compile(); err == nil {
			t.Errorf("%s: expected compile error", test.name)
		}
	}
}

func TestSummary(t *testing.T) {
	b := NewModelBuilder("summary", []int{1, 1, 2, 2}).AddGridPool(1, "pool").AddDense(2, false, "fc")
	if _, err := b.GetCompiledModel(); err == nil {
		t.Error("expected error before Compile")
	}
	model, err := b.Compile()
	if err != nil {
		t.Fatal(err)
	}
	s := model.Summary()
	for _, want := range []string{"Model Summary: summary", "Total Parameters: 2", "Layer 2: fc (Dense)"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q:\n%s", want, s)
		}
	}
	if (&ModelSpec{}).Summary() != "Model not compiled" {
		t.Error("uncompiled summary")
	}
}
