package engine

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/tsawler/go-tagnet/layers"
	"github.com/tsawler/go-tagnet/tensor"
)

func cpu() tensor.Device {
	return tensor.Device{Type: tensor.CPU, Threads: 1}
}

func mustTensor(t *testing.T, data []float32, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromData(cpu(), data, shape...)
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func randomTensor(t *testing.T, rng *rand.Rand, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.New(cpu(), shape...)
	if err != nil {
		t.Fatal(err)
	}
	for i := range x.Data {
		x.Data[i] = rng.Float32()
	}
	return x
}

func closeTo(a, b, tol float32) bool {
	return float32(math.Abs(float64(a-b))) <= tol
}

func TestGridPoolForwardBackward(t *testing.T) {
	// one 4x4 channel: top-left quadrant all 1, rest 0
	x := mustTensor(t, []float32{
		1, 1, 0, 0,
		1, 1, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 4,
	}, 1, 1, 4, 4)
	m := &gridPool{grid: 2}
	y, err := m.forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(y.Data, []float32{1, 0, 0, 1}) {
		t.Errorf("grid pool = %v", y.Data)
	}

	dx, _ := m.backward(mustTensor(t, []float32{4, 0, 0, 8}, 1, 4), true)
	if dx.Data[0] != 1 || dx.Data[15] != 2 || dx.Data[2] != 0 {
		t.Errorf("grid pool gradient = %v", dx.Data)
	}
}

func TestDenseGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	w, _ := tensor.NewParameter(cpu(), "fc.weight", 3, 2)
	b, _ := tensor.NewParameter(cpu(), "fc.bias", 2)
	copy(w.Value.Data, []float32{1, 2, 3, 4, 5, 6})
	copy(b.Value.Data, []float32{0.5, -0.5})
	m := &dense{weight: w, bias: b}

	x := randomTensor(t, rng, 2, 3)
	y, err := m.forward(x)
	if err != nil {
		t.Fatal(err)
	}
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			want := b.Value.Data[c]
			for k := 0; k < 3; k++ {
				want += x.Data[r*3+k] * w.Value.Data[k*2+c]
			}
			if !closeTo(y.Data[r*2+c], want, 1e-5) {
				t.Errorf("y[%d,%d] = %f, expected %f", r, c, y.Data[r*2+c], want)
			}
		}
	}

	// loss = sum(g * y) so dL/dW[k,c] = sum_r x[r,k] g[r,c]
	g := randomTensor(t, rng, 2, 2)
	dx, err := m.backward(g, true)
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < 3; k++ {
		for c := 0; c < 2; c++ {
			var want float32
			for r := 0; r < 2; r++ {
				want += x.Data[r*3+k] * g.Data[r*2+c]
			}
			if !closeTo(w.Grad.Data[k*2+c], want, 1e-5) {
				t.Errorf("dW[%d,%d] = %f, expected %f", k, c, w.Grad.Data[k*2+c], want)
			}
		}
	}
	for c := 0; c < 2; c++ {
		want := g.Data[c] + g.Data[2+c]
		if !closeTo(b.Grad.Data[c], want, 1e-5) {
			t.Errorf("db[%d] = %f, expected %f", c, b.Grad.Data[c], want)
		}
	}
	for r := 0; r < 2; r++ {
		for k := 0; k < 3; k++ {
			var want float32
			for c := 0; c < 2; c++ {
				want += g.Data[r*2+c] * w.Value.Data[k*2+c]
			}
			if !closeTo(dx.Data[r*3+k], want, 1e-5) {
				t.Errorf("dx[%d,%d] = %f, expected %f", r, k, dx.Data[r*3+k], want)
			}
		}
	}

	// gradients accumulate until cleared
	before := w.Grad.Data[0]
	m.forward(x)
	m.backward(g, false)
	if !closeTo(w.Grad.Data[0], 2*before, 1e-5) {
		t.Errorf("gradient did not accumulate: %f -> %f", before, w.Grad.Data[0])
	}
}

func TestGroupedDenseIsBlockDiagonal(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	w, _ := tensor.NewParameter(cpu(), "g.weight", 2, 2, 2)
	b, _ := tensor.NewParameter(cpu(), "g.bias", 4)
	for i := range w.Value.Data {
		w.Value.Data[i] = rng.Float32() - 0.5
	}
	m := &groupedDense{weight: w, bias: b}

	// Equivalent full [4,4] matrix with zero off-diagonal blocks.
	full, _ := tensor.NewParameter(cpu(), "f.weight", 4, 4)
	for g := 0; g < 2; g++ {
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				full.Value.Data[(g*2+i)*4+g*2+j] = w.Value.Data[g*4+i*2+j]
			}
		}
	}
	fb, _ := tensor.NewParameter(cpu(), "f.bias", 4)
	ref := &dense{weight: full, bias: fb}

	x := randomTensor(t, rng, 3, 4)
	y, err := m.forward(x)
	if err != nil {
		t.Fatal(err)
	}
	yr, _ := ref.forward(x)
	for i := range y.Data {
		if !closeTo(y.Data[i], yr.Data[i], 1e-5) {
			t.Fatalf("grouped output %v differs from block-diagonal reference %v", y.Data, yr.Data)
		}
	}

	g := randomTensor(t, rng, 3, 4)
	dx, _ := m.backward(g, true)
	dxr, _ := ref.backward(g, true)
	for i := range dx.Data {
		if !closeTo(dx.Data[i], dxr.Data[i], 1e-5) {
			t.Fatalf("grouped input gradient %v differs from reference %v", dx.Data, dxr.Data)
		}
	}
	for gi := 0; gi < 2; gi++ {
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				got := w.Grad.Data[gi*4+i*2+j]
				want := full.Grad.Data[(gi*2+i)*4+gi*2+j]
				if !closeTo(got, want, 1e-5) {
					t.Errorf("grouped weight grad [%d,%d,%d] = %f, expected %f", gi, i, j, got, want)
				}
			}
		}
	}
}

func TestSigmoidBackward(t *testing.T) {
	m := &sigmoid{}
	y, _ := m.forward(mustTensor(t, []float32{0, 2}, 1, 2))
	if !closeTo(y.Data[0], 0.5, 1e-6) {
		t.Errorf("sigmoid(0) = %f", y.Data[0])
	}
	dx, _ := m.backward(mustTensor(t, []float32{1, 1}, 1, 2), true)
	if !closeTo(dx.Data[0], 0.25, 1e-6) {
		t.Errorf("sigmoid'(0) = %f", dx.Data[0])
	}
}

func buildTestNetwork(t *testing.T, seed int64) *Network {
	t.Helper()
	spec, err := layers.NewModelBuilder("test", []int{1, 3, 4, 4}).
		AddGridPool(2, "stem.pool").
		AddDense(8, true, "stem.fc").
		AddReLU("stem.relu").
		AddResidual(layers.ResidualConfig{Bottleneck: true, Hidden: 4, Groups: 2, SEReduction: 2}, "block1").
		AddResidual(layers.ResidualConfig{}, "block2").
		AddDense(3, true, "fc").
		AddSigmoid("sigmoid").
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	n, err := NewNetwork(spec, cpu(), rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func weightedLoss(y, c *tensor.Tensor) float64 {
	var s float64
	for i := range y.Data {
		s += float64(y.Data[i] * c.Data[i])
	}
	return s
}

func TestNetworkForwardProducesProbabilities(t *testing.T) {
	n := buildTestNetwork(t, 3)
	x := randomTensor(t, rand.New(rand.NewSource(4)), 5, 3, 4, 4)
	y, err := n.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(y.Shape, []int{5, 3}) {
		t.Errorf("output shape = %v", y.Shape)
	}
	for _, p := range y.Data {
		if p < 0 || p > 1 || math.IsNaN(float64(p)) {
			t.Errorf("output %f outside [0,1]", p)
		}
	}

	if _, err := n.Forward(randomTensor(t, rand.New(rand.NewSource(4)), 5, 3, 8, 8)); err == nil {
		t.Error("expected error for wrong spatial size")
	}
	bad := randomTensor(t, rand.New(rand.NewSource(4)), 5, 3, 4, 4)
	bad.Device = tensor.GPU
	if _, err := n.Forward(bad); err == nil {
		t.Error("expected device mismatch error")
	}
}

func TestNetworkBackwardDescends(t *testing.T) {
	n := buildTestNetwork(t, 5)
	rng := rand.New(rand.NewSource(6))
	x := randomTensor(t, rng, 4, 3, 4, 4)

	y, err := n.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	c := randomTensor(t, rng, 4, 3)
	loss0 := weightedLoss(y, c)
	if err := n.Backward(c); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	var norm float64
	for _, p := range n.Parameters() {
		for _, g := range p.Grad.Data {
			norm += float64(g * g)
		}
	}
	if norm == 0 {
		t.Fatal("all gradients are zero")
	}

	step := float32(1e-3 / math.Sqrt(norm))
	for _, p := range n.Parameters() {
		for i, g := range p.Grad.Data {
			p.Value.Data[i] -= step * g
		}
	}
	y1, _ := n.Forward(x)
	if loss1 := weightedLoss(y1, c); loss1 >= loss0 {
		t.Errorf("loss did not decrease along negative gradient: %f -> %f", loss0, loss1)
	}
}

func TestNetworkModes(t *testing.T) {
	n := buildTestNetwork(t, 7)
	g, _ := tensor.New(cpu(), 1, 3)
	if err := n.Backward(g); err == nil {
		t.Error("expected error for backward without forward")
	}

	if n.Spec().Name != "test" || n.Name() != "test" {
		t.Errorf("spec name = %q", n.Spec().Name)
	}

	n.SetTraining(false)
	if n.Training() {
		t.Error("expected inference mode")
	}
	x := randomTensor(t, rand.New(rand.NewSource(1)), 1, 3, 4, 4)
	if _, err := n.Forward(x); err != nil {
		t.Fatal(err)
	}
	if err := n.Backward(g); err == nil {
		t.Error("expected error for backward in inference mode")
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	src := buildTestNetwork(t, 8)
	dst := buildTestNetwork(t, 9)

	state := src.StateDict()
	if len(state) != len(src.Parameters()) {
		t.Fatalf("state has %d tensors for %d parameters", len(state), len(src.Parameters()))
	}
	if state[0].Name != "stem.fc.weight" || state[0].Layer != "stem.fc" || state[0].Type != "weight" {
		t.Errorf("first tensor = %s (%s/%s)", state[0].Name, state[0].Layer, state[0].Type)
	}

	if err := dst.LoadStateDict(state); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	for i, p := range dst.Parameters() {
		if !reflect.DeepEqual(p.Value.Data, src.Parameters()[i].Value.Data) {
			t.Fatalf("parameter %s differs after load", p.Name)
		}
	}

	// StateDict is a snapshot, not a view.
	state[0].Data[0] = 1234
	if src.Parameters()[0].Value.Data[0] == 1234 {
		t.Error("StateDict aliases parameter storage")
	}
}

func TestLoadStateDictRejectsMismatchWithoutMutation(t *testing.T) {
	n := buildTestNetwork(t, 10)
	before := n.StateDict()

	state := buildTestNetwork(t, 11).StateDict()
	state[len(state)-1].Shape = []int{4}
	state[len(state)-1].Data = make([]float32, 4)
	if err := n.LoadStateDict(state); err == nil {
		t.Fatal("expected shape mismatch error")
	}
	if !reflect.DeepEqual(before, n.StateDict()) {
		t.Error("failed load modified parameters")
	}
	if err := n.LoadStateDict(state[:2]); err == nil {
		t.Error("expected count mismatch error")
	}
}

func TestLoadMatchingSkipsHead(t *testing.T) {
	n := buildTestNetwork(t, 12)
	state := buildTestNetwork(t, 13).StateDict()
	// pretend the source had a 10-class head
	for i := range state {
		if state[i].Layer == "fc" {
			state[i].Shape = append([]int(nil), state[i].Shape...)
			state[i].Shape[len(state[i].Shape)-1] = 10
			state[i].Data = make([]float32, len(state[i].Data)/3*10)
		}
	}
	skipped := n.LoadMatching(state)
	if !reflect.DeepEqual(skipped, []string{"fc.weight", "fc.bias"}) {
		t.Errorf("skipped = %v", skipped)
	}
	if n.Parameters()[0].Value.Data[0] != state[0].Data[0] {
		t.Error("matching tensor was not loaded")
	}
}
