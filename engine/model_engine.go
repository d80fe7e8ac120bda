package engine

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/tsawler/go-tagnet/checkpoints"
	"github.com/tsawler/go-tagnet/layers"
	"github.com/tsawler/go-tagnet/tensor"
)

// Network executes a compiled ModelSpec on the CPU. It owns its parameters
// and caches activations during Forward for the following Backward.
type Network struct {
	spec     *layers.ModelSpec
	device   tensor.Device
	modules  sequential
	params   []*tensor.Parameter
	byName   map[string]*tensor.Parameter
	training bool
	pending  bool
}

// NewNetwork allocates and initializes parameters for spec on device.
// Weights use He initialization drawn from rng; biases start at zero.
func NewNetwork(spec *layers.ModelSpec, device tensor.Device, rng *rand.Rand) (*Network, error) {
	if !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}
	if device.Type != tensor.CPU {
		return nil, fmt.Errorf("network on %s: %w", device.Type, tensor.ErrDeviceUnavailable)
	}

	n := &Network{
		spec:     spec,
		device:   device,
		byName:   make(map[string]*tensor.Parameter),
		training: true,
	}

	for i := range spec.Layers {
		layer := &spec.Layers[i]
		params := make([]*tensor.Parameter, len(layer.ParameterShapes))
		for j, shape := range layer.ParameterShapes {
			p, err := tensor.NewParameter(device, layer.ParameterNames[j], shape...)
			if err != nil {
				return nil, fmt.Errorf("failed to allocate %s: %w", layer.ParameterNames[j], err)
			}
			initializeParameter(p, rng)
			params[j] = p
			n.params = append(n.params, p)
			n.byName[p.Name] = p
		}

		m, err := buildModule(layer, params)
		if err != nil {
			return nil, fmt.Errorf("failed to build layer %d (%s): %w", i, layer.Name, err)
		}
		n.modules = append(n.modules, m)
	}

	return n, nil
}

func buildModule(layer *layers.LayerSpec, params []*tensor.Parameter) (module, error) {
	switch layer.Type {
	case layers.GridPool:
		return &gridPool{grid: layers.GetIntParam(layer.Parameters, "grid", 1)}, nil
	case layers.Dense:
		d := &dense{weight: params[0]}
		if len(params) > 1 {
			d.bias = params[1]
		}
		return d, nil
	case layers.ReLU:
		return &relu{}, nil
	case layers.Sigmoid:
		return &sigmoid{}, nil
	case layers.Residual:
		return buildResidual(layer, params), nil
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}

func buildResidual(layer *layers.LayerSpec, params []*tensor.Parameter) *residual {
	r := &residual{}
	next := 0
	take := func() *tensor.Parameter {
		p := params[next]
		next++
		return p
	}

	if layers.GetBoolParam(layer.Parameters, "bottleneck", false) {
		fc1 := &dense{weight: take(), bias: take()}
		fc2 := &groupedDense{weight: take(), bias: take()}
		fc3 := &dense{weight: take(), bias: take()}
		r.branch = sequential{fc1, &relu{}, fc2, &relu{}, fc3}
	} else {
		fc1 := &dense{weight: take(), bias: take()}
		fc2 := &dense{weight: take(), bias: take()}
		r.branch = sequential{fc1, &relu{}, fc2}
	}

	if next < len(params) {
		se1 := &dense{weight: take(), bias: take()}
		se2 := &dense{weight: take(), bias: take()}
		r.gate = sequential{se1, &relu{}, se2, &sigmoid{}}
	}
	return r
}

func initializeParameter(p *tensor.Parameter, rng *rand.Rand) {
	if strings.HasSuffix(p.Name, ".bias") {
		return
	}
	// He initialization over the input (fan-in) dimension, which is the
	// second-to-last axis for both [in, out] and [groups, in, out] weights.
	shape := p.Value.Shape
	fanIn := shape[len(shape)-2]
	std := math.Sqrt(2.0 / float64(fanIn))
	for i := range p.Value.Data {
		p.Value.Data[i] = float32(rng.NormFloat64() * std)
	}
}

// Forward runs the network on a [batch, channels, height, width] tensor and
// returns [batch, outputs].
func (n *Network) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.CheckDevice(n.device, x); err != nil {
		return nil, err
	}
	in := n.spec.InputShape
	if len(x.Shape) != 4 || x.Shape[1] != in[1] || x.Shape[2] != in[2] || x.Shape[3] != in[3] {
		return nil, fmt.Errorf("input shape %v incompatible with model input %v", x.Shape, in)
	}
	out, err := n.modules.forward(x)
	if err != nil {
		return nil, err
	}
	n.pending = n.training
	return out, nil
}

// Backward propagates the gradient of the loss with respect to the last
// Forward output, accumulating into every parameter's Grad.
func (n *Network) Backward(grad *tensor.Tensor) error {
	if !n.training {
		return fmt.Errorf("backward called in inference mode")
	}
	if !n.pending {
		return fmt.Errorf("backward called without a preceding forward pass")
	}
	n.pending = false
	_, err := n.modules.backward(grad, false)
	return err
}

// Parameters returns the learnable parameters in layer order.
func (n *Network) Parameters() []*tensor.Parameter {
	return n.params
}

// SetTraining switches between training and inference mode.
func (n *Network) SetTraining(training bool) {
	n.training = training
	n.pending = false
}

// Training reports whether the network is in training mode.
func (n *Network) Training() bool {
	return n.training
}

// Spec returns the compiled model specification.
func (n *Network) Spec() *layers.ModelSpec {
	return n.spec
}

// Name returns the model name.
func (n *Network) Name() string {
	return n.spec.Name
}

// Device returns the execution context the network was built on.
func (n *Network) Device() tensor.Device {
	return n.device
}

// StateDict snapshots every parameter.
func (n *Network) StateDict() []checkpoints.WeightTensor {
	out := make([]checkpoints.WeightTensor, len(n.params))
	for i, p := range n.params {
		layer, kind := splitParamName(p.Name)
		out[i] = checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float32(nil), p.Value.Data...),
			Layer: layer,
			Type:  kind,
		}
	}
	return out
}

// ValidateStateDict checks that weights name exactly this network's
// parameters with matching shapes.
func (n *Network) ValidateStateDict(weights []checkpoints.WeightTensor) error {
	if len(weights) != len(n.params) {
		return fmt.Errorf("state has %d tensors, model %s has %d parameters", len(weights), n.Name(), len(n.params))
	}
	seen := make(map[string]bool, len(weights))
	for _, w := range weights {
		p, ok := n.byName[w.Name]
		if !ok {
			return fmt.Errorf("unexpected tensor %s", w.Name)
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate tensor %s", w.Name)
		}
		seen[w.Name] = true
		if !tensor.SameShape(p.Value.Shape, w.Shape) || len(w.Data) != p.Value.NumElems {
			return fmt.Errorf("tensor %s has shape %v, expected %v", w.Name, w.Shape, p.Value.Shape)
		}
	}
	return nil
}

// LoadStateDict replaces every parameter value. Nothing is modified unless
// the whole state validates.
func (n *Network) LoadStateDict(weights []checkpoints.WeightTensor) error {
	if err := n.ValidateStateDict(weights); err != nil {
		return err
	}
	for _, w := range weights {
		copy(n.byName[w.Name].Value.Data, w.Data)
	}
	return nil
}

// LoadMatching copies every tensor whose name and shape match a parameter
// and returns the names it skipped.
func (n *Network) LoadMatching(weights []checkpoints.WeightTensor) []string {
	var skipped []string
	for _, w := range weights {
		p, ok := n.byName[w.Name]
		if !ok || !tensor.SameShape(p.Value.Shape, w.Shape) || len(w.Data) != p.Value.NumElems {
			skipped = append(skipped, w.Name)
			continue
		}
		copy(p.Value.Data, w.Data)
	}
	return skipped
}

func splitParamName(name string) (string, string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}
