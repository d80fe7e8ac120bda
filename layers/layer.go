package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	ReLU
	Sigmoid
	GridPool
	Residual
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	case Sigmoid:
		return "Sigmoid"
	case GridPool:
		return "GridPool"
	case Residual:
		return "Residual"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration for the execution engine
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation).
	// ParameterNames[i] names the tensor with shape ParameterShapes[i].
	ParameterNames  []string `json:"parameter_names,omitempty"`
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
	ParameterCount  int64    `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Name   string      `json:"name"`
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	name       string
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape is
// [batch, channels, height, width]; the batch dimension is nominal.
func NewModelBuilder(name string, inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		name:       name,
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddGridPool averages each channel over a grid x grid partition of the
// image, producing [batch, channels*grid*grid] features.
func (mb *ModelBuilder) AddGridPool(grid int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       GridPool,
		Name:       name,
		Parameters: map[string]interface{}{"grid": grid},
	})
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name, Parameters: map[string]interface{}{}})
}

// AddSigmoid adds an element-wise logistic activation
func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Sigmoid, Name: name, Parameters: map[string]interface{}{}})
}

// ResidualConfig describes one residual block.
//
// A basic block is relu(x + fc2(relu(fc1(x)))). A bottleneck block narrows
// to Hidden features, applies a grouped transform (Groups > 1 gives the
// aggregated-transform variant) and widens back. SEReduction > 0 gates the
// residual branch with a squeeze-and-excitation unit.
type ResidualConfig struct {
	Bottleneck  bool
	Hidden      int
	Groups      int
	SEReduction int
}

// AddResidual adds a residual block that preserves the feature width.
func (mb *ModelBuilder) AddResidual(cfg ResidualConfig, name string) *ModelBuilder {
	groups := cfg.Groups
	if groups <= 0 {
		groups = 1
	}
	return mb.AddLayer(LayerSpec{
		Type: Residual,
		Name: name,
		Parameters: map[string]interface{}{
			"bottleneck":   cfg.Bottleneck,
			"hidden":       cfg.Hidden,
			"groups":       groups,
			"se_reduction": cfg.SEReduction,
		},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) != 4 {
		return nil, fmt.Errorf("input shape must be [batch, channels, height, width], got %v", mb.inputShape)
	}

	model := &ModelSpec{
		Name:       mb.name,
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
	}

	// Deep-copy parameter maps; compilation writes derived sizes into them.
	seen := make(map[string]bool, len(mb.layers))
	for i, l := range mb.layers {
		if l.Name == "" || seen[l.Name] {
			return nil, fmt.Errorf("layer %d: name %q is empty or duplicated", i, l.Name)
		}
		seen[l.Name] = true
		params := make(map[string]interface{}, len(l.Parameters))
		for k, v := range l.Parameters {
			params[k] = v
		}
		l.Parameters = params
		model.Layers[i] = l
	}

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, names, paramShapes, paramCount, err := mb.computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount
		layer.ParameterNames = make([]string, len(names))
		for j, n := range names {
			layer.ParameterNames[j] = layer.Name + "." + n
		}

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, []string, [][]int, int64, error) {
	switch layer.Type {
	case GridPool:
		return mb.computeGridPoolInfo(layer, inputShape)
	case Dense:
		return mb.computeDenseInfo(layer, inputShape)
	case Residual:
		return mb.computeResidualInfo(layer, inputShape)
	case ReLU, Sigmoid:
		outputShape := make([]int, len(inputShape))
		copy(outputShape, inputShape)
		return outputShape, nil, nil, 0, nil
	default:
		return nil, nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func (mb *ModelBuilder) computeGridPoolInfo(layer *LayerSpec, inputShape []int) ([]int, []string, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, nil, 0, fmt.Errorf("GridPool requires 4D input [batch, channels, height, width]")
	}
	grid := GetIntParam(layer.Parameters, "grid", 1)
	if grid <= 0 || grid > inputShape[2] || grid > inputShape[3] {
		return nil, nil, nil, 0, fmt.Errorf("grid %d does not fit input %dx%d", grid, inputShape[2], inputShape[3])
	}
	return []int{inputShape[0], inputShape[1] * grid * grid}, nil, nil, 0, nil
}

// computeDenseInfo computes dense layer information
func (mb *ModelBuilder) computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, []string, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, nil, 0, fmt.Errorf("dense layer requires 2D input, got %v", inputShape)
	}

	outputSize, ok := layer.Parameters["output_size"].(int)
	if !ok || outputSize <= 0 {
		return nil, nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	inputSize := inputShape[1]
	layer.Parameters["input_size"] = inputSize

	names := []string{"weight"}
	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		names = append(names, "bias")
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return []int{inputShape[0], outputSize}, names, paramShapes, paramCount, nil
}

func (mb *ModelBuilder) computeResidualInfo(layer *LayerSpec, inputShape []int) ([]int, []string, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, nil, 0, fmt.Errorf("residual block requires 2D input, got %v", inputShape)
	}
	width := inputShape[1]
	layer.Parameters["width"] = width

	var names []string
	var shapes [][]int
	add := func(name string, shape ...int) {
		names = append(names, name)
		shapes = append(shapes, shape)
	}

	if GetBoolParam(layer.Parameters, "bottleneck", false) {
		hidden := GetIntParam(layer.Parameters, "hidden", width/4)
		groups := GetIntParam(layer.Parameters, "groups", 1)
		if hidden <= 0 {
			return nil, nil, nil, 0, fmt.Errorf("bottleneck width must be positive")
		}
		if hidden%groups != 0 {
			return nil, nil, nil, 0, fmt.Errorf("bottleneck width %d not divisible by %d groups", hidden, groups)
		}
		add("fc1.weight", width, hidden)
		add("fc1.bias", hidden)
		add("fc2.weight", groups, hidden/groups, hidden/groups)
		add("fc2.bias", hidden)
		add("fc3.weight", hidden, width)
		add("fc3.bias", width)
	} else {
		add("fc1.weight", width, width)
		add("fc1.bias", width)
		add("fc2.weight", width, width)
		add("fc2.bias", width)
	}

	if r := GetIntParam(layer.Parameters, "se_reduction", 0); r > 0 {
		squeezed := width / r
		if squeezed == 0 {
			return nil, nil, nil, 0, fmt.Errorf("se reduction %d too large for width %d", r, width)
		}
		add("se.fc1.weight", width, squeezed)
		add("se.fc1.bias", squeezed)
		add("se.fc2.weight", squeezed, width)
		add("se.fc2.bias", width)
	}

	count := int64(0)
	for _, s := range shapes {
		n := int64(1)
		for _, d := range s {
			n *= int64(d)
		}
		count += n
	}
	return []int{inputShape[0], width}, names, shapes, count, nil
}

// GetCompiledModel returns the compiled model (must call Compile first)
func (mb *ModelBuilder) GetCompiledModel() (*ModelSpec, error) {
	if !mb.compiled {
		return nil, fmt.Errorf("model not compiled - call Compile() first")
	}
	return mb.Compile()
}

// ParameterNames returns every parameter name in layer order.
func (ms *ModelSpec) ParameterNames() []string {
	var names []string
	for _, l := range ms.Layers {
		names = append(names, l.ParameterNames...)
	}
	return names
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary: %s\n", ms.Name)
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)
	}

	return sb.String()
}

// GetIntParam reads an int parameter, falling back to defaultValue.
func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		if intVal, ok := val.(int); ok {
			return intVal
		}
	}
	return defaultValue
}

// GetBoolParam reads a bool parameter, falling back to defaultValue.
func GetBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}
