// Package zoo builds the named backbone family used for multi-label
// tagging. Every model ends in a num_classes-wide sigmoid head.
package zoo

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/tsawler/go-tagnet/checkpoints"
	"github.com/tsawler/go-tagnet/engine"
	"github.com/tsawler/go-tagnet/layers"
	"github.com/tsawler/go-tagnet/logging"
	"github.com/tsawler/go-tagnet/tensor"
)

// Name identifies a backbone.
type Name string

const (
	ResNet34  Name = "resnet34"
	ResNet50  Name = "resnet50"
	ResNeXt50 Name = "resnext50"
	SENet50   Name = "senet50"
	SENeXt50  Name = "senext50"
)

// ErrUnknownModel is returned for names outside the registry.
var ErrUnknownModel = errors.New("unknown model")

// Backbone is the capability every model exposes to training and
// evaluation.
type Backbone interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(grad *tensor.Tensor) error
	Parameters() []*tensor.Parameter
	StateDict() []checkpoints.WeightTensor
	ValidateStateDict([]checkpoints.WeightTensor) error
	LoadStateDict([]checkpoints.WeightTensor) error
	SetTraining(training bool)
	Name() string
}

// family describes the block layout of one backbone.
type family struct {
	depths      [4]int
	bottleneck  bool
	groups      int
	seReduction int
}

var registry = map[Name]family{
	ResNet34:  {depths: [4]int{3, 4, 6, 3}},
	ResNet50:  {depths: [4]int{3, 4, 6, 3}, bottleneck: true, groups: 1},
	ResNeXt50: {depths: [4]int{3, 4, 6, 3}, bottleneck: true, groups: 32},
	SENet50:   {depths: [4]int{3, 4, 6, 3}, bottleneck: true, groups: 1, seReduction: 16},
	SENeXt50:  {depths: [4]int{3, 4, 6, 3}, bottleneck: true, groups: 32, seReduction: 16},
}

// Options configures model construction.
type Options struct {
	NumClasses int
	Channels   int
	ImageSize  int
	// Width is the feature width of the first stage; later stages double it.
	Width      int
	Grid       int
	Device     tensor.Device
	Seed       int64
	Pretrained string
	Logger     *logging.Logger
}

// DefaultOptions returns the options used when fields are left zero.
func DefaultOptions() Options {
	return Options{
		Channels:  3,
		ImageSize: 224,
		Width:     64,
		Grid:      4,
		Device:    tensor.DefaultDevice(),
		Seed:      1,
	}
}

// Names lists every registered backbone in sorted order.
func Names() []Name {
	names := make([]Name, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Parse resolves a model name.
func Parse(s string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := registry[n]; !ok {
		return "", fmt.Errorf("%w %q (available: %v)", ErrUnknownModel, s, Names())
	}
	return n, nil
}

// Spec compiles the layer specification for name.
func Spec(name Name, opts Options) (*layers.ModelSpec, error) {
	fam, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownModel, name)
	}
	opts = withDefaults(opts)
	if opts.NumClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", opts.NumClasses)
	}

	b := layers.NewModelBuilder(string(name), []int{1, opts.Channels, opts.ImageSize, opts.ImageSize}).
		AddGridPool(opts.Grid, "stem.pool").
		AddDense(opts.Width, true, "stem.fc").
		AddReLU("stem.relu")

	for stage, depth := range fam.depths {
		width := opts.Width << stage
		if stage > 0 {
			b.AddDense(width, true, fmt.Sprintf("layer%d.proj", stage+1)).
				AddReLU(fmt.Sprintf("layer%d.relu", stage+1))
		}
		cfg := layers.ResidualConfig{
			Bottleneck:  fam.bottleneck,
			Hidden:      width / 2,
			Groups:      fam.groups,
			SEReduction: fam.seReduction,
		}
		for i := 0; i < depth; i++ {
			b.AddResidual(cfg, fmt.Sprintf("layer%d.%d", stage+1, i))
		}
	}

	return b.AddDense(opts.NumClasses, true, "fc").
		AddSigmoid("sigmoid").
		Compile()
}

// New builds name with a num_classes-wide sigmoid head. When
// opts.Pretrained is set, every tensor whose name and shape match is copied
// from that params file; the head is typically skipped because its width
// differs.
func New(name Name, opts Options) (Backbone, error) {
	spec, err := Spec(name, opts)
	if err != nil {
		return nil, err
	}
	opts = withDefaults(opts)

	net, err := engine.NewNetwork(spec, opts.Device, rand.New(rand.NewSource(opts.Seed)))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s: %w", name, err)
	}

	if opts.Pretrained != "" {
		cp, err := checkpoints.ReadParams(opts.Pretrained)
		if err != nil {
			return nil, fmt.Errorf("failed to read pretrained weights: %w", err)
		}
		skipped := net.LoadMatching(cp.Weights)
		if len(skipped) == len(cp.Weights) {
			return nil, fmt.Errorf("pretrained weights %s share no tensors with %s", opts.Pretrained, name)
		}
		if opts.Logger != nil {
			opts.Logger.Info("loaded %d/%d pretrained tensors from %s (skipped %v)",
				len(cp.Weights)-len(skipped), len(cp.Weights), opts.Pretrained, skipped)
		}
	}
	return net, nil
}

func withDefaults(opts Options) Options {
	d := DefaultOptions()
	if opts.Channels == 0 {
		opts.Channels = d.Channels
	}
	if opts.ImageSize == 0 {
		opts.ImageSize = d.ImageSize
	}
	if opts.Width == 0 {
		opts.Width = d.Width
	}
	if opts.Grid == 0 {
		opts.Grid = d.Grid
	}
	if opts.Device.Threads == 0 {
		opts.Device = d.Device
	}
	return opts
}
