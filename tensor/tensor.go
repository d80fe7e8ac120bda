package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	default:
		return "Unknown"
	}
}

// Tensor is a dense, row-major float32 array living on a device.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Device   DeviceType
	Data     []float32
	NumElems int
}

// New allocates a zero-filled tensor on the given device.
func New(device Device, shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := calculateNumElements(shape)
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    Float32,
		Device:   device.Type,
		Data:     make([]float32, n),
		NumElems: n,
	}, nil
}

// FromData wraps data (without copying) in a tensor of the given shape.
func FromData(device Device, data []float32, shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := calculateNumElements(shape)
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    Float32,
		Device:   device.Type,
		Data:     data,
		NumElems: n,
	}, nil
}

// ZerosLike returns a zero tensor with t's shape and device.
func ZerosLike(t *Tensor) *Tensor {
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		DType:    t.DType,
		Device:   t.Device,
		Data:     make([]float32, t.NumElems),
		NumElems: t.NumElems,
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := ZerosLike(t)
	copy(c.Data, t.Data)
	return c
}

// Rows returns the leading dimension and the number of elements per row.
func (t *Tensor) Rows() (int, int) {
	if len(t.Shape) == 0 {
		return 0, 0
	}
	return t.Shape[0], t.NumElems / t.Shape[0]
}

// Row returns a view of the i-th row of the flattened [rows, cols] layout.
func (t *Tensor) Row(i int) []float32 {
	_, cols := t.Rows()
	return t.Data[i*cols : (i+1)*cols]
}

// Reshape returns a view sharing t's data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if calculateNumElements(shape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape %v into %v", t.Shape, shape)
	}
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    t.DType,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// Zero sets every element to 0.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// Scale multiplies every element by s in place.
func (t *Tensor) Scale(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
