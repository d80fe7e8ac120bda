package engine

import (
	"fmt"
	"math"

	"github.com/tsawler/go-tagnet/tensor"
)

// module is one executable layer. forward caches whatever backward needs;
// backward accumulates parameter gradients and, when needInput is set,
// returns the gradient with respect to the layer input.
type module interface {
	forward(x *tensor.Tensor) (*tensor.Tensor, error)
	backward(grad *tensor.Tensor, needInput bool) (*tensor.Tensor, error)
	parameters() []*tensor.Parameter
}

// gridPool averages each channel over a grid x grid partition of the image.
type gridPool struct {
	grid       int
	inputShape []int
}

func (m *gridPool) cell(size, i int) (int, int) {
	return i * size / m.grid, (i + 1) * size / m.grid
}

func (m *gridPool) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("grid pool expects [batch, channels, height, width], got %v", x.Shape)
	}
	b, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	g := m.grid
	m.inputShape = append(m.inputShape[:0], x.Shape...)

	out := &tensor.Tensor{
		Shape:    []int{b, c * g * g},
		Strides:  []int{c * g * g, 1},
		Device:   x.Device,
		Data:     make([]float32, b*c*g*g),
		NumElems: b * c * g * g,
	}
	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			plane := x.Data[(n*c+ch)*h*w : (n*c+ch+1)*h*w]
			for gi := 0; gi < g; gi++ {
				r0, r1 := m.cell(h, gi)
				for gj := 0; gj < g; gj++ {
					c0, c1 := m.cell(w, gj)
					var sum float32
					for r := r0; r < r1; r++ {
						for col := c0; col < c1; col++ {
							sum += plane[r*w+col]
						}
					}
					out.Data[n*c*g*g+ch*g*g+gi*g+gj] = sum / float32((r1-r0)*(c1-c0))
				}
			}
		}
	}
	return out, nil
}

func (m *gridPool) backward(grad *tensor.Tensor, needInput bool) (*tensor.Tensor, error) {
	if !needInput {
		return nil, nil
	}
	b, c, h, w := m.inputShape[0], m.inputShape[1], m.inputShape[2], m.inputShape[3]
	g := m.grid
	dx := &tensor.Tensor{
		Shape:    append([]int(nil), m.inputShape...),
		Strides:  []int{c * h * w, h * w, w, 1},
		Device:   grad.Device,
		Data:     make([]float32, b*c*h*w),
		NumElems: b * c * h * w,
	}
	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			plane := dx.Data[(n*c+ch)*h*w : (n*c+ch+1)*h*w]
			for gi := 0; gi < g; gi++ {
				r0, r1 := m.cell(h, gi)
				for gj := 0; gj < g; gj++ {
					c0, c1 := m.cell(w, gj)
					v := grad.Data[n*c*g*g+ch*g*g+gi*g+gj] / float32((r1-r0)*(c1-c0))
					for r := r0; r < r1; r++ {
						for col := c0; col < c1; col++ {
							plane[r*w+col] = v
						}
					}
				}
			}
		}
	}
	return dx, nil
}

func (m *gridPool) parameters() []*tensor.Parameter { return nil }

// dense computes y = x W + b with W stored [in, out].
type dense struct {
	weight *tensor.Parameter
	bias   *tensor.Parameter
	input  *tensor.Tensor
}

func (m *dense) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	in, out := m.weight.Value.Shape[0], m.weight.Value.Shape[1]
	rows, cols := x.Rows()
	if cols != in {
		return nil, fmt.Errorf("dense %s expects %d features, got %d", m.weight.Name, in, cols)
	}
	m.input = x
	y := newMatrix(x.Device, rows, out)
	tensor.Gemm(false, false, 1, tensor.AsMatrix(x), tensor.AsMatrix(m.weight.Value), 0, tensor.AsMatrix(y))
	if m.bias != nil {
		addBias(y, m.bias.Value.Data)
	}
	return y, nil
}

func (m *dense) backward(grad *tensor.Tensor, needInput bool) (*tensor.Tensor, error) {
	tensor.Gemm(true, false, 1, tensor.AsMatrix(m.input), tensor.AsMatrix(grad), 1, tensor.AsMatrix(m.weight.Grad))
	if m.bias != nil {
		accumulateColumnSums(m.bias.Grad.Data, grad)
	}
	if !needInput {
		return nil, nil
	}
	rows, _ := grad.Rows()
	dx := newMatrix(grad.Device, rows, m.weight.Value.Shape[0])
	tensor.Gemm(false, true, 1, tensor.AsMatrix(grad), tensor.AsMatrix(m.weight.Value), 0, tensor.AsMatrix(dx))
	return dx, nil
}

func (m *dense) parameters() []*tensor.Parameter {
	if m.bias == nil {
		return []*tensor.Parameter{m.weight}
	}
	return []*tensor.Parameter{m.weight, m.bias}
}

// groupedDense splits features into independent groups, each with its own
// [in/groups, out/groups] weight block.
type groupedDense struct {
	weight *tensor.Parameter // [groups, inG, outG]
	bias   *tensor.Parameter
	input  *tensor.Tensor
}

func (m *groupedDense) dims() (int, int, int) {
	s := m.weight.Value.Shape
	return s[0], s[1], s[2]
}

func (m *groupedDense) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	groups, inG, outG := m.dims()
	rows, cols := x.Rows()
	if cols != groups*inG {
		return nil, fmt.Errorf("grouped dense %s expects %d features, got %d", m.weight.Name, groups*inG, cols)
	}
	m.input = x
	y := newMatrix(x.Device, rows, groups*outG)
	xm, ym := tensor.AsMatrix(x), tensor.AsMatrix(y)
	for g := 0; g < groups; g++ {
		tensor.Gemm(false, false, 1,
			tensor.Columns(xm, g*inG, inG),
			tensor.Block(m.weight.Value.Data, g, inG, outG),
			0, tensor.Columns(ym, g*outG, outG))
	}
	addBias(y, m.bias.Value.Data)
	return y, nil
}

func (m *groupedDense) backward(grad *tensor.Tensor, needInput bool) (*tensor.Tensor, error) {
	groups, inG, outG := m.dims()
	xm, gm := tensor.AsMatrix(m.input), tensor.AsMatrix(grad)
	for g := 0; g < groups; g++ {
		tensor.Gemm(true, false, 1,
			tensor.Columns(xm, g*inG, inG),
			tensor.Columns(gm, g*outG, outG),
			1, tensor.Block(m.weight.Grad.Data, g, inG, outG))
	}
	accumulateColumnSums(m.bias.Grad.Data, grad)
	if !needInput {
		return nil, nil
	}
	rows, _ := grad.Rows()
	dx := newMatrix(grad.Device, rows, groups*inG)
	dxm := tensor.AsMatrix(dx)
	for g := 0; g < groups; g++ {
		tensor.Gemm(false, true, 1,
			tensor.Columns(gm, g*outG, outG),
			tensor.Block(m.weight.Value.Data, g, inG, outG),
			0, tensor.Columns(dxm, g*inG, inG))
	}
	return dx, nil
}

func (m *groupedDense) parameters() []*tensor.Parameter {
	return []*tensor.Parameter{m.weight, m.bias}
}

type relu struct {
	output *tensor.Tensor
}

func (m *relu) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y := tensor.ZerosLike(x)
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
		}
	}
	m.output = y
	return y, nil
}

func (m *relu) backward(grad *tensor.Tensor, needInput bool) (*tensor.Tensor, error) {
	dx := tensor.ZerosLike(grad)
	for i, v := range m.output.Data {
		if v > 0 {
			dx.Data[i] = grad.Data[i]
		}
	}
	return dx, nil
}

func (m *relu) parameters() []*tensor.Parameter { return nil }

type sigmoid struct {
	output *tensor.Tensor
}

func (m *sigmoid) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y := tensor.ZerosLike(x)
	for i, v := range x.Data {
		y.Data[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
	m.output = y
	return y, nil
}

func (m *sigmoid) backward(grad *tensor.Tensor, needInput bool) (*tensor.Tensor, error) {
	dx := tensor.ZerosLike(grad)
	for i, p := range m.output.Data {
		dx.Data[i] = grad.Data[i] * p * (1 - p)
	}
	return dx, nil
}

func (m *sigmoid) parameters() []*tensor.Parameter { return nil }

// sequential chains modules.
type sequential []module

func (s sequential) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, m := range s {
		if x, err = m.forward(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (s sequential) backward(grad *tensor.Tensor, needInput bool) (*tensor.Tensor, error) {
	var err error
	for i := len(s) - 1; i >= 0; i-- {
		if grad, err = s[i].backward(grad, needInput || i > 0); err != nil {
			return nil, err
		}
	}
	return grad, nil
}

func (s sequential) parameters() []*tensor.Parameter {
	var params []*tensor.Parameter
	for _, m := range s {
		params = append(params, m.parameters()...)
	}
	return params
}

// residual computes relu(x + gate(branch(x)) * branch(x)), where the gate
// is a squeeze-and-excitation unit when present and 1 otherwise.
type residual struct {
	branch sequential
	gate   sequential

	branchOut *tensor.Tensor
	gateOut   *tensor.Tensor
	output    *tensor.Tensor
}

func (m *residual) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	b, err := m.branch.forward(x)
	if err != nil {
		return nil, err
	}
	if !tensor.SameShape(b.Shape, x.Shape) {
		return nil, fmt.Errorf("residual branch changed shape %v -> %v", x.Shape, b.Shape)
	}
	m.branchOut = b

	y := tensor.ZerosLike(x)
	if m.gate != nil {
		g, err := m.gate.forward(b)
		if err != nil {
			return nil, err
		}
		m.gateOut = g
		for i := range y.Data {
			y.Data[i] = x.Data[i] + b.Data[i]*g.Data[i]
		}
	} else {
		for i := range y.Data {
			y.Data[i] = x.Data[i] + b.Data[i]
		}
	}
	for i, v := range y.Data {
		if v < 0 {
			y.Data[i] = 0
		}
	}
	m.output = y
	return y, nil
}

func (m *residual) backward(grad *tensor.Tensor, needInput bool) (*tensor.Tensor, error) {
	dSum := tensor.ZerosLike(grad)
	for i, v := range m.output.Data {
		if v > 0 {
			dSum.Data[i] = grad.Data[i]
		}
	}

	dBranch := dSum
	if m.gate != nil {
		dBranch = tensor.ZerosLike(dSum)
		dGate := tensor.ZerosLike(dSum)
		for i := range dSum.Data {
			dBranch.Data[i] = dSum.Data[i] * m.gateOut.Data[i]
			dGate.Data[i] = dSum.Data[i] * m.branchOut.Data[i]
		}
		viaGate, err := m.gate.backward(dGate, true)
		if err != nil {
			return nil, err
		}
		for i, v := range viaGate.Data {
			dBranch.Data[i] += v
		}
	}

	dx, err := m.branch.backward(dBranch, true)
	if err != nil {
		return nil, err
	}
	for i, v := range dSum.Data {
		dx.Data[i] += v
	}
	return dx, nil
}

func (m *residual) parameters() []*tensor.Parameter {
	return append(m.branch.parameters(), m.gate.parameters()...)
}

func newMatrix(device tensor.DeviceType, rows, cols int) *tensor.Tensor {
	return &tensor.Tensor{
		Shape:    []int{rows, cols},
		Strides:  []int{cols, 1},
		Device:   device,
		Data:     make([]float32, rows*cols),
		NumElems: rows * cols,
	}
}

func addBias(y *tensor.Tensor, bias []float32) {
	rows, cols := y.Rows()
	for r := 0; r < rows; r++ {
		row := y.Data[r*cols : (r+1)*cols]
		for c := range row {
			row[c] += bias[c]
		}
	}
}

func accumulateColumnSums(dst []float32, grad *tensor.Tensor) {
	rows, cols := grad.Rows()
	for r := 0; r < rows; r++ {
		row := grad.Data[r*cols : (r+1)*cols]
		for c, v := range row {
			dst[c] += v
		}
	}
}
