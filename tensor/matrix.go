package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// AsMatrix views t as a row-major [rows, cols] matrix, flattening every
// dimension after the first.
func AsMatrix(t *Tensor) blas32.General {
	rows, cols := t.Rows()
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: t.Data}
}

// Columns returns a view of width columns of m starting at col.
func Columns(m blas32.General, col, width int) blas32.General {
	return blas32.General{Rows: m.Rows, Cols: width, Stride: m.Stride, Data: m.Data[col:]}
}

// Block returns the k-th contiguous [rows, cols] matrix packed in data.
func Block(data []float32, k, rows, cols int) blas32.General {
	size := rows * cols
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[k*size : (k+1)*size]}
}

// Gemm computes c = alpha * op(a) * op(b) + beta * c.
func Gemm(transA, transB bool, alpha float32, a, b blas32.General, beta float32, c blas32.General) {
	blas32.Gemm(transpose(transA), transpose(transB), alpha, a, b, beta, c)
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// MatMul multiplies two 2-D tensors on the same device.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if t1.Device != t2.Device {
		return nil, fmt.Errorf("matmul operands on different devices: %s and %s", t1.Device, t2.Device)
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2-D tensors, got %v and %v", t1.Shape, t2.Shape)
	}
	if t1.Shape[1] != t2.Shape[0] {
		return nil, fmt.Errorf("incompatible dimensions for matmul: %v x %v", t1.Shape, t2.Shape)
	}

	out := &Tensor{
		Shape:    []int{t1.Shape[0], t2.Shape[1]},
		Strides:  []int{t2.Shape[1], 1},
		DType:    Float32,
		Device:   t1.Device,
		Data:     make([]float32, t1.Shape[0]*t2.Shape[1]),
		NumElems: t1.Shape[0] * t2.Shape[1],
	}
	Gemm(false, false, 1, AsMatrix(t1), AsMatrix(t2), 0, AsMatrix(out))
	return out, nil
}
