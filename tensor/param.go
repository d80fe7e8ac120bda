package tensor

// Parameter is a named learnable tensor with its accumulated gradient.
type Parameter struct {
	Name  string
	Value *Tensor
	Grad  *Tensor
}

// NewParameter allocates a parameter and its gradient buffer.
func NewParameter(device Device, name string, shape ...int) (*Parameter, error) {
	v, err := New(device, shape...)
	if err != nil {
		return nil, err
	}
	return &Parameter{Name: name, Value: v, Grad: ZerosLike(v)}, nil
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}
