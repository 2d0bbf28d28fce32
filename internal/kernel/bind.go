package kernel

import (
	"errors"
	"fmt"

	"github.com/samcharles93/kerneltune/internal/tensor"
)

// ErrArgs is wrapped by every argument binding error.
var ErrArgs = errors.New("kernel arguments do not match template")

// Operands are the bound arguments of one kernel call. Optional operands
// the template does not take are nil.
type Operands struct {
	A, B, Scale, Zeros, Bias, Out *tensor.Tensor
}

// Bind checks inputs against Params and names them. inputs must include the
// trailing output tensor.
func (t Template) Bind(inputs []*tensor.Tensor) (Operands, error) {
	params := t.Params()
	if len(inputs) != len(params) {
		return Operands{}, fmt.Errorf("%w: %s takes %d tensors, got %d", ErrArgs, t.Name, len(params), len(inputs))
	}
	var ops Operands
	for i, p := range params {
		in := inputs[i]
		if in == nil {
			return Operands{}, fmt.Errorf("%w: %s is nil", ErrArgs, p.Kind)
		}
		if in.DType != p.DType || !tensor.SameShape(in.Shape, p.Shape) {
			return Operands{}, fmt.Errorf("%w: %s is %s%v, want %s%v", ErrArgs, p.Kind, in.DType, in.Shape, p.DType, p.Shape)
		}
		switch p.Kind {
		case ParamA:
			ops.A = in
		case ParamB:
			ops.B = in
		case ParamScale:
			ops.Scale = in
		case ParamZeros:
			ops.Zeros = in
		case ParamBias:
			ops.Bias = in
		case ParamOutput:
			ops.Out = in
		}
	}
	return ops, nil
}
