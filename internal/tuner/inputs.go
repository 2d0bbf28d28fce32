package tuner

import (
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/tensor"
)

// GenerateInputs allocates one tensor per kernel parameter of tmpl, in call
// order, filled with representative values: integers uniform in [-127, 127]
// clipped to the dtype, floats uniform in [0, 1), packed buffers with random
// codes. The trailing output tensor is zeroed.
func GenerateInputs(tmpl kernel.Template, seed int64) []*tensor.Tensor {
	params := tmpl.Params()
	out := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		t := tensor.New(p.DType, p.Shape...)
		s := seed + int64(i)*7919
		switch {
		case p.Kind == kernel.ParamOutput:
		case p.Packed:
			// Every byte is a valid run of packed codes.
			tensor.FillInt(t, s, 0, 255)
		case p.DType.IsInteger():
			lo, hi := p.DType.IntRange()
			tensor.FillInt(t, s, max(lo, -127), min(hi, 127))
		default:
			tensor.FillUniform(t, s, 0, 1)
		}
		out[i] = t
	}
	return out
}
