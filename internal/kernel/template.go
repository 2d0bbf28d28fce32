package kernel

import (
	"fmt"

	"github.com/samcharles93/kerneltune/internal/codec"
	"github.com/samcharles93/kerneltune/internal/dtype"
	"github.com/samcharles93/kerneltune/internal/matmul"
)

// ParamKind tags the role of a kernel argument.
type ParamKind string

const (
	ParamA      ParamKind = "A"
	ParamB      ParamKind = "B"
	ParamScale  ParamKind = "Scale"
	ParamZeros  ParamKind = "Zeros"
	ParamBias   ParamKind = "Bias"
	ParamOutput ParamKind = "D"
)

// Param is one kernel argument: its role, storage dtype and shape. Packed
// weights are int8 storage whose last axis counts bytes.
type Param struct {
	Kind   ParamKind
	DType  dtype.DType
	Shape  []int
	Packed bool
}

// Template is the unscheduled computation: a matmul Config specialised to
// one batch size.
type Template struct {
	Name   string
	Config matmul.Config
	M      int
}

// NewTemplate selects the template family for cfg and specialises it to the
// optimisation batch size.
func NewTemplate(cfg matmul.Config) Template {
	return Template{
		Name:   "matmul_" + string(cfg.Family()),
		Config: cfg,
		M:      cfg.M(),
	}
}

// ForM returns the same template specialised to batch size m.
func (t Template) ForM(m int) Template {
	t.M = m
	return t
}

func (t Template) Family() matmul.Family { return t.Config.Family() }

// Params lists the kernel arguments in call order: A, B, then the optional
// Scale, Zeros and Bias, and finally the output D.
func (t Template) Params() []Param {
	c := t.Config
	params := []Param{{Kind: ParamA, DType: c.ADType(), Shape: []int{t.M, c.K()}}}

	switch {
	case c.Family() == matmul.FamilyDequantize:
		params = append(params, Param{Kind: ParamB, DType: dtype.Int8, Shape: []int{c.N(), c.WeightRowBytes()}, Packed: true})
	case c.Layout() == matmul.LayoutNN:
		params = append(params, Param{Kind: ParamB, DType: c.WDType(), Shape: []int{c.K(), c.N()}})
	default:
		params = append(params, Param{Kind: ParamB, DType: c.WDType(), Shape: []int{c.N(), c.K()}})
	}

	if c.WithScaling() {
		params = append(params, Param{Kind: ParamScale, DType: c.ADType(), Shape: []int{c.N(), c.Groups()}})
	}
	if c.WithZeros() {
		if c.ZerosMode() == matmul.ZerosQuantized {
			// Quantized zero points are packed along N, one row per group.
			params = append(params, Param{Kind: ParamZeros, DType: dtype.Int8,
				Shape: []int{c.Groups(), codec.PackedLen(c.N(), c.Bits())}, Packed: true})
		} else {
			params = append(params, Param{Kind: ParamZeros, DType: c.ADType(), Shape: []int{c.N(), c.Groups()}})
		}
	}
	if c.WithBias() {
		params = append(params, Param{Kind: ParamBias, DType: c.OutDType(), Shape: []int{c.N()}})
	}
	params = append(params, Param{Kind: ParamOutput, DType: c.OutDType(), Shape: []int{t.M, c.N()}})
	return params
}

// WeightBits is the per-element width of B as the kernel loads it.
func (t Template) WeightBits() int {
	if t.Family() == matmul.FamilyDequantize {
		return t.Config.Bits()
	}
	return t.Config.WDType().Bits()
}

func (t Template) String() string {
	c := t.Config
	return fmt.Sprintf("%s[m=%d n=%d k=%d %sx%s->%s]", t.Name, t.M, c.N(), c.K(), c.ADType(), c.WDType(), c.OutDType())
}
