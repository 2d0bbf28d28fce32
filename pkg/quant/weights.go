package quant

import (
	"fmt"

	"github.com/samcharles93/kerneltune/internal/codec"
	"github.com/samcharles93/kerneltune/internal/dtype"
	"github.com/samcharles93/kerneltune/internal/matmul"
	"github.com/samcharles93/kerneltune/internal/tensor"
)

// Weights reads a kernel's weight operand in its natural layout: packed
// codes for the dequantize family, a dense matrix otherwise. Layout
// transforms must already be undone.
type Weights struct {
	cfg   matmul.Config
	b     *tensor.Tensor
	scale *tensor.Tensor
	zeros *tensor.Tensor

	rowBytes  int
	groupSize int
	groups    int
}

// NewWeights binds b, and the optional scale and zeros, to cfg.
func NewWeights(cfg matmul.Config, b, scale, zeros *tensor.Tensor) (*Weights, error) {
	if b == nil {
		return nil, fmt.Errorf("weights: missing B")
	}
	if cfg.WithScaling() && scale == nil {
		return nil, fmt.Errorf("weights: config takes scales but none were given")
	}
	if cfg.WithZeros() && zeros == nil {
		return nil, fmt.Errorf("weights: config takes zero points but none were given")
	}
	w := &Weights{
		cfg:       cfg,
		b:         b,
		scale:     scale,
		zeros:     zeros,
		rowBytes:  cfg.WeightRowBytes(),
		groupSize: cfg.EffectiveGroupSize(),
		groups:    cfg.Groups(),
	}
	if cfg.Family() == matmul.FamilyDequantize && len(b.Data) != cfg.N()*w.rowBytes {
		return nil, fmt.Errorf("weights: %d packed bytes, want %d", len(b.Data), cfg.N()*w.rowBytes)
	}
	return w, nil
}

func (w *Weights) code(n, k int) uint8 {
	return codec.Code(w.b.Data[n*w.rowBytes:(n+1)*w.rowBytes], w.cfg.Bits(), k)
}

func (w *Weights) dense(n, k int) int {
	if w.cfg.Layout() == matmul.LayoutNN {
		return k*w.cfg.N() + n
	}
	return n*w.cfg.K() + k
}

func (w *Weights) zero(n, g int) float32 {
	if w.cfg.ZerosMode() == matmul.ZerosQuantized {
		// Packed [groups, N]: one row of N codes per group.
		rowBytes := codec.PackedLen(w.cfg.N(), w.cfg.Bits())
		return float32(codec.Code(w.zeros.Data[g*rowBytes:(g+1)*rowBytes], w.cfg.Bits(), n))
	}
	return w.zeros.Float(n*w.groups + g)
}

// At returns the dequantized value of W[n, k].
func (w *Weights) At(n, k int) float32 {
	if w.cfg.Family() == matmul.FamilyConsistent {
		return w.b.Float(w.dense(n, k))
	}
	v := Decode(w.code(n, k), w.cfg.WDType())
	if !w.cfg.WithScaling() && !w.cfg.WithZeros() {
		return v
	}
	g := k / w.groupSize
	var s, z float32
	if w.cfg.WithScaling() {
		s = w.scale.Float(n*w.groups + g)
	}
	if w.cfg.WithZeros() {
		z = w.zero(n, g)
	}
	return Apply(v, s, z, w.cfg.WithScaling(), w.cfg.WithZeros(), w.cfg.ZerosMode())
}

// IntAt returns W[n, k] as an exact integer for integer kernels.
func (w *Weights) IntAt(n, k int) int32 {
	if w.cfg.Family() == matmul.FamilyConsistent {
		return int32(w.b.Int(w.dense(n, k)))
	}
	return DecodeInt(w.code(n, k), w.cfg.WDType())
}

// Row fills dst with W[n, k0:k0+len(dst)].
func (w *Weights) Row(n, k0 int, dst []float32) {
	for i := range dst {
		dst[i] = w.At(n, k0+i)
	}
}

// IntRow is Row for integer kernels.
func (w *Weights) IntRow(n, k0 int, dst []int32) {
	for i := range dst {
		dst[i] = w.IntAt(n, k0+i)
	}
}

// Dense dequantizes the whole weight into a row-major [N, K] matrix.
func (w *Weights) Dense() []float32 {
	n, k := w.cfg.N(), w.cfg.K()
	out := make([]float32, n*k)
	for r := 0; r < n; r++ {
		w.Row(r, 0, out[r*k:(r+1)*k])
	}
	return out
}

// IntegerKernel reports whether cfg accumulates in integers.
func IntegerKernel(cfg matmul.Config) bool {
	return cfg.ADType() == dtype.Int8 && cfg.AccumDType().IsInteger()
}
