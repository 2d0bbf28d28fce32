// Package quant holds the scalar dequantization rules shared by the host
// kernels, the reference path and the weight packing tools.
package quant

import (
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/samcharles93/kerneltune/internal/dtype"
	"github.com/samcharles93/kerneltune/internal/matmul"
)

var nf4Table = [16]float32{
	-1.0, -0.6961928009986877, -0.5250730514526367, -0.39491748809814453,
	-0.28444138169288635, -0.18477343022823334, -0.09105003625154495, 0.0,
	0.07958029955625534, 0.16093020141124725, 0.24611230194568634, 0.33791524171829224,
	0.44070982933044434, 0.5626170039176941, 0.7229568362236023, 1.0,
}

var e2m1Table = [16]float32{
	0, 0.5, 1, 1.5, 2, 3, 4, 6,
	0, -0.5, -1, -1.5, -2, -3, -4, -6,
}

// IntOffset is the bias signed integer codes are stored with: a signed
// value v is kept as the unsigned code v + IntOffset(bits).
func IntOffset(bits int) int {
	return 1<<(bits-1) - 1
}

// Decode maps one stored code of weight dtype w to its unscaled value.
func Decode(code uint8, w dtype.DType) float32 {
	switch w.Format() {
	case dtype.FormatUint:
		return float32(code)
	case dtype.FormatInt:
		if w.Bits() == 8 {
			return float32(int8(code))
		}
		return float32(int(code) - IntOffset(w.Bits()))
	case dtype.FormatLUT:
		if w == dtype.NF4 {
			return nf4Table[code&0xF]
		}
		return e2m1Table[code&0xF]
	case dtype.FormatFloat:
		// e5m2 is the high byte of an IEEE half.
		return float16.Frombits(uint16(code) << 8).Float32()
	}
	return 0
}

// DecodeInt maps an integer-format code to its exact integer value.
func DecodeInt(code uint8, w dtype.DType) int32 {
	if w.Format() == dtype.FormatInt {
		if w.Bits() == 8 {
			return int32(int8(code))
		}
		return int32(code) - int32(IntOffset(w.Bits()))
	}
	return int32(code)
}

// Apply combines a decoded weight with its group's scale and zero point.
func Apply(v, scale, zero float32, withScaling, withZeros bool, mode matmul.ZerosMode) float32 {
	switch {
	case withScaling && withZeros:
		switch mode {
		case matmul.ZerosRescale:
			return v*scale - zero
		default:
			return (v - zero) * scale
		}
	case withScaling:
		return v * scale
	case withZeros:
		return v - zero
	}
	return v
}

// GroupParams are per-row, per-group asymmetric quantization parameters
// laid out [N, groups].
type GroupParams struct {
	Scales []float32
	Zeros  []float32
	Groups int
}

// FitGroups derives min/max asymmetric parameters for a [n, k] weight so that
// every group maps onto the unsigned code range of bits.
func FitGroups(w []float32, n, k, groupSize, bits int) (GroupParams, error) {
	if groupSize <= 0 || k%groupSize != 0 {
		return GroupParams{}, fmt.Errorf("group size %d does not divide K=%d", groupSize, k)
	}
	if len(w) != n*k {
		return GroupParams{}, fmt.Errorf("weight has %d values, want %d", len(w), n*k)
	}
	groups := k / groupSize
	maxq := float32(int(1)<<bits - 1)
	p := GroupParams{
		Scales: make([]float32, n*groups),
		Zeros:  make([]float32, n*groups),
		Groups: groups,
	}
	for r := 0; r < n; r++ {
		for g := 0; g < groups; g++ {
			lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
			for _, v := range w[r*k+g*groupSize : r*k+(g+1)*groupSize] {
				lo = min(lo, v)
				hi = max(hi, v)
			}
			lo = min(lo, 0)
			hi = max(hi, 0)
			scale := (hi - lo) / maxq
			if scale == 0 {
				scale = 1
			}
			p.Scales[r*groups+g] = scale
			p.Zeros[r*groups+g] = float32(math.Round(float64(-lo / scale)))
		}
	}
	return p, nil
}

// QuantizeGroups turns a fake-quantized [n, k] weight into unsigned codes with
// round((w + z*s) / s), clamped to the code range. With no zero points the
// codes are round(w / s) + IntOffset for signed formats.
func QuantizeGroups(w []float32, n, k int, p GroupParams, bits int, signed bool) ([]uint8, error) {
	if len(w) != n*k {
		return nil, fmt.Errorf("weight has %d values, want %d", len(w), n*k)
	}
	if p.Groups <= 0 || k%p.Groups != 0 || len(p.Scales) != n*p.Groups {
		return nil, fmt.Errorf("group parameters do not match a [%d, %d] weight", n, k)
	}
	groupSize := k / p.Groups
	hi := float64(int(1)<<bits - 1)
	out := make([]uint8, n*k)
	for r := 0; r < n; r++ {
		for c := 0; c < k; c++ {
			g := r*p.Groups + c/groupSize
			s := float64(p.Scales[g])
			var z float64
			if p.Zeros != nil {
				z = float64(p.Zeros[g])
			}
			q := math.Round((float64(w[r*k+c]) + z*s) / s)
			if signed && p.Zeros == nil {
				q += float64(IntOffset(bits))
			}
			out[r*k+c] = uint8(math.Max(0, math.Min(hi, q)))
		}
	}
	return out, nil
}
