package matmul

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samcharles93/kerneltune/internal/dtype"
)

// MaxBuckets bounds the number of dynamic-batch buckets a Config may carry.
const MaxBuckets = 16

// Family selects which kernel template implements a Config.
type Family string

const (
	// FamilyConsistent is a same-precision GEMM (A and W share a dtype).
	FamilyConsistent Family = "consistent"
	// FamilyDequantize decodes low-bit weights to the activation dtype inside
	// the kernel's inner loop.
	FamilyDequantize Family = "dequantize"
)

// Layout names the operand orientation: the first letter is A, the second W.
// "nt" means A is [M, K] and W is stored as [N, K].
type Layout string

const (
	LayoutNN Layout = "nn"
	LayoutNT Layout = "nt"
	LayoutTN Layout = "tn"
	LayoutTT Layout = "tt"
)

// ZerosMode selects how zero points combine with scales.
//
//	original:  (w - z) * s
//	rescale:   w * s - z
//	quantized: (w - unpack(qz)) * s
type ZerosMode string

const (
	ZerosOriginal  ZerosMode = "original"
	ZerosRescale   ZerosMode = "rescale"
	ZerosQuantized ZerosMode = "quantized"
)

// Options is the caller-facing shape/dtype description. Zero values select
// the documented defaults; NewConfig validates and canonicalises it.
type Options struct {
	// M is the fixed batch size. When MBuckets is set it is ignored and the
	// kernel is built for each bucket instead.
	M        int
	MBuckets []int
	N        int
	K        int

	ADType     string
	WDType     string
	OutDType   string
	AccumDType string
	Layout     Layout

	WithBias bool
	// Bits, when non-zero, must agree with the bit width of WDType.
	Bits        int
	GroupSize   int
	WithScaling bool
	WithZeros   bool
	ZerosMode   ZerosMode

	// FastDecoding defaults to true for integer-quantized weights.
	FastDecoding *bool
	PropagateA   TransformKind
	PropagateB   TransformKind
}

// Config is the validated, immutable KernelShapeSpec. It is comparable and
// can key maps directly.
type Config struct {
	m        int
	buckets  [MaxBuckets]int
	nBuckets int
	n, k     int

	a, w, out, accum dtype.DType
	layout           Layout

	withBias     bool
	groupSize    int
	withScaling  bool
	withZeros    bool
	zerosMode    ZerosMode
	fastDecoding bool
	propagateA   TransformKind
	propagateB   TransformKind
}

// NewConfig applies defaults and rejects invalid or incompatible
// combinations with a *ConfigurationError.
func NewConfig(o Options) (Config, error) {
	var c Config

	a, err := dtype.Parse(o.ADType)
	if err != nil {
		return Config{}, configErr("A_dtype", err.Error())
	}
	wName := o.WDType
	if wName == "" {
		wName = o.ADType
	}
	w, err := dtype.Parse(wName)
	if err != nil {
		return Config{}, configErr("W_dtype", err.Error())
	}
	c.a, c.w = a, w

	switch a {
	case dtype.Float16, dtype.Float32, dtype.Float64, dtype.Int8:
	default:
		return Config{}, configErr("A_dtype", fmt.Sprintf("%s is not a supported activation dtype", a))
	}

	if err := c.setM(o); err != nil {
		return Config{}, err
	}
	if o.N <= 0 {
		return Config{}, configErr("N", "must be positive")
	}
	if o.K <= 0 {
		return Config{}, configErr("K", "must be positive")
	}
	c.n, c.k = o.N, o.K

	if o.Bits != 0 && o.Bits != w.Bits() {
		return Config{}, configErr("bits", fmt.Sprintf("%d does not match W_dtype %s (%d bits)", o.Bits, w, w.Bits()))
	}

	if c.Family() == FamilyDequantize {
		if w.Bits() > 8 {
			return Config{}, configErr("W_dtype", fmt.Sprintf("%s weights with %s activations are not a supported mixed-precision pair", w, a))
		}
		if a == dtype.Float64 {
			return Config{}, configErr("A_dtype", "float64 activations cannot take dequantized weights")
		}
	}

	if err := c.setDTypes(o); err != nil {
		return Config{}, err
	}

	c.layout = o.Layout
	if c.layout == "" {
		c.layout = LayoutNT
	}
	switch c.layout {
	case LayoutNN, LayoutNT, LayoutTN, LayoutTT:
	default:
		return Config{}, configErr("layout", fmt.Sprintf("unknown layout %q", o.Layout))
	}
	if c.layout[0] == 't' {
		return Config{}, configErr("layout", "transposed activations are not supported")
	}
	if c.Family() == FamilyDequantize && c.layout != LayoutNT {
		return Config{}, configErr("layout", "dequantize kernels require nt layout")
	}

	c.withBias = o.WithBias
	c.withScaling = o.WithScaling
	c.withZeros = o.WithZeros

	switch {
	case o.GroupSize == 0 || o.GroupSize == -1:
		c.groupSize = -1
	case o.GroupSize < -1:
		return Config{}, configErr("group_size", "must be -1 or positive")
	case c.k%o.GroupSize != 0:
		return Config{}, configErr("group_size", fmt.Sprintf("%d does not divide K=%d", o.GroupSize, c.k))
	default:
		c.groupSize = o.GroupSize
	}

	c.zerosMode = o.ZerosMode
	if c.zerosMode == "" {
		c.zerosMode = ZerosOriginal
	}
	switch c.zerosMode {
	case ZerosOriginal, ZerosRescale, ZerosQuantized:
	default:
		return Config{}, configErr("zeros_mode", fmt.Sprintf("unknown mode %q", o.ZerosMode))
	}
	if c.Family() == FamilyConsistent && (c.withScaling || c.withZeros) {
		return Config{}, configErr("with_scaling", "scales and zero points apply only to dequantized weights")
	}
	if a.IsInteger() && (c.withScaling || c.withZeros) {
		return Config{}, configErr("with_scaling", "integer activations take raw integer weights")
	}
	if a.IsInteger() && !w.IsInteger() {
		return Config{}, configErr("W_dtype", fmt.Sprintf("%s weights cannot feed an integer %s kernel", w, a))
	}
	if c.withZeros && c.zerosMode == ZerosQuantized && !w.IsInteger() {
		return Config{}, configErr("zeros_mode", "quantized zero points require an integer weight format")
	}
	if c.withZeros && c.zerosMode == ZerosQuantized && (c.n*w.Bits())%8 != 0 {
		return Config{}, configErr("zeros_mode", fmt.Sprintf("quantized zero points for N=%d do not pack into whole bytes", c.n))
	}

	fast := w.IsInteger()
	if o.FastDecoding != nil {
		fast = *o.FastDecoding && fast
	}
	// The fast-decode interleave only targets fp16 and int8 registers.
	c.fastDecoding = fast && c.Family() == FamilyDequantize &&
		(a == dtype.Float16 || a == dtype.Int8)

	if !o.PropagateA.Valid() {
		return Config{}, configErr("propagate_a", fmt.Sprintf("unknown transform kind %d", o.PropagateA))
	}
	if !o.PropagateB.Valid() {
		return Config{}, configErr("propagate_b", fmt.Sprintf("unknown transform kind %d", o.PropagateB))
	}
	c.propagateA, c.propagateB = o.PropagateA, o.PropagateB

	if err := c.checkTransforms(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) setM(o Options) error {
	if len(o.MBuckets) == 0 {
		if o.M <= 0 {
			return configErr("M", "must be positive")
		}
		c.m = o.M
		return nil
	}
	if len(o.MBuckets) > MaxBuckets {
		return configErr("M", fmt.Sprintf("at most %d dynamic buckets", MaxBuckets))
	}
	b := slices.Clone(o.MBuckets)
	slices.Sort(b)
	b = slices.Compact(b)
	if b[0] <= 0 {
		return configErr("M", "dynamic buckets must be positive")
	}
	copy(c.buckets[:], b)
	c.nBuckets = len(b)
	c.m = b[len(b)-1]
	return nil
}

func (c *Config) setDTypes(o Options) error {
	if o.AccumDType != "" {
		d, err := dtype.Parse(o.AccumDType)
		if err != nil {
			return configErr("accum_dtype", err.Error())
		}
		c.accum = d
	} else if c.a == dtype.Int8 {
		c.accum = dtype.Int32
	} else {
		c.accum = c.a
	}
	if o.OutDType != "" {
		d, err := dtype.Parse(o.OutDType)
		if err != nil {
			return configErr("out_dtype", err.Error())
		}
		c.out = d
	} else {
		c.out = c.a
	}
	if c.a.IsInteger() != c.accum.IsInteger() {
		return configErr("accum_dtype", fmt.Sprintf("%s accumulator cannot reduce %s inputs", c.accum, c.a))
	}
	switch c.out {
	case dtype.Float16, dtype.Float32, dtype.Float64, dtype.Int8, dtype.Int32:
	default:
		return configErr("out_dtype", fmt.Sprintf("%s is not a supported output dtype", c.out))
	}
	return nil
}

func (c *Config) checkTransforms() error {
	if c.propagateA != NonTransform {
		if c.IsDynamic() {
			return configErr("propagate_a", "input layout propagation needs a static M")
		}
		if c.m%TileRows != 0 || (c.k*c.a.StorageBytes())%TileBytes != 0 {
			return configErr("propagate_a", fmt.Sprintf("A [%d, %d] is not a multiple of the %dx%dB tile", c.m, c.k, TileRows, TileBytes))
		}
	}
	if c.propagateB != NonTransform {
		if c.layout != LayoutNT {
			return configErr("propagate_b", "weight layout propagation needs nt layout")
		}
		if c.n%TileRows != 0 || c.WeightRowBytes()%TileBytes != 0 {
			return configErr("propagate_b", fmt.Sprintf("W [%d, %dB] is not a multiple of the %dx%dB tile", c.n, c.WeightRowBytes(), TileRows, TileBytes))
		}
	}
	if c.fastDecoding && c.WeightRowBytes()%4 != 0 {
		return configErr("fast_decoding", fmt.Sprintf("packed weight rows of %d bytes are not 32-bit aligned", c.WeightRowBytes()))
	}
	return nil
}

// Family picks the template by comparing input and weight dtypes.
func (c Config) Family() Family {
	if c.a == c.w {
		return FamilyConsistent
	}
	return FamilyDequantize
}

// M is the optimisation batch size: the fixed M, or the largest bucket.
func (c Config) M() int { return c.m }

// MBuckets returns the dynamic buckets in ascending order, or [M] when static.
func (c Config) MBuckets() []int {
	if c.nBuckets == 0 {
		return []int{c.m}
	}
	return slices.Clone(c.buckets[:c.nBuckets])
}

func (c Config) IsDynamic() bool { return c.nBuckets > 0 }

func (c Config) N() int                    { return c.n }
func (c Config) K() int                    { return c.k }
func (c Config) ADType() dtype.DType       { return c.a }
func (c Config) WDType() dtype.DType       { return c.w }
func (c Config) OutDType() dtype.DType     { return c.out }
func (c Config) AccumDType() dtype.DType   { return c.accum }
func (c Config) Layout() Layout            { return c.layout }
func (c Config) WithBias() bool            { return c.withBias }
func (c Config) Bits() int                 { return c.w.Bits() }
func (c Config) GroupSize() int            { return c.groupSize }
func (c Config) WithScaling() bool         { return c.withScaling }
func (c Config) WithZeros() bool           { return c.withZeros }
func (c Config) ZerosMode() ZerosMode      { return c.zerosMode }
func (c Config) FastDecoding() bool        { return c.fastDecoding }
func (c Config) PropagateA() TransformKind { return c.propagateA }
func (c Config) PropagateB() TransformKind { return c.propagateB }

// EffectiveGroupSize resolves the whole-row sentinel to K.
func (c Config) EffectiveGroupSize() int {
	if c.groupSize == -1 {
		return c.k
	}
	return c.groupSize
}

// Groups is the number of scale groups along K.
func (c Config) Groups() int { return c.k / c.EffectiveGroupSize() }

// WeightRowBytes is the storage width of one weight row in the nt layout.
func (c Config) WeightRowBytes() int {
	if c.Family() == FamilyConsistent {
		return c.k * c.w.StorageBytes()
	}
	return (c.k*c.w.Bits() + 7) / 8
}

// Key renders a stable cache key.
func (c Config) Key() string {
	var b strings.Builder
	b.WriteString("m=")
	for i, m := range c.MBuckets() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(m))
	}
	fmt.Fprintf(&b, ";n=%d;k=%d;a=%s;w=%s;out=%s;acc=%s;layout=%s;bias=%t;g=%d;scale=%t;zeros=%t;zmode=%s;fast=%t;pa=%d;pb=%d",
		c.n, c.k, c.a, c.w, c.out, c.accum, c.layout, c.withBias, c.groupSize,
		c.withScaling, c.withZeros, c.zerosMode, c.fastDecoding, c.propagateA, c.propagateB)
	return b.String()
}
