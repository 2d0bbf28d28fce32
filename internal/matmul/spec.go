package matmul

import "fmt"

// Spec is the serialised form of Options used by the CLI shape files and
// the tuning API. Propagation flags accept a bool, an integer kind or a
// name.
type Spec struct {
	M        int   `json:"M,omitempty" yaml:"M,omitempty"`
	MBuckets []int `json:"M_buckets,omitempty" yaml:"M_buckets,omitempty"`
	N        int   `json:"N" yaml:"N"`
	K        int   `json:"K" yaml:"K"`

	ADType     string `json:"A_dtype" yaml:"A_dtype"`
	WDType     string `json:"W_dtype,omitempty" yaml:"W_dtype,omitempty"`
	OutDType   string `json:"out_dtype,omitempty" yaml:"out_dtype,omitempty"`
	AccumDType string `json:"accum_dtype,omitempty" yaml:"accum_dtype,omitempty"`
	Layout     string `json:"layout,omitempty" yaml:"layout,omitempty"`

	WithBias     bool   `json:"with_bias,omitempty" yaml:"with_bias,omitempty"`
	Bits         int    `json:"bits,omitempty" yaml:"bits,omitempty"`
	GroupSize    int    `json:"group_size,omitempty" yaml:"group_size,omitempty"`
	WithScaling  bool   `json:"with_scaling,omitempty" yaml:"with_scaling,omitempty"`
	WithZeros    bool   `json:"with_zeros,omitempty" yaml:"with_zeros,omitempty"`
	ZerosMode    string `json:"zeros_mode,omitempty" yaml:"zeros_mode,omitempty"`
	FastDecoding *bool  `json:"fast_decoding,omitempty" yaml:"fast_decoding,omitempty"`
	PropagateA   any    `json:"propagate_a,omitempty" yaml:"propagate_a,omitempty"`
	PropagateB   any    `json:"propagate_b,omitempty" yaml:"propagate_b,omitempty"`
}

// Options converts s, canonicalising the propagation flags.
func (s Spec) Options() (Options, error) {
	pa, err := ParseTransformKind(s.PropagateA)
	if err != nil {
		return Options{}, configErr("propagate_a", err.Error())
	}
	pb, err := ParseTransformKind(s.PropagateB)
	if err != nil {
		return Options{}, configErr("propagate_b", err.Error())
	}
	return Options{
		M:            s.M,
		MBuckets:     s.MBuckets,
		N:            s.N,
		K:            s.K,
		ADType:       s.ADType,
		WDType:       s.WDType,
		OutDType:     s.OutDType,
		AccumDType:   s.AccumDType,
		Layout:       Layout(s.Layout),
		WithBias:     s.WithBias,
		Bits:         s.Bits,
		GroupSize:    s.GroupSize,
		WithScaling:  s.WithScaling,
		WithZeros:    s.WithZeros,
		ZerosMode:    ZerosMode(s.ZerosMode),
		FastDecoding: s.FastDecoding,
		PropagateA:   pa,
		PropagateB:   pb,
	}, nil
}

// Config validates s into a Config.
func (s Spec) Config() (Config, error) {
	o, err := s.Options()
	if err != nil {
		return Config{}, err
	}
	return NewConfig(o)
}

// SpecOf renders cfg back into its serialised form.
func SpecOf(c Config) Spec {
	s := Spec{
		N:           c.n,
		K:           c.k,
		ADType:      c.a.String(),
		WDType:      c.w.String(),
		OutDType:    c.out.String(),
		AccumDType:  c.accum.String(),
		Layout:      string(c.layout),
		WithBias:    c.withBias,
		GroupSize:   c.groupSize,
		WithScaling: c.withScaling,
		WithZeros:   c.withZeros,
		ZerosMode:   string(c.zerosMode),
	}
	if c.IsDynamic() {
		s.MBuckets = c.MBuckets()
	} else {
		s.M = c.m
	}
	fast := c.fastDecoding
	s.FastDecoding = &fast
	if c.propagateA != NonTransform {
		s.PropagateA = c.propagateA.String()
	}
	if c.propagateB != NonTransform {
		s.PropagateB = c.propagateB.String()
	}
	return s
}

func (s Spec) String() string {
	w := s.WDType
	if w == "" {
		w = s.ADType
	}
	m := fmt.Sprint(s.M)
	if len(s.MBuckets) > 0 {
		m = fmt.Sprint(s.MBuckets)
	}
	return fmt.Sprintf("m=%s n=%d k=%d %sx%s", m, s.N, s.K, s.ADType, w)
}
