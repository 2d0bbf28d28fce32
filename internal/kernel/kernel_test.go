package kernel

import (
	"errors"
	"strings"
	"testing"

	"github.com/samcharles93/kerneltune/internal/arch"
	"github.com/samcharles93/kerneltune/internal/dtype"
	"github.com/samcharles93/kerneltune/internal/matmul"
	"github.com/samcharles93/kerneltune/internal/tensor"
)

func mustTemplate(t *testing.T, o matmul.Options) Template {
	t.Helper()
	cfg, err := matmul.NewConfig(o)
	if err != nil {
		t.Fatal(err)
	}
	return NewTemplate(cfg)
}

func TestParamsQuantizedZerosOrientation(t *testing.T) {
	t.Parallel()

	tmpl := mustTemplate(t, matmul.Options{
		M: 1, N: 64, K: 256, ADType: "float16", WDType: "uint4",
		GroupSize: 128, WithScaling: true, WithZeros: true, ZerosMode: matmul.ZerosQuantized, WithBias: true,
	})
	params := tmpl.Params()
	kinds := make([]string, len(params))
	for i, p := range params {
		kinds[i] = string(p.Kind)
	}
	if got := strings.Join(kinds, ","); got != "A,B,Scale,Zeros,Bias,D" {
		t.Fatalf("param order = %s", got)
	}
	// Scales are [N, groups]; quantized zeros are [groups, N] packed along N.
	if s := params[2].Shape; s[0] != 64 || s[1] != 2 {
		t.Fatalf("scale shape = %v, want [64 2]", s)
	}
	if z := params[3]; z.DType != dtype.Int8 || z.Shape[0] != 2 || z.Shape[1] != 32 || !z.Packed {
		t.Fatalf("zeros = %s%v packed=%t, want int8[2 32] packed", z.DType, z.Shape, z.Packed)
	}
	if b := params[1]; b.Shape[0] != 64 || b.Shape[1] != 128 {
		t.Fatalf("weight shape = %v, want [64 128]", b.Shape)
	}
}

func TestParamsOriginalZerosOrientation(t *testing.T) {
	t.Parallel()

	tmpl := mustTemplate(t, matmul.Options{
		M: 1, N: 64, K: 256, ADType: "float16", WDType: "uint4",
		GroupSize: 128, WithScaling: true, WithZeros: true,
	})
	z := tmpl.Params()[3]
	if z.Kind != ParamZeros || z.DType != dtype.Float16 || z.Shape[0] != 64 || z.Shape[1] != 2 {
		t.Fatalf("zeros = %s %s%v, want float16[64 2]", z.Kind, z.DType, z.Shape)
	}
}

func TestBind(t *testing.T) {
	t.Parallel()

	tmpl := mustTemplate(t, matmul.Options{M: 2, N: 16, K: 32, ADType: "float32", Layout: matmul.LayoutNN})
	a := tensor.New(dtype.Float32, 2, 32)
	b := tensor.New(dtype.Float32, 32, 16)
	out := tensor.New(dtype.Float32, 2, 16)
	ops, err := tmpl.Bind([]*tensor.Tensor{a, b, out})
	if err != nil {
		t.Fatal(err)
	}
	if ops.A != a || ops.B != b || ops.Out != out || ops.Scale != nil {
		t.Fatalf("operands bound wrongly: %+v", ops)
	}
	if _, err := tmpl.Bind([]*tensor.Tensor{a, out, b}); !errors.Is(err, ErrArgs) {
		t.Fatalf("swapped operands: err = %v, want ErrArgs", err)
	}
	if _, err := tmpl.Bind([]*tensor.Tensor{a, b}); !errors.Is(err, ErrArgs) {
		t.Fatalf("missing output: err = %v, want ErrArgs", err)
	}
}

func TestScheduleValidate(t *testing.T) {
	t.Parallel()

	tmpl := mustTemplate(t, matmul.Options{M: 128, N: 1024, K: 1024, ADType: "float16"})
	target, err := arch.Lookup("sm_80")
	if err != nil {
		t.Fatal(err)
	}
	ok := Schedule{BlockM: 128, BlockN: 128, BlockK: 32, WarpM: 64, WarpN: 64, Threads: 128, Stages: 3, VectorWidth: 8,
		Fragment: Fragment{M: 16, N: 8, K: 16}}
	if err := ok.Validate(tmpl, target); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}

	tests := []struct {
		name string
		edit func(*Schedule)
	}{
		{"threads", func(s *Schedule) { s.Threads = 96 }},
		{"warp", func(s *Schedule) { s.WarpM = 48 }},
		{"vector", func(s *Schedule) { s.VectorWidth = 3 }},
		{"smem", func(s *Schedule) { s.BlockK = 256; s.Stages = 4 }},
		{"fragment", func(s *Schedule) { s.Fragment = Fragment{M: 16, N: 8, K: 64} }},
	}
	for _, tt := range tests {
		s := ok
		tt.edit(&s)
		if err := s.Validate(tmpl, target); !errors.Is(err, ErrInfeasible) {
			t.Fatalf("%s: err = %v, want ErrInfeasible", tt.name, err)
		}
	}

	host := ok
	if err := host.Validate(tmpl, arch.Host()); !errors.Is(err, ErrInfeasible) {
		t.Fatalf("tensor-core schedule on host: err = %v", err)
	}
}

func TestScheduleLessIsTotal(t *testing.T) {
	t.Parallel()

	a := Schedule{BlockM: 16, BlockN: 32}
	b := Schedule{BlockM: 16, BlockN: 64}
	if !a.Less(b) || b.Less(a) {
		t.Fatal("block N does not order")
	}
	d := a
	d.Default = true
	if !a.Less(d) || d.Less(a) {
		t.Fatal("default flag does not break the tie")
	}
	if a.Less(a) {
		t.Fatal("Less is not irreflexive")
	}
}

func TestReplaceDP4A(t *testing.T) {
	t.Parallel()

	src := `  for (int k_2 = 0; k_2 < 4; ++k_2) {
    C_local[0] = (C_local[0] + (((int)A_shared[((k_1 * 4) + k_2)]) * ((int)B_local[((k_1 * 4) + k_2)])));
  }`
	want := `  C_local[0] = __dp4a(*(int *)&A_shared[((k_1 * 4))],*(int *)&B_local[((k_1 * 4))], C_local[0]);`
	if got := ReplaceDP4A(src); got != want {
		t.Fatalf("rewrite:\n%s\nwant:\n%s", got, want)
	}

	mismatched := strings.Replace(src, "++k_2", "++k_3", 1)
	if got := ReplaceDP4A(mismatched); got != mismatched {
		t.Fatalf("loop with mismatched induction variable rewritten:\n%s", got)
	}
}
