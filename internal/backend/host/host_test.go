package host

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/samcharles93/kerneltune/internal/arch"
	"github.com/samcharles93/kerneltune/internal/dtype"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/matmul"
	"github.com/samcharles93/kerneltune/internal/tensor"
	"github.com/samcharles93/kerneltune/internal/transform"
	"github.com/samcharles93/kerneltune/internal/tuner"
	"github.com/samcharles93/kerneltune/pkg/quant"
)

func mustTemplate(t *testing.T, o matmul.Options) kernel.Template {
	t.Helper()
	cfg, err := matmul.NewConfig(o)
	if err != nil {
		t.Fatal(err)
	}
	return kernel.NewTemplate(cfg)
}

// naive computes the expected output from untransformed operands.
func naive(t *testing.T, tmpl kernel.Template, in []*tensor.Tensor) []float32 {
	t.Helper()
	ops, err := tmpl.Bind(in)
	if err != nil {
		t.Fatal(err)
	}
	w, err := quant.NewWeights(tmpl.Config, ops.B, ops.Scale, ops.Zeros)
	if err != nil {
		t.Fatal(err)
	}
	m, n, k := tmpl.M, tmpl.Config.N(), tmpl.Config.K()
	dense := w.Dense()
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var acc float64
			for kk := 0; kk < k; kk++ {
				acc += float64(ops.A.Float(i*k+kk)) * float64(dense[j*k+kk])
			}
			if ops.Bias != nil {
				acc += float64(ops.Bias.Float(j))
			}
			out[i*n+j] = float32(acc)
		}
	}
	return out
}

func closeTo(t *testing.T, got *tensor.Tensor, want []float32, rtol, atol float64) {
	t.Helper()
	for i, w := range want {
		g := float64(got.Float(i))
		if math.Abs(g-float64(w)) > atol+rtol*math.Abs(float64(w)) {
			t.Fatalf("out[%d] = %v, want %v", i, g, w)
		}
	}
}

func run(t *testing.T, c *Compiler, tmpl kernel.Template, s kernel.Schedule, target arch.Descriptor, in []*tensor.Tensor) *tensor.Tensor {
	t.Helper()
	art, err := c.Compile(context.Background(), tmpl, s, target)
	if err != nil {
		t.Fatal(err)
	}
	defer art.Release()
	if err := art.Run(context.Background(), in...); err != nil {
		t.Fatal(err)
	}
	return in[len(in)-1]
}

func TestDefaultScheduleMatchesNaive(t *testing.T) {
	t.Parallel()

	tests := []matmul.Options{
		{M: 3, N: 40, K: 72, ADType: "float32", Layout: matmul.LayoutNN, WithBias: true},
		{M: 5, N: 32, K: 128, ADType: "float16", WDType: "uint4", WithScaling: true, WithZeros: true, GroupSize: 32},
		{M: 2, N: 32, K: 64, ADType: "float16", WDType: "int2", WithScaling: true},
		{M: 4, N: 48, K: 64, ADType: "float16", WDType: "nf4", WithScaling: true, GroupSize: 64},
		{M: 7, N: 16, K: 96, ADType: "float32", WDType: "uint8", WithScaling: true, WithZeros: true, ZerosMode: matmul.ZerosRescale},
	}
	c := New(2)
	target := arch.Host()
	for i, o := range tests {
		tmpl := mustTemplate(t, o)
		s, err := c.DefaultSchedule(tmpl, target)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		in := tuner.GenerateInputs(tmpl, int64(i))
		want := naive(t, tmpl, in)
		closeTo(t, run(t, c, tmpl, s, target, stored(t, tmpl, in)), want, 1e-2, 1e-2)
	}
}

// stored lays the weight out the way a kernel of tmpl reads it.
func stored(t *testing.T, tmpl kernel.Template, in []*tensor.Tensor) []*tensor.Tensor {
	t.Helper()
	pipe, err := transform.ForWeights(tmpl.Config)
	if err != nil {
		t.Fatal(err)
	}
	out := append([]*tensor.Tensor(nil), in...)
	if out[1], err = pipe.Invoke(context.Background(), in[1]); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestTiledScheduleMatchesDefault(t *testing.T) {
	t.Parallel()

	tmpl := mustTemplate(t, matmul.Options{M: 17, N: 48, K: 80, ADType: "float32", WDType: "uint4", WithScaling: true})
	target := arch.Host()
	in := tuner.GenerateInputs(tmpl, 9)
	want := naive(t, tmpl, in)
	in = stored(t, tmpl, in)
	s := kernel.Schedule{BlockM: 4, BlockN: 16, BlockK: 8, WarpM: 2, WarpN: 8, Threads: 4, Stages: 1, VectorWidth: 4}
	closeTo(t, run(t, New(3), tmpl, s, target, in), want, 1e-4, 1e-4)
}

func TestIntegerKernel(t *testing.T) {
	t.Parallel()

	tmpl := mustTemplate(t, matmul.Options{M: 3, N: 32, K: 64, ADType: "int8", WDType: "int4", OutDType: "int32"})
	c := New(0)
	target := arch.Host()
	s, err := c.DefaultSchedule(tmpl, target)
	if err != nil {
		t.Fatal(err)
	}
	in := tuner.GenerateInputs(tmpl, 4)

	// Undo the fast-decode interleave to read codes in natural order.
	pipe, err := transform.ForWeights(tmpl.Config)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := pipe.Inverse(in[1])
	if err != nil {
		t.Fatal(err)
	}
	ops, _ := tmpl.Bind(in)
	w, _ := quant.NewWeights(tmpl.Config, plain, nil, nil)

	out := run(t, c, tmpl, s, target, in)
	for i := 0; i < 3; i++ {
		for j := 0; j < 32; j++ {
			var want int64
			for k := 0; k < 64; k++ {
				want += ops.A.Int(i*64+k) * int64(w.IntAt(j, k))
			}
			if got := out.Int(i*32 + j); got != want {
				t.Fatalf("out[%d,%d] = %d, want %d", i, j, got, want)
			}
		}
	}
}

func TestTransformedWeights(t *testing.T) {
	t.Parallel()

	tmpl := mustTemplate(t, matmul.Options{
		M: 16, N: 32, K: 128, ADType: "float16", WDType: "uint4",
		WithScaling: true, PropagateA: matmul.IntraWarpTransform, PropagateB: matmul.InterWarpTransform,
	})
	target := arch.Host()
	in := tuner.GenerateInputs(tmpl, 11)
	want := naive(t, tmpl, in)

	wp, err := transform.ForWeights(tmpl.Config)
	if err != nil {
		t.Fatal(err)
	}
	if wp.Len() != 2 {
		t.Fatalf("weight pipeline = %s", wp.Name())
	}
	ip, err := transform.ForInputs(tmpl.Config, tmpl.M)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if in[0], err = ip.Invoke(ctx, in[0]); err != nil {
		t.Fatal(err)
	}
	if in[1], err = wp.Invoke(ctx, in[1]); err != nil {
		t.Fatal(err)
	}
	c := New(0)
	s, err := c.DefaultSchedule(tmpl, target)
	if err != nil {
		t.Fatal(err)
	}
	closeTo(t, run(t, c, tmpl, s, target, in), want, 1e-2, 1e-2)
}

func TestCompileRejectsInfeasible(t *testing.T) {
	t.Parallel()

	tmpl := mustTemplate(t, matmul.Options{M: 16, N: 64, K: 64, ADType: "float32"})
	s := kernel.Schedule{BlockM: 16, BlockN: 64, BlockK: 64, WarpM: 16, WarpN: 64, Threads: 1, Stages: 1, VectorWidth: 1}
	target := arch.Host()
	target.SharedMemPerBlock = 1024
	if _, err := New(1).Compile(context.Background(), tmpl, s, target); !errors.Is(err, kernel.ErrInfeasible) {
		t.Fatalf("err = %v, want ErrInfeasible", err)
	}
}

func TestReleasedArtifact(t *testing.T) {
	t.Parallel()

	tmpl := mustTemplate(t, matmul.Options{M: 1, N: 16, K: 16, ADType: "float32"})
	c := New(1)
	s, err := c.DefaultSchedule(tmpl, arch.Host())
	if err != nil {
		t.Fatal(err)
	}
	art, err := c.Compile(context.Background(), tmpl, s, arch.Host())
	if err != nil {
		t.Fatal(err)
	}
	in := tuner.GenerateInputs(tmpl, 1)
	d, err := c.Time(context.Background(), art, in, 3)
	if err != nil || d <= 0 {
		t.Fatalf("Time = %v, %v", d, err)
	}
	art.Release()
	if err := art.Run(context.Background(), in...); !errors.Is(err, ErrReleased) {
		t.Fatalf("err = %v, want ErrReleased", err)
	}
}

func TestSourceCarriesDP4ALoop(t *testing.T) {
	t.Parallel()

	tmpl := mustTemplate(t, matmul.Options{M: 1, N: 32, K: 64, ADType: "int8", WDType: "int4"})
	c := New(1)
	s, err := c.DefaultSchedule(tmpl, arch.Host())
	if err != nil {
		t.Fatal(err)
	}
	art, err := c.Compile(context.Background(), tmpl, s, arch.Host())
	if err != nil {
		t.Fatal(err)
	}
	src := art.Source()
	if !strings.Contains(src, "k_2 < 4") || !strings.Contains(src, "decode_i4_to_int8_fast") {
		t.Fatalf("unexpected source:\n%s", src)
	}
	if got := kernel.ReplaceDP4A(src); !strings.Contains(got, "__dp4a") {
		t.Fatalf("dp4a rewrite did not apply:\n%s", got)
	}
	if tmpl.Config.ADType() != dtype.Int8 {
		t.Fatal("template lost its activation dtype")
	}
}
