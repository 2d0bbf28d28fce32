package operator

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/samcharles93/kerneltune/internal/arch"
	"github.com/samcharles93/kerneltune/internal/backend/host"
	"github.com/samcharles93/kerneltune/internal/codec"
	"github.com/samcharles93/kerneltune/internal/dtype"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/matmul"
	"github.com/samcharles93/kerneltune/internal/tensor"
	"github.com/samcharles93/kerneltune/internal/transform"
	"github.com/samcharles93/kerneltune/internal/tuner"
	"github.com/samcharles93/kerneltune/pkg/quant"
)

var errBroken = errors.New("broken backend")

// brokenCompiler wraps the host compiler and fails the selected stages.
type brokenCompiler struct {
	*host.Compiler
	failDefault bool
	failCompile bool
	failRun     bool
}

type brokenArtifact struct {
	kernel.Artifact
}

func (a brokenArtifact) Run(context.Context, ...*tensor.Tensor) error { return errBroken }

func (c *brokenCompiler) DefaultSchedule(tmpl kernel.Template, target arch.Descriptor) (kernel.Schedule, error) {
	if c.failDefault {
		return kernel.Schedule{}, errBroken
	}
	return c.Compiler.DefaultSchedule(tmpl, target)
}

func (c *brokenCompiler) Compile(ctx context.Context, tmpl kernel.Template, s kernel.Schedule, target arch.Descriptor) (kernel.Artifact, error) {
	if c.failCompile {
		return nil, errBroken
	}
	art, err := c.Compiler.Compile(ctx, tmpl, s, target)
	if err != nil || !c.failRun {
		return art, err
	}
	return brokenArtifact{art}, nil
}

func (c *brokenCompiler) Time(ctx context.Context, a kernel.Artifact, in []*tensor.Tensor, reps int) (time.Duration, error) {
	if c.failRun {
		return 0, errBroken
	}
	return c.Compiler.Time(ctx, a, in, reps)
}

func mustConfig(t *testing.T, o matmul.Options) matmul.Config {
	t.Helper()
	cfg, err := matmul.NewConfig(o)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func quickTuner() tuner.Config {
	return tuner.Config{Parallel: 2, Repetitions: 1, BuildTimeout: 10 * time.Second, RunTimeout: 10 * time.Second}
}

// operands returns natural-layout kernel operands for m rows (no output).
func operands(t *testing.T, cfg matmul.Config, m int, seed int64) []*tensor.Tensor {
	t.Helper()
	tmpl := kernel.NewTemplate(cfg).ForM(m)
	in := tuner.GenerateInputs(tmpl, seed)
	return in[:len(in)-1]
}

// layout applies the operator's transforms to natural-layout operands.
func layout(t *testing.T, op *Matmul, in []*tensor.Tensor) []*tensor.Tensor {
	t.Helper()
	ctx := context.Background()
	out := append([]*tensor.Tensor(nil), in...)
	var err error
	if p := op.InputTransform(); p != nil {
		if out[0], err = p.Invoke(ctx, out[0]); err != nil {
			t.Fatal(err)
		}
	}
	if p := op.WeightTransform(); p != nil {
		if out[1], err = p.Invoke(ctx, out[1]); err != nil {
			t.Fatal(err)
		}
	}
	return out
}

// expected multiplies natural-layout operands in float64.
func expected(t *testing.T, cfg matmul.Config, in []*tensor.Tensor) []float64 {
	t.Helper()
	m := in[0].Shape[0]
	tmpl := kernel.NewTemplate(cfg).ForM(m)
	ops, err := tmpl.Bind(append(append([]*tensor.Tensor(nil), in...), tensor.New(cfg.OutDType(), m, cfg.N())))
	if err != nil {
		t.Fatal(err)
	}
	w, err := quant.NewWeights(cfg, ops.B, ops.Scale, ops.Zeros)
	if err != nil {
		t.Fatal(err)
	}
	dense := w.Dense()
	n, k := cfg.N(), cfg.K()
	out := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var acc float64
			for kk := 0; kk < k; kk++ {
				acc += float64(ops.A.Float(i*k+kk)) * float64(dense[j*k+kk])
			}
			if ops.Bias != nil {
				acc += float64(ops.Bias.Float(j))
			}
			out[i*n+j] = acc
		}
	}
	return out
}

func assertClose(t *testing.T, got *tensor.Tensor, want []float64, rtol, atol float64) {
	t.Helper()
	if got.Numel() != len(want) {
		t.Fatalf("output has %d elements, want %d", got.Numel(), len(want))
	}
	for i, w := range want {
		g := float64(got.Float(i))
		if math.Abs(g-w) > atol+rtol*math.Abs(w) {
			t.Fatalf("out[%d] = %v, want %v", i, g, w)
		}
	}
}

func TestForwardMatchesReferenceEndToEnd(t *testing.T) {
	t.Parallel()

	const n, k = 1024, 1024
	cfg := mustConfig(t, matmul.Options{M: 1, N: n, K: k, ADType: "float16", WDType: "int4"})
	ctx := context.Background()
	op, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer op.Close()
	if op.State() != Ready {
		t.Fatalf("state = %s, want ready", op.State())
	}

	rng := rand.New(rand.NewSource(1))
	codes := make([]uint8, n*k)
	for i := range codes {
		codes[i] = uint8(rng.Intn(16))
	}
	packed, err := codec.PackRows(codes, n, k, 4)
	if err != nil {
		t.Fatal(err)
	}
	b, err := tensor.FromBytesInt8(packed, n, cfg.WeightRowBytes())
	if err != nil {
		t.Fatal(err)
	}
	if p := op.WeightTransform(); p != nil {
		if b, err = p.Invoke(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	a := tensor.New(dtype.Float16, 1, k)
	tensor.FillUniform(a, 2, -1, 1)

	out, err := op.Forward(ctx, a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]float64, n)
	for j := range want {
		for kk := 0; kk < k; kk++ {
			want[j] += float64(a.Float(kk)) * float64(quant.Decode(codes[j*k+kk], dtype.Int4))
		}
	}
	assertClose(t, out, want, 1e-2, 1e-1)
	if src := op.Source(); src == "" {
		t.Fatal("empty kernel source")
	}
}

func TestTotalFailureStillForwardsCorrectly(t *testing.T) {
	t.Parallel()

	cfg := mustConfig(t, matmul.Options{M: 4, N: 32, K: 64, ADType: "float16", WDType: "uint4",
		WithScaling: true, WithZeros: true, GroupSize: 32})
	ctx := context.Background()
	c := &brokenCompiler{Compiler: host.New(1), failDefault: true, failCompile: true}
	op, err := New(ctx, cfg, WithCompiler(c), WithTunerConfig(quickTuner()))
	if err != nil {
		t.Fatal(err)
	}
	defer op.Close()
	if op.State() != Reference {
		t.Fatalf("state = %s, want reference", op.State())
	}

	if _, err := op.HardwareAwareFinetune(ctx, 4); !errors.Is(err, tuner.ErrNoViableSchedule) {
		t.Fatalf("err = %v, want ErrNoViableSchedule", err)
	}
	if op.State() != Reference {
		t.Fatalf("state after failed tuning = %s", op.State())
	}

	in := operands(t, cfg, 4, 3)
	out, err := op.Forward(ctx, layout(t, op, in)...)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, out, expected(t, cfg, in), 1e-2, 1e-2)
}

func TestRunFailureFallsBackToReference(t *testing.T) {
	t.Parallel()

	cfg := mustConfig(t, matmul.Options{M: 2, N: 16, K: 32, ADType: "float32", WithBias: true})
	ctx := context.Background()
	op, err := New(ctx, cfg, WithCompiler(&brokenCompiler{Compiler: host.New(1), failRun: true}))
	if err != nil {
		t.Fatal(err)
	}
	defer op.Close()
	if op.State() != Ready {
		t.Fatalf("state = %s, want ready", op.State())
	}
	in := operands(t, cfg, 2, 5)
	out, err := op.Forward(ctx, in...)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, out, expected(t, cfg, in), 1e-5, 1e-5)
}

func TestFinetuneTwiceIsStable(t *testing.T) {
	t.Parallel()

	cfg := mustConfig(t, matmul.Options{M: 16, N: 64, K: 128, ADType: "float16", WDType: "uint4", WithScaling: true, GroupSize: 64})
	ctx := context.Background()
	op, err := New(ctx, cfg, WithArch(arch.Host()), WithTunerConfig(quickTuner()))
	if err != nil {
		t.Fatal(err)
	}
	defer op.Close()

	in := layout(t, op, operands(t, cfg, 16, 7))
	before, err := op.Forward(ctx, in...)
	if err != nil {
		t.Fatal(err)
	}

	var outs []*tensor.Tensor
	for i := 0; i < 2; i++ {
		rep, err := op.HardwareAwareFinetune(ctx, 4)
		if err != nil {
			t.Fatalf("finetune %d: %v", i, err)
		}
		if rep.Best == nil {
			t.Fatalf("finetune %d: no best candidate", i)
		}
		if rep.Best.Artifacts != nil {
			t.Fatalf("finetune %d: report still owns the installed artifacts", i)
		}
		if op.State() != Ready || !op.Tuned() {
			t.Fatalf("finetune %d: state = %s tuned = %t", i, op.State(), op.Tuned())
		}
		out, err := op.Forward(ctx, in...)
		if err != nil {
			t.Fatal(err)
		}
		outs = append(outs, out)
	}
	want := before.Floats()
	for _, out := range outs {
		got := out.Floats()
		for i := range want {
			if d := math.Abs(float64(got[i] - want[i])); d > 1e-2+1e-2*math.Abs(float64(want[i])) {
				t.Fatalf("out[%d] = %v after tuning, %v before", i, got[i], want[i])
			}
		}
	}
}

func TestWeightTransformOrder(t *testing.T) {
	t.Parallel()

	cfg := mustConfig(t, matmul.Options{M: 1, N: 32, K: 128, ADType: "float16", WDType: "int4",
		PropagateB: matmul.IntraWarpTransform})
	op, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer op.Close()
	if op.InputTransform() != nil {
		t.Fatal("unexpected input transform")
	}
	p := op.WeightTransform()
	if p == nil || p.Len() != 2 {
		t.Fatalf("weight transform = %v", p)
	}
	stages := p.Stages()
	if _, ok := stages[0].(*transform.InterleaveStage); !ok {
		t.Fatalf("first stage is %s, want interleave", stages[0].Name())
	}
	if _, ok := stages[1].(*transform.PermuteStage); !ok {
		t.Fatalf("second stage is %s, want permute", stages[1].Name())
	}

	in := operands(t, cfg, 1, 8)
	out, err := op.Forward(context.Background(), layout(t, op, in)...)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, out, expected(t, cfg, in), 1e-2, 1e-2)
}

func TestQuantizedZeros(t *testing.T) {
	t.Parallel()

	cfg := mustConfig(t, matmul.Options{M: 3, N: 16, K: 64, ADType: "float16", WDType: "uint4",
		WithScaling: true, WithZeros: true, ZerosMode: matmul.ZerosQuantized, GroupSize: 16})
	ctx := context.Background()
	op, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer op.Close()

	in := operands(t, cfg, 3, 9)
	if z := in[3]; z.Shape[0] != cfg.Groups() || z.Shape[1] != codec.PackedLen(cfg.N(), 4) {
		t.Fatalf("zeros shape = %v", z.Shape)
	}
	out, err := op.Forward(ctx, layout(t, op, in)...)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, out, expected(t, cfg, in), 1e-2, 1e-2)
}

func TestDynamicBucketsDispatch(t *testing.T) {
	t.Parallel()

	cfg := mustConfig(t, matmul.Options{MBuckets: []int{8, 1, 4}, N: 32, K: 64, ADType: "float32", WDType: "uint4", WithScaling: true})
	ctx := context.Background()
	op, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer op.Close()

	for _, m := range []int{1, 3, 8, 11} {
		in := operands(t, cfg, m, int64(m))
		out, err := op.Forward(ctx, layout(t, op, in)...)
		if err != nil {
			t.Fatalf("m=%d: %v", m, err)
		}
		if out.Shape[0] != m {
			t.Fatalf("m=%d: output rows = %d", m, out.Shape[0])
		}
		assertClose(t, out, expected(t, cfg, in), 1e-4, 1e-4)
	}

	per, err := op.ProfileBuckets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(per) != 3 {
		t.Fatalf("profiled %d buckets, want 3", len(per))
	}
}

func TestApplyScheduleUnderLoad(t *testing.T) {
	t.Parallel()

	cfg := mustConfig(t, matmul.Options{M: 4, N: 32, K: 64, ADType: "float32"})
	ctx := context.Background()
	op, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	in := operands(t, cfg, 4, 11)
	want := expected(t, cfg, in)

	alt := kernel.Schedule{BlockM: 2, BlockN: 16, BlockK: 8, WarpM: 2, WarpN: 16, Threads: 1, Stages: 1, VectorWidth: 1}
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				out, err := op.Forward(ctx, in...)
				if err != nil {
					t.Errorf("forward: %v", err)
					return
				}
				for j, w := range want {
					if math.Abs(float64(out.Float(j))-w) > 1e-4 {
						t.Errorf("out[%d] = %v, want %v", j, out.Float(j), w)
						return
					}
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		if err := op.ApplySchedule(ctx, alt); err != nil {
			t.Fatal(err)
		}
		if err := op.Build(ctx); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	if s, ok := op.Schedule(); !ok || s != alt {
		t.Fatalf("schedule = %v, want %v", s, alt)
	}
	if err := op.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := op.Forward(ctx, in...); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestNewRejectsZeroConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), matmul.Config{})
	var cerr *matmul.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}
