package tuner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samcharles93/kerneltune/internal/arch"
	"github.com/samcharles93/kerneltune/internal/dtype"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/matmul"
	"github.com/samcharles93/kerneltune/internal/policy"
	"github.com/samcharles93/kerneltune/internal/tensor"
)

// fakeCompiler keys behaviour on Schedule.BlockN: latency in microseconds
// per M row, with sentinel values for failures.
const (
	failBuild = -1
	failRun   = -2
	hang      = -3
	slowRun   = -4
)

type fakeCompiler struct {
	defaultErr error
	release    chan struct{}
	// slow is how long a slowRun candidate's Time ignores its context.
	slow time.Duration

	timing     atomic.Int64
	peakTiming atomic.Int64

	built    atomic.Int64
	released atomic.Int64
}

type fakeArtifact struct {
	c     *fakeCompiler
	sched kernel.Schedule
	m     int
	once  sync.Once
	freed atomic.Bool
}

func (a *fakeArtifact) Run(context.Context, ...*tensor.Tensor) error { return nil }
func (a *fakeArtifact) Source() string { return "fake" }
func (a *fakeArtifact) Release() {
	a.once.Do(func() {
		a.freed.Store(true)
		a.c.released.Add(1)
	})
}

func (c *fakeCompiler) Name() string { return "fake" }

func (c *fakeCompiler) Compile(ctx context.Context, tmpl kernel.Template, s kernel.Schedule, _ arch.Descriptor) (kernel.Artifact, error) {
	switch s.BlockN {
	case failBuild:
		return nil, errors.New("lowering failed")
	case hang:
		<-c.release
	}
	c.built.Add(1)
	return &fakeArtifact{c: c, sched: s, m: tmpl.M}, nil
}

func (c *fakeCompiler) DefaultSchedule(kernel.Template, arch.Descriptor) (kernel.Schedule, error) {
	if c.defaultErr != nil {
		return kernel.Schedule{}, c.defaultErr
	}
	return kernel.Schedule{BlockN: 100}, nil
}

func (c *fakeCompiler) Time(_ context.Context, a kernel.Artifact, _ []*tensor.Tensor, reps int) (time.Duration, error) {
	n := c.timing.Add(1)
	defer c.timing.Add(-1)
	for {
		peak := c.peakTiming.Load()
		if n <= peak || c.peakTiming.CompareAndSwap(peak, n) {
			break
		}
	}

	fa := a.(*fakeArtifact)
	if fa.freed.Load() {
		return 0, errors.New("timed a released artifact")
	}
	if fa.sched.BlockN == slowRun {
		time.Sleep(c.slow)
		return time.Microsecond, nil
	}
	if fa.sched.BlockN == failRun {
		return 0, errors.New("illegal memory access")
	}
	return time.Duration(fa.sched.BlockN*fa.m) * time.Microsecond, nil
}

func newFake() *fakeCompiler {
	return &fakeCompiler{release: make(chan struct{})}
}

func testTemplate(t *testing.T, o matmul.Options) kernel.Template {
	t.Helper()
	if o.N == 0 {
		o = matmul.Options{M: 1, N: 64, K: 64, ADType: "float16", WDType: "uint4"}
	}
	cfg, err := matmul.NewConfig(o)
	if err != nil {
		t.Fatal(err)
	}
	return kernel.NewTemplate(cfg)
}

func candidates(ns ...int) []policy.Candidate {
	out := make([]policy.Candidate, len(ns))
	for i, n := range ns {
		out[i] = policy.Candidate{Schedule: kernel.Schedule{BlockM: 1, BlockN: n}}
	}
	return out
}

func TestApplyAndBuildOrdering(t *testing.T) {
	t.Parallel()

	fc := newFake()
	b := NewBuilder(fc, arch.Host(), Config{Parallel: 2})
	rep, err := b.ApplyAndBuild(context.Background(), testTemplate(t, matmul.Options{}), candidates(5, failRun, 1, failBuild, 3, 1))
	if err != nil {
		t.Fatal(err)
	}

	wantIdx := []int{2, 5, 4, 0, 1, 3}
	if len(rep.Results) != len(wantIdx) {
		t.Fatalf("results = %d, want %d", len(rep.Results), len(wantIdx))
	}
	for i, want := range wantIdx {
		if rep.Results[i].Index != want {
			t.Fatalf("position %d holds candidate %d, want %d", i, rep.Results[i].Index, want)
		}
	}
	for i := 1; i < 4; i++ {
		if rep.Results[i].Latency < rep.Results[i-1].Latency {
			t.Fatalf("latencies not ascending at %d", i)
		}
	}
	var bf *BuildFailure
	if !errors.As(rep.Results[5].Err, &bf) {
		t.Fatalf("candidate 3 err = %v, want *BuildFailure", rep.Results[5].Err)
	}
	var pf *ProfilingFailure
	if !errors.As(rep.Results[4].Err, &pf) {
		t.Fatalf("candidate 1 err = %v, want *ProfilingFailure", rep.Results[4].Err)
	}

	if rep.Best == nil || rep.Best.Index != 2 || rep.Best.Latency != time.Microsecond {
		t.Fatalf("best = %+v", rep.Best)
	}
	if rep.Baseline == nil || !rep.Baseline.OK() || !rep.Baseline.Candidate.Schedule.Default {
		t.Fatalf("baseline = %+v", rep.Baseline)
	}
	if rep.SessionID.String() == "" {
		t.Fatal("missing session id")
	}

	// Only Best and Baseline keep their artifacts.
	if got, want := fc.released.Load(), fc.built.Load()-2; got != want {
		t.Fatalf("released %d of %d artifacts, want %d", got, fc.built.Load(), want)
	}
	rep.Release()
	if fc.released.Load() != fc.built.Load() {
		t.Fatalf("report release left %d artifacts", fc.built.Load()-fc.released.Load())
	}
}

func TestApplyAndBuildNoViableSchedule(t *testing.T) {
	t.Parallel()

	fc := newFake()
	fc.defaultErr = errors.New("no default")
	b := NewBuilder(fc, arch.Host(), Config{})
	rep, err := b.ApplyAndBuild(context.Background(), testTemplate(t, matmul.Options{}), candidates(failBuild, failRun))
	if !errors.Is(err, ErrNoViableSchedule) {
		t.Fatalf("err = %v, want ErrNoViableSchedule", err)
	}
	if rep.Best != nil {
		t.Fatal("best set on total failure")
	}
	if fc.released.Load() != fc.built.Load() {
		t.Fatalf("leaked %d artifacts", fc.built.Load()-fc.released.Load())
	}
}

func TestBaselineFailureDoesNotBlockResults(t *testing.T) {
	t.Parallel()

	fc := newFake()
	fc.defaultErr = errors.New("no default")
	b := NewBuilder(fc, arch.Host(), Config{})
	rep, err := b.ApplyAndBuild(context.Background(), testTemplate(t, matmul.Options{}), candidates(2))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Best == nil || rep.Baseline.OK() {
		t.Fatalf("best = %v, baseline err = %v", rep.Best, rep.Baseline.Err)
	}
	rep.Release()
}

func TestEmptyCandidatesKeepBaseline(t *testing.T) {
	t.Parallel()

	fc := newFake()
	b := NewBuilder(fc, arch.Host(), Config{})
	rep, err := b.ApplyAndBuild(context.Background(), testTemplate(t, matmul.Options{}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Best != nil || len(rep.Baseline.Artifacts) != 1 {
		t.Fatalf("best = %v, baseline artifacts = %d", rep.Best, len(rep.Baseline.Artifacts))
	}
	rep.Release()
}

func TestBuildTimeout(t *testing.T) {
	t.Parallel()

	fc := newFake()
	defer close(fc.release)
	b := NewBuilder(fc, arch.Host(), Config{BuildTimeout: 20 * time.Millisecond})
	rep, err := b.ApplyAndBuild(context.Background(), testTemplate(t, matmul.Options{}), candidates(hang, 4))
	if err != nil {
		t.Fatal(err)
	}
	last := rep.Results[len(rep.Results)-1]
	if last.Index != 0 || !errors.Is(last.Err, context.DeadlineExceeded) {
		t.Fatalf("hung candidate: index %d err %v", last.Index, last.Err)
	}
	if rep.Best == nil || rep.Best.Index != 1 {
		t.Fatalf("best = %+v", rep.Best)
	}
	rep.Release()
}

func TestRunTimeoutWaitsForDevice(t *testing.T) {
	t.Parallel()

	fc := newFake()
	fc.slow = 150 * time.Millisecond
	b := NewBuilder(fc, arch.Host(), Config{RunTimeout: 100 * time.Millisecond})
	rep, err := b.ApplyAndBuild(context.Background(), testTemplate(t, matmul.Options{}), candidates(slowRun, 2, 1))
	if err != nil {
		t.Fatal(err)
	}
	if got := fc.peakTiming.Load(); got != 1 {
		t.Fatalf("peak concurrent timings = %d, want 1", got)
	}
	last := rep.Results[len(rep.Results)-1]
	var pf *ProfilingFailure
	if last.Index != 0 || !errors.As(last.Err, &pf) || !errors.Is(last.Err, context.DeadlineExceeded) {
		t.Fatalf("slow candidate: index %d err %v", last.Index, last.Err)
	}
	if rep.Best == nil || rep.Best.Index != 2 {
		t.Fatalf("best = %+v", rep.Best)
	}
	rep.Release()
	if fc.released.Load() != fc.built.Load() {
		t.Fatalf("leaked %d artifacts", fc.built.Load()-fc.released.Load())
	}
}

func TestRunTimeoutDeviceStaysBusy(t *testing.T) {
	t.Parallel()

	fc := newFake()
	fc.slow = 400 * time.Millisecond
	b := NewBuilder(fc, arch.Host(), Config{RunTimeout: 20 * time.Millisecond})
	rep, err := b.ApplyAndBuild(context.Background(), testTemplate(t, matmul.Options{}), candidates(slowRun, 1, 2))
	if !errors.Is(err, ErrNoViableSchedule) {
		t.Fatalf("err = %v, want ErrNoViableSchedule", err)
	}
	if got := fc.peakTiming.Load(); got != 1 {
		t.Fatalf("peak concurrent timings = %d, want 1", got)
	}
	for _, r := range rep.Results {
		if r.Index != 0 && !errors.Is(r.Err, ErrDeviceBusy) {
			t.Fatalf("candidate %d err = %v, want ErrDeviceBusy", r.Index, r.Err)
		}
	}
	if !errors.Is(rep.Baseline.Err, ErrDeviceBusy) {
		t.Fatalf("baseline err = %v, want ErrDeviceBusy", rep.Baseline.Err)
	}
}

func TestCancelledSessionDiscardsResults(t *testing.T) {
	t.Parallel()

	fc := newFake()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewBuilder(fc, arch.Host(), Config{})
	rep, err := b.ApplyAndBuild(ctx, testTemplate(t, matmul.Options{}), candidates(1, 2, 3))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if rep.Best != nil || rep.Results != nil {
		t.Fatal("cancelled session returned results")
	}
	if fc.released.Load() != fc.built.Load() {
		t.Fatalf("leaked %d artifacts", fc.built.Load()-fc.released.Load())
	}
}

func TestDynamicBucketsAverageLatency(t *testing.T) {
	t.Parallel()

	fc := newFake()
	b := NewBuilder(fc, arch.Host(), Config{})
	tmpl := testTemplate(t, matmul.Options{MBuckets: []int{1, 16, 32}, N: 64, K: 64, ADType: "float16", WDType: "uint4"})
	rep, err := b.ApplyAndBuild(context.Background(), tmpl, candidates(3))
	if err != nil {
		t.Fatal(err)
	}
	want := (3*time.Microsecond + 48*time.Microsecond + 96*time.Microsecond) / 3
	if rep.Best == nil || rep.Best.Latency != want {
		t.Fatalf("best latency = %v, want %v", rep.Best.Latency, want)
	}
	if len(rep.Best.Artifacts) != 3 {
		t.Fatalf("best holds %d artifacts, want one per bucket", len(rep.Best.Artifacts))
	}
	rep.Release()
}

func TestGenerateInputsRanges(t *testing.T) {
	t.Parallel()

	tmpl := testTemplate(t, matmul.Options{M: 4, N: 32, K: 64, ADType: "int8", WDType: "int4"})
	in := GenerateInputs(tmpl, 1)
	params := tmpl.Params()
	if len(in) != len(params) {
		t.Fatalf("inputs = %d, want %d", len(in), len(params))
	}
	a := in[0]
	for i := 0; i < a.Numel(); i++ {
		if v := a.Int(i); v < -127 || v > 127 {
			t.Fatalf("A[%d] = %d out of range", i, v)
		}
	}
	if in[1].DType != dtype.Int8 || in[1].Shape[1] != 32 {
		t.Fatalf("packed weight = %s%v", in[1].DType, in[1].Shape)
	}
	out := in[len(in)-1]
	for _, b := range out.Data {
		if b != 0 {
			t.Fatal("output tensor not zeroed")
		}
	}

	ftmpl := testTemplate(t, matmul.Options{})
	for i, v := range GenerateInputs(ftmpl, 2)[0].Floats() {
		if v < 0 || v > 1 {
			t.Fatalf("float A[%d] = %v outside [0, 1]", i, v)
		}
	}
}
