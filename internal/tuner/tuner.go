// Package tuner compiles candidate schedules concurrently, profiles the
// survivors one at a time and ranks them by measured latency.
package tuner

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/kerneltune/internal/arch"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/logger"
	"github.com/samcharles93/kerneltune/internal/metrics"
	"github.com/samcharles93/kerneltune/internal/policy"
	"github.com/samcharles93/kerneltune/internal/tensor"
)

const (
	DefaultRepetitions  = 10
	DefaultBuildTimeout = 30 * time.Second
	DefaultRunTimeout   = 10 * time.Second
)

// Config bounds a tuning session. Zero fields take the defaults.
type Config struct {
	// Parallel caps concurrent compilations. Defaults to GOMAXPROCS.
	Parallel     int
	Repetitions  int
	BuildTimeout time.Duration
	RunTimeout   time.Duration
	// Seed makes generated profiling inputs reproducible.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.Parallel <= 0 {
		c.Parallel = runtime.GOMAXPROCS(0)
	}
	if c.Repetitions <= 0 {
		c.Repetitions = DefaultRepetitions
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = DefaultBuildTimeout
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	return c
}

// Result is one candidate's outcome. Artifacts holds one compiled kernel per
// M bucket and is set only on Best and Baseline; every other artifact is
// released before ApplyAndBuild returns.
type Result struct {
	Index     int
	Candidate policy.Candidate
	Baseline  bool
	Artifacts []kernel.Artifact
	// Latency is the mean over buckets of each bucket's mean latency.
	Latency time.Duration
	Err     error
}

func (r *Result) OK() bool { return r.Err == nil }

// Release frees the result's artifacts.
func (r *Result) Release() {
	for _, a := range r.Artifacts {
		if a != nil {
			a.Release()
		}
	}
	r.Artifacts = nil
}

// Report is the ranked outcome of one session. Results are ordered by
// ascending latency with every failure after every success.
type Report struct {
	SessionID uuid.UUID
	Template  string
	Buckets   []int
	Results   []Result
	// Best is the fastest successful candidate, nil when none succeeded.
	Best     *Result
	Baseline *Result
	Elapsed  time.Duration
}

// Release frees the artifacts the report still owns.
func (r *Report) Release() {
	if r.Best != nil {
		r.Best.Release()
	}
	if r.Baseline != nil {
		r.Baseline.Release()
	}
}

// Builder drives compile and profile for one compiler and target.
type Builder struct {
	compiler kernel.Compiler
	target   arch.Descriptor
	cfg      Config
}

func NewBuilder(compiler kernel.Compiler, target arch.Descriptor, cfg Config) *Builder {
	return &Builder{compiler: compiler, target: target, cfg: cfg.withDefaults()}
}

func (b *Builder) Config() Config { return b.cfg }

// ApplyAndBuild compiles every candidate plus the compiler's default
// schedule on a bounded pool, then times each build serially. Individual
// failures are recorded in their Result; only the failure of every
// candidate and the baseline is returned as ErrNoViableSchedule. If ctx is
// cancelled, in-flight builds run to completion, all results are discarded
// and ctx.Err() is returned.
func (b *Builder) ApplyAndBuild(ctx context.Context, tmpl kernel.Template, candidates []policy.Candidate) (Report, error) {
	start := time.Now()
	rep := Report{
		SessionID: uuid.New(),
		Template:  tmpl.String(),
		Buckets:   tmpl.Config.MBuckets(),
	}
	log := logger.FromContext(ctx).With("session", rep.SessionID.String(), "op", tmpl.Name)
	log.Info("tuning session started", "candidates", len(candidates), "buckets", rep.Buckets, "parallel", b.cfg.Parallel)

	results := make([]Result, len(candidates)+1)
	for i, c := range candidates {
		results[i] = Result{Index: i, Candidate: c}
	}
	base := &results[len(candidates)]
	base.Index, base.Baseline = len(candidates), true
	if sched, err := b.compiler.DefaultSchedule(tmpl, b.target); err != nil {
		base.Err = &BuildFailure{M: tmpl.M, Err: err}
	} else {
		sched.Default = true
		base.Candidate = policy.Candidate{Schedule: sched}
	}

	// In-flight builds outlive a cancelled session; their results are
	// dropped below.
	buildCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(b.cfg.Parallel)
	for i := range results {
		r := &results[i]
		if r.Err != nil {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				r.Err = ctx.Err()
				return nil
			}
			b.build(buildCtx, tmpl, rep.Buckets, r)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		releaseAll(results)
		metrics.ObserveSession(tmpl.Name, metrics.OutcomeCancelled, time.Since(start))
		log.Warn("tuning session cancelled", "error", err)
		return Report{}, err
	}

	if err := b.profile(ctx, tmpl, rep.Buckets, results); err != nil {
		releaseAll(results)
		metrics.ObserveSession(tmpl.Name, metrics.OutcomeCancelled, time.Since(start))
		log.Warn("tuning session cancelled", "error", err)
		return Report{}, err
	}

	baseline := *base
	ranked := results[:len(candidates)]
	slices.SortStableFunc(ranked, func(x, y Result) int {
		switch {
		case x.OK() && !y.OK():
			return -1
		case !x.OK() && y.OK():
			return 1
		case x.OK() && y.OK():
			if c := cmp.Compare(x.Latency, y.Latency); c != 0 {
				return c
			}
		}
		return cmp.Compare(x.Index, y.Index)
	})
	for i := range ranked {
		if i > 0 || !ranked[i].OK() {
			ranked[i].Release()
		}
	}

	rep.Results = ranked
	rep.Baseline = &baseline
	if len(ranked) > 0 && ranked[0].OK() {
		rep.Best = &rep.Results[0]
	}
	rep.Elapsed = time.Since(start)

	failed := 0
	for i := range ranked {
		if !ranked[i].OK() {
			failed++
			log.Debug("candidate failed", "index", ranked[i].Index, "error", ranked[i].Err)
		}
	}
	if !baseline.OK() {
		log.Warn("baseline schedule failed", "error", baseline.Err)
	}

	if rep.Best == nil && !baseline.OK() {
		metrics.ObserveSession(tmpl.Name, metrics.OutcomeNoViable, rep.Elapsed)
		log.Warn("no viable schedule", "candidates", len(candidates))
		return rep, fmt.Errorf("%s: %w (%d candidates and the baseline failed)", tmpl, ErrNoViableSchedule, len(candidates))
	}

	metrics.ObserveSession(tmpl.Name, metrics.OutcomeOK, rep.Elapsed)
	attrs := []any{"failed", failed, "elapsed", rep.Elapsed}
	if rep.Best != nil {
		attrs = append(attrs, "best", rep.Best.Candidate.Schedule.String(), "latency", rep.Best.Latency)
	}
	if baseline.OK() {
		attrs = append(attrs, "baseline_latency", baseline.Latency)
	}
	log.Info("tuning session finished", attrs...)
	return rep, nil
}

// build compiles r for every bucket. The first failing bucket fails the
// candidate and releases what was built.
func (b *Builder) build(ctx context.Context, tmpl kernel.Template, buckets []int, r *Result) {
	r.Artifacts = make([]kernel.Artifact, len(buckets))
	for i, m := range buckets {
		start := time.Now()
		art, err := b.compile(ctx, tmpl.ForM(m), r.Candidate.Schedule)
		if err != nil {
			metrics.ObserveBuild(tmpl.Name, metrics.OutcomeBuildFail, time.Since(start))
			r.Release()
			r.Err = &BuildFailure{Schedule: r.Candidate.Schedule, M: m, Err: err}
			return
		}
		metrics.ObserveBuild(tmpl.Name, metrics.OutcomeOK, time.Since(start))
		r.Artifacts[i] = art
	}
}

// compile bounds one Compile call by BuildTimeout. A compiler that ignores
// its context is abandoned and its late artifact released.
func (b *Builder) compile(ctx context.Context, tmpl kernel.Template, sched kernel.Schedule) (kernel.Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.BuildTimeout)
	defer cancel()

	type out struct {
		art kernel.Artifact
		err error
	}
	done := make(chan out, 1)
	go func() {
		art, err := b.compiler.Compile(ctx, tmpl, sched, b.target)
		done <- out{art, err}
	}()
	select {
	case o := <-done:
		return o.art, o.err
	case <-ctx.Done():
		go func() {
			if o := <-done; o.art != nil {
				o.art.Release()
			}
		}()
		return nil, fmt.Errorf("compile timed out after %s: %w", b.cfg.BuildTimeout, ctx.Err())
	}
}

// profile times every built result one at a time against shared inputs.
// A run that outlives RunTimeout keeps the device: later timings wait for
// it up to RunTimeout each and fail with ErrDeviceBusy if it is still
// running. It returns an error only when ctx is cancelled.
func (b *Builder) profile(ctx context.Context, tmpl kernel.Template, buckets []int, results []Result) error {
	inputs := make([][]*tensor.Tensor, len(buckets))
	for i, m := range buckets {
		inputs[i] = GenerateInputs(tmpl.ForM(m), b.cfg.Seed+int64(m))
	}
	var busy <-chan struct{}
	for i := range results {
		r := &results[i]
		if r.Err != nil {
			continue
		}
		var total time.Duration
		for j, m := range buckets {
			if err := ctx.Err(); err != nil {
				return err
			}
			var (
				d   time.Duration
				err error
			)
			if err = b.await(ctx, busy); err == nil {
				busy = nil
				var abandoned <-chan struct{}
				d, abandoned, err = b.time(ctx, r.Artifacts[j], inputs[j])
				if abandoned != nil {
					// The abandoned call owns the artifact and keeps writing
					// its output operand.
					r.Artifacts[j] = nil
					inputs[j] = withFreshOutput(inputs[j])
					busy = abandoned
				}
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				metrics.ObserveBuild(tmpl.Name, metrics.OutcomeRunFail, 0)
				r.Release()
				r.Err = &ProfilingFailure{Schedule: r.Candidate.Schedule, M: m, Err: err}
				break
			}
			total += d
		}
		if r.Err == nil {
			r.Latency = total / time.Duration(len(buckets))
			metrics.ObserveLatency(tmpl.Name, r.Latency)
		}
	}
	return nil
}

// await blocks until an abandoned run finishes, for at most RunTimeout.
func (b *Builder) await(ctx context.Context, busy <-chan struct{}) error {
	if busy == nil {
		return nil
	}
	timer := time.NewTimer(b.cfg.RunTimeout)
	defer timer.Stop()
	select {
	case <-busy:
		return nil
	case <-timer.C:
		return ErrDeviceBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

// time bounds one Time call by RunTimeout. On timeout the artifact is
// abandoned to the running call, which releases it when it returns; the
// returned channel is closed at that point.
func (b *Builder) time(ctx context.Context, art kernel.Artifact, inputs []*tensor.Tensor) (time.Duration, <-chan struct{}, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.RunTimeout)
	defer cancel()

	type out struct {
		d   time.Duration
		err error
	}
	done := make(chan out, 1)
	go func() {
		d, err := b.compiler.Time(ctx, art, inputs, b.cfg.Repetitions)
		done <- out{d, err}
	}()
	select {
	case o := <-done:
		if o.err == nil && o.d <= 0 {
			return 0, nil, errors.New("non-positive latency")
		}
		return o.d, nil, o.err
	case <-ctx.Done():
		finished := make(chan struct{})
		go func() {
			<-done
			art.Release()
			close(finished)
		}()
		return 0, finished, fmt.Errorf("run timed out after %s: %w", b.cfg.RunTimeout, ctx.Err())
	}
}

// withFreshOutput copies the argument list with a new output tensor.
func withFreshOutput(inputs []*tensor.Tensor) []*tensor.Tensor {
	out := slices.Clone(inputs)
	last := len(out) - 1
	out[last] = out[last].Clone()
	return out
}

func releaseAll(results []Result) {
	for i := range results {
		results[i].Release()
	}
}
