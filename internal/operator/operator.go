// Package operator wraps one matmul configuration in a callable that is
// usable from construction on and can be re-tuned in place.
//
// A Matmul owns its compiled kernels. Tuning and ApplySchedule build a new
// kernel set off to the side and swap it in atomically; the retired set is
// released only after every Forward call that loaded it has returned.
package operator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samcharles93/kerneltune/internal/arch"
	"github.com/samcharles93/kerneltune/internal/backend"
	"github.com/samcharles93/kerneltune/internal/dtype"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/logger"
	"github.com/samcharles93/kerneltune/internal/matmul"
	"github.com/samcharles93/kerneltune/internal/transform"
	"github.com/samcharles93/kerneltune/internal/tuner"
)

var ErrClosed = errors.New("operator closed")

// State is the operator lifecycle stage.
type State int32

const (
	Constructed State = iota
	DefaultOptimized
	Tuned
	Built
	Ready
	// Reference means no compiled kernel is installed and Forward runs the
	// dequantize-then-multiply reference path.
	Reference
)

func (s State) String() string {
	switch s {
	case Constructed:
		return "constructed"
	case DefaultOptimized:
		return "default_optimized"
	case Tuned:
		return "tuned"
	case Built:
		return "built"
	case Ready:
		return "ready"
	case Reference:
		return "reference"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options configures a Matmul.
type Options struct {
	Target   arch.Descriptor
	Compiler kernel.Compiler
	Tuner    tuner.Config
}

// Option is a functional option for configuring a Matmul.
type Option func(*Options)

// WithArch sets the target the kernels are tuned and built for.
func WithArch(target arch.Descriptor) Option {
	return func(o *Options) {
		o.Target = target
	}
}

// WithCompiler sets the kernel compiler backend.
func WithCompiler(c kernel.Compiler) Option {
	return func(o *Options) {
		o.Compiler = c
	}
}

// WithTunerConfig bounds tuning sessions run by HardwareAwareFinetune.
func WithTunerConfig(cfg tuner.Config) Option {
	return func(o *Options) {
		o.Tuner = cfg
	}
}

// kernelSet is one installed schedule with an artifact per M bucket.
type kernelSet struct {
	sched   kernel.Schedule
	buckets []int
	arts    []kernel.Artifact
	tuned   bool

	// Forward holds the read lock while it uses arts; retire takes the write
	// lock, so it waits for in-flight calls.
	mu      sync.RWMutex
	retired bool
}

func (ks *kernelSet) retire() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.retired = true
	for _, a := range ks.arts {
		a.Release()
	}
	ks.arts = nil
}

// bucket picks the artifact for a runtime batch of m rows: the smallest
// bucket that holds m, else the largest.
func (ks *kernelSet) bucket(m int) int {
	for i, b := range ks.buckets {
		if b >= m {
			return i
		}
	}
	return len(ks.buckets) - 1
}

// Matmul is the tunable mixed-precision matmul operator.
type Matmul struct {
	cfg     matmul.Config
	tmpl    kernel.Template
	opts    Options
	builder *tuner.Builder

	weights *transform.Pipeline
	inputs  *transform.Pipeline

	kernels atomic.Pointer[kernelSet]
	state   atomic.Int32
	closed  atomic.Bool

	// tuneMu serialises anything that replaces the kernel set.
	tuneMu sync.Mutex
}

// New builds the operator for cfg and installs the compiler's default
// schedule. A default schedule that fails to build is not fatal: the
// operator comes up in Reference mode and still computes correct results.
func New(ctx context.Context, cfg matmul.Config, opts ...Option) (*Matmul, error) {
	if cfg.N() <= 0 || cfg.K() <= 0 || cfg.M() <= 0 {
		return nil, &matmul.ConfigurationError{Field: "config", Reason: "not built by matmul.NewConfig"}
	}
	o := Options{Target: arch.Host()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Compiler == nil {
		c, err := backend.New(backend.Auto, o.Tuner.Parallel)
		if err != nil {
			return nil, err
		}
		o.Compiler = c
	}

	op := &Matmul{
		cfg:     cfg,
		tmpl:    kernel.NewTemplate(cfg),
		opts:    o,
		builder: tuner.NewBuilder(o.Compiler, o.Target, o.Tuner),
	}
	op.setState(Constructed)
	log := op.logger(ctx)

	if cfg.WithZeros() && cfg.WDType().Format() == dtype.FormatInt {
		log.Warn("zero points on a signed integer format; codes are offset-decoded before zeros apply", "w_dtype", cfg.WDType())
	}

	var err error
	if op.weights, err = transform.ForWeights(cfg); err != nil {
		return nil, fmt.Errorf("weight transform: %w", err)
	}
	if op.inputs, err = transform.ForInputs(cfg, cfg.M()); err != nil {
		return nil, fmt.Errorf("input transform: %w", err)
	}

	sched, err := o.Compiler.DefaultSchedule(op.tmpl, o.Target)
	if err != nil {
		log.Warn("no default schedule, using reference path", "error", err)
		op.setState(Reference)
		return op, nil
	}
	sched.Default = true
	op.setState(DefaultOptimized)

	ks, err := op.build(ctx, sched)
	if err != nil {
		log.Warn("default schedule failed to build, using reference path", "schedule", sched.String(), "error", err)
		op.setState(Reference)
		return op, nil
	}
	op.install(ks)
	log.Debug("operator ready", "template", op.tmpl.String(), "schedule", sched.String(),
		"input_transform", op.inputs.Name(), "weight_transform", op.weights.Name())
	return op, nil
}

func (op *Matmul) logger(ctx context.Context) logger.Logger {
	return logger.FromContext(ctx).With("op", op.tmpl.Name)
}

func (op *Matmul) setState(s State) { op.state.Store(int32(s)) }

func (op *Matmul) State() State { return State(op.state.Load()) }

func (op *Matmul) Config() matmul.Config { return op.cfg }

func (op *Matmul) Template() kernel.Template { return op.tmpl }

func (op *Matmul) Target() arch.Descriptor { return op.opts.Target }

// Schedule returns the installed schedule and whether one is installed.
func (op *Matmul) Schedule() (kernel.Schedule, bool) {
	ks := op.kernels.Load()
	if ks == nil {
		return kernel.Schedule{}, false
	}
	return ks.sched, true
}

// InputTransform returns the pipeline callers apply to A, or nil when A is
// consumed as is.
func (op *Matmul) InputTransform() *transform.Pipeline {
	if op.inputs.Len() == 0 {
		return nil
	}
	return op.inputs
}

// WeightTransform returns the pipeline callers apply once to packed
// weights, or nil when none is needed.
func (op *Matmul) WeightTransform() *transform.Pipeline {
	if op.weights.Len() == 0 {
		return nil
	}
	return op.weights
}

// Source returns the installed kernel text for the optimisation batch size,
// with int8 dot loops rewritten to dp4a.
func (op *Matmul) Source() string {
	ks := op.kernels.Load()
	if ks == nil {
		return ""
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.retired || len(ks.arts) == 0 {
		return ""
	}
	return kernel.ReplaceDP4A(ks.arts[len(ks.arts)-1].Source())
}

// Name implements kernel.Op.
func (op *Matmul) Name() string { return op.tmpl.Name }

// Build implements kernel.Op. It recompiles the installed schedule, or the
// default schedule when running on the reference path.
func (op *Matmul) Build(ctx context.Context) error {
	if ks := op.kernels.Load(); ks != nil {
		return op.ApplySchedule(ctx, ks.sched)
	}
	sched, err := op.opts.Compiler.DefaultSchedule(op.tmpl, op.opts.Target)
	if err != nil {
		return err
	}
	sched.Default = true
	return op.ApplySchedule(ctx, sched)
}

// Profile implements kernel.Op: the mean over buckets of each bucket's
// mean latency.
func (op *Matmul) Profile(ctx context.Context) (time.Duration, error) {
	per, err := op.ProfileBuckets(ctx)
	if err != nil {
		return 0, err
	}
	var total time.Duration
	for _, d := range per {
		total += d
	}
	return total / time.Duration(len(per)), nil
}

// ProfileBuckets times the installed kernel for each M bucket.
func (op *Matmul) ProfileBuckets(ctx context.Context) ([]time.Duration, error) {
	ks := op.kernels.Load()
	if ks == nil {
		return nil, fmt.Errorf("%s: no compiled kernel to profile", op.tmpl.Name)
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.retired {
		return nil, fmt.Errorf("%s: kernel replaced while profiling", op.tmpl.Name)
	}
	cfg := op.builder.Config()
	out := make([]time.Duration, len(ks.buckets))
	for i, m := range ks.buckets {
		in := tuner.GenerateInputs(op.tmpl.ForM(m), cfg.Seed+int64(m))
		d, err := op.opts.Compiler.Time(ctx, ks.arts[i], in, cfg.Repetitions)
		if err != nil {
			return nil, fmt.Errorf("profile m=%d: %w", m, err)
		}
		out[i] = d
	}
	return out, nil
}

// Close releases the compiled kernels. Forward fails with ErrClosed
// afterwards.
func (op *Matmul) Close() error {
	op.tuneMu.Lock()
	defer op.tuneMu.Unlock()
	if op.closed.Swap(true) {
		return nil
	}
	if old := op.kernels.Swap(nil); old != nil {
		old.retire()
	}
	op.setState(Reference)
	return nil
}
