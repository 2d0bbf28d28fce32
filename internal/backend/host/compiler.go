// Package host is an in-process kernel compiler. It lowers a template and
// schedule into a blocked Go GEMM that honours the schedule's tile sizes,
// rejects schedules that exceed the target's budgets, and emits the kernel
// text a device code generator would produce for the same schedule.
package host

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/samcharles93/kerneltune/internal/arch"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/tensor"
	"github.com/samcharles93/kerneltune/internal/transform"
)

var (
	ErrReleased = errors.New("artifact released")
	ErrForeign  = errors.New("artifact was not built by the host compiler")
)

// Tuned for small-batch decode shapes.
const (
	defaultTileM = 32
	defaultTileN = 32
	defaultTileK = 16

	maxTileM = 256
	maxTileN = 256
	maxTileK = 128
)

type Compiler struct {
	workers int
}

// New returns a compiler whose kernels spread blocks over workers
// goroutines. workers <= 0 means GOMAXPROCS.
func New(workers int) *Compiler {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Compiler{workers: workers}
}

func (c *Compiler) Name() string { return "host" }

// DefaultSchedule picks fixed tiles from the shape alone: one warp per
// block, a single stage, K tiles grown for long reductions.
func (c *Compiler) DefaultSchedule(tmpl kernel.Template, target arch.Descriptor) (kernel.Schedule, error) {
	cfg := tmpl.Config
	s := kernel.Schedule{
		BlockM:      clampTile(min(defaultTileM, ceilPow2(tmpl.M)), maxTileM),
		BlockN:      clampTile(defaultTileN, maxTileN),
		BlockK:      defaultTileK,
		Stages:      1,
		VectorWidth: 1,
		LayoutA:     cfg.PropagateA(),
		LayoutB:     cfg.PropagateB(),
		Default:     true,
	}
	switch k := cfg.K(); {
	case k >= 192:
		s.BlockK = 32
	case k >= 96:
		s.BlockK = 24
	}
	s.BlockK = clampTile(s.BlockK, maxTileK)
	s.WarpM, s.WarpN = s.BlockM, s.BlockN
	s.Threads = max(target.WarpSize, 1)

	aBytes := max(cfg.ADType().StorageBytes(), 1)
	for v := 8; v > 1; v /= 2 {
		if v*aBytes <= target.VectorBytes && s.BlockK%v == 0 {
			s.VectorWidth = v
			break
		}
	}
	if err := s.Validate(tmpl, target); err != nil {
		return kernel.Schedule{}, fmt.Errorf("default schedule for %s: %w", tmpl, err)
	}
	return s, nil
}

// Compile checks sched against target and prepares the kernel. It does no
// work proportional to the problem size.
func (c *Compiler) Compile(ctx context.Context, tmpl kernel.Template, sched kernel.Schedule, target arch.Descriptor) (kernel.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := sched.Validate(tmpl, target); err != nil {
		return nil, err
	}
	weights, err := transform.ForWeights(tmpl.Config)
	if err != nil {
		return nil, fmt.Errorf("weight layout: %w", err)
	}
	inputs, err := transform.ForInputs(tmpl.Config, tmpl.M)
	if err != nil {
		return nil, fmt.Errorf("input layout: %w", err)
	}
	src, err := render(tmpl, sched, target)
	if err != nil {
		return nil, fmt.Errorf("codegen: %w", err)
	}
	return &artifact{
		tmpl:    tmpl,
		sched:   sched,
		weights: weights,
		inputs:  inputs,
		source:  src,
		workers: c.workers,
	}, nil
}

// Time runs a once to warm up, then reps times, and returns the mean.
func (c *Compiler) Time(ctx context.Context, a kernel.Artifact, inputs []*tensor.Tensor, reps int) (time.Duration, error) {
	art, ok := a.(*artifact)
	if !ok {
		return 0, ErrForeign
	}
	reps = max(reps, 1)
	if err := art.Run(ctx, inputs...); err != nil {
		return 0, err
	}
	start := time.Now()
	for i := 0; i < reps; i++ {
		if err := art.Run(ctx, inputs...); err != nil {
			return 0, err
		}
	}
	return max(time.Since(start)/time.Duration(reps), time.Nanosecond), nil
}

type artifact struct {
	tmpl    kernel.Template
	sched   kernel.Schedule
	weights *transform.Pipeline
	inputs  *transform.Pipeline
	source  string
	workers int

	released atomic.Bool
}

func (a *artifact) Source() string { return a.source }

func (a *artifact) Release() { a.released.Store(true) }

func (a *artifact) Run(ctx context.Context, inputs ...*tensor.Tensor) error {
	if a.released.Load() {
		return ErrReleased
	}
	ops, err := a.tmpl.Bind(inputs)
	if err != nil {
		return err
	}
	return a.gemm(ctx, ops)
}

func clampTile(v, hi int) int {
	if v < 1 {
		return 1
	}
	if v > hi {
		return hi
	}
	return v
}

func ceilPow2(v int) int {
	p := 1
	for p < v {
		p *= 2
	}
	return p
}
