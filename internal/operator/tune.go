package operator

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/policy"
	"github.com/samcharles93/kerneltune/internal/tuner"
)

// HardwareAwareFinetune searches the top topK schedules for the target,
// builds and times them, and installs the fastest. When nothing builds the
// current kernel is kept and the error wraps tuner.ErrNoViableSchedule.
// Concurrent calls run one after another.
func (op *Matmul) HardwareAwareFinetune(ctx context.Context, topK int) (tuner.Report, error) {
	op.tuneMu.Lock()
	defer op.tuneMu.Unlock()
	if op.closed.Load() {
		return tuner.Report{}, ErrClosed
	}
	log := op.logger(ctx)

	pol := policy.For(op.tmpl, op.opts.Target)
	cands := pol.Emit(topK)
	if len(cands) == 0 {
		log.Warn("policy produced no candidates, tuning the default schedule only", "policy", pol.Name(), "top_k", topK)
	}

	rep, err := op.builder.ApplyAndBuild(ctx, op.tmpl, cands)
	if err != nil {
		if errors.Is(err, tuner.ErrNoViableSchedule) {
			log.Warn("tuning found no viable schedule, keeping current kernel", "state", op.State().String(), "error", err)
		}
		return rep, err
	}

	winner := rep.Best
	if winner == nil {
		// Every candidate failed but the baseline built. Keep an installed
		// kernel; otherwise the baseline beats the reference path.
		if op.kernels.Load() != nil {
			rep.Baseline.Release()
			log.Warn("no candidate built, keeping current kernel", "candidates", len(cands))
			return rep, nil
		}
		winner = rep.Baseline
	} else {
		rep.Baseline.Release()
	}

	op.setState(Tuned)
	ks := &kernelSet{
		sched:   winner.Candidate.Schedule,
		buckets: rep.Buckets,
		arts:    winner.Artifacts,
		tuned:   !winner.Baseline,
	}
	// The operator owns these now.
	winner.Artifacts = nil
	op.setState(Built)
	op.install(ks)
	log.Info("installed tuned schedule", "session", rep.SessionID.String(), "schedule", ks.sched.String(), "latency", winner.Latency)
	return rep, nil
}

// ApplySchedule compiles sched for every bucket and installs it. It is the
// path for schedules recovered from a cache.
func (op *Matmul) ApplySchedule(ctx context.Context, sched kernel.Schedule) error {
	op.tuneMu.Lock()
	defer op.tuneMu.Unlock()
	if op.closed.Load() {
		return ErrClosed
	}
	ks, err := op.build(ctx, sched)
	if err != nil {
		return err
	}
	op.setState(Built)
	op.install(ks)
	op.logger(ctx).Debug("applied schedule", "schedule", sched.String())
	return nil
}

// build compiles sched for every M bucket. Nothing is kept on failure.
func (op *Matmul) build(ctx context.Context, sched kernel.Schedule) (*kernelSet, error) {
	buckets := op.cfg.MBuckets()
	ks := &kernelSet{sched: sched, buckets: buckets, arts: make([]kernel.Artifact, 0, len(buckets)), tuned: !sched.Default}
	for _, m := range buckets {
		art, err := op.opts.Compiler.Compile(ctx, op.tmpl.ForM(m), sched, op.opts.Target)
		if err != nil {
			ks.retire()
			return nil, &tuner.BuildFailure{Schedule: sched, M: m, Err: err}
		}
		ks.arts = append(ks.arts, art)
	}
	return ks, nil
}

// install swaps ks in and retires the previous set once its in-flight
// calls drain. Callers hold tuneMu or are still constructing.
func (op *Matmul) install(ks *kernelSet) {
	old := op.kernels.Swap(ks)
	op.setState(Ready)
	if old != nil {
		old.retire()
	}
}

// Tuned reports whether the installed kernel came from a search or an
// explicit schedule rather than the compiler default.
func (op *Matmul) Tuned() bool {
	ks := op.kernels.Load()
	return ks != nil && ks.tuned
}

func (op *Matmul) String() string {
	if s, ok := op.Schedule(); ok {
		return fmt.Sprintf("%s %s [%s]", op.tmpl, s, op.State())
	}
	return fmt.Sprintf("%s [%s]", op.tmpl, op.State())
}
