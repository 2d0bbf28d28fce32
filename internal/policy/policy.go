// Package policy enumerates and ranks candidate schedules for a kernel
// template on a target. Emitted sequences depend only on (template, target,
// topK).
package policy

import (
	"cmp"
	"math"
	"slices"

	"github.com/samcharles93/kerneltune/internal/arch"
	"github.com/samcharles93/kerneltune/internal/dtype"
	"github.com/samcharles93/kerneltune/internal/kernel"
)

// Candidate is one ranked schedule. Score is the estimated throughput in
// TFLOP/s; higher is better.
type Candidate struct {
	Schedule kernel.Schedule
	Score    float64
}

// Policy emits at most topK candidates, best first. An empty result means
// nothing is feasible and the caller keeps its default schedule.
type Policy interface {
	Name() string
	Emit(topK int) []Candidate
}

// For picks the tensor-core policy when the template qualifies for it and
// the generic roofline policy otherwise.
func For(tmpl kernel.Template, target arch.Descriptor) Policy {
	if TensorCoreEligible(tmpl, target) {
		return NewTensorCore(tmpl, target)
	}
	return NewGeneric(tmpl, target)
}

// TensorCoreEligible reports whether tmpl maps onto MMA fragments on target.
func TensorCoreEligible(tmpl kernel.Template, target arch.Descriptor) bool {
	a := tmpl.Config.ADType()
	return target.TensorCores &&
		(a == dtype.Float16 || a == dtype.Int8) &&
		tmpl.M >= 16 &&
		tmpl.Config.N()%16 == 0 &&
		tmpl.Config.K()%16 == 0
}

// space is the enumeration grid shared by both policies.
type space struct {
	blockM, blockN, blockK []int
	// warpDiv splits a block dimension across warps.
	warpDiv  []int
	stages   []int
	vectors  []int
	fragment kernel.Fragment
}

func stagesFor(target arch.Descriptor) []int {
	switch {
	case target.Kind == arch.KindHost:
		return []int{1}
	case target.ComputeCapability >= 80:
		return []int{2, 3, 4}
	default:
		return []int{1, 2}
	}
}

// rank enumerates sp, drops infeasible schedules and returns the topK best.
func rank(tmpl kernel.Template, target arch.Descriptor, sp space, simt bool, topK int) []Candidate {
	if topK <= 0 {
		return nil
	}
	var out []Candidate
	cfg := tmpl.Config
	for _, bm := range sp.blockM {
		for _, bn := range sp.blockN {
			for _, bk := range sp.blockK {
				for _, dm := range sp.warpDiv {
					for _, dn := range sp.warpDiv {
						if bm%dm != 0 || bn%dn != 0 {
							continue
						}
						for _, st := range sp.stages {
							for _, vec := range sp.vectors {
								s := kernel.Schedule{
									BlockM: bm, BlockN: bn, BlockK: bk,
									WarpM: bm / dm, WarpN: bn / dn,
									Threads:     dm * dn * target.WarpSize,
									Stages:      st,
									VectorWidth: vec,
									Fragment:    sp.fragment,
									LayoutA:     cfg.PropagateA(),
									LayoutB:     cfg.PropagateB(),
								}
								if s.Validate(tmpl, target) != nil {
									continue
								}
								out = append(out, Candidate{Schedule: s, Score: estimate(tmpl, target, s, simt)})
							}
						}
					}
				}
			}
		}
	}
	slices.SortFunc(out, func(a, b Candidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if a.Schedule.Less(b.Schedule) {
			return -1
		}
		if b.Schedule.Less(a.Schedule) {
			return 1
		}
		return 0
	})
	if len(out) > topK {
		out = out[:topK:topK]
	}
	return out
}

// estimate is the analytic roofline: each block costs max(compute, memory)
// on its share of an SM, plus the part a shallow pipeline cannot overlap.
// Waves of resident blocks quantise the grid.
func estimate(tmpl kernel.Template, target arch.Descriptor, s kernel.Schedule, simt bool) float64 {
	cfg := tmpl.Config
	m, n, k := float64(tmpl.M), float64(cfg.N()), float64(cfg.K())
	bm, bn, bk := float64(s.BlockM), float64(s.BlockN), float64(s.BlockK)

	fp := s.Footprint(tmpl, target)
	occ := float64(max(fp.Occupancy, 1))
	sms := float64(max(target.SMCount, 1))

	peak := target.PeakTFLOPS * 1e12
	if simt && target.TensorCores {
		peak /= 8
	}
	if cfg.ADType() == dtype.Int8 && !simt {
		peak *= 2
	}
	peakSM := peak / sms
	bwSM := target.MemoryBandwidth * 1e9 / sms

	aBytes := float64(cfg.ADType().Bits()) / 8
	wBytes := float64(tmpl.WeightBits()) / 8
	outBytes := float64(cfg.OutDType().StorageBytes())

	flops := 2 * bm * bn * k
	bytes := bm*k*aBytes + bn*k*wBytes + bm*bn*outBytes

	// Latency hiding grows with resident threads.
	hide := 0.5 + 0.5*math.Min(1, occ*float64(s.Threads)/float64(max(target.MaxThreadsPerSM, 1)))
	vecEff := 0.5 + 0.5*math.Min(1, float64(s.VectorWidth)*aBytes/float64(max(target.VectorBytes, 1)))
	compute := flops / (peakSM / occ) / hide
	if !simt {
		// Larger warp tiles reuse fragments from registers.
		compute /= 0.5 + 0.5*math.Min(1, float64(s.WarpM*s.WarpN)/(64*32))
	}
	memory := bytes / (bwSM / occ) / vecEff

	iters := math.Ceil(k / bk)
	overlap := 1 - 1/float64(max(s.Stages, 1))
	block := math.Max(compute, memory) + (1-overlap)*math.Min(compute, memory)
	if s.Stages > 1 {
		block += float64(s.Stages-1) * memory / iters
	}

	grid := math.Ceil(m/bm) * math.Ceil(n/bn)
	waves := math.Ceil(grid / (sms * occ))
	total := waves * block
	if total <= 0 {
		return 0
	}
	return 2 * m * n * k / total / 1e12
}

func pow2s(lo, hi int) []int {
	var out []int
	for v := lo; v <= hi; v *= 2 {
		out = append(out, v)
	}
	return out
}

func ceilPow2(v int) int {
	p := 1
	for p < v {
		p *= 2
	}
	return p
}

// Generic is the SIMT roofline policy.
type Generic struct {
	tmpl   kernel.Template
	target arch.Descriptor
}

func NewGeneric(tmpl kernel.Template, target arch.Descriptor) *Generic {
	return &Generic{tmpl: tmpl, target: target}
}

func (g *Generic) Name() string { return "generic" }

func (g *Generic) Emit(topK int) []Candidate {
	cfg := g.tmpl.Config
	aBytes := max(cfg.ADType().StorageBytes(), 1)
	var vecs []int
	for _, v := range []int{1, 2, 4, 8} {
		if v*aBytes <= max(g.target.VectorBytes, aBytes) {
			vecs = append(vecs, v)
		}
	}
	sp := space{
		blockM:  pow2s(1, min(ceilPow2(g.tmpl.M), 256)),
		blockN:  pow2s(16, min(ceilPow2(cfg.N()), 256)),
		blockK:  pow2s(8, min(ceilPow2(cfg.K()), 128)),
		warpDiv: []int{1, 2, 4},
		stages:  stagesFor(g.target),
		vectors: vecs,
	}
	if len(sp.blockN) == 0 {
		sp.blockN = []int{ceilPow2(cfg.N())}
	}
	if len(sp.blockK) == 0 {
		sp.blockK = []int{ceilPow2(cfg.K())}
	}
	return rank(g.tmpl, g.target, sp, true, topK)
}

// TensorCore fixes MMA fragment shapes and carries the operand layout tags.
type TensorCore struct {
	tmpl   kernel.Template
	target arch.Descriptor
}

func NewTensorCore(tmpl kernel.Template, target arch.Descriptor) *TensorCore {
	return &TensorCore{tmpl: tmpl, target: target}
}

func (t *TensorCore) Name() string { return "tensorcore" }

// Fragment returns the MMA shape for the activation dtype.
func (t *TensorCore) Fragment() kernel.Fragment {
	if t.tmpl.Config.ADType() == dtype.Int8 {
		return kernel.Fragment{M: 16, N: 8, K: 32}
	}
	return kernel.Fragment{M: 16, N: 8, K: 16}
}

func (t *TensorCore) Emit(topK int) []Candidate {
	if !TensorCoreEligible(t.tmpl, t.target) {
		return nil
	}
	cfg := t.tmpl.Config
	frag := t.Fragment()
	sp := space{
		blockM:   pow2s(16, min(ceilPow2(t.tmpl.M), 256)),
		blockN:   pow2s(16, min(ceilPow2(cfg.N()), 256)),
		blockK:   pow2s(frag.K, min(max(ceilPow2(cfg.K()), frag.K), 128)),
		warpDiv:  []int{1, 2, 4},
		stages:   stagesFor(t.target),
		vectors:  []int{max(t.target.VectorBytes/cfg.ADType().StorageBytes(), 1)},
		fragment: frag,
	}
	return rank(t.tmpl, t.target, sp, false, topK)
}
