package kernel

import (
	"errors"
	"fmt"

	"github.com/samcharles93/kerneltune/internal/arch"
	"github.com/samcharles93/kerneltune/internal/matmul"
)

// ErrInfeasible marks a schedule that does not fit the target's budgets.
var ErrInfeasible = errors.New("schedule exceeds target budget")

// Fragment is a tensor-core MMA shape. The zero value means the generic
// SIMT path.
type Fragment struct {
	M int `json:"m" yaml:"m"`
	N int `json:"n" yaml:"n"`
	K int `json:"k" yaml:"k"`
}

func (f Fragment) IsZero() bool { return f == Fragment{} }

func (f Fragment) String() string {
	if f.IsZero() {
		return "simt"
	}
	return fmt.Sprintf("m%dn%dk%d", f.M, f.N, f.K)
}

// Schedule holds the concrete parameters of one kernel configuration. It is
// comparable so identical schedules compare equal.
type Schedule struct {
	BlockM int `json:"block_m" yaml:"block_m"`
	BlockN int `json:"block_n" yaml:"block_n"`
	BlockK int `json:"block_k" yaml:"block_k"`
	WarpM  int `json:"warp_m" yaml:"warp_m"`
	WarpN  int `json:"warp_n" yaml:"warp_n"`

	Threads     int `json:"threads" yaml:"threads"`
	Stages      int `json:"stages" yaml:"stages"`
	VectorWidth int `json:"vector_width" yaml:"vector_width"`

	Fragment Fragment `json:"fragment" yaml:"fragment"`
	// LayoutA and LayoutB tag the propagated operand layouts the schedule
	// was derived for.
	LayoutA matmul.TransformKind `json:"layout_a" yaml:"layout_a"`
	LayoutB matmul.TransformKind `json:"layout_b" yaml:"layout_b"`

	Default bool `json:"default,omitempty" yaml:"default,omitempty"`
}

func (s Schedule) String() string {
	tag := ""
	if s.Default {
		tag = " default"
	}
	return fmt.Sprintf("block=%dx%dx%d warp=%dx%d threads=%d stages=%d vec=%d %s%s",
		s.BlockM, s.BlockN, s.BlockK, s.WarpM, s.WarpN, s.Threads, s.Stages, s.VectorWidth, s.Fragment, tag)
}

// Less is a total order over schedule fields, used to break score ties.
func (s Schedule) Less(o Schedule) bool {
	a := [...]int{s.BlockM, s.BlockN, s.BlockK, s.WarpM, s.WarpN, s.Threads, s.Stages, s.VectorWidth,
		s.Fragment.M, s.Fragment.N, s.Fragment.K, int(s.LayoutA), int(s.LayoutB)}
	b := [...]int{o.BlockM, o.BlockN, o.BlockK, o.WarpM, o.WarpN, o.Threads, o.Stages, o.VectorWidth,
		o.Fragment.M, o.Fragment.N, o.Fragment.K, int(o.LayoutA), int(o.LayoutB)}
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return !s.Default && o.Default
}

// Footprint is the per-block resource use of a schedule.
type Footprint struct {
	SharedMem     int
	RegsPerThread int
	Occupancy     int
}

// Footprint estimates shared memory and register use for tmpl.
func (s Schedule) Footprint(tmpl Template, target arch.Descriptor) Footprint {
	aBits := tmpl.Config.ADType().Bits()
	wBits := tmpl.WeightBits()
	stages := max(s.Stages, 1)
	tileBits := s.BlockM*s.BlockK*aBits + s.BlockN*s.BlockK*wBits
	smem := stages * tileBits / 8

	accBytes := tmpl.Config.AccumDType().StorageBytes()
	threads := max(s.Threads, 1)
	accPerThread := (s.BlockM*s.BlockN + threads - 1) / threads
	regs := (accPerThread*accBytes+3)/4 + 24 + 2*s.VectorWidth

	return Footprint{
		SharedMem:     smem,
		RegsPerThread: regs,
		Occupancy:     target.Occupancy(threads, smem, regs),
	}
}

// Validate checks internal consistency and the target's budgets.
func (s Schedule) Validate(tmpl Template, target arch.Descriptor) error {
	switch {
	case s.BlockM <= 0 || s.BlockN <= 0 || s.BlockK <= 0:
		return fmt.Errorf("%w: non-positive block %dx%dx%d", ErrInfeasible, s.BlockM, s.BlockN, s.BlockK)
	case s.WarpM <= 0 || s.WarpN <= 0 || s.BlockM%s.WarpM != 0 || s.BlockN%s.WarpN != 0:
		return fmt.Errorf("%w: warp tile %dx%d does not divide block %dx%d", ErrInfeasible, s.WarpM, s.WarpN, s.BlockM, s.BlockN)
	case s.VectorWidth <= 0 || s.BlockK%s.VectorWidth != 0:
		return fmt.Errorf("%w: vector width %d does not divide block K %d", ErrInfeasible, s.VectorWidth, s.BlockK)
	}
	warps := (s.BlockM / s.WarpM) * (s.BlockN / s.WarpN)
	if s.Threads != warps*target.WarpSize {
		return fmt.Errorf("%w: %d threads for %d warps of %d", ErrInfeasible, s.Threads, warps, target.WarpSize)
	}
	if s.Threads > target.MaxThreadsPerBlock {
		return fmt.Errorf("%w: %d threads > %d", ErrInfeasible, s.Threads, target.MaxThreadsPerBlock)
	}
	if !s.Fragment.IsZero() {
		if !target.TensorCores {
			return fmt.Errorf("%w: tensor-core fragment on %s", ErrInfeasible, target.Name)
		}
		if s.WarpM%s.Fragment.M != 0 || s.WarpN%s.Fragment.N != 0 || s.BlockK%s.Fragment.K != 0 {
			return fmt.Errorf("%w: fragment %s does not tile warp %dx%d", ErrInfeasible, s.Fragment, s.WarpM, s.WarpN)
		}
	}
	fp := s.Footprint(tmpl, target)
	switch {
	case fp.SharedMem > target.SharedMemPerBlock:
		return fmt.Errorf("%w: %d bytes of shared memory > %d", ErrInfeasible, fp.SharedMem, target.SharedMemPerBlock)
	case fp.RegsPerThread > target.MaxRegistersPerThread:
		return fmt.Errorf("%w: %d registers per thread > %d", ErrInfeasible, fp.RegsPerThread, target.MaxRegistersPerThread)
	case fp.RegsPerThread*s.Threads > target.RegistersPerBlock:
		return fmt.Errorf("%w: %d registers per block > %d", ErrInfeasible, fp.RegsPerThread*s.Threads, target.RegistersPerBlock)
	case fp.Occupancy < 1:
		return fmt.Errorf("%w: zero occupancy", ErrInfeasible)
	}
	return nil
}
