// Package kernel defines the contract between the tuner and the kernel
// compiler backend: what a template is, what a schedule fixes, and what a
// compiled artifact can do. The tuner never looks past these types into a
// backend's internal representation.
package kernel

import (
	"context"
	"time"

	"github.com/samcharles93/kerneltune/internal/arch"
	"github.com/samcharles93/kerneltune/internal/tensor"
)

// Compiler is the kernel compiler backend collaborator.
type Compiler interface {
	Name() string
	// Compile lowers tmpl under sched for target. A returned error is a
	// build failure of this one schedule.
	Compile(ctx context.Context, tmpl Template, sched Schedule, target arch.Descriptor) (Artifact, error)
	// DefaultSchedule returns a fixed, non-searched schedule for tmpl.
	DefaultSchedule(tmpl Template, target arch.Descriptor) (Schedule, error)
	// Time runs the artifact reps times on inputs and returns the mean.
	Time(ctx context.Context, a Artifact, inputs []*tensor.Tensor, reps int) (time.Duration, error)
}

// Artifact is a callable compiled kernel bound to one target device.
type Artifact interface {
	// Run executes the kernel. inputs follow Template.Params order and the
	// last tensor receives the output.
	Run(ctx context.Context, inputs ...*tensor.Tensor) error
	// Source is the generated kernel text.
	Source() string
	// Release frees device resources. The artifact is unusable afterwards.
	Release()
}

// Op is the capability set shared by every operator, from the main matmul
// down to a single transform stage.
type Op interface {
	Name() string
	Build(ctx context.Context) error
	Profile(ctx context.Context) (time.Duration, error)
	Invoke(ctx context.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error)
}
