package tuner

import (
	"errors"
	"fmt"

	"github.com/samcharles93/kerneltune/internal/kernel"
)

// ErrNoViableSchedule is returned when every candidate and the baseline
// failed. Callers keep or fall back to their current execution path.
var ErrNoViableSchedule = errors.New("no viable schedule")

// ErrDeviceBusy fails a timing that could not start because an earlier
// timed-out run still holds the device.
var ErrDeviceBusy = errors.New("device busy with a timed-out run")

// BuildFailure records a candidate that failed or timed out in Compile.
type BuildFailure struct {
	Schedule kernel.Schedule
	M        int
	Err      error
}

func (e *BuildFailure) Error() string {
	return fmt.Sprintf("build [%s] m=%d: %v", e.Schedule, e.M, e.Err)
}

func (e *BuildFailure) Unwrap() error { return e.Err }

// ProfilingFailure records a compiled candidate that errored or timed out
// while being timed.
type ProfilingFailure struct {
	Schedule kernel.Schedule
	M        int
	Err      error
}

func (e *ProfilingFailure) Error() string {
	return fmt.Sprintf("profile [%s] m=%d: %v", e.Schedule, e.M, e.Err)
}

func (e *ProfilingFailure) Unwrap() error { return e.Err }
