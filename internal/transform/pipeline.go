package transform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/kerneltune/internal/dtype"
	"github.com/samcharles93/kerneltune/internal/matmul"
	"github.com/samcharles93/kerneltune/internal/tensor"
)

// Pipeline is an ordered list of stages. It is itself a Stage.
type Pipeline struct {
	stages []Stage
}

// New returns a pipeline running stages left to right.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: append([]Stage(nil), stages...)}
}

// NewWeightPipeline builds a weight pipeline, rejecting any permutation that
// precedes an interleave: the decoder reads interleaved words out of the
// permuted tiles, never the reverse.
func NewWeightPipeline(stages ...Stage) (*Pipeline, error) {
	permuted := false
	for _, s := range stages {
		switch s.(type) {
		case *PermuteStage:
			permuted = true
		case *InterleaveStage:
			if permuted {
				return nil, fmt.Errorf("%w: %s after a permutation", ErrOrder, s.Name())
			}
		}
	}
	return New(stages...), nil
}

// ForWeights derives the weight pipeline a kernel of cfg expects. The result
// is empty when the weight is consumed as stored.
func ForWeights(cfg matmul.Config) (*Pipeline, error) {
	var stages []Stage
	rows := cfg.N()
	if cfg.FastDecoding() {
		s, err := NewInterleave(cfg.Bits(), cfg.ADType(), rows, cfg.WeightRowBytes())
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	if cfg.PropagateB() != matmul.NonTransform {
		dt, cols := cfg.WDType(), cfg.K()
		if cfg.Family() == matmul.FamilyDequantize {
			dt, cols = dtype.Int8, cfg.WeightRowBytes()
		}
		s, err := NewPermute(cfg.PropagateB(), dt, rows, cols)
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return NewWeightPipeline(stages...)
}

// ForInputs derives the activation pipeline for batch size m.
func ForInputs(cfg matmul.Config, m int) (*Pipeline, error) {
	if cfg.PropagateA() == matmul.NonTransform {
		return New(), nil
	}
	s, err := NewPermute(cfg.PropagateA(), cfg.ADType(), m, cfg.K())
	if err != nil {
		return nil, err
	}
	return New(s), nil
}

func (p *Pipeline) Len() int { return len(p.stages) }

func (p *Pipeline) Stages() []Stage { return append([]Stage(nil), p.stages...) }

func (p *Pipeline) Name() string {
	if len(p.stages) == 0 {
		return "identity"
	}
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return strings.Join(names, "->")
}

func (p *Pipeline) Build(ctx context.Context) error {
	for _, s := range p.stages {
		if err := s.Build(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Profile sums the stage latencies.
func (p *Pipeline) Profile(ctx context.Context) (time.Duration, error) {
	var total time.Duration
	for _, s := range p.stages {
		d, err := s.Profile(ctx)
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}

// Invoke feeds one tensor through every stage. An empty pipeline returns its
// input as is.
func (p *Pipeline) Invoke(ctx context.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	t, err := single(p.Name(), inputs)
	if err != nil {
		return nil, err
	}
	for _, s := range p.stages {
		if t, err = s.Invoke(ctx, t); err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	return t, nil
}

// Inverse undoes the stages right to left.
func (p *Pipeline) Inverse(t *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i := len(p.stages) - 1; i >= 0; i-- {
		if t, err = p.stages[i].Inverse(t); err != nil {
			return nil, fmt.Errorf("%s inverse: %w", p.stages[i].Name(), err)
		}
	}
	return t, nil
}
