// Package transform holds the layout stages applied to operands before a
// kernel sees them: the fast-decode interleave of packed weights and the
// ladder permutation that matches tensor-core fragment loads.
package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/kerneltune/internal/codec"
	"github.com/samcharles93/kerneltune/internal/dtype"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/matmul"
	"github.com/samcharles93/kerneltune/internal/tensor"
)

var (
	ErrShape    = errors.New("tensor does not match stage contract")
	ErrOrder    = errors.New("weight stages out of order")
	// ErrNotBuilt is returned when a stage is invoked before Build.
	ErrNotBuilt = errors.New("stage not built")
)

// Stage is a tensor-to-tensor transform with a fixed shape and dtype
// contract. Inverse undoes Invoke exactly.
type Stage interface {
	kernel.Op
	Inverse(t *tensor.Tensor) (*tensor.Tensor, error)
}

func single(name string, inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 || inputs[0] == nil {
		return nil, fmt.Errorf("%s: %w: want one input, got %d", name, ErrShape, len(inputs))
	}
	return inputs[0], nil
}

func checkShape(name string, t *tensor.Tensor, dt dtype.DType, shape ...int) error {
	if t.DType != dt || !tensor.SameShape(t.Shape, shape) {
		return fmt.Errorf("%s: %w: have %s%v, want %s%v", name, ErrShape, t.DType, t.Shape, dt, shape)
	}
	return nil
}

// timeStage runs op once on a zeroed input of the given contract.
func timeStage(ctx context.Context, op kernel.Op, dt dtype.DType, shape ...int) (time.Duration, error) {
	in := tensor.New(dt, shape...)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	start := time.Now()
	if _, err := op.Invoke(ctx, in); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// InterleaveStage reorders each packed weight row word by word so the
// fast-decode path can lift codes straight into registers of Target.
type InterleaveStage struct {
	Bits     int
	Target   dtype.DType
	Rows     int
	RowBytes int
}

// NewInterleave builds the stage for a packed [rows, rowBytes] int8 weight.
func NewInterleave(bits int, target dtype.DType, rows, rowBytes int) (*InterleaveStage, error) {
	s := &InterleaveStage{Bits: bits, Target: target, Rows: rows, RowBytes: rowBytes}
	if err := s.Build(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *InterleaveStage) Name() string {
	return fmt.Sprintf("interleave_u%d_to_%s", s.Bits, s.Target)
}

// Build checks that the contract can be served. The bit tables themselves
// are cached by the codec.
func (s *InterleaveStage) Build(context.Context) error {
	if !codec.ValidBits(s.Bits) {
		return &codec.Error{Op: "interleave", Bits: s.Bits, Err: codec.ErrBits}
	}
	if s.Target != dtype.Float16 && s.Target != dtype.Int8 {
		return fmt.Errorf("%s: %w: no fast-decode path for %s", s.Name(), ErrShape, s.Target)
	}
	if s.Rows <= 0 || s.RowBytes <= 0 || s.RowBytes%4 != 0 {
		return fmt.Errorf("%s: %w: rows of %d bytes are not word aligned", s.Name(), ErrShape, s.RowBytes)
	}
	return nil
}

func (s *InterleaveStage) Profile(ctx context.Context) (time.Duration, error) {
	return timeStage(ctx, s, dtype.Int8, s.Rows, s.RowBytes)
}

func (s *InterleaveStage) Invoke(_ context.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return s.apply(inputs, codec.Interleave)
}

func (s *InterleaveStage) Inverse(t *tensor.Tensor) (*tensor.Tensor, error) {
	return s.apply([]*tensor.Tensor{t}, codec.Deinterleave)
}

func (s *InterleaveStage) apply(inputs []*tensor.Tensor, fn func([]byte, int, dtype.DType) ([]byte, error)) (*tensor.Tensor, error) {
	in, err := single(s.Name(), inputs)
	if err != nil {
		return nil, err
	}
	if err := checkShape(s.Name(), in, dtype.Int8, s.Rows, s.RowBytes); err != nil {
		return nil, err
	}
	out := tensor.New(dtype.Int8, s.Rows, s.RowBytes)
	for r := 0; r < s.Rows; r++ {
		row, err := fn(in.Data[r*s.RowBytes:(r+1)*s.RowBytes], s.Bits, s.Target)
		if err != nil {
			return nil, err
		}
		copy(out.Data[r*s.RowBytes:], row)
	}
	return out, nil
}

// PermuteStage applies the ladder layout permutation to a [Rows, Cols]
// matrix. The matrix is cut into tiles of 16 rows by 32 bytes. Inside a tile
// element l of thread t is read from row t%16, column (t/16)*C/2 + l, where C
// is the tile width in elements, which is the order an ldmatrix x4 load
// hands fragments to a warp. InterWarp additionally stores tiles
// contiguously, tile-major.
type PermuteStage struct {
	Kind  matmul.TransformKind
	DType dtype.DType
	Rows  int
	Cols  int

	// src[i] is the source element of output element i.
	src []int
}

// NewPermute builds the permutation for a [rows, cols] matrix of dt.
func NewPermute(kind matmul.TransformKind, dt dtype.DType, rows, cols int) (*PermuteStage, error) {
	s := &PermuteStage{Kind: kind, DType: dt, Rows: rows, Cols: cols}
	if err := s.Build(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PermuteStage) Name() string {
	return fmt.Sprintf("ladder_permutate_%s_%s", s.Kind, s.DType)
}

func (s *PermuteStage) tileCols() int { return matmul.TileBytes / s.DType.StorageBytes() }

func (s *PermuteStage) Build(context.Context) error {
	if s.Kind != matmul.IntraWarpTransform && s.Kind != matmul.InterWarpTransform {
		return fmt.Errorf("%s: %w: kind %s does not permute", s.Name(), ErrShape, s.Kind)
	}
	c := s.tileCols()
	if s.Rows <= 0 || s.Cols <= 0 || s.Rows%matmul.TileRows != 0 || s.Cols%c != 0 {
		return fmt.Errorf("%s: %w: [%d, %d] is not a multiple of the %dx%d tile",
			s.Name(), ErrShape, s.Rows, s.Cols, matmul.TileRows, c)
	}
	if s.src != nil {
		return nil
	}

	tileLen := matmul.TileRows * c
	half := c / 2
	// Position inside one tile, in the order a warp consumes it.
	local := make([]int, tileLen)
	for t := 0; t < 2*matmul.TileRows; t++ {
		for l := 0; l < half; l++ {
			row := t % matmul.TileRows
			col := (t/matmul.TileRows)*half + l
			local[t*half+l] = row*c + col
		}
	}

	tilesPerRow := s.Cols / c
	src := make([]int, s.Rows*s.Cols)
	for bi := 0; bi < s.Rows/matmul.TileRows; bi++ {
		for bj := 0; bj < tilesPerRow; bj++ {
			for k, from := range local {
				srcIdx := (bi*matmul.TileRows+from/c)*s.Cols + bj*c + from%c
				var dst int
				if s.Kind == matmul.InterWarpTransform {
					dst = (bi*tilesPerRow+bj)*tileLen + k
				} else {
					dst = (bi*matmul.TileRows+k/c)*s.Cols + bj*c + k%c
				}
				src[dst] = srcIdx
			}
		}
	}
	s.src = src
	return nil
}

func (s *PermuteStage) Profile(ctx context.Context) (time.Duration, error) {
	return timeStage(ctx, s, s.DType, s.Rows, s.Cols)
}

func (s *PermuteStage) Invoke(ctx context.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	in, err := single(s.Name(), inputs)
	if err != nil {
		return nil, err
	}
	return s.permute(ctx, in, false)
}

func (s *PermuteStage) Inverse(t *tensor.Tensor) (*tensor.Tensor, error) {
	return s.permute(context.Background(), t, true)
}

func (s *PermuteStage) permute(ctx context.Context, in *tensor.Tensor, inverse bool) (*tensor.Tensor, error) {
	if s.src == nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), ErrNotBuilt)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkShape(s.Name(), in, s.DType, s.Rows, s.Cols); err != nil {
		return nil, err
	}
	eb := s.DType.StorageBytes()
	out := tensor.New(s.DType, s.Rows, s.Cols)
	for dst, from := range s.src {
		if inverse {
			copy(out.Data[from*eb:(from+1)*eb], in.Data[dst*eb:(dst+1)*eb])
		} else {
			copy(out.Data[dst*eb:(dst+1)*eb], in.Data[from*eb:(from+1)*eb])
		}
	}
	return out, nil
}
