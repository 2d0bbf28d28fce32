package host

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/matmul"
	"github.com/samcharles93/kerneltune/internal/tensor"
	"github.com/samcharles93/kerneltune/pkg/quant"
)

// gemm undoes the operand layouts, then computes D = A * W^T (+ bias) one
// BlockM x BlockN output tile per task, walking K in BlockK steps and
// decoding each weight tile as it is consumed.
func (a *artifact) gemm(ctx context.Context, ops kernel.Operands) error {
	act, err := a.inputs.Inverse(ops.A)
	if err != nil {
		return err
	}
	b, err := a.weights.Inverse(ops.B)
	if err != nil {
		return err
	}
	w, err := quant.NewWeights(a.tmpl.Config, b, ops.Scale, ops.Zeros)
	if err != nil {
		return err
	}

	m, n := a.tmpl.M, a.tmpl.Config.N()
	s := a.sched
	integer := quant.IntegerKernel(a.tmpl.Config)

	var g errgroup.Group
	g.SetLimit(a.workers)
	for i0 := 0; i0 < m; i0 += s.BlockM {
		for j0 := 0; j0 < n; j0 += s.BlockN {
			t := tile{i0: i0, i1: min(i0+s.BlockM, m), j0: j0, j1: min(j0+s.BlockN, n)}
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				if integer {
					a.intTile(t, act, w, ops)
				} else {
					a.floatTile(t, act, w, ops)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

type tile struct{ i0, i1, j0, j1 int }

func (a *artifact) floatTile(t tile, act *tensor.Tensor, w *quant.Weights, ops kernel.Operands) {
	k := a.tmpl.Config.K()
	bk := a.sched.BlockK
	rows, cols := t.i1-t.i0, t.j1-t.j0
	acc := make([]float32, rows*cols)
	aTile := make([]float32, rows*bk)
	wTile := make([]float32, cols*bk)

	for k0 := 0; k0 < k; k0 += bk {
		kw := min(bk, k-k0)
		for i := 0; i < rows; i++ {
			base := (t.i0+i)*k + k0
			for kk := 0; kk < kw; kk++ {
				aTile[i*bk+kk] = act.Float(base + kk)
			}
		}
		for j := 0; j < cols; j++ {
			w.Row(t.j0+j, k0, wTile[j*bk:j*bk+kw])
		}
		for i := 0; i < rows; i++ {
			ar := aTile[i*bk : i*bk+kw]
			for j := 0; j < cols; j++ {
				wr := wTile[j*bk : j*bk+kw]
				var sum float32
				for kk, av := range ar {
					sum += av * wr[kk]
				}
				acc[i*cols+j] += sum
			}
		}
	}

	n := a.tmpl.Config.N()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := acc[i*cols+j]
			if ops.Bias != nil {
				v += ops.Bias.Float(t.j0 + j)
			}
			ops.Out.SetFloat((t.i0+i)*n+t.j0+j, v)
		}
	}
}

func (a *artifact) intTile(t tile, act *tensor.Tensor, w *quant.Weights, ops kernel.Operands) {
	k := a.tmpl.Config.K()
	bk := a.sched.BlockK
	rows, cols := t.i1-t.i0, t.j1-t.j0
	acc := make([]int32, rows*cols)
	aTile := make([]int32, rows*bk)
	wTile := make([]int32, cols*bk)

	for k0 := 0; k0 < k; k0 += bk {
		kw := min(bk, k-k0)
		for i := 0; i < rows; i++ {
			base := (t.i0+i)*k + k0
			for kk := 0; kk < kw; kk++ {
				aTile[i*bk+kk] = int32(act.Int(base + kk))
			}
		}
		for j := 0; j < cols; j++ {
			w.IntRow(t.j0+j, k0, wTile[j*bk:j*bk+kw])
		}
		for i := 0; i < rows; i++ {
			ar := aTile[i*bk : i*bk+kw]
			for j := 0; j < cols; j++ {
				wr := wTile[j*bk : j*bk+kw]
				var sum int32
				for kk, av := range ar {
					sum += av * wr[kk]
				}
				acc[i*cols+j] += sum
			}
		}
	}

	n := a.tmpl.Config.N()
	intOut := ops.Out.DType.IsInteger()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			idx := (t.i0+i)*n + t.j0 + j
			v := acc[i*cols+j]
			switch {
			case intOut && ops.Bias != nil:
				ops.Out.SetInt(idx, int64(v)+ops.Bias.Int(t.j0+j))
			case intOut:
				ops.Out.SetInt(idx, int64(v))
			case ops.Bias != nil:
				ops.Out.SetFloat(idx, float32(v)+ops.Bias.Float(t.j0+j))
			default:
				ops.Out.SetFloat(idx, float32(v))
			}
		}
	}
}

// layoutFor reports the weight layout name the kernel text describes.
func layoutFor(cfg matmul.Config) string {
	if cfg.Family() == matmul.FamilyDequantize {
		return "packed"
	}
	return string(cfg.Layout())
}
