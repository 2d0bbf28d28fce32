package operator

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/matmul"
	"github.com/samcharles93/kerneltune/internal/metrics"
	"github.com/samcharles93/kerneltune/internal/tensor"
	"github.com/samcharles93/kerneltune/pkg/quant"
)

var errNoKernel = errors.New("no compiled kernel")

// Forward computes D = A * W^T (+ bias). inputs are A, B and the optional
// Scale, Zeros and Bias in kernel argument order, already in the layouts
// InputTransform and WeightTransform produce. A trailing output tensor may
// be passed; otherwise one is allocated. The batch size is read from A.
//
// A kernel that fails at run time is not fatal: the call is answered by the
// reference path and the failure is logged.
func (op *Matmul) Forward(ctx context.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if op.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nIn := len(op.tmpl.Params()) - 1
	var out *tensor.Tensor
	switch len(inputs) {
	case nIn:
	case nIn + 1:
		out = inputs[nIn]
		inputs = inputs[:nIn]
	default:
		return nil, fmt.Errorf("%w: %s takes %d operands, got %d", kernel.ErrArgs, op.tmpl.Name, nIn, len(inputs))
	}

	a := inputs[0]
	if a == nil || len(a.Shape) != 2 || a.Shape[0] <= 0 || a.Shape[1] != op.cfg.K() {
		return nil, fmt.Errorf("%w: A must be [m, %d]", kernel.ErrArgs, op.cfg.K())
	}
	m := a.Shape[0]
	if op.cfg.PropagateA() != matmul.NonTransform && m != op.cfg.M() {
		return nil, fmt.Errorf("%w: A is in the %s layout for m=%d, got m=%d", kernel.ErrArgs, op.cfg.PropagateA(), op.cfg.M(), m)
	}
	if out == nil {
		out = tensor.New(op.cfg.OutDType(), m, op.cfg.N())
	}
	args := append(append(make([]*tensor.Tensor, 0, nIn+1), inputs...), out)
	ops, err := op.tmpl.ForM(m).Bind(args)
	if err != nil {
		return nil, err
	}

	err = op.runKernel(ctx, inputs, out, m)
	if err == nil {
		metrics.ObserveForward(op.tmpl.Name, metrics.PathKernel)
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if !errors.Is(err, errNoKernel) {
		op.logger(ctx).Warn("kernel failed, answering with reference path", "m", m, "error", err)
	}
	if err := op.reference(ops, m); err != nil {
		return nil, err
	}
	metrics.ObserveForward(op.tmpl.Name, metrics.PathReference)
	return out, nil
}

// runKernel dispatches to the installed kernel set, retrying if the set is
// retired between load and lock.
func (op *Matmul) runKernel(ctx context.Context, inputs []*tensor.Tensor, out *tensor.Tensor, m int) error {
	for {
		ks := op.kernels.Load()
		if ks == nil {
			return errNoKernel
		}
		ks.mu.RLock()
		if ks.retired {
			ks.mu.RUnlock()
			continue
		}
		err := op.dispatch(ctx, ks, inputs, out, m)
		ks.mu.RUnlock()
		return err
	}
}

// dispatch runs m rows through the bucketed artifacts. Rows are padded up
// to the chosen bucket, and batches larger than every bucket are split.
func (op *Matmul) dispatch(ctx context.Context, ks *kernelSet, inputs []*tensor.Tensor, out *tensor.Tensor, m int) error {
	if i := ks.bucket(m); ks.buckets[i] == m {
		return ks.arts[i].Run(ctx, append(append([]*tensor.Tensor(nil), inputs...), out)...)
	}

	a := inputs[0]
	aRow := op.cfg.K() * a.DType.StorageBytes()
	oRow := op.cfg.N() * out.DType.StorageBytes()
	args := append([]*tensor.Tensor(nil), inputs...)
	for r0 := 0; r0 < m; {
		i := ks.bucket(m - r0)
		b := ks.buckets[i]
		rows := min(b, m-r0)

		aPad := tensor.New(a.DType, b, op.cfg.K())
		copy(aPad.Data, a.Data[r0*aRow:(r0+rows)*aRow])
		oPad := tensor.New(out.DType, b, op.cfg.N())
		args[0] = aPad
		if err := ks.arts[i].Run(ctx, append(args, oPad)...); err != nil {
			return fmt.Errorf("m=%d bucket=%d: %w", m, b, err)
		}
		copy(out.Data[r0*oRow:(r0+rows)*oRow], oPad.Data[:rows*oRow])
		r0 += rows
	}
	return nil
}

// reference undoes the operand layouts, dequantizes the weight and
// multiplies in float32, or exactly in integers for int8 kernels.
func (op *Matmul) reference(ops kernel.Operands, m int) error {
	act, err := op.inputs.Inverse(ops.A)
	if err != nil {
		return err
	}
	b, err := op.weights.Inverse(ops.B)
	if err != nil {
		return err
	}
	w, err := quant.NewWeights(op.cfg, b, ops.Scale, ops.Zeros)
	if err != nil {
		return err
	}
	n, k := op.cfg.N(), op.cfg.K()

	if quant.IntegerKernel(op.cfg) {
		row := make([]int32, k)
		for j := 0; j < n; j++ {
			w.IntRow(j, 0, row)
			for i := 0; i < m; i++ {
				var acc int64
				for kk, wv := range row {
					acc += act.Int(i*k+kk) * int64(wv)
				}
				if ops.Out.DType.IsInteger() {
					if ops.Bias != nil {
						acc += ops.Bias.Int(j)
					}
					ops.Out.SetInt(i*n+j, acc)
					continue
				}
				v := float32(acc)
				if ops.Bias != nil {
					v += ops.Bias.Float(j)
				}
				ops.Out.SetFloat(i*n+j, v)
			}
		}
		return nil
	}

	dense := w.Dense()
	x := make([]float32, k)
	for i := 0; i < m; i++ {
		for kk := range x {
			x[kk] = act.Float(i*k + kk)
		}
		for j := 0; j < n; j++ {
			wr := dense[j*k : (j+1)*k]
			var acc float32
			for kk, xv := range x {
				acc += xv * wr[kk]
			}
			if ops.Bias != nil {
				acc += ops.Bias.Float(j)
			}
			ops.Out.SetFloat(i*n+j, acc)
		}
	}
	return nil
}

// Invoke implements kernel.Op.
func (op *Matmul) Invoke(ctx context.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return op.Forward(ctx, inputs...)
}
