package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kerneltune/internal/arch"
	"github.com/samcharles93/kerneltune/internal/backend"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/logger"
	"github.com/samcharles93/kerneltune/internal/matmul"
	"github.com/samcharles93/kerneltune/internal/operator"
	"github.com/samcharles93/kerneltune/internal/tuner"
)

// benchShape is one row of a benchmark set.
type benchShape struct {
	Model string
	Spec  matmul.Spec
}

type benchParams struct {
	Batch     int
	Prefill   int
	GroupSize int
}

// llmLayers are the (N, K) projections of the models in the fp16 x nf4
// benchmark, with a square reference first.
var llmLayers = []struct {
	model string
	n, k  int
}{
	{"square", 16384, 16384},
	{"BLOOM-176B", 43008, 14336},
	{"BLOOM-176B", 14336, 14336},
	{"BLOOM-176B", 57344, 14336},
	{"BLOOM-176B", 14336, 57344},
	{"OPT-65B", 9216, 9216},
	{"OPT-65B", 36864, 9216},
	{"OPT-65B", 9216, 36864},
	{"OPT-65B", 22016, 8192},
	{"LLaMA-70B", 8192, 22016},
	{"LLaMA-70B", 8192, 8192},
	{"LLaMA-70B", 28672, 8192},
	{"LLaMA-70B", 8192, 28672},
}

var benchSets = map[string]func(benchParams) []benchShape{
	// Decode rows at the batch size, then prefill rows with both operands
	// in the propagated layout.
	"llm_shape_fp16xnf4": func(p benchParams) []benchShape {
		var out []benchShape
		for _, prop := range []bool{false, true} {
			m := p.Batch
			if prop {
				if p.Prefill <= 0 {
					continue
				}
				m = p.Prefill
			}
			for _, l := range llmLayers {
				s := matmul.Spec{
					M: m, N: l.n, K: l.k,
					ADType: "float16", WDType: "nf4", OutDType: "float16", AccumDType: "float16",
					Layout: "nt", Bits: 4, GroupSize: p.GroupSize, WithScaling: true,
				}
				if prop {
					s.PropagateA, s.PropagateB = true, true
				}
				out = append(out, benchShape{Model: l.model, Spec: s})
			}
		}
		return out
	},
	// Small shapes that tune in seconds on the host backend.
	"smoke": func(p benchParams) []benchShape {
		return []benchShape{
			{"gemv-f16xi4", matmul.Spec{M: p.Batch, N: 256, K: 256, ADType: "float16", WDType: "int4", WithScaling: true, GroupSize: 128}},
			{"gemv-f16xnf4", matmul.Spec{M: p.Batch, N: 256, K: 512, ADType: "float16", WDType: "nf4", WithScaling: true}},
			{"gemm-i8xi2", matmul.Spec{M: 16, N: 128, K: 256, ADType: "int8", WDType: "int2"}},
			{"gemm-f16", matmul.Spec{MBuckets: []int{1, 16}, N: 128, K: 128, ADType: "float16"}},
		}
	},
}

func benchSetNames() []string {
	names := make([]string, 0, len(benchSets))
	for n := range benchSets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func expandBenchSets(names []string, p benchParams) ([]benchShape, error) {
	var out []benchShape
	for _, name := range names {
		set, ok := benchSets[name]
		if !ok {
			return nil, fmt.Errorf("unknown benchmark set %q (known: %s)", name, strings.Join(benchSetNames(), ", "))
		}
		out = append(out, set(p)...)
	}
	return out, nil
}

// benchRow mirrors the columns of the dsl benchmark: top-1 and top-k
// latency of the tuned candidates next to the compiler default.
type benchRow struct {
	Model       string
	Template    string
	TuneTime    time.Duration
	Top1        time.Duration
	TopK        time.Duration
	DefaultTime time.Duration
	Default     time.Duration
	Err         error
}

func benchCmd() *cli.Command {
	var (
		sets      []string
		batch     int64
		prefill   int64
		groupSize int64
		limit     int64
	)

	flags := append(tunerFlags(),
		&cli.StringSliceFlag{
			Name:        "set",
			Aliases:     []string{"benchmark-sets"},
			Usage:       "benchmark sets to run (" + strings.Join(benchSetNames(), ", ") + ")",
			Value:       []string{"llm_shape_fp16xnf4"},
			Destination: &sets,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Usage:       "batch size of the decode shapes",
			Value:       1,
			Destination: &batch,
		},
		&cli.Int64Flag{
			Name:        "prefill",
			Usage:       "batch size of the propagated prefill shapes (0 skips them)",
			Value:       8192,
			Destination: &prefill,
		},
		&cli.Int64Flag{
			Name:        "group-size",
			Usage:       "quantization group size (-1 = whole row)",
			Value:       -1,
			Destination: &groupSize,
		},
		&cli.Int64Flag{
			Name:        "limit",
			Usage:       "run at most this many shapes (0 = all)",
			Destination: &limit,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Tune benchmark shape sets and compare against the default schedule",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyTunerConfig(cmd, fileConfig)
			shapes, err := expandBenchSets(sets, benchParams{Batch: int(batch), Prefill: int(prefill), GroupSize: int(groupSize)})
			if err != nil {
				return err
			}
			if limit > 0 && int(limit) < len(shapes) {
				shapes = shapes[:limit]
			}
			target, err := arch.Lookup(archName)
			if err != nil {
				return err
			}
			backendID, err := backend.Normalize(backendName)
			if err != nil {
				return err
			}
			compiler, err := backend.New(backendID, int(parallel))
			if err != nil {
				return err
			}

			fmt.Println("=== kerneltune benchmark ===")
			fmt.Printf("Sets:       %s\n", strings.Join(sets, ", "))
			fmt.Printf("Target:     %s (%s)\n", target.Name, target.Kind)
			fmt.Printf("Backend:    %s\n", backendID)
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Top-k:      %d\n", topK)
			fmt.Printf("Shapes:     %d\n", len(shapes))
			fmt.Println()

			rows := runBench(ctx, shapes, compiler, target, tunerConfig(), int(topK))
			printBench(os.Stdout, rows)
			if err := ctx.Err(); err != nil {
				return err
			}
			return nil
		},
	}
}

func runBench(ctx context.Context, shapes []benchShape, compiler kernel.Compiler, target arch.Descriptor, tcfg tuner.Config, topK int) []benchRow {
	log := logger.FromContext(ctx)
	rows := make([]benchRow, 0, len(shapes))
	for i, s := range shapes {
		if ctx.Err() != nil {
			break
		}
		log.Info("benchmark shape", "index", i+1, "of", len(shapes), "model", s.Model)
		rows = append(rows, benchOne(ctx, s, compiler, target, tcfg, topK))
	}
	return rows
}

func benchOne(ctx context.Context, s benchShape, compiler kernel.Compiler, target arch.Descriptor, tcfg tuner.Config, topK int) benchRow {
	row := benchRow{Model: s.Model, Template: s.Spec.String()}
	cfg, err := s.Spec.Config()
	if err != nil {
		row.Err = err
		return row
	}

	start := time.Now()
	op, err := operator.New(ctx, cfg, operator.WithArch(target), operator.WithCompiler(compiler), operator.WithTunerConfig(tcfg))
	if err != nil {
		row.Err = err
		return row
	}
	defer op.Close()
	row.Template = op.Template().String()
	row.DefaultTime = time.Since(start)

	start = time.Now()
	rep, err := op.HardwareAwareFinetune(ctx, topK)
	defer rep.Release()
	row.TuneTime = time.Since(start)
	if rep.Baseline != nil && rep.Baseline.OK() {
		row.Default = rep.Baseline.Latency
	}
	if err != nil {
		row.Err = err
		return row
	}
	if rep.Best != nil {
		row.TopK = rep.Best.Latency
	}
	// Top-1 is the policy's first pick, wherever it ranked.
	if i := slices.IndexFunc(rep.Results, func(r tuner.Result) bool { return r.Index == 0 }); i >= 0 && rep.Results[i].OK() {
		row.Top1 = rep.Results[i].Latency
	}
	return row
}

func printBench(w io.Writer, rows []benchRow) {
	_, _ = fmt.Fprintf(w, "%-12s %-48s %12s %12s %12s %12s %12s\n",
		"Model", "Template", "Tune time", "Top1", "TopK", "Default time", "Default")
	_, _ = fmt.Fprintf(w, "%-12s %-48s %12s %12s %12s %12s %12s\n",
		"---", "---", "s", "ms", "ms", "s", "ms")
	var tuned, failed int
	for _, r := range rows {
		if r.Err != nil {
			failed++
			reason := r.Err.Error()
			if errors.Is(r.Err, tuner.ErrNoViableSchedule) {
				reason = "no viable schedule"
			}
			_, _ = fmt.Fprintf(w, "%-12s %-48s failed: %s\n", r.Model, r.Template, reason)
			continue
		}
		tuned++
		_, _ = fmt.Fprintf(w, "%-12s %-48s %12.3f %12s %12s %12.3f %12s\n",
			r.Model, r.Template, r.TuneTime.Seconds(),
			benchMS(r.Top1), benchMS(r.TopK), r.DefaultTime.Seconds(), benchMS(r.Default))
	}
	_, _ = fmt.Fprintf(w, "\n%d tuned, %d failed\n", tuned, failed)
}

func benchMS(d time.Duration) string {
	if d <= 0 {
		return "failed"
	}
	return fmt.Sprintf("%.3f", float64(d)/float64(time.Millisecond))
}
