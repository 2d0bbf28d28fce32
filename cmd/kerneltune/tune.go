package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/kerneltune/internal/api"
	"github.com/samcharles93/kerneltune/internal/backend"
	"github.com/samcharles93/kerneltune/internal/logger"
	"github.com/samcharles93/kerneltune/internal/matmul"
	"github.com/samcharles93/kerneltune/internal/schedcache"
)

type shapeFlags struct {
	specPath     string
	m            string
	n, k         int64
	aDType       string
	wDType       string
	outDType     string
	accumDType   string
	layout       string
	bias         bool
	bits         int64
	groupSize    int64
	scaling      bool
	zeros        bool
	zerosMode    string
	fastDecoding bool
	propagateA   string
	propagateB   string
}

func (s *shapeFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "spec", Usage: "YAML or JSON shape file; explicit shape flags override it", Destination: &s.specPath},
		&cli.StringFlag{Name: "m", Usage: "batch size, or a comma-separated bucket list such as 1,16,32", Value: "1", Destination: &s.m},
		&cli.Int64Flag{Name: "n", Usage: "output features", Destination: &s.n},
		&cli.Int64Flag{Name: "k", Usage: "reduction length", Destination: &s.k},
		&cli.StringFlag{Name: "a-dtype", Usage: "activation dtype", Value: "float16", Destination: &s.aDType},
		&cli.StringFlag{Name: "w-dtype", Usage: "weight dtype (default: the activation dtype)", Destination: &s.wDType},
		&cli.StringFlag{Name: "out-dtype", Usage: "output dtype", Destination: &s.outDType},
		&cli.StringFlag{Name: "accum-dtype", Usage: "accumulator dtype", Destination: &s.accumDType},
		&cli.StringFlag{Name: "layout", Usage: "operand layout (nt, nn)", Destination: &s.layout},
		&cli.BoolFlag{Name: "bias", Usage: "add a bias vector", Destination: &s.bias},
		&cli.Int64Flag{Name: "bits", Usage: "weight code width (default: from w-dtype)", Destination: &s.bits},
		&cli.Int64Flag{Name: "group-size", Usage: "quantization group size along K (-1 = whole row)", Value: -1, Destination: &s.groupSize},
		&cli.BoolFlag{Name: "scaling", Usage: "per-group scales", Destination: &s.scaling},
		&cli.BoolFlag{Name: "zeros", Usage: "per-group zero points", Destination: &s.zeros},
		&cli.StringFlag{Name: "zeros-mode", Usage: "zero-point mode (original, rescale, quantized)", Destination: &s.zerosMode},
		&cli.BoolFlag{Name: "fast-decoding", Usage: "interleave weights for the fast decode path", Destination: &s.fastDecoding},
		&cli.StringFlag{Name: "propagate-a", Usage: "activation layout transform (none, intra, inter)", Destination: &s.propagateA},
		&cli.StringFlag{Name: "propagate-b", Usage: "weight layout transform (none, intra, inter)", Destination: &s.propagateB},
	}
}

// spec merges the shape file, if any, with the flags that were set.
func (s *shapeFlags) spec(cmd *cli.Command) (matmul.Spec, error) {
	var spec matmul.Spec
	if s.specPath != "" {
		data, err := os.ReadFile(s.specPath)
		if err != nil {
			return spec, err
		}
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return spec, fmt.Errorf("shape file %s: %w", s.specPath, err)
		}
	}
	fromFile := s.specPath != ""
	set := func(name string) bool { return !fromFile || cmd.IsSet(name) }

	if set("m") {
		ms, err := parseBuckets(s.m)
		if err != nil {
			return spec, err
		}
		spec.M, spec.MBuckets = 0, nil
		if len(ms) == 1 {
			spec.M = ms[0]
		} else {
			spec.MBuckets = ms
		}
	}
	if set("n") {
		spec.N = int(s.n)
	}
	if set("k") {
		spec.K = int(s.k)
	}
	if set("a-dtype") {
		spec.ADType = s.aDType
	}
	if set("w-dtype") {
		spec.WDType = s.wDType
	}
	if set("out-dtype") {
		spec.OutDType = s.outDType
	}
	if set("accum-dtype") {
		spec.AccumDType = s.accumDType
	}
	if set("layout") {
		spec.Layout = s.layout
	}
	if set("bias") {
		spec.WithBias = s.bias
	}
	if set("bits") {
		spec.Bits = int(s.bits)
	}
	if set("group-size") {
		spec.GroupSize = int(s.groupSize)
	}
	if set("scaling") {
		spec.WithScaling = s.scaling
	}
	if set("zeros") {
		spec.WithZeros = s.zeros
	}
	if set("zeros-mode") {
		spec.ZerosMode = s.zerosMode
	}
	if cmd.IsSet("fast-decoding") {
		v := s.fastDecoding
		spec.FastDecoding = &v
	}
	if set("propagate-a") && s.propagateA != "" {
		spec.PropagateA = s.propagateA
	}
	if set("propagate-b") && s.propagateB != "" {
		spec.PropagateB = s.propagateB
	}
	return spec, nil
}

func parseBuckets(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid batch size %q", p)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no batch size in %q", s)
	}
	return out, nil
}

func tuneCmd() *cli.Command {
	var (
		shape      shapeFlags
		useCache   bool
		outputPath string
		showSource bool
	)

	flags := append(shape.flags(), tunerFlags()...)
	flags = append(flags,
		cacheFlag(),
		&cli.BoolFlag{
			Name:        "cache",
			Usage:       "reuse and update the schedule cache",
			Destination: &useCache,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "write the session report as JSON",
			Destination: &outputPath,
		},
		&cli.BoolFlag{
			Name:        "source",
			Usage:       "print the winning kernel source",
			Destination: &showSource,
		},
	)

	return &cli.Command{
		Name:  "tune",
		Usage: "Tune one matmul shape and report the best schedule",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyTunerConfig(cmd, fileConfig)
			spec, err := shape.spec(cmd)
			if err != nil {
				return err
			}
			service, err := newTuneService(ctx, useCache || cmd.IsSet("cache-path"))
			if err != nil {
				return err
			}
			req := &api.TuneRequest{
				Shape:         spec,
				Arch:          archName,
				TopK:          int(topK),
				UseCache:      &useCache,
				IncludeSource: showSource,
			}
			sess, err := service.Tune(ctx, req)
			if err != nil {
				return err
			}
			printSession(os.Stdout, sess)
			if outputPath != "" {
				if err := writeJSON(outputPath, sess); err != nil {
					return err
				}
				logger.FromContext(ctx).Info("wrote session report", "path", outputPath)
			}
			if sess.Status == api.StatusFailed {
				return fmt.Errorf("tuning failed: %s", sess.Error.Message)
			}
			return nil
		},
	}
}

// newTuneService wires the compiler backend and, when asked, the schedule
// cache.
func newTuneService(ctx context.Context, withCache bool) (*api.TuneService, error) {
	compiler, err := backend.New(backendName, int(parallel))
	if err != nil {
		return nil, err
	}
	cfg := api.TuneServiceConfig{
		Compiler: compiler,
		Tuner:    tunerConfig(),
		Arch:     archName,
		TopK:     int(topK),
	}
	if withCache {
		path, err := resolveCachePath(cachePath)
		if err != nil {
			return nil, err
		}
		cache, err := schedcache.Open(path)
		if err != nil {
			return nil, err
		}
		logger.FromContext(ctx).Debug("schedule cache opened", "path", path, "entries", cache.Len())
		cfg.Cache = cache
	}
	return api.NewTuneService(cfg), nil
}

func printSession(w io.Writer, s *api.Session) {
	_, _ = fmt.Fprintf(w, "session:   %s\n", s.ID)
	_, _ = fmt.Fprintf(w, "template:  %s\n", s.Template)
	_, _ = fmt.Fprintf(w, "arch:      %s\n", s.Arch)
	_, _ = fmt.Fprintf(w, "status:    %s\n", s.Status)
	if s.Best != nil {
		src := "tuned"
		if s.Cached {
			src = "cached"
		}
		_, _ = fmt.Fprintf(w, "best:      %s (%s, %s)\n", s.Best.Schedule, formatLatency(s.Best.LatencyNS), src)
	}
	if s.Baseline != nil {
		if s.Baseline.Error != "" {
			_, _ = fmt.Fprintf(w, "baseline:  failed: %s\n", s.Baseline.Error)
		} else {
			_, _ = fmt.Fprintf(w, "baseline:  %s (%s)\n", s.Baseline.Schedule, formatLatency(s.Baseline.LatencyNS))
		}
	}
	if len(s.Candidates) > 0 {
		_, _ = fmt.Fprintf(w, "measured:  %d candidates, %d failed\n", len(s.Candidates), s.Failed)
	}
	_, _ = fmt.Fprintf(w, "elapsed:   %.1f ms\n", s.ElapsedMS)
	if s.Source != "" {
		_, _ = fmt.Fprintf(w, "\n%s\n", s.Source)
	}
}

func formatLatency(ns int64) string {
	if ns <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.3f ms", float64(ns)/float64(time.Millisecond))
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}
