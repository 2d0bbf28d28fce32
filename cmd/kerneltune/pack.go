package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kerneltune/internal/codec"
	"github.com/samcharles93/kerneltune/internal/dtype"
	"github.com/samcharles93/kerneltune/internal/logger"
	"github.com/samcharles93/kerneltune/internal/tensor"
	"github.com/samcharles93/kerneltune/pkg/quant"
)

type packOptions struct {
	N, K      int
	Bits      int
	GroupSize int
	Signed    bool
	Zeros     bool
	// Interleave names the activation dtype whose fast-decode order the
	// packed words are permuted into. Empty leaves them in natural order.
	Interleave string
}

type packResult struct {
	QWeight []byte
	Scales  *tensor.Tensor
	Zeros   *tensor.Tensor
	Groups  int
	// MaxError is the largest absolute reconstruction error.
	MaxError float64
}

type packManifest struct {
	N          int     `json:"N"`
	K          int     `json:"K"`
	WDType     string  `json:"W_dtype"`
	Bits       int     `json:"bits"`
	GroupSize  int     `json:"group_size"`
	Groups     int     `json:"groups"`
	WithZeros  bool    `json:"with_zeros"`
	Interleave string  `json:"interleave,omitempty"`
	QWeight    string  `json:"qweight"`
	Scales     string  `json:"scales"`
	Zeros      string  `json:"zeros,omitempty"`
	MaxError   float64 `json:"max_abs_error"`
}

func (o packOptions) wdtype() string {
	if o.Signed {
		return fmt.Sprintf("int%d", o.Bits)
	}
	return fmt.Sprintf("uint%d", o.Bits)
}

// packWeights quantizes a [N, K] float weight per group, packs the codes
// row-major and optionally interleaves them. Without zero points the fit is
// symmetric around the signed offset.
func packWeights(w []float32, o packOptions) (*packResult, error) {
	if !codec.ValidBits(o.Bits) {
		return nil, fmt.Errorf("unsupported bit width %d", o.Bits)
	}
	if !o.Zeros && !o.Signed {
		return nil, fmt.Errorf("%s weights need zero points", o.wdtype())
	}
	gs := o.GroupSize
	if gs <= 0 {
		gs = o.K
	}

	var (
		p   quant.GroupParams
		err error
	)
	if o.Zeros {
		p, err = quant.FitGroups(w, o.N, o.K, gs, o.Bits)
	} else {
		p, err = fitSymmetric(w, o.N, o.K, gs, o.Bits)
	}
	if err != nil {
		return nil, err
	}
	codes, err := quant.QuantizeGroups(w, o.N, o.K, p, o.Bits, o.Signed)
	if err != nil {
		return nil, err
	}

	res := &packResult{Groups: p.Groups}
	res.MaxError = reconstructionError(w, codes, p, o)
	if res.QWeight, err = codec.PackRows(codes, o.N, o.K, o.Bits); err != nil {
		return nil, err
	}
	if o.Interleave != "" {
		target, err := dtype.Parse(o.Interleave)
		if err != nil {
			return nil, err
		}
		if res.QWeight, err = codec.Interleave(res.QWeight, o.Bits, target); err != nil {
			return nil, err
		}
	}

	res.Scales = tensor.New(dtype.Float16, o.N, p.Groups)
	for i, s := range p.Scales {
		res.Scales.SetFloat(i, s)
	}
	if p.Zeros != nil {
		res.Zeros = tensor.New(dtype.Float16, o.N, p.Groups)
		for i, z := range p.Zeros {
			res.Zeros.SetFloat(i, z)
		}
	}
	return res, nil
}

func fitSymmetric(w []float32, n, k, groupSize, bits int) (quant.GroupParams, error) {
	if k%groupSize != 0 {
		return quant.GroupParams{}, fmt.Errorf("group size %d does not divide K=%d", groupSize, k)
	}
	if len(w) != n*k {
		return quant.GroupParams{}, fmt.Errorf("weight has %d values, want %d", len(w), n*k)
	}
	groups := k / groupSize
	maxq := float32(quant.IntOffset(bits))
	p := quant.GroupParams{Scales: make([]float32, n*groups), Groups: groups}
	for r := 0; r < n; r++ {
		for g := 0; g < groups; g++ {
			var amax float32
			for _, v := range w[r*k+g*groupSize : r*k+(g+1)*groupSize] {
				amax = max(amax, float32(math.Abs(float64(v))))
			}
			s := amax / maxq
			if s == 0 {
				s = 1
			}
			p.Scales[r*groups+g] = s
		}
	}
	return p, nil
}

func reconstructionError(w []float32, codes []uint8, p quant.GroupParams, o packOptions) float64 {
	gs := o.K / p.Groups
	var worst float64
	for r := 0; r < o.N; r++ {
		for c := 0; c < o.K; c++ {
			g := r*p.Groups + c/gs
			q := float64(codes[r*o.K+c])
			var v float64
			if p.Zeros != nil {
				v = (q - float64(p.Zeros[g])) * float64(p.Scales[g])
			} else {
				v = (q - float64(quant.IntOffset(o.Bits))) * float64(p.Scales[g])
			}
			worst = max(worst, math.Abs(v-float64(w[r*o.K+c])))
		}
	}
	return worst
}

// readWeights loads n*k little-endian float32 values.
func readWeights(path string, n, k int) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != n*k*4 {
		return nil, fmt.Errorf("%s holds %d bytes, want %d for a [%d, %d] float32 weight", path, len(raw), n*k*4, n, k)
	}
	w := make([]float32, n*k)
	for i := range w {
		w[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return w, nil
}

func randomWeights(n, k int, seed uint64) []float32 {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	w := make([]float32, n*k)
	for i := range w {
		w[i] = float32(rng.NormFloat64() * 0.02)
	}
	return w
}

func packCmd() *cli.Command {
	var (
		n, k       int64
		bits       int64
		groupSize  int64
		signed     bool
		zeros      bool
		interleave string
		inputPath  string
		outPath    string
		packSeed   int64
	)

	return &cli.Command{
		Name:  "pack",
		Usage: "Quantize a float weight per group and pack it for the kernels",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "n", Usage: "output features (weight rows)", Required: true, Destination: &n},
			&cli.Int64Flag{Name: "k", Usage: "reduction length (weight columns)", Required: true, Destination: &k},
			&cli.Int64Flag{Name: "bits", Usage: "code width (1, 2, 4, 8)", Value: 4, Destination: &bits},
			&cli.Int64Flag{Name: "group-size", Usage: "quantization group size along K (-1 = whole row)", Value: 128, Destination: &groupSize},
			&cli.BoolFlag{Name: "signed", Usage: "store signed int codes instead of uint", Destination: &signed},
			&cli.BoolFlag{Name: "zeros", Usage: "fit per-group zero points", Value: true, Destination: &zeros},
			&cli.StringFlag{Name: "interleave", Usage: "interleave for the fast-decode path of this activation dtype (float16, int8)", Destination: &interleave},
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "raw little-endian float32 [n, k] weight (default: random)", Destination: &inputPath},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output prefix (default ./out/<w_dtype>_n<N>_k<K>)", Destination: &outPath},
			&cli.Int64Flag{Name: "seed", Usage: "seed for the random weight", Value: 1, Destination: &packSeed},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			o := packOptions{
				N: int(n), K: int(k), Bits: int(bits), GroupSize: int(groupSize),
				Signed: signed, Zeros: zeros, Interleave: interleave,
			}

			var w []float32
			if inputPath != "" {
				var err error
				if w, err = readWeights(inputPath, o.N, o.K); err != nil {
					return err
				}
			} else {
				w = randomWeights(o.N, o.K, uint64(packSeed))
			}

			res, err := packWeights(w, o)
			if err != nil {
				return err
			}
			prefix, err := resolvePackOut(outPath, fmt.Sprintf("%s_n%d_k%d", o.wdtype(), o.N, o.K))
			if err != nil {
				return err
			}
			m, err := writePack(prefix, o, res)
			if err != nil {
				return err
			}
			log.Info("packed weight", "out", prefix, "w_dtype", m.WDType, "groups", m.Groups,
				"bytes", len(res.QWeight), "max_abs_error", m.MaxError)
			return nil
		},
	}
}

func writePack(prefix string, o packOptions, res *packResult) (packManifest, error) {
	gs := o.GroupSize
	if gs <= 0 {
		gs = -1
	}
	m := packManifest{
		N: o.N, K: o.K, WDType: o.wdtype(), Bits: o.Bits, GroupSize: gs, Groups: res.Groups,
		WithZeros: res.Zeros != nil, Interleave: o.Interleave, MaxError: res.MaxError,
		QWeight: filepath.Base(prefix) + ".qweight",
		Scales:  filepath.Base(prefix) + ".scales",
	}
	if err := os.WriteFile(prefix+".qweight", res.QWeight, 0o644); err != nil {
		return m, err
	}
	if err := os.WriteFile(prefix+".scales", res.Scales.Data, 0o644); err != nil {
		return m, err
	}
	if res.Zeros != nil {
		m.Zeros = filepath.Base(prefix) + ".zeros"
		if err := os.WriteFile(prefix+".zeros", res.Zeros.Data, 0o644); err != nil {
			return m, err
		}
	}
	return m, writeJSON(prefix+".json", m)
}
