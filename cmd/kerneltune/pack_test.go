package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/kerneltune/internal/codec"
	"github.com/samcharles93/kerneltune/internal/dtype"
	"github.com/samcharles93/kerneltune/pkg/quant"
)

func TestPackWeights(t *testing.T) {
	t.Parallel()

	const n, k = 8, 64
	w := randomWeights(n, k, 7)

	tests := []struct {
		name string
		o    packOptions
	}{
		{"uint4 zeros", packOptions{N: n, K: k, Bits: 4, GroupSize: 32, Zeros: true}},
		{"int4 symmetric", packOptions{N: n, K: k, Bits: 4, GroupSize: 32, Signed: true}},
		{"uint2 whole row", packOptions{N: n, K: k, Bits: 2, GroupSize: -1, Zeros: true}},
		{"uint4 interleaved", packOptions{N: n, K: k, Bits: 4, GroupSize: 64, Zeros: true, Interleave: "float16"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := packWeights(w, tt.o)
			if err != nil {
				t.Fatalf("packWeights: %v", err)
			}
			if len(res.QWeight) != n*k*tt.o.Bits/8 {
				t.Fatalf("packed %d bytes, want %d", len(res.QWeight), n*k*tt.o.Bits/8)
			}
			if (res.Zeros != nil) != tt.o.Zeros {
				t.Fatalf("zeros present = %t, want %t", res.Zeros != nil, tt.o.Zeros)
			}

			packed := res.QWeight
			if tt.o.Interleave != "" {
				if packed, err = codec.Deinterleave(packed, tt.o.Bits, dtype.Float16); err != nil {
					t.Fatal(err)
				}
			}
			codes, err := codec.UnpackRows(packed, n, k, tt.o.Bits)
			if err != nil {
				t.Fatal(err)
			}

			// Dequantizing the packed codes with the fp16 parameters must land
			// within one step of the original.
			gs := k / res.Groups
			for r := 0; r < n; r++ {
				for c := 0; c < k; c++ {
					g := r*res.Groups + c/gs
					s := res.Scales.Float(g)
					var v float32
					if res.Zeros != nil {
						v = (float32(codes[r*k+c]) - res.Zeros.Float(g)) * s
					} else {
						v = (float32(codes[r*k+c]) - float32(quant.IntOffset(tt.o.Bits))) * s
					}
					if d := v - w[r*k+c]; d > s || d < -s {
						t.Fatalf("[%d,%d] = %g, want %g within %g", r, c, v, w[r*k+c], s)
					}
				}
			}
			if res.MaxError <= 0 {
				t.Fatal("expected a nonzero reconstruction error on random weights")
			}
		})
	}
}

func TestPackWeightsRejects(t *testing.T) {
	t.Parallel()

	w := randomWeights(4, 32, 1)
	bad := []packOptions{
		{N: 4, K: 32, Bits: 3, Zeros: true},
		{N: 4, K: 32, Bits: 4},
		{N: 4, K: 32, Bits: 4, GroupSize: 24, Zeros: true},
		{N: 4, K: 32, Bits: 4, Zeros: true, Interleave: "float32"},
	}
	for _, o := range bad {
		if _, err := packWeights(w, o); err == nil {
			t.Fatalf("packWeights(%+v) should fail", o)
		}
	}
}

func TestWritePackManifest(t *testing.T) {
	t.Parallel()

	o := packOptions{N: 4, K: 32, Bits: 4, GroupSize: 16, Zeros: true}
	res, err := packWeights(randomWeights(o.N, o.K, 3), o)
	if err != nil {
		t.Fatal(err)
	}
	prefix, err := resolvePackOut(filepath.Join(t.TempDir(), "nested", "w"), "unused")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := writePack(prefix, o, res); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(prefix + ".json")
	if err != nil {
		t.Fatal(err)
	}
	var m packManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m.WDType != "uint4" || m.Groups != 2 || m.Zeros != "w.zeros" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	for _, f := range []string{m.QWeight, m.Scales, m.Zeros} {
		if _, err := os.Stat(filepath.Join(filepath.Dir(prefix), f)); err != nil {
			t.Fatalf("missing %s: %v", f, err)
		}
	}
}

func TestReadWeights(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "w.bin")
	// 1.0 and -2.0 as little-endian float32.
	if err := os.WriteFile(path, []byte{0, 0, 0x80, 0x3f, 0, 0, 0, 0xc0}, 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := readWeights(path, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if w[0] != 1 || w[1] != -2 {
		t.Fatalf("readWeights = %v", w)
	}
	if _, err := readWeights(path, 2, 2); err == nil {
		t.Fatal("size mismatch should fail")
	}
}
