package dtype

import "testing"

func TestParse(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]DType{"float16": Float16, " UINT4 ": Uint4, "nf4": NF4} {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Parse(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := Parse("bfloat16"); err == nil {
		t.Fatal("expected error for unsupported dtype")
	}
	if DType("").Valid() {
		t.Fatal("empty dtype reported valid")
	}
}

func TestStorageAndRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d       DType
		storage int
		subByte bool
		lo, hi  int64
	}{
		{Float32, 4, false, 0, 0},
		{Float16, 2, false, 0, 0},
		{Int8, 1, false, -128, 127},
		{Uint4, 1, true, 0, 15},
		{Int4, 1, true, -8, 7},
		{Int1, 1, true, -1, 0},
		{Int32, 4, false, -1 << 31, 1<<31 - 1},
	}
	for _, tt := range tests {
		if got := tt.d.StorageBytes(); got != tt.storage {
			t.Fatalf("%s storage = %d, want %d", tt.d, got, tt.storage)
		}
		if tt.d.SubByte() != tt.subByte {
			t.Fatalf("%s sub-byte = %t", tt.d, tt.d.SubByte())
		}
		if lo, hi := tt.d.IntRange(); lo != tt.lo || hi != tt.hi {
			t.Fatalf("%s range = [%d, %d], want [%d, %d]", tt.d, lo, hi, tt.lo, tt.hi)
		}
	}
}

func TestFormats(t *testing.T) {
	t.Parallel()

	if !FP8E5M2.IsFloat() || FP8E5M2.IsInteger() {
		t.Fatal("fp8_e5m2 should be a float format")
	}
	if NF4.IsFloat() || NF4.IsInteger() || NF4.Format() != FormatLUT {
		t.Fatal("nf4 should be a lookup-table format")
	}
	if !Uint2.IsInteger() || Uint2.Bits() != 2 {
		t.Fatal("uint2 should be a 2-bit integer")
	}
}
