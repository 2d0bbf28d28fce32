package dtype

import (
	"fmt"
	"strings"
)

// Format is the numeric family of a dtype.
type Format string

const (
	FormatFloat Format = "fp"
	FormatInt   Format = "int"
	FormatUint  Format = "uint"
	// FormatLUT covers lookup-table formats (nf4, fp4_e2m1) whose codes index
	// a fixed table of float values.
	FormatLUT Format = "af"
)

// DType names an element type the kernels understand.
type DType string

const (
	Float64  DType = "float64"
	Float32  DType = "float32"
	Float16  DType = "float16"
	Int32    DType = "int32"
	Uint32   DType = "uint32"
	Int16    DType = "int16"
	Uint16   DType = "uint16"
	Int8     DType = "int8"
	Uint8    DType = "uint8"
	Int4     DType = "int4"
	Uint4    DType = "uint4"
	Int2     DType = "int2"
	Uint2    DType = "uint2"
	Int1     DType = "int1"
	Uint1    DType = "uint1"
	NF4      DType = "nf4"
	FP8E5M2  DType = "fp8_e5m2"
	FP4E2M1  DType = "fp4_e2m1"
	invalidD DType = ""
)

type info struct {
	format Format
	bits   int
}

var table = map[DType]info{
	Float64: {FormatFloat, 64},
	Float32: {FormatFloat, 32},
	Float16: {FormatFloat, 16},
	Int32:   {FormatInt, 32},
	Uint32:  {FormatUint, 32},
	Int16:   {FormatInt, 16},
	Uint16:  {FormatUint, 16},
	Int8:    {FormatInt, 8},
	Uint8:   {FormatUint, 8},
	Int4:    {FormatInt, 4},
	Uint4:   {FormatUint, 4},
	Int2:    {FormatInt, 2},
	Uint2:   {FormatUint, 2},
	Int1:    {FormatInt, 1},
	Uint1:   {FormatUint, 1},
	NF4:     {FormatLUT, 4},
	FP8E5M2: {FormatFloat, 8},
	FP4E2M1: {FormatLUT, 4},
}

// Parse normalizes a dtype name. Unknown names return an error.
func Parse(name string) (DType, error) {
	d := DType(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := table[d]; !ok {
		return invalidD, fmt.Errorf("unsupported dtype %q", name)
	}
	return d, nil
}

// Valid reports whether d is in the dtype table.
func (d DType) Valid() bool {
	_, ok := table[d]
	return ok
}

func (d DType) Format() Format { return table[d].format }

func (d DType) Bits() int { return table[d].bits }

func (d DType) String() string { return string(d) }

// IsFloat reports whether values of d are read as IEEE floats.
func (d DType) IsFloat() bool { return table[d].format == FormatFloat }

// IsInteger reports whether d is a signed or unsigned integer type.
func (d DType) IsInteger() bool {
	f := table[d].format
	return f == FormatInt || f == FormatUint
}

// SubByte reports whether elements of d are narrower than a byte and must be
// packed into int8 storage.
func (d DType) SubByte() bool { return table[d].bits < 8 }

// StorageBytes is the element size of the host buffer that carries d. Sub-byte
// and 8-bit weight formats are carried in int8 storage.
func (d DType) StorageBytes() int {
	b := table[d].bits
	if b <= 8 {
		return 1
	}
	return b / 8
}

// IntRange returns the representable range of an integer dtype.
func (d DType) IntRange() (lo, hi int64) {
	in := table[d]
	switch in.format {
	case FormatInt:
		return -(int64(1) << (in.bits - 1)), int64(1)<<(in.bits-1) - 1
	case FormatUint:
		if in.bits >= 64 {
			return 0, 1<<63 - 1
		}
		return 0, int64(1)<<in.bits - 1
	}
	return 0, 0
}
