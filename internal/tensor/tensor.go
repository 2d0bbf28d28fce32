package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"github.com/x448/float16"

	"github.com/samcharles93/kerneltune/internal/dtype"
)

// Tensor is a dense row-major host buffer.
//
// Data holds the raw little-endian element storage. Sub-byte and 8-bit
// weight dtypes are carried as packed int8 bytes, so for those the logical
// Shape describes storage elements, not logical values.
type Tensor struct {
	DType dtype.DType
	Shape []int
	Data  []byte
}

// New allocates a zeroed tensor.
func New(dt dtype.DType, shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
		n *= d
	}
	return &Tensor{
		DType: dt,
		Shape: append([]int(nil), shape...),
		Data:  make([]byte, n*dt.StorageBytes()),
	}
}

// FromBytes wraps raw storage. The byte length must match the shape.
func FromBytes(dt dtype.DType, raw []byte, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, errNegativeDim
		}
		n *= d
	}
	if len(raw) != n*dt.StorageBytes() {
		return nil, fmt.Errorf("%w: have %d bytes, shape %v of %s needs %d",
			errRawSizeMismatch, len(raw), shape, dt, n*dt.StorageBytes())
	}
	return &Tensor{DType: dt, Shape: append([]int(nil), shape...), Data: raw}, nil
}

// FromFloat32 builds a tensor of dt from float values, rounding as needed.
func FromFloat32(dt dtype.DType, values []float32, shape ...int) (*Tensor, error) {
	t := New(dt, shape...)
	if t.Numel() != len(values) {
		return nil, fmt.Errorf("%w: %d values for shape %v", errRawSizeMismatch, len(values), shape)
	}
	for i, v := range values {
		t.SetFloat(i, v)
	}
	return t, nil
}

// FromBytesInt8 wraps packed weight codes as an int8 tensor.
func FromBytesInt8(raw []byte, shape ...int) (*Tensor, error) {
	return FromBytes(dtype.Int8, raw, shape...)
}

func (t *Tensor) Numel() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Rows and Cols treat the tensor as a matrix over its last axis.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Numel() / t.Shape[len(t.Shape)-1]
}

func (t *Tensor) Cols() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[len(t.Shape)-1]
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		DType: t.DType,
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]byte(nil), t.Data...),
	}
}

// Float reads element i as float32.
func (t *Tensor) Float(i int) float32 {
	switch t.DType {
	case dtype.Float32:
		return math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
	case dtype.Float64:
		return float32(math.Float64frombits(binary.LittleEndian.Uint64(t.Data[i*8:])))
	case dtype.Float16:
		return float16.Frombits(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
	default:
		return float32(t.Int(i))
	}
}

// SetFloat writes element i, rounding to the tensor dtype.
func (t *Tensor) SetFloat(i int, v float32) {
	switch t.DType {
	case dtype.Float32:
		binary.LittleEndian.PutUint32(t.Data[i*4:], math.Float32bits(v))
	case dtype.Float64:
		binary.LittleEndian.PutUint64(t.Data[i*8:], math.Float64bits(float64(v)))
	case dtype.Float16:
		binary.LittleEndian.PutUint16(t.Data[i*2:], float16.Fromfloat32(v).Bits())
	default:
		t.SetInt(i, int64(math.Round(float64(v))))
	}
}

// Int reads element i of an integer tensor.
func (t *Tensor) Int(i int) int64 {
	switch t.DType.StorageBytes() {
	case 1:
		if t.DType.Format() == dtype.FormatUint && !t.DType.SubByte() {
			return int64(t.Data[i])
		}
		return int64(int8(t.Data[i]))
	case 2:
		u := binary.LittleEndian.Uint16(t.Data[i*2:])
		if t.DType.Format() == dtype.FormatUint {
			return int64(u)
		}
		return int64(int16(u))
	case 4:
		u := binary.LittleEndian.Uint32(t.Data[i*4:])
		if t.DType.Format() == dtype.FormatUint {
			return int64(u)
		}
		return int64(int32(u))
	default:
		return int64(binary.LittleEndian.Uint64(t.Data[i*8:]))
	}
}

// SetInt writes element i of an integer tensor with two's complement
// truncation to the storage width.
func (t *Tensor) SetInt(i int, v int64) {
	switch t.DType.StorageBytes() {
	case 1:
		t.Data[i] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(t.Data[i*2:], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(t.Data[i*4:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(t.Data[i*8:], uint64(v))
	}
}

// Floats decodes the whole tensor to float32.
func (t *Tensor) Floats() []float32 {
	out := make([]float32, t.Numel())
	for i := range out {
		out[i] = t.Float(i)
	}
	return out
}

// FillUniform fills a float tensor with reproducible values in [lo, hi).
func FillUniform(t *Tensor, seed int64, lo, hi float32) {
	rng := rand.New(rand.NewSource(seed))
	n := t.Numel()
	for i := 0; i < n; i++ {
		t.SetFloat(i, lo+rng.Float32()*(hi-lo))
	}
}

// FillInt fills an integer tensor with reproducible values in [lo, hi].
func FillInt(t *Tensor, seed int64, lo, hi int64) {
	rng := rand.New(rand.NewSource(seed))
	n := t.Numel()
	span := hi - lo + 1
	for i := 0; i < n; i++ {
		t.SetInt(i, lo+rng.Int63n(span))
	}
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
