// Package codec packs low-bit integer codes into dense int8 storage and
// produces the word interleavings the fast-decode kernels expect.
package codec

import (
	"errors"
	"fmt"
)

var (
	ErrBits  = errors.New("unsupported bit width")
	ErrRange = errors.New("value out of range")
	ErrSize  = errors.New("buffer size mismatch")
)

// Error is a pack/unpack contract violation. It indicates a wiring bug and
// is never retried.
type Error struct {
	Op   string
	Bits int
	Err  error
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("codec %s (%d-bit): %v", e.Op, e.Bits, e.Err)
	}
	return fmt.Sprintf("codec %s (%d-bit): %v: %s", e.Op, e.Bits, e.Err, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func codecErr(op string, bits int, err error, format string, args ...any) error {
	return &Error{Op: op, Bits: bits, Err: err, Msg: fmt.Sprintf(format, args...)}
}

// ValidBits reports whether bits is a packable width.
func ValidBits(bits int) bool {
	return bits == 1 || bits == 2 || bits == 4 || bits == 8
}

// PerByte is the number of codes stored in one byte.
func PerByte(bits int) int { return 8 / bits }

// PackedLen is the byte length of n packed codes.
func PackedLen(n, bits int) int {
	per := PerByte(bits)
	return (n + per - 1) / per
}

// Pack compresses codes into bytes, PerByte(bits) codes per byte. Code k of a
// byte occupies bits [bits*k, bits*(k+1)), least significant first.
func Pack(values []uint8, bits int) ([]byte, error) {
	if !ValidBits(bits) {
		return nil, codecErr("pack", bits, ErrBits, "")
	}
	out := make([]byte, PackedLen(len(values), bits))
	if err := packInto(out, values, bits); err != nil {
		return nil, err
	}
	return out, nil
}

func packInto(dst []byte, values []uint8, bits int) error {
	per := PerByte(bits)
	limit := uint8(1<<bits - 1)
	if bits == 8 {
		copy(dst, values)
		return nil
	}
	for i, v := range values {
		if v > limit {
			return codecErr("pack", bits, ErrRange, "values[%d]=%d exceeds %d", i, v, limit)
		}
		dst[i/per] |= v << (bits * (i % per))
	}
	return nil
}

// Unpack expands n codes from packed. It exactly inverts Pack for the same
// bit width.
func Unpack(packed []byte, bits, n int) ([]uint8, error) {
	if !ValidBits(bits) {
		return nil, codecErr("unpack", bits, ErrBits, "")
	}
	if n < 0 || PackedLen(n, bits) != len(packed) {
		return nil, codecErr("unpack", bits, ErrSize, "%d bytes cannot hold exactly %d codes", len(packed), n)
	}
	out := make([]uint8, n)
	unpackInto(out, packed, bits)
	return out, nil
}

func unpackInto(dst []uint8, packed []byte, bits int) {
	if bits == 8 {
		copy(dst, packed)
		return
	}
	per := PerByte(bits)
	mask := uint8(1<<bits - 1)
	for i := range dst {
		dst[i] = (packed[i/per] >> (bits * (i % per))) & mask
	}
}

// PackRows packs a [rows, cols] code matrix row by row. cols must be a
// multiple of PerByte(bits) so rows stay byte aligned.
func PackRows(values []uint8, rows, cols, bits int) ([]byte, error) {
	if !ValidBits(bits) {
		return nil, codecErr("pack", bits, ErrBits, "")
	}
	if rows*cols != len(values) {
		return nil, codecErr("pack", bits, ErrSize, "%d values for a %dx%d matrix", len(values), rows, cols)
	}
	if cols%PerByte(bits) != 0 {
		return nil, codecErr("pack", bits, ErrSize, "row length %d is not a multiple of %d", cols, PerByte(bits))
	}
	rowBytes := cols / PerByte(bits)
	out := make([]byte, rows*rowBytes)
	for r := 0; r < rows; r++ {
		if err := packInto(out[r*rowBytes:(r+1)*rowBytes], values[r*cols:(r+1)*cols], bits); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UnpackRows inverts PackRows.
func UnpackRows(packed []byte, rows, cols, bits int) ([]uint8, error) {
	if !ValidBits(bits) {
		return nil, codecErr("unpack", bits, ErrBits, "")
	}
	if cols%PerByte(bits) != 0 || rows*(cols/PerByte(bits)) != len(packed) {
		return nil, codecErr("unpack", bits, ErrSize, "%d bytes for a %dx%d matrix", len(packed), rows, cols)
	}
	out := make([]uint8, rows*cols)
	unpackInto(out, packed, bits)
	return out, nil
}

// Code reads the i-th code straight out of a packed buffer.
func Code(packed []byte, bits, i int) uint8 {
	if bits == 8 {
		return packed[i]
	}
	per := PerByte(bits)
	return (packed[i/per] >> (bits * (i % per))) & uint8(1<<bits-1)
}
