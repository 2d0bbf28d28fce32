package codec

import (
	"encoding/binary"
	"sync"

	"github.com/samcharles93/kerneltune/internal/dtype"
)

// wordPerm is a bit permutation of one little-endian 32-bit word: bit b of
// the source lands on bit fwd[b] of the result.
type wordPerm struct {
	fwd [32]uint8
	inv [32]uint8
}

type permKey struct {
	bits   int
	target dtype.DType
}

var (
	permMu    sync.Mutex
	permCache = map[permKey]*wordPerm{}
)

// interleaveWord reorders the codes of one word so a decoder can lift
// consecutive codes into separate fp16 (stride 16) or int8 (stride 8) lanes
// with shift-and-mask operations.
func interleaveWord(w uint32, bits int, target dtype.DType) uint32 {
	stride := 16
	if target == dtype.Int8 {
		stride = 8
	}
	mask := uint32(1)<<bits - 1
	groups := 32 / stride
	perGroup := stride / bits

	var out uint32
	for i := 0; i < groups; i++ {
		for j := 0; j < perGroup; j++ {
			off := i*perGroup + j
			shift := (off%groups)*stride + (off/groups)*bits
			out |= ((w >> (bits * off)) & mask) << shift
		}
	}

	switch {
	case bits == 1 && target == dtype.Int8:
		n := out & 0xF0F00F0F
		n |= ((out & 0x000000F0) >> 4) << 16
		n |= ((out & 0x0000F000) >> 12) << 24
		n |= ((out & 0x000F0000) >> 16) << 4
		n |= ((out & 0x0F000000) >> 24) << 12
		return n
	case bits == 2 && target == dtype.Float16:
		n := out & 0xFF0000FF
		n |= ((out & 0x0000FF00) >> 8) << 16
		n |= ((out & 0x00FF0000) >> 16) << 8
		return n
	case bits == 1 && target == dtype.Float16:
		n := out & 0xF000000F
		n |= ((out & 0x000000F0) >> 4) << 8
		n |= ((out & 0x00000F00) >> 8) << 16
		n |= ((out & 0x0000F000) >> 12) << 24
		n |= ((out & 0x000F0000) >> 16) << 4
		n |= ((out & 0x00F00000) >> 20) << 12
		n |= ((out & 0x0F000000) >> 24) << 20
		return n
	}
	return out
}

// permFor probes interleaveWord one bit at a time. Every step above is a
// mask-and-shift, so the probe yields the exact bit permutation and its
// inverse.
func permFor(bits int, target dtype.DType) *wordPerm {
	key := permKey{bits, target}
	permMu.Lock()
	defer permMu.Unlock()
	if p, ok := permCache[key]; ok {
		return p
	}
	p := &wordPerm{}
	for b := 0; b < 32; b++ {
		out := interleaveWord(uint32(1)<<b, bits, target)
		dst := uint8(0)
		for out > 1 {
			out >>= 1
			dst++
		}
		p.fwd[b] = dst
		p.inv[dst] = uint8(b)
	}
	permCache[key] = p
	return p
}

func applyPerm(w uint32, table *[32]uint8) uint32 {
	var out uint32
	for b := 0; b < 32; b++ {
		out |= ((w >> b) & 1) << table[b]
	}
	return out
}

func checkInterleave(op string, packed []byte, bits int, target dtype.DType) error {
	if !ValidBits(bits) {
		return codecErr(op, bits, ErrBits, "")
	}
	if target != dtype.Float16 && target != dtype.Int8 {
		return codecErr(op, bits, ErrBits, "target dtype %s has no fast-decode path", target)
	}
	if len(packed)%4 != 0 {
		return codecErr(op, bits, ErrSize, "%d bytes is not a whole number of 32-bit words", len(packed))
	}
	return nil
}

// Interleave reorders packed codes word by word for the fast-decode path.
// The permutation depends only on (bits, target).
func Interleave(packed []byte, bits int, target dtype.DType) ([]byte, error) {
	if err := checkInterleave("interleave", packed, bits, target); err != nil {
		return nil, err
	}
	p := permFor(bits, target)
	out := make([]byte, len(packed))
	for i := 0; i < len(packed); i += 4 {
		w := binary.LittleEndian.Uint32(packed[i:])
		binary.LittleEndian.PutUint32(out[i:], applyPerm(w, &p.fwd))
	}
	return out, nil
}

// Deinterleave inverts Interleave.
func Deinterleave(packed []byte, bits int, target dtype.DType) ([]byte, error) {
	if err := checkInterleave("deinterleave", packed, bits, target); err != nil {
		return nil, err
	}
	p := permFor(bits, target)
	out := make([]byte, len(packed))
	for i := 0; i < len(packed); i += 4 {
		w := binary.LittleEndian.Uint32(packed[i:])
		binary.LittleEndian.PutUint32(out[i:], applyPerm(w, &p.inv))
	}
	return out, nil
}
