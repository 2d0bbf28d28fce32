package matmul

import (
	"fmt"
	"strings"
)

// TransformKind is the canonical layout-propagation tag for an operand.
type TransformKind int

const (
	NonTransform TransformKind = iota
	// IntraWarpTransform shuffles elements inside each tile so a warp's
	// fragment loads become contiguous.
	IntraWarpTransform
	// InterWarpTransform additionally lays tiles out contiguously, tile-major.
	InterWarpTransform
)

// Tile geometry shared by the permutation stages and the validation above:
// 16 rows by 32 bytes, which is one ldmatrix x4 footprint.
const (
	TileRows  = 16
	TileBytes = 32
)

func (k TransformKind) Valid() bool { return k >= NonTransform && k <= InterWarpTransform }

func (k TransformKind) String() string {
	switch k {
	case NonTransform:
		return "none"
	case IntraWarpTransform:
		return "intra_warp"
	case InterWarpTransform:
		return "inter_warp"
	}
	return fmt.Sprintf("TransformKind(%d)", int(k))
}

// ParseTransformKind accepts the legacy spellings of a propagation flag:
// a bool (true means intra-warp), an integer kind, or a name.
func ParseTransformKind(v any) (TransformKind, error) {
	switch x := v.(type) {
	case nil:
		return NonTransform, nil
	case TransformKind:
		if !x.Valid() {
			return 0, fmt.Errorf("unknown transform kind %d", int(x))
		}
		return x, nil
	case bool:
		if x {
			return IntraWarpTransform, nil
		}
		return NonTransform, nil
	case int:
		return ParseTransformKind(TransformKind(x))
	case int64:
		return ParseTransformKind(TransformKind(x))
	case float64:
		if x != float64(int(x)) {
			return 0, fmt.Errorf("transform kind %v is not an integer", x)
		}
		return ParseTransformKind(TransformKind(int(x)))
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "", "none", "false", "0", "non_transform":
			return NonTransform, nil
		case "intra_warp", "intra", "true", "1":
			return IntraWarpTransform, nil
		case "inter_warp", "inter", "2":
			return InterWarpTransform, nil
		}
		return 0, fmt.Errorf("unknown transform kind %q", x)
	}
	return 0, fmt.Errorf("unsupported transform flag type %T", v)
}
