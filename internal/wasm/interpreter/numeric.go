package interpreter

import (
	"math"

	"github.com/wakit/wakit/internal/wasm"
)

// The bounds of the float values which truncate into each integer type. Lower bounds are exclusive for unsigned
// types, as anything greater than -1 truncates to zero.
const (
	minI32 = float64(math.MinInt32)
	maxI32 = 2147483648.0 // 2^31, exclusive
	maxU32 = 4294967296.0 // 2^32, exclusive
	minI64 = float64(math.MinInt64)
	maxI64 = 9223372036854775808.0  // 2^63, exclusive
	maxU64 = 18446744073709551616.0 // 2^64, exclusive
)

// truncI32S truncates v to a signed i32. When saturating, NaN is zero and out-of-range values clamp. Otherwise they
// are a trap.
func truncI32S(v float64, saturating bool) (uint64, error) {
	if math.IsNaN(v) {
		if saturating {
			return 0, nil
		}
		return 0, wasm.NewTrap(wasm.ErrInvalidConversionToInteger)
	}
	v = math.Trunc(v)
	switch {
	case v < minI32:
		if !saturating {
			return 0, wasm.NewTrap(wasm.ErrIntegerOverflow)
		}
		return uint64(1) << 31, nil
	case v >= maxI32:
		if !saturating {
			return 0, wasm.NewTrap(wasm.ErrIntegerOverflow)
		}
		return uint64(uint32(math.MaxInt32)), nil
	}
	return uint64(uint32(int32(v))), nil
}

// truncI32U truncates v to an unsigned i32. See truncI32S
func truncI32U(v float64, saturating bool) (uint64, error) {
	if math.IsNaN(v) {
		if saturating {
			return 0, nil
		}
		return 0, wasm.NewTrap(wasm.ErrInvalidConversionToInteger)
	}
	v = math.Trunc(v)
	switch {
	case v <= -1:
		if !saturating {
			return 0, wasm.NewTrap(wasm.ErrIntegerOverflow)
		}
		return 0, nil
	case v >= maxU32:
		if !saturating {
			return 0, wasm.NewTrap(wasm.ErrIntegerOverflow)
		}
		return math.MaxUint32, nil
	}
	return uint64(uint32(v)), nil
}

// truncI64S truncates v to a signed i64. See truncI32S
func truncI64S(v float64, saturating bool) (uint64, error) {
	if math.IsNaN(v) {
		if saturating {
			return 0, nil
		}
		return 0, wasm.NewTrap(wasm.ErrInvalidConversionToInteger)
	}
	v = math.Trunc(v)
	switch {
	case v < minI64:
		if !saturating {
			return 0, wasm.NewTrap(wasm.ErrIntegerOverflow)
		}
		return uint64(1) << 63, nil
	case v >= maxI64:
		if !saturating {
			return 0, wasm.NewTrap(wasm.ErrIntegerOverflow)
		}
		return math.MaxInt64, nil
	}
	return uint64(int64(v)), nil
}

// truncI64U truncates v to an unsigned i64. See truncI32S
func truncI64U(v float64, saturating bool) (uint64, error) {
	if math.IsNaN(v) {
		if saturating {
			return 0, nil
		}
		return 0, wasm.NewTrap(wasm.ErrInvalidConversionToInteger)
	}
	v = math.Trunc(v)
	switch {
	case v <= -1:
		if !saturating {
			return 0, wasm.NewTrap(wasm.ErrIntegerOverflow)
		}
		return 0, nil
	case v >= maxU64:
		if !saturating {
			return 0, wasm.NewTrap(wasm.ErrIntegerOverflow)
		}
		return math.MaxUint64, nil
	}
	return uint64(v), nil
}

// truncFunc is one of the truncation functions above.
type truncFunc func(v float64, saturating bool) (uint64, error)

// truncation returns the truncation of a trunc or trunc_sat instruction, and whether its operand is an f32.
func truncation(kind operationKind) (fn truncFunc, fromF32, saturating bool) {
	switch kind {
	case operationKind(wasm.OpcodeI32TruncF32S):
		return truncI32S, true, false
	case operationKind(wasm.OpcodeI32TruncF32U):
		return truncI32U, true, false
	case operationKind(wasm.OpcodeI32TruncF64S):
		return truncI32S, false, false
	case operationKind(wasm.OpcodeI32TruncF64U):
		return truncI32U, false, false
	case operationKind(wasm.OpcodeI64TruncF32S):
		return truncI64S, true, false
	case operationKind(wasm.OpcodeI64TruncF32U):
		return truncI64U, true, false
	case operationKind(wasm.OpcodeI64TruncF64S):
		return truncI64S, false, false
	case operationKind(wasm.OpcodeI64TruncF64U):
		return truncI64U, false, false
	case miscKind(wasm.OpcodeMiscI32TruncSatF32S):
		return truncI32S, true, true
	case miscKind(wasm.OpcodeMiscI32TruncSatF32U):
		return truncI32U, true, true
	case miscKind(wasm.OpcodeMiscI32TruncSatF64S):
		return truncI32S, false, true
	case miscKind(wasm.OpcodeMiscI32TruncSatF64U):
		return truncI32U, false, true
	case miscKind(wasm.OpcodeMiscI64TruncSatF32S):
		return truncI64S, true, true
	case miscKind(wasm.OpcodeMiscI64TruncSatF32U):
		return truncI64U, true, true
	case miscKind(wasm.OpcodeMiscI64TruncSatF64S):
		return truncI64S, false, true
	default: // miscKind(wasm.OpcodeMiscI64TruncSatF64U)
		return truncI64U, false, true
	}
}

// f32 and f64 interpret the raw value as a float.
func f32(v uint64) float32 { return math.Float32frombits(uint32(v)) }

func f64(v uint64) float64 { return math.Float64frombits(v) }

func rawF32(v float32) uint64 { return uint64(math.Float32bits(v)) }

func rawF64(v float64) uint64 { return math.Float64bits(v) }
