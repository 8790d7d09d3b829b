package interpreter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wakit/wakit/internal/wasm"
)

func TestTruncation(t *testing.T) {
	tests := []struct {
		name        string
		fn          truncFunc
		v           float64
		saturating  bool
		expected    uint64
		expectedErr error
	}{
		{name: "i32.s in range", fn: truncI32S, v: -2147483648.9, expected: 0x80000000},
		{name: "i32.s overflow", fn: truncI32S, v: 2147483648, expectedErr: wasm.ErrIntegerOverflow},
		{name: "i32.s sat high", fn: truncI32S, v: math.Inf(1), saturating: true, expected: math.MaxInt32},
		{name: "i32.u negative fraction", fn: truncI32U, v: -0.9, expected: 0},
		{name: "i32.u -1", fn: truncI32U, v: -1, expectedErr: wasm.ErrIntegerOverflow},
		{name: "i32.u max", fn: truncI32U, v: 4294967295, expected: math.MaxUint32},
		{name: "i32.u sat high", fn: truncI32U, v: 4294967296, saturating: true, expected: math.MaxUint32},
		{name: "i64.s NaN", fn: truncI64S, v: math.NaN(), expectedErr: wasm.ErrInvalidConversionToInteger},
		{name: "i64.s sat NaN", fn: truncI64S, v: math.NaN(), saturating: true, expected: 0},
		{name: "i64.s sat low", fn: truncI64S, v: math.Inf(-1), saturating: true, expected: 1 << 63},
		{name: "i64.s overflow", fn: truncI64S, v: 9223372036854775808, expectedErr: wasm.ErrIntegerOverflow},
		{name: "i64.u large", fn: truncI64U, v: 18446744073709549568, expected: 18446744073709549568},
		{name: "i64.u overflow", fn: truncI64U, v: 18446744073709551616, expectedErr: wasm.ErrIntegerOverflow},
		{name: "i64.u sat low", fn: truncI64U, v: -5, saturating: true, expected: 0},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			v, err := tc.fn(tc.v, tc.saturating)
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
			} else {
				require.NoError(t, err)
				require.Equal(t, tc.expected, v)
			}
		})
	}
}
