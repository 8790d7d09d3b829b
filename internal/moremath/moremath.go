// Package moremath holds float helpers whose math package equivalents disagree with WebAssembly semantics.
package moremath

import "math"

// WasmCompatMin is math.Min, except either operand being NaN yields NaN, even if the other is -Inf.
// https://github.com/golang/go/blob/1d20a362d0ca4898d77865e314ef6f73582daef0/src/math/dim.go#L74-L91
func WasmCompatMin(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.NaN()
	case math.IsInf(x, -1) || math.IsInf(y, -1):
		return math.Inf(-1)
	case x == 0 && x == y:
		if math.Signbit(x) {
			return x
		}
		return y
	}
	if x < y {
		return x
	}
	return y
}

// WasmCompatMax is math.Max, except either operand being NaN yields NaN, even if the other is Inf.
// https://github.com/golang/go/blob/1d20a362d0ca4898d77865e314ef6f73582daef0/src/math/dim.go#L42-L59
func WasmCompatMax(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.NaN()
	case math.IsInf(x, 1) || math.IsInf(y, 1):
		return math.Inf(1)
	case x == 0 && x == y:
		if math.Signbit(x) {
			return y
		}
		return x
	}
	if x > y {
		return x
	}
	return y
}

// WasmCompatNearestF32 rounds half to even, which is what "f32.nearest" requires. math.Round rounds half away
// from zero.
func WasmCompatNearestF32(f float32) float32 {
	return float32(math.RoundToEven(float64(f)))
}

// WasmCompatNearestF64 is the float64 variant of WasmCompatNearestF32.
func WasmCompatNearestF64(f float64) float64 {
	return math.RoundToEven(f)
}
