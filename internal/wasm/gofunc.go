package wasm

import (
	"context"
	"fmt"
	"reflect"

	"github.com/wakit/wakit/api"
)

// FunctionKind identifies the leading parameter of a reflected Go function.
type FunctionKind byte

const (
	// FunctionKindGoNoContext is a function implemented in Go, with a signature matching FunctionType.
	FunctionKindGoNoContext FunctionKind = iota
	// FunctionKindGoContext is a function implemented in Go, with a signature matching FunctionType, except arg zero is
	// a context.Context.
	FunctionKindGoContext
	// FunctionKindGoModule is a function implemented in Go, with a signature matching FunctionType, except arg zero is
	// an api.Module.
	FunctionKindGoModule
	// FunctionKindGoContextModule is a function implemented in Go, with a signature matching FunctionType, except arg
	// zero is a context.Context and arg one is an api.Module.
	FunctionKindGoContextModule
)

// Below are reflection code to get the interface type used to parse functions and set values.

var moduleType = reflect.TypeOf((*api.Module)(nil)).Elem()
var goContextType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errorType = reflect.TypeOf((*error)(nil)).Elem()

// NewGoFunc binds a Go func, such as `func(x, y uint32) uint32`, to a HostFunc. Parameters and results may be
// int32, uint32, int64, uint64, float32 or float64. Optionally, the leading params are a context.Context, an
// api.Module or both in that order, and the last result is an error.
func NewGoFunc(exportName string, goFunc interface{}) (*HostFunc, error) {
	fn := reflect.ValueOf(goFunc)
	fk, ft, hasErrorResult, err := GetFunctionType(exportName, &fn)
	if err != nil {
		return nil, err
	}
	return &HostFunc{
		ExportName: exportName,
		Type:       ft,
		Func:       reflectGoFunc(fn, fk, hasErrorResult),
	}, nil
}

// GetFunctionType returns the function type corresponding to the function signature or errs if invalid.
func GetFunctionType(name string, fn *reflect.Value) (fk FunctionKind, ft *FunctionType, hasErrorResult bool, err error) {
	if fn.Kind() != reflect.Func {
		err = fmt.Errorf("%s is a %s, but should be a Func", name, fn.Kind().String())
		return
	}
	p := fn.Type()

	pOffset := 0
	pCount := p.NumIn()
	fk = FunctionKindGoNoContext
	if pCount > 0 && p.In(0).Kind() == reflect.Interface {
		p0 := p.In(0)
		if p0.Implements(moduleType) {
			fk = FunctionKindGoModule
			pOffset = 1
			pCount--
		} else if p0.Implements(goContextType) {
			fk = FunctionKindGoContext
			pOffset = 1
			pCount--
			if pCount > 0 && p.In(1).Kind() == reflect.Interface && p.In(1).Implements(moduleType) {
				fk = FunctionKindGoContextModule
				pOffset = 2
				pCount--
			}
		}
	}

	rCount := p.NumOut()
	if rCount > 0 && p.Out(rCount-1).Implements(errorType) {
		hasErrorResult = true
		rCount--
	}

	ft = &FunctionType{Params: make([]ValueType, pCount), Results: make([]ValueType, rCount)}

	for i := 0; i < len(ft.Params); i++ {
		pI := p.In(i + pOffset)
		if t, ok := getTypeOf(pI.Kind()); ok {
			ft.Params[i] = t
			continue
		}

		// Now, we will definitely err, decide which message is best
		if pI.Kind() == reflect.Interface && (pI.Implements(moduleType) || pI.Implements(goContextType)) {
			err = fmt.Errorf("%s param[%d] is a %s, which may be defined only once before other params", name, i+pOffset, pI)
		} else {
			err = fmt.Errorf("%s param[%d] is unsupported: %s", name, i+pOffset, pI.Kind())
		}
		return
	}

	for i := 0; i < len(ft.Results); i++ {
		rI := p.Out(i)
		if t, ok := getTypeOf(rI.Kind()); ok {
			ft.Results[i] = t
			continue
		}
		if rI.Implements(errorType) {
			err = fmt.Errorf("%s result[%d] is an error, which is only supported as the last result", name, i)
		} else {
			err = fmt.Errorf("%s result[%d] is unsupported: %s", name, i, rI.Kind())
		}
		return
	}
	return
}

func getTypeOf(kind reflect.Kind) (ValueType, bool) {
	switch kind {
	case reflect.Float64:
		return ValueTypeF64, true
	case reflect.Float32:
		return ValueTypeF32, true
	case reflect.Int32, reflect.Uint32:
		return ValueTypeI32, true
	case reflect.Int64, reflect.Uint64:
		return ValueTypeI64, true
	default:
		return 0x00, false
	}
}

// reflectGoFunc adapts a Go func validated by GetFunctionType to api.GoModuleFunc.
func reflectGoFunc(fn reflect.Value, fk FunctionKind, hasErrorResult bool) api.GoModuleFunc {
	t := fn.Type()
	return func(ctx context.Context, mod api.Module, params []uint64) ([]uint64, error) {
		in := make([]reflect.Value, 0, t.NumIn())
		if fk == FunctionKindGoContext || fk == FunctionKindGoContextModule {
			if ctx == nil {
				ctx = context.Background()
			}
			in = append(in, reflect.ValueOf(&ctx).Elem())
		}
		if fk == FunctionKindGoModule || fk == FunctionKindGoContextModule {
			v := reflect.New(moduleType).Elem()
			if mod != nil {
				v.Set(reflect.ValueOf(mod))
			}
			in = append(in, v)
		}
		for _, raw := range params {
			in = append(in, decodeParam(t.In(len(in)), raw))
		}

		out := fn.Call(in)
		if hasErrorResult {
			if errV := out[len(out)-1]; !errV.IsNil() {
				return nil, errV.Interface().(error)
			}
			out = out[:len(out)-1]
		}
		results := make([]uint64, len(out))
		for i, v := range out {
			results[i] = encodeResult(v)
		}
		return results, nil
	}
}

func decodeParam(t reflect.Type, raw uint64) reflect.Value {
	v := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Int32:
		v.SetInt(int64(int32(uint32(raw))))
	case reflect.Uint32:
		v.SetUint(uint64(uint32(raw)))
	case reflect.Int64:
		v.SetInt(int64(raw))
	case reflect.Uint64:
		v.SetUint(raw)
	case reflect.Float32:
		v.SetFloat(float64(api.DecodeF32(raw)))
	case reflect.Float64:
		v.SetFloat(api.DecodeF64(raw))
	}
	return v
}

func encodeResult(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Int32:
		return uint64(uint32(int32(v.Int())))
	case reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Int64:
		return uint64(v.Int())
	case reflect.Float32:
		return api.EncodeF32(float32(v.Float()))
	case reflect.Float64:
		return api.EncodeF64(v.Float())
	}
	return 0
}
