package wasm

import "context"

// Engine executes the function instances of a Store. This is implemented by the interpreter.
type Engine interface {
	// Call invokes a function instance f with the given parameters and returns its results.
	//
	// params must have the length of f.Type.Params, encoded as described on api.ValueType. Failures raised by guest
	// code are returned as a *Trap, while an error returned by a host function is returned as is.
	Call(ctx context.Context, s *Store, f *FunctionInstance, params []uint64) (results []uint64, err error)
}
