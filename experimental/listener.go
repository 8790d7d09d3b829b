// Package experimental includes features which may change in a future release without notice.
package experimental

import (
	"context"

	"github.com/wakit/wakit/api"
)

// FunctionListener is notified when a function is called and when it returns. It is configured with
// wakit.RuntimeConfig WithFunctionListener.
//
// Before and After are called on the goroutine running the function, so an implementation shared by concurrent
// invocations must be safe for concurrent use.
type FunctionListener interface {
	// Before is invoked before a function is called.
	//
	// # Params
	//
	//   - ctx: the context of the invocation.
	//   - mod: the module defining the function, or the calling module if the function is implemented in Go.
	//   - def: the function definition.
	//   - params: api.ValueType encoded parameters. Do not modify or retain the slice.
	Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64)

	// After is invoked after a function returns or is unwound by an error. The arguments are those of Before,
	// except:
	//
	//   - err: nil unless the function failed, in which case results is nil.
	//   - results: api.ValueType encoded results. Do not modify or retain the slice.
	After(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error, results []uint64)
}

// FunctionListenerFunc is a FunctionListener which invokes its value only before a function is called.
type FunctionListenerFunc func(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64)

// Before implements FunctionListener Before
func (f FunctionListenerFunc) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64) {
	f(ctx, mod, def, params)
}

// After implements FunctionListener After, and does nothing.
func (f FunctionListenerFunc) After(context.Context, api.Module, api.FunctionDefinition, error, []uint64) {
}

// MultiFunctionListener returns a FunctionListener which notifies each of the listeners in order. Nil listeners are
// skipped, and nil is returned when none remain.
func MultiFunctionListener(listeners ...FunctionListener) FunctionListener {
	var multi multiFunctionListener
	for _, l := range listeners {
		if l != nil {
			multi = append(multi, l)
		}
	}
	switch len(multi) {
	case 0:
		return nil
	case 1:
		return multi[0]
	}
	return multi
}

type multiFunctionListener []FunctionListener

func (multi multiFunctionListener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64) {
	for _, l := range multi {
		l.Before(ctx, mod, def, params)
	}
}

// After notifies the listeners in reverse order, so that they nest.
func (multi multiFunctionListener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error, results []uint64) {
	for i := len(multi) - 1; i >= 0; i-- {
		multi[i].After(ctx, mod, def, err, results)
	}
}
