package interpreter

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wakit/wakit/experimental"
	"github.com/wakit/wakit/internal/buildoptions"
	"github.com/wakit/wakit/internal/wasm"
)

// EngineConfig holds the limits applied to every invocation of an engine.
type EngineConfig struct {
	// CallStackCeiling is the maximum depth of nested calls, counting frames of host re-entrance. Zero means
	// buildoptions.CallStackCeiling.
	CallStackCeiling int

	// Fuel is the number of instructions a top-level invocation may execute, shared with any re-entrant
	// invocation. Zero or less means unlimited.
	Fuel int64

	// CloseOnContextDone makes loops and calls check the invocation context, trapping with wasm.ErrContextDone once
	// it is done.
	CloseOnContextDone bool

	// Logger receives traps: guest traps at debug level and invariant violations at error level. Nil discards logs.
	Logger *zap.Logger

	// Listener is notified before and after every function call, Wasm or host. Nil disables notifications.
	Listener experimental.FunctionListener
}

// engine implements wasm.Engine by interpreting a lowered form of function bodies.
type engine struct {
	cfg    EngineConfig
	logger *zap.Logger

	mux sync.RWMutex
	// codes caches the lowered bodies. A wasm.Code belongs to a single wasm.Module, so the types used to resolve its
	// block types are always the same.
	codes map[*wasm.Code]*compiledFunction
}

// NewEngine returns an interpreter which applies the given limits.
func NewEngine(cfg EngineConfig) wasm.Engine {
	if cfg.CallStackCeiling <= 0 {
		cfg.CallStackCeiling = buildoptions.CallStackCeiling
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &engine{cfg: cfg, logger: logger, codes: map[*wasm.Code]*compiledFunction{}}
}

// compiled returns the lowered body of the Wasm function, lowering it on first use.
func (e *engine) compiled(s *wasm.Store, f *wasm.FunctionInstance) (*compiledFunction, error) {
	e.mux.RLock()
	c, ok := e.codes[f.Code]
	e.mux.RUnlock()
	if ok {
		return c, nil
	}

	c, err := compile(s.Modules[f.Module].Types, f.Code)
	if err != nil {
		return nil, fmt.Errorf("lower %s: %w", f.Name, err)
	}
	e.mux.Lock()
	e.codes[f.Code] = c
	e.mux.Unlock()
	return c, nil
}

// Call implements wasm.Engine Call
func (e *engine) Call(ctx context.Context, s *wasm.Store, f *wasm.FunctionInstance, params []uint64) (results []uint64, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(params) != len(f.Type.Params) {
		return nil, fmt.Errorf("%w: %s expects %d params, but passed %d",
			wasm.ErrInvalidInvocation, f.Name, len(f.Type.Params), len(params))
	}

	ce := e.newCallEngine(ctx, s)

	// Go runtime errors, such as an index out of range on the operand stack, can only happen on IR that breaks the
	// invariants validation ensures. They become a fatal trap instead of crashing the host.
	defer func() {
		if v := recover(); v != nil {
			trap := &wasm.Trap{Err: fmt.Errorf("%w: %v", wasm.ErrInvariantViolation, v)}
			ce.abort(trap)
			e.logger.Error("invariant violation", zap.String("function", f.Name), zap.Error(trap))
			results, err = nil, trap
		}
	}()

	if f.IsHostFunction() {
		return ce.callHost(ctx, f, f.Module, params)
	}

	ce.stack = append(ce.stack, params...)
	if err = ce.pushFrame(f); err == nil {
		err = ce.run(ctx)
	}
	if err != nil {
		ce.abort(err)
		if trap, ok := err.(*wasm.Trap); ok {
			if ce.parent == nil {
				if trap.Fatal() {
					e.logger.Error("invariant violation", zap.String("function", f.Name), zap.Error(trap))
				} else {
					e.logger.Debug("wasm trap", zap.String("function", f.Name), zap.Error(trap))
				}
			}
		}
		return nil, err
	}

	if len(ce.stack) != len(f.Type.Results) {
		return nil, &wasm.Trap{Err: fmt.Errorf("%w: %s left %d values on the stack, but has %d results",
			wasm.ErrInvariantViolation, f.Name, len(ce.stack), len(f.Type.Results))}
	}
	return ce.stack, nil
}

// fuel is the instruction budget of a top-level invocation.
type fuel struct {
	remaining int64
}

// callEngine holds the state of a single invocation: the operand stack, the label stack and the frame stack.
type callEngine struct {
	e *engine
	s *wasm.Store
	// ctx is the context the invocation was started with, passed to the listener.
	ctx context.Context

	// parent is the invocation which called the host function this invocation was started from, or nil.
	parent *callEngine
	// baseDepth is the number of frames of all parent invocations.
	baseDepth int
	fuel      *fuel

	stack  []uint64
	labels []label
	frames []*callFrame
}

// label is the target of a branch.
type label struct {
	// branchArity is the count of values a branch to this label keeps: the params of a loop or the results of any
	// other block.
	branchArity uint32
	// endArity is the count of values kept when the end of the block is reached.
	endArity uint32
	// height is the operand stack height below the block's params.
	height int
	// continuation is the position a branch continues at: the loop itself, or the position after the end.
	continuation uint32
}

// callFrame is the activation of a Wasm function.
type callFrame struct {
	// pc is the position of the next instruction in fn.ops.
	pc     uint32
	f      *wasm.FunctionInstance
	fn     *compiledFunction
	mi     *wasm.ModuleInstance
	locals []uint64
	// labelBase is the position of the function body's label in callEngine.labels.
	labelBase int
}

func (e *engine) newCallEngine(ctx context.Context, s *wasm.Store) *callEngine {
	ce := &callEngine{e: e, s: s, ctx: ctx}
	if parent, ok := wasm.Caller(ctx).(*callEngine); ok && parent.e == e {
		ce.parent = parent
		ce.baseDepth = parent.baseDepth + len(parent.frames)
		ce.fuel = parent.fuel
	} else if e.cfg.Fuel > 0 {
		ce.fuel = &fuel{remaining: e.cfg.Fuel}
	}
	return ce
}

func (ce *callEngine) push(v uint64) {
	ce.stack = append(ce.stack, v)
}

func (ce *callEngine) pop() (v uint64) {
	v = ce.stack[len(ce.stack)-1]
	ce.stack = ce.stack[:len(ce.stack)-1]
	return
}

func (ce *callEngine) peek() uint64 {
	return ce.stack[len(ce.stack)-1]
}

func (ce *callEngine) popI32() uint32 {
	return uint32(ce.pop())
}

func (ce *callEngine) pushBool(b bool) {
	if b {
		ce.push(1)
	} else {
		ce.push(0)
	}
}

// unwind drops the operands between height and the top arity values, which end up at height.
func (ce *callEngine) unwind(height int, arity uint32) {
	top := len(ce.stack) - int(arity)
	if top != height {
		copy(ce.stack[height:], ce.stack[top:])
		ce.stack = ce.stack[:height+int(arity)]
	}
}

// pushFrame moves the params of the Wasm function f from the operand stack into the locals of a new frame.
func (ce *callEngine) pushFrame(f *wasm.FunctionInstance) error {
	if ce.baseDepth+len(ce.frames) >= ce.e.cfg.CallStackCeiling {
		return wasm.NewTrap(wasm.ErrCallStackExhausted)
	}
	fn, err := ce.e.compiled(ce.s, f)
	if err != nil {
		return &wasm.Trap{Err: fmt.Errorf("%w: %v", wasm.ErrInvariantViolation, err), FunctionName: f.Name}
	}

	paramCount := len(f.Type.Params)
	locals := make([]uint64, paramCount+len(f.Code.LocalTypes))
	bottom := len(ce.stack) - paramCount
	copy(locals, ce.stack[bottom:])
	ce.stack = ce.stack[:bottom]

	results := uint32(len(f.Type.Results))
	frame := &callFrame{f: f, fn: fn, mi: ce.s.Modules[f.Module], locals: locals, labelBase: len(ce.labels)}
	ce.labels = append(ce.labels, label{branchArity: results, endArity: results, height: bottom})
	ce.frames = append(ce.frames, frame)
	if l := ce.e.cfg.Listener; l != nil {
		l.Before(ce.ctx, ce.s.CallerModuleView(f.Module, ce), f.Definition(), locals[:paramCount:paramCount])
	}
	return nil
}

// popFrame discards the frame of the returning function, whose results are on top of the operand stack. It returns
// false when no frames of this invocation remain.
func (ce *callEngine) popFrame() bool {
	frame := ce.frames[len(ce.frames)-1]
	if l := ce.e.cfg.Listener; l != nil {
		results := ce.stack[len(ce.stack)-len(frame.f.Type.Results):]
		l.After(ce.ctx, ce.s.CallerModuleView(frame.f.Module, ce), frame.f.Definition(), nil, results)
	}
	ce.labels = ce.labels[:frame.labelBase]
	ce.frames = ce.frames[:len(ce.frames)-1]
	return len(ce.frames) > 0
}

// callHost calls a host function with params, returning its results. callerModule is the instance passed to the
// host function as api.Module.
func (ce *callEngine) callHost(ctx context.Context, f *wasm.FunctionInstance, callerModule wasm.ModuleInstanceID, params []uint64) ([]uint64, error) {
	if ce.baseDepth+len(ce.frames) >= ce.e.cfg.CallStackCeiling {
		return nil, wasm.NewTrap(wasm.ErrCallStackExhausted)
	}
	ctx = wasm.WithCaller(ctx, ce)
	mod := ce.s.CallerModuleView(callerModule, ce)
	l := ce.e.cfg.Listener
	if l != nil {
		l.Before(ctx, mod, f.Definition(), params)
	}
	results, err := f.HostFunc(ctx, mod, params)
	if err == nil && len(results) != len(f.Type.Results) {
		err = &wasm.Trap{Err: fmt.Errorf("%w: host function %s returned %d results, but has %d",
			wasm.ErrInvariantViolation, f.Name, len(results), len(f.Type.Results)), FunctionName: f.Name}
	}
	if err != nil {
		results = nil
	}
	if l != nil {
		l.After(ctx, mod, f.Definition(), err, results)
	}
	return results, err
}

// abort discards the frames of this invocation after err, notifying the listener of each, innermost first. When err
// is a trap, the names of the frames are appended to its backtrace. A trap raised by a re-entrant invocation already
// holds the frames above the host function.
func (ce *callEngine) abort(err error) {
	trap, _ := err.(*wasm.Trap)
	l := ce.e.cfg.Listener
	for i := len(ce.frames) - 1; i >= 0; i-- {
		f := ce.frames[i].f
		if trap != nil {
			if trap.FunctionName == "" {
				trap.FunctionName = f.Name
			}
			trap.Backtrace = append(trap.Backtrace, f.Name)
		}
		if l != nil {
			l.After(ce.ctx, ce.s.CallerModuleView(f.Module, ce), f.Definition(), err, nil)
		}
	}
	ce.frames = ce.frames[:0]
}
