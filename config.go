package wakit

import (
	"go.uber.org/zap"

	"github.com/wakit/wakit/experimental"
	"github.com/wakit/wakit/internal/buildoptions"
	"github.com/wakit/wakit/internal/wasm/interpreter"
)

// RuntimeConfig controls runtime behavior, with the default implementation as NewRuntimeConfig
//
// Every With* method returns a copy, so a RuntimeConfig can be shared and specialized safely.
type RuntimeConfig struct {
	callStackCeiling   int
	fuel               int64
	closeOnContextDone bool
	logger             *zap.Logger
	memoryMaxPages     uint32
	functionListener   experimental.FunctionListener
}

// defaultConfig helps avoid copy/pasting the wrong defaults.
var defaultConfig = &RuntimeConfig{
	callStackCeiling: buildoptions.CallStackCeiling,
	memoryMaxPages:   buildoptions.MemoryLimitPages,
}

// NewRuntimeConfig returns the default configuration: an interpreter without an instruction budget, limited to
// buildoptions.CallStackCeiling nested calls, which discards logs.
func NewRuntimeConfig() *RuntimeConfig {
	return defaultConfig.clone()
}

// clone ensures all fields are copied even if nil.
func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	return &ret
}

// WithCallStackCeiling sets the maximum depth of nested calls in one top-level invocation, including frames of host
// functions calling back into Wasm. Calls beyond it trap with an error wrapping ErrCallStackExhausted. Values less
// than one restore the default of 2000.
func (c *RuntimeConfig) WithCallStackCeiling(ceiling int) *RuntimeConfig {
	if ceiling < 1 {
		ceiling = buildoptions.CallStackCeiling
	}
	ret := c.clone()
	ret.callStackCeiling = ceiling
	return ret
}

// WithFuel limits the number of instructions a top-level invocation may execute, including any re-entrant
// invocation from a host function. Exhausting it traps with an error wrapping ErrFuelExhausted. Zero, the default,
// means unlimited.
func (c *RuntimeConfig) WithFuel(fuel int64) *RuntimeConfig {
	ret := c.clone()
	ret.fuel = fuel
	return ret
}

// WithCloseOnContextDone makes loops and calls check the context of the invocation, so that a cancelled or expired
// context traps with an error wrapping ErrContextDone. Defaults to false, as the check costs time on every loop
// iteration.
func (c *RuntimeConfig) WithCloseOnContextDone(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.closeOnContextDone = enabled
	return ret
}

// WithLogger sets the logger of instantiation and execution diagnostics. Defaults to a logger that discards
// everything.
func (c *RuntimeConfig) WithLogger(logger *zap.Logger) *RuntimeConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}

// WithMemoryMaxPages reduces the maximum number of pages a memory can have from 65536 pages (4GiB) to a lower value.
//
// Notes:
//   - If a module declares a memory larger than this, Runtime.CompileModule fails.
//   - A "memory.grow" instruction beyond this returns -1, as when growing past the declared maximum.
//   - Zero or values above 65536 restore the default.
func (c *RuntimeConfig) WithMemoryMaxPages(memoryMaxPages uint32) *RuntimeConfig {
	if memoryMaxPages == 0 || memoryMaxPages > buildoptions.MemoryLimitPages {
		memoryMaxPages = buildoptions.MemoryLimitPages
	}
	ret := c.clone()
	ret.memoryMaxPages = memoryMaxPages
	return ret
}

// WithFunctionListener sets a listener notified before and after every function call, including host functions and
// calls made from a host function back into Wasm. Use experimental.MultiFunctionListener to combine several. Nil, the
// default, disables notifications.
//
// Ex. To log every call at debug level:
//
//	c := wakit.NewRuntimeConfig().WithFunctionListener(logging.NewLoggingListener(logger))
func (c *RuntimeConfig) WithFunctionListener(listener experimental.FunctionListener) *RuntimeConfig {
	ret := c.clone()
	ret.functionListener = listener
	return ret
}

func (c *RuntimeConfig) engineConfig() interpreter.EngineConfig {
	return interpreter.EngineConfig{
		CallStackCeiling:   c.callStackCeiling,
		Fuel:               c.fuel,
		CloseOnContextDone: c.closeOnContextDone,
		Logger:             c.logger,
		Listener:           c.functionListener,
	}
}
