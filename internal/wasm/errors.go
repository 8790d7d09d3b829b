package wasm

import (
	"errors"
	"fmt"
	"strings"
)

// The below are the kinds of Trap. A Trap aborts the top-level invocation that raised it and unwinds all its frames.
var (
	// ErrUnreachable means "unreachable" instruction was executed by the program.
	ErrUnreachable = errors.New("unreachable")
	// ErrIntegerDivideByZero indicates that an integer div or rem instructions was executed with 0 as the divisor.
	ErrIntegerDivideByZero = errors.New("integer divide by zero")
	// ErrIntegerOverflow indicates a signed division of the minimum value by -1, or a trapping truncation of a float
	// value which doesn't fit in the range of the target integer.
	ErrIntegerOverflow = errors.New("integer overflow")
	// ErrInvalidConversionToInteger indicates a trapping truncation of NaN.
	ErrInvalidConversionToInteger = errors.New("invalid conversion to integer")
	// ErrOutOfBoundsMemoryAccess indicates an access beyond the current length of a memory.
	ErrOutOfBoundsMemoryAccess = errors.New("out of bounds memory access")
	// ErrOutOfBoundsTableAccess indicates an access beyond the current length of a table.
	ErrOutOfBoundsTableAccess = errors.New("out of bounds table access")
	// ErrIndirectCallNullReference means "call_indirect" found no function in the table slot.
	ErrIndirectCallNullReference = errors.New("indirect call to null reference")
	// ErrIndirectCallTypeMismatch indicates that the type check failed during "call_indirect".
	ErrIndirectCallTypeMismatch = errors.New("indirect call type mismatch")
	// ErrCallStackExhausted indicates that there are too many nested function calls.
	ErrCallStackExhausted = errors.New("call stack exhausted")
	// ErrFuelExhausted indicates that the configured instruction budget ran out.
	ErrFuelExhausted = errors.New("fuel exhausted")
	// ErrContextDone indicates the context.Context of the invocation was cancelled or passed its deadline.
	ErrContextDone = errors.New("context done")
	// ErrInvariantViolation indicates a bug in a producer of the module IR, such as an operand stack underflow, and is
	// not a guest behavior. See Trap.Fatal
	ErrInvariantViolation = errors.New("invariant violation")
)

// ErrInvalidInvocation is returned when arguments to an invocation don't match the function's parameter types. It
// is not a Trap: nothing was executed.
var ErrInvalidInvocation = errors.New("invalid invocation")

// The below are the kinds of LinkError. A LinkError means no module instance came into existence.
var (
	ErrImportNotFound              = errors.New("import not found")
	ErrImportCountMismatch         = errors.New("import count mismatch")
	ErrImportKindMismatch          = errors.New("import kind mismatch")
	ErrImportTypeMismatch          = errors.New("import type mismatch")
	ErrSegmentOutOfBounds          = errors.New("segment out of bounds")
	ErrModuleNameAlreadyRegistered = errors.New("module name already registered")
	ErrStartFunctionTrapped        = errors.New("start function trapped")
	ErrInvalidConstExpression      = errors.New("invalid constant expression")
)

// LinkError is returned when a module could not be instantiated.
type LinkError struct {
	// Module is the import module name for import failures. Otherwise, it is the name of the module instantiated.
	Module string
	// Name is the import field name, or empty when the failure isn't about an import.
	Name string
	// Err wraps one of the sentinel errors, such as ErrImportNotFound.
	Err error
}

// Error implements error.
func (e *LinkError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("link error: module[%s]: %v", e.Module, e.Err)
	}
	return fmt.Sprintf("link error: import[%s.%s]: %v", e.Module, e.Name, e.Err)
}

// Unwrap allows errors.Is to match the cause.
func (e *LinkError) Unwrap() error {
	return e.Err
}

// Trap is a run-time failure raised by guest code.
type Trap struct {
	// Err is one of the sentinel errors, such as ErrUnreachable.
	Err error
	// FunctionName is the name of the function executing when the trap was raised.
	FunctionName string
	// Index is the failing table or memory offset, or the failing function index for call failures. Only valid when
	// HasIndex is true.
	Index    uint64
	HasIndex bool
	// Backtrace lists the function names of the unwound frames, innermost first.
	Backtrace []string
}

// Error implements error.
func (t *Trap) Error() string {
	var ret strings.Builder
	ret.WriteString("wasm trap: ")
	ret.WriteString(t.Err.Error())
	if t.HasIndex {
		fmt.Fprintf(&ret, " (index %d)", t.Index)
	}
	if len(t.Backtrace) > 0 {
		ret.WriteString("\nwasm backtrace:")
		for i, name := range t.Backtrace {
			fmt.Fprintf(&ret, "\n\t%d: %s", i, name)
		}
	}
	return ret.String()
}

// Unwrap allows errors.Is to match the trap kind.
func (t *Trap) Unwrap() error {
	return t.Err
}

// Fatal returns true when the trap indicates a bug in whatever produced the module, rather than a guest fault.
func (t *Trap) Fatal() bool {
	return errors.Is(t.Err, ErrInvariantViolation)
}

// NewTrap returns a Trap of the given kind with no index.
func NewTrap(err error) *Trap {
	return &Trap{Err: err}
}

// NewTrapAt returns a Trap of the given kind at the given index.
func NewTrapAt(err error, index uint64) *Trap {
	return &Trap{Err: err, Index: index, HasIndex: true}
}
