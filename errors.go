package wakit

import "github.com/wakit/wakit/internal/wasm"

// LinkError is returned when a module cannot be instantiated. Use errors.Is with the sentinel errors below, such as
// ErrImportNotFound, to classify it.
type LinkError = wasm.LinkError

// Trap is returned when guest code fails at run-time. Use errors.Is with the sentinel errors below, such as
// ErrUnreachable, to classify it.
type Trap = wasm.Trap

// Traps.
var (
	ErrUnreachable                = wasm.ErrUnreachable
	ErrIntegerDivideByZero        = wasm.ErrIntegerDivideByZero
	ErrIntegerOverflow            = wasm.ErrIntegerOverflow
	ErrInvalidConversionToInteger = wasm.ErrInvalidConversionToInteger
	ErrOutOfBoundsMemoryAccess    = wasm.ErrOutOfBoundsMemoryAccess
	ErrOutOfBoundsTableAccess     = wasm.ErrOutOfBoundsTableAccess
	ErrIndirectCallNullReference  = wasm.ErrIndirectCallNullReference
	ErrIndirectCallTypeMismatch   = wasm.ErrIndirectCallTypeMismatch
	ErrCallStackExhausted         = wasm.ErrCallStackExhausted
	ErrFuelExhausted              = wasm.ErrFuelExhausted
	ErrContextDone                = wasm.ErrContextDone
	// ErrInvariantViolation is a fatal trap: the module broke an assumption of the interpreter, usually because it
	// was not validated.
	ErrInvariantViolation = wasm.ErrInvariantViolation
)

// ErrInvalidInvocation is returned when a function is called with the wrong parameters. Nothing is executed.
var ErrInvalidInvocation = wasm.ErrInvalidInvocation

// Link errors.
var (
	ErrImportNotFound              = wasm.ErrImportNotFound
	ErrImportCountMismatch         = wasm.ErrImportCountMismatch
	ErrImportKindMismatch          = wasm.ErrImportKindMismatch
	ErrImportTypeMismatch          = wasm.ErrImportTypeMismatch
	ErrSegmentOutOfBounds          = wasm.ErrSegmentOutOfBounds
	ErrModuleNameAlreadyRegistered = wasm.ErrModuleNameAlreadyRegistered
	ErrStartFunctionTrapped        = wasm.ErrStartFunctionTrapped
	ErrInvalidConstExpression      = wasm.ErrInvalidConstExpression
)
