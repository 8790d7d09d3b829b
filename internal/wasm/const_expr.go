package wasm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/wakit/wakit/internal/leb128"
)

// checkConstantExpression ensures the expression is one of the instructions allowed in an initializer, and that
// "global.get" only reads an imported global. This runs before any initializer is evaluated.
func checkConstantExpression(expr *ConstantExpression, importedGlobals, functions uint32) error {
	if expr == nil {
		return fmt.Errorf("%w: missing", ErrInvalidConstExpression)
	}
	r := bytes.NewReader(expr.Data)
	switch expr.Opcode {
	case OpcodeI32Const:
		if _, _, err := leb128.DecodeInt32(r); err != nil {
			return fmt.Errorf("%w: read i32: %v", ErrInvalidConstExpression, err)
		}
	case OpcodeI64Const:
		if _, _, err := leb128.DecodeInt64(r); err != nil {
			return fmt.Errorf("%w: read i64: %v", ErrInvalidConstExpression, err)
		}
	case OpcodeF32Const:
		if len(expr.Data) != 4 {
			return fmt.Errorf("%w: f32 immediate must be 4 bytes", ErrInvalidConstExpression)
		}
	case OpcodeF64Const:
		if len(expr.Data) != 8 {
			return fmt.Errorf("%w: f64 immediate must be 8 bytes", ErrInvalidConstExpression)
		}
	case OpcodeGlobalGet:
		idx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return fmt.Errorf("%w: read global index: %v", ErrInvalidConstExpression, err)
		}
		if idx >= importedGlobals {
			return fmt.Errorf("%w: global.get %d must reference one of %d imported globals",
				ErrInvalidConstExpression, idx, importedGlobals)
		}
	case OpcodeRefNull:
		if len(expr.Data) != 1 || (expr.Data[0] != ValueTypeFuncref && expr.Data[0] != ValueTypeExternref) {
			return fmt.Errorf("%w: invalid ref.null type", ErrInvalidConstExpression)
		}
	case OpcodeRefFunc:
		idx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return fmt.Errorf("%w: read function index: %v", ErrInvalidConstExpression, err)
		}
		if idx >= functions {
			return fmt.Errorf("%w: ref.func %d out of range", ErrInvalidConstExpression, idx)
		}
	default:
		return fmt.Errorf("%w: %s is not a constant instruction", ErrInvalidConstExpression, InstructionName(expr.Opcode))
	}
	return nil
}

// evalConstantExpression computes the value of an expression accepted by checkConstantExpression. mi.Globals must
// only hold imported globals, and mi.Functions must hold every function of the module.
func (s *Store) evalConstantExpression(mi *ModuleInstance, expr *ConstantExpression) (uint64, error) {
	r := bytes.NewReader(expr.Data)
	switch expr.Opcode {
	case OpcodeI32Const:
		v, _, err := leb128.DecodeInt32(r)
		return uint64(uint32(v)), err
	case OpcodeI64Const:
		v, _, err := leb128.DecodeInt64(r)
		return uint64(v), err
	case OpcodeF32Const:
		return uint64(binary.LittleEndian.Uint32(expr.Data)), nil
	case OpcodeF64Const:
		return binary.LittleEndian.Uint64(expr.Data), nil
	case OpcodeGlobalGet:
		idx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return 0, err
		}
		return s.Globals[mi.Globals[idx]].Val, nil
	case OpcodeRefNull:
		return 0, nil
	case OpcodeRefFunc:
		idx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return 0, err
		}
		return FunctionReference(mi.Functions[idx]), nil
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidConstExpression, InstructionName(expr.Opcode))
}
