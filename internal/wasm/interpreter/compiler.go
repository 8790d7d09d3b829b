package interpreter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/wakit/wakit/internal/leb128"
	"github.com/wakit/wakit/internal/wasm"
)

// operationKind is the discriminator of interpreterOp. Single-byte instructions use their opcode. Instructions
// prefixed by wasm.OpcodeMiscPrefix use operationKindMiscBase plus their second opcode.
type operationKind uint16

const operationKindMiscBase operationKind = 0x100

func miscKind(oc wasm.OpcodeMisc) operationKind {
	return operationKindMiscBase + operationKind(oc)
}

// interpreterOp is the closed union of all instructions, with their immediates decoded and the positions of block
// ends resolved. Which fields are set depends on kind.
type interpreterOp struct {
	kind operationKind

	// u1 and u2 hold immediates: indices, constants or static memory offsets.
	u1, u2 uint64

	// params and results are the arity of the label pushed by block, loop and if.
	params, results uint32

	// elsePc and endPc are the positions of the else and end of block, loop and if. elsePc equals endPc when an if
	// has no else. endPc is also set on else.
	elsePc, endPc uint32

	// targets are the relative depths of br_table, with the default depth last.
	targets []uint32
}

// compiledFunction is the lowered body of a wasm.Code.
type compiledFunction struct {
	ops []interpreterOp
}

// controlBlock tracks an open block, loop or if while lowering.
type controlBlock struct {
	pc     int
	elsePc int
}

// compile lowers the body of a function. types are the function types of its module, used to resolve block types
// that reference a type index.
func compile(types []*wasm.FunctionType, code *wasm.Code) (*compiledFunction, error) {
	r := bytes.NewReader(code.Body)
	ops := make([]interpreterOp, 0, len(code.Body))
	var controls []controlBlock
	var bodyEnded bool

	for r.Len() > 0 {
		pc := len(ops)
		opcode, _ := r.ReadByte()
		op := interpreterOp{kind: operationKind(opcode)}

		var err error
		switch opcode {
		case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
			if op.params, op.results, err = decodeBlockType(types, r); err != nil {
				return nil, fmt.Errorf("read block type at %d: %w", pc, err)
			}
			controls = append(controls, controlBlock{pc: pc, elsePc: -1})
		case wasm.OpcodeElse:
			if len(controls) == 0 || ops[controls[len(controls)-1].pc].kind != operationKind(wasm.OpcodeIf) {
				return nil, fmt.Errorf("else at %d is not inside if", pc)
			}
			controls[len(controls)-1].elsePc = pc
		case wasm.OpcodeEnd:
			if len(controls) == 0 {
				// The end of the function body.
				if r.Len() != 0 {
					return nil, fmt.Errorf("%d bytes after the end of the function body", r.Len())
				}
				bodyEnded = true
				break
			}
			c := controls[len(controls)-1]
			controls = controls[:len(controls)-1]
			ops[c.pc].endPc = uint32(pc)
			ops[c.pc].elsePc = uint32(pc)
			if c.elsePc >= 0 {
				ops[c.pc].elsePc = uint32(c.elsePc)
				ops[c.elsePc].endPc = uint32(pc)
			}
		case wasm.OpcodeBr, wasm.OpcodeBrIf,
			wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee,
			wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet,
			wasm.OpcodeCall, wasm.OpcodeRefFunc,
			wasm.OpcodeTableGet, wasm.OpcodeTableSet:
			op.u1, err = readIndex(r)
		case wasm.OpcodeBrTable:
			var n uint32
			if n, _, err = leb128.DecodeUint32(r); err != nil {
				break
			}
			op.targets = make([]uint32, n+1)
			for i := range op.targets {
				if op.targets[i], _, err = leb128.DecodeUint32(r); err != nil {
					break
				}
			}
		case wasm.OpcodeCallIndirect:
			if op.u1, err = readIndex(r); err == nil {
				op.u2, err = readIndex(r)
			}
		case wasm.OpcodeTypedSelect:
			var n uint32
			if n, _, err = leb128.DecodeUint32(r); err == nil {
				_, err = r.Seek(int64(n), io.SeekCurrent)
			}
			op.kind = operationKind(wasm.OpcodeSelect)
		case wasm.OpcodeI32Load, wasm.OpcodeI64Load, wasm.OpcodeF32Load, wasm.OpcodeF64Load,
			wasm.OpcodeI32Load8S, wasm.OpcodeI32Load8U, wasm.OpcodeI32Load16S, wasm.OpcodeI32Load16U,
			wasm.OpcodeI64Load8S, wasm.OpcodeI64Load8U, wasm.OpcodeI64Load16S, wasm.OpcodeI64Load16U,
			wasm.OpcodeI64Load32S, wasm.OpcodeI64Load32U,
			wasm.OpcodeI32Store, wasm.OpcodeI64Store, wasm.OpcodeF32Store, wasm.OpcodeF64Store,
			wasm.OpcodeI32Store8, wasm.OpcodeI32Store16,
			wasm.OpcodeI64Store8, wasm.OpcodeI64Store16, wasm.OpcodeI64Store32:
			// The alignment is a hint, so only the offset is kept.
			if _, err = readIndex(r); err == nil {
				op.u1, err = readIndex(r)
			}
		case wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
			_, err = r.ReadByte() // reserved memory index
		case wasm.OpcodeI32Const:
			var v int32
			v, _, err = leb128.DecodeInt32(r)
			op.u1 = uint64(uint32(v))
		case wasm.OpcodeI64Const:
			var v int64
			v, _, err = leb128.DecodeInt64(r)
			op.u1 = uint64(v)
		case wasm.OpcodeF32Const:
			var buf [4]byte
			_, err = io.ReadFull(r, buf[:])
			op.u1 = uint64(binary.LittleEndian.Uint32(buf[:]))
		case wasm.OpcodeF64Const:
			var buf [8]byte
			_, err = io.ReadFull(r, buf[:])
			op.u1 = binary.LittleEndian.Uint64(buf[:])
		case wasm.OpcodeRefNull:
			_, err = r.ReadByte() // reference type
		case wasm.OpcodeMiscPrefix:
			var sub uint32
			if sub, _, err = leb128.DecodeUint32(r); err != nil {
				break
			}
			if sub > uint32(wasm.OpcodeMiscTableFill) {
				return nil, fmt.Errorf("unsupported misc instruction %#x at %d", sub, pc)
			}
			op.kind = miscKind(wasm.OpcodeMisc(sub))
			err = decodeMiscImmediates(r, wasm.OpcodeMisc(sub), &op)
		default:
			if !isPlainInstruction(opcode) {
				return nil, fmt.Errorf("unsupported instruction %s at %d", wasm.InstructionName(opcode), pc)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("read %s immediate at %d: %w", wasm.InstructionName(opcode), pc, err)
		}
		ops = append(ops, op)
	}

	if len(controls) != 0 {
		return nil, fmt.Errorf("%d blocks are not terminated", len(controls))
	}
	if !bodyEnded {
		return nil, fmt.Errorf("function body must end with end")
	}
	return &compiledFunction{ops: ops}, nil
}

func readIndex(r *bytes.Reader) (uint64, error) {
	v, _, err := leb128.DecodeUint32(r)
	return uint64(v), err
}

// decodeBlockType returns the label arity of a block type: empty, a single value type, or a type index.
func decodeBlockType(types []*wasm.FunctionType, r *bytes.Reader) (params, results uint32, err error) {
	raw, _, err := leb128.DecodeInt33AsInt64(r)
	if err != nil {
		return 0, 0, err
	}
	switch raw {
	case -64: // 0x40
		return 0, 0, nil
	case -1, -2, -3, -4, -16, -17: // i32, i64, f32, f64, funcref, externref
		return 0, 1, nil
	}
	if raw < 0 || raw >= int64(len(types)) {
		return 0, 0, fmt.Errorf("invalid block type %d", raw)
	}
	t := types[raw]
	return uint32(len(t.Params)), uint32(len(t.Results)), nil
}

func decodeMiscImmediates(r *bytes.Reader, oc wasm.OpcodeMisc, op *interpreterOp) (err error) {
	switch oc {
	case wasm.OpcodeMiscMemoryInit:
		if op.u1, err = readIndex(r); err == nil {
			_, err = r.ReadByte()
		}
	case wasm.OpcodeMiscDataDrop, wasm.OpcodeMiscElemDrop,
		wasm.OpcodeMiscTableGrow, wasm.OpcodeMiscTableSize, wasm.OpcodeMiscTableFill:
		op.u1, err = readIndex(r)
	case wasm.OpcodeMiscMemoryCopy:
		if _, err = r.ReadByte(); err == nil {
			_, err = r.ReadByte()
		}
	case wasm.OpcodeMiscMemoryFill:
		_, err = r.ReadByte()
	case wasm.OpcodeMiscTableInit, wasm.OpcodeMiscTableCopy:
		// table.init is elemidx then tableidx. table.copy is the destination then the source table.
		if op.u1, err = readIndex(r); err == nil {
			op.u2, err = readIndex(r)
		}
	}
	return
}

// isPlainInstruction returns true for instructions without immediates not handled explicitly by compile.
func isPlainInstruction(oc wasm.Opcode) bool {
	switch {
	case oc == wasm.OpcodeUnreachable, oc == wasm.OpcodeNop, oc == wasm.OpcodeReturn,
		oc == wasm.OpcodeDrop, oc == wasm.OpcodeSelect, oc == wasm.OpcodeRefIsNull:
		return true
	case oc >= wasm.OpcodeI32Eqz && oc <= wasm.OpcodeI64Extend32S:
		return true
	}
	return false
}
