package interpreter

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/wakit/wakit/internal/moremath"
	"github.com/wakit/wakit/internal/wasm"
)

// run executes the top frame until all frames of this invocation return. The results are left on the operand stack.
//
// Calls between Wasm functions push a frame and continue the same loop, so the Go stack doesn't grow with the Wasm
// call depth. Only host functions calling back into Wasm nest a new invocation.
func (ce *callEngine) run(ctx context.Context) error {
	checkContext := ce.e.cfg.CloseOnContextDone
	frame := ce.frames[len(ce.frames)-1]

	for {
		if ce.fuel != nil {
			if ce.fuel.remaining <= 0 {
				return wasm.NewTrap(wasm.ErrFuelExhausted)
			}
			ce.fuel.remaining--
		}

		op := &frame.fn.ops[frame.pc]
		if op.kind >= operationKindMiscBase {
			if err := ce.execMisc(frame, op); err != nil {
				return err
			}
			frame.pc++
			continue
		}

		switch wasm.Opcode(op.kind) {
		case wasm.OpcodeUnreachable:
			return wasm.NewTrap(wasm.ErrUnreachable)
		case wasm.OpcodeNop:
		case wasm.OpcodeBlock:
			ce.labels = append(ce.labels, label{
				branchArity:  op.results,
				endArity:     op.results,
				height:       len(ce.stack) - int(op.params),
				continuation: op.endPc + 1,
			})
		case wasm.OpcodeLoop:
			if checkContext && ctx.Err() != nil {
				return wasm.NewTrap(wasm.ErrContextDone)
			}
			ce.labels = append(ce.labels, label{
				branchArity:  op.params,
				endArity:     op.results,
				height:       len(ce.stack) - int(op.params),
				continuation: frame.pc,
			})
		case wasm.OpcodeIf:
			if ce.popI32() != 0 {
				ce.labels = append(ce.labels, label{
					branchArity:  op.results,
					endArity:     op.results,
					height:       len(ce.stack) - int(op.params),
					continuation: op.endPc + 1,
				})
			} else if op.elsePc != op.endPc {
				ce.labels = append(ce.labels, label{
					branchArity:  op.results,
					endArity:     op.results,
					height:       len(ce.stack) - int(op.params),
					continuation: op.endPc + 1,
				})
				frame.pc = op.elsePc + 1
				continue
			} else {
				// Without else, the params pass through as the results.
				frame.pc = op.endPc + 1
				continue
			}
		case wasm.OpcodeElse:
			// Reaching else means the then arm completed, so continue at the end of the if.
			frame.pc = op.endPc
			continue
		case wasm.OpcodeEnd:
			l := ce.labels[len(ce.labels)-1]
			if got := len(ce.stack) - l.height; got != int(l.endArity) {
				return &wasm.Trap{Err: fmt.Errorf("%w: block ended with %d values, but has %d results",
					wasm.ErrInvariantViolation, got, l.endArity)}
			}
			ce.labels = ce.labels[:len(ce.labels)-1]
			if len(ce.labels) == frame.labelBase {
				if !ce.popFrame() {
					return nil
				}
				frame = ce.frames[len(ce.frames)-1]
				continue
			}
		case wasm.OpcodeBr:
			if !ce.branch(frame, uint32(op.u1)) {
				if !ce.popFrame() {
					return nil
				}
				frame = ce.frames[len(ce.frames)-1]
			}
			continue
		case wasm.OpcodeBrIf:
			if ce.popI32() != 0 {
				if !ce.branch(frame, uint32(op.u1)) {
					if !ce.popFrame() {
						return nil
					}
					frame = ce.frames[len(ce.frames)-1]
				}
				continue
			}
		case wasm.OpcodeBrTable:
			i := ce.popI32()
			depth := op.targets[len(op.targets)-1]
			if int(i) < len(op.targets)-1 {
				depth = op.targets[i]
			}
			if !ce.branch(frame, depth) {
				if !ce.popFrame() {
					return nil
				}
				frame = ce.frames[len(ce.frames)-1]
			}
			continue
		case wasm.OpcodeReturn:
			ce.branch(frame, uint32(len(ce.labels)-1-frame.labelBase))
			if !ce.popFrame() {
				return nil
			}
			frame = ce.frames[len(ce.frames)-1]
			continue
		case wasm.OpcodeCall:
			if checkContext && ctx.Err() != nil {
				return wasm.NewTrap(wasm.ErrContextDone)
			}
			callee := ce.s.Functions[frame.mi.Functions[op.u1]]
			frame.pc++
			if err := ce.call(ctx, frame, callee); err != nil {
				return err
			}
			frame = ce.frames[len(ce.frames)-1]
			continue
		case wasm.OpcodeCallIndirect:
			if checkContext && ctx.Err() != nil {
				return wasm.NewTrap(wasm.ErrContextDone)
			}
			callee, err := ce.resolveIndirect(frame, op)
			if err != nil {
				return err
			}
			frame.pc++
			if err = ce.call(ctx, frame, callee); err != nil {
				return err
			}
			frame = ce.frames[len(ce.frames)-1]
			continue
		case wasm.OpcodeDrop:
			ce.stack = ce.stack[:len(ce.stack)-1]
		case wasm.OpcodeSelect:
			c := ce.popI32()
			v2 := ce.pop()
			if c == 0 {
				ce.stack[len(ce.stack)-1] = v2
			}
		case wasm.OpcodeLocalGet:
			ce.push(frame.locals[op.u1])
		case wasm.OpcodeLocalSet:
			frame.locals[op.u1] = ce.pop()
		case wasm.OpcodeLocalTee:
			frame.locals[op.u1] = ce.peek()
		case wasm.OpcodeGlobalGet:
			ce.push(ce.s.Globals[frame.mi.Globals[op.u1]].Val)
		case wasm.OpcodeGlobalSet:
			ce.s.Globals[frame.mi.Globals[op.u1]].Val = ce.pop()
		case wasm.OpcodeTableGet:
			table := ce.s.Tables[frame.mi.Tables[op.u1]]
			i := ce.popI32()
			ref, ok := table.Get(i)
			if !ok {
				return wasm.NewTrapAt(wasm.ErrOutOfBoundsTableAccess, uint64(i))
			}
			ce.push(ref)
		case wasm.OpcodeTableSet:
			table := ce.s.Tables[frame.mi.Tables[op.u1]]
			ref := ce.pop()
			i := ce.popI32()
			if !table.Set(i, ref) {
				return wasm.NewTrapAt(wasm.ErrOutOfBoundsTableAccess, uint64(i))
			}

		case wasm.OpcodeI32Load, wasm.OpcodeF32Load:
			b, err := ce.memoryRange(frame, op.u1, 4)
			if err != nil {
				return err
			}
			ce.push(uint64(binary.LittleEndian.Uint32(b)))
		case wasm.OpcodeI64Load, wasm.OpcodeF64Load:
			b, err := ce.memoryRange(frame, op.u1, 8)
			if err != nil {
				return err
			}
			ce.push(binary.LittleEndian.Uint64(b))
		case wasm.OpcodeI32Load8S:
			b, err := ce.memoryRange(frame, op.u1, 1)
			if err != nil {
				return err
			}
			ce.push(uint64(uint32(int32(int8(b[0])))))
		case wasm.OpcodeI32Load8U, wasm.OpcodeI64Load8U:
			b, err := ce.memoryRange(frame, op.u1, 1)
			if err != nil {
				return err
			}
			ce.push(uint64(b[0]))
		case wasm.OpcodeI32Load16S:
			b, err := ce.memoryRange(frame, op.u1, 2)
			if err != nil {
				return err
			}
			ce.push(uint64(uint32(int32(int16(binary.LittleEndian.Uint16(b))))))
		case wasm.OpcodeI32Load16U, wasm.OpcodeI64Load16U:
			b, err := ce.memoryRange(frame, op.u1, 2)
			if err != nil {
				return err
			}
			ce.push(uint64(binary.LittleEndian.Uint16(b)))
		case wasm.OpcodeI64Load8S:
			b, err := ce.memoryRange(frame, op.u1, 1)
			if err != nil {
				return err
			}
			ce.push(uint64(int64(int8(b[0]))))
		case wasm.OpcodeI64Load16S:
			b, err := ce.memoryRange(frame, op.u1, 2)
			if err != nil {
				return err
			}
			ce.push(uint64(int64(int16(binary.LittleEndian.Uint16(b)))))
		case wasm.OpcodeI64Load32S:
			b, err := ce.memoryRange(frame, op.u1, 4)
			if err != nil {
				return err
			}
			ce.push(uint64(int64(int32(binary.LittleEndian.Uint32(b)))))
		case wasm.OpcodeI64Load32U:
			b, err := ce.memoryRange(frame, op.u1, 4)
			if err != nil {
				return err
			}
			ce.push(uint64(binary.LittleEndian.Uint32(b)))
		case wasm.OpcodeI32Store, wasm.OpcodeF32Store, wasm.OpcodeI64Store32:
			v := ce.pop()
			b, err := ce.memoryRange(frame, op.u1, 4)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(b, uint32(v))
		case wasm.OpcodeI64Store, wasm.OpcodeF64Store:
			v := ce.pop()
			b, err := ce.memoryRange(frame, op.u1, 8)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(b, v)
		case wasm.OpcodeI32Store8, wasm.OpcodeI64Store8:
			v := ce.pop()
			b, err := ce.memoryRange(frame, op.u1, 1)
			if err != nil {
				return err
			}
			b[0] = byte(v)
		case wasm.OpcodeI32Store16, wasm.OpcodeI64Store16:
			v := ce.pop()
			b, err := ce.memoryRange(frame, op.u1, 2)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint16(b, uint16(v))
		case wasm.OpcodeMemorySize:
			ce.push(uint64(ce.memory(frame).PageSize()))
		case wasm.OpcodeMemoryGrow:
			delta := ce.popI32()
			if prev, ok := ce.memory(frame).Grow(delta); ok {
				ce.push(uint64(prev))
			} else {
				ce.push(uint64(uint32(math.MaxUint32))) // -1
			}

		case wasm.OpcodeI32Const, wasm.OpcodeI64Const, wasm.OpcodeF32Const, wasm.OpcodeF64Const:
			ce.push(op.u1)

		case wasm.OpcodeI32Eqz:
			ce.pushBool(ce.popI32() == 0)
		case wasm.OpcodeI32Eq:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.pushBool(v1 == v2)
		case wasm.OpcodeI32Ne:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.pushBool(v1 != v2)
		case wasm.OpcodeI32LtS:
			v2, v1 := int32(ce.popI32()), int32(ce.popI32())
			ce.pushBool(v1 < v2)
		case wasm.OpcodeI32LtU:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.pushBool(v1 < v2)
		case wasm.OpcodeI32GtS:
			v2, v1 := int32(ce.popI32()), int32(ce.popI32())
			ce.pushBool(v1 > v2)
		case wasm.OpcodeI32GtU:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.pushBool(v1 > v2)
		case wasm.OpcodeI32LeS:
			v2, v1 := int32(ce.popI32()), int32(ce.popI32())
			ce.pushBool(v1 <= v2)
		case wasm.OpcodeI32LeU:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.pushBool(v1 <= v2)
		case wasm.OpcodeI32GeS:
			v2, v1 := int32(ce.popI32()), int32(ce.popI32())
			ce.pushBool(v1 >= v2)
		case wasm.OpcodeI32GeU:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.pushBool(v1 >= v2)

		case wasm.OpcodeI64Eqz:
			ce.pushBool(ce.pop() == 0)
		case wasm.OpcodeI64Eq:
			v2, v1 := ce.pop(), ce.pop()
			ce.pushBool(v1 == v2)
		case wasm.OpcodeI64Ne:
			v2, v1 := ce.pop(), ce.pop()
			ce.pushBool(v1 != v2)
		case wasm.OpcodeI64LtS:
			v2, v1 := int64(ce.pop()), int64(ce.pop())
			ce.pushBool(v1 < v2)
		case wasm.OpcodeI64LtU:
			v2, v1 := ce.pop(), ce.pop()
			ce.pushBool(v1 < v2)
		case wasm.OpcodeI64GtS:
			v2, v1 := int64(ce.pop()), int64(ce.pop())
			ce.pushBool(v1 > v2)
		case wasm.OpcodeI64GtU:
			v2, v1 := ce.pop(), ce.pop()
			ce.pushBool(v1 > v2)
		case wasm.OpcodeI64LeS:
			v2, v1 := int64(ce.pop()), int64(ce.pop())
			ce.pushBool(v1 <= v2)
		case wasm.OpcodeI64LeU:
			v2, v1 := ce.pop(), ce.pop()
			ce.pushBool(v1 <= v2)
		case wasm.OpcodeI64GeS:
			v2, v1 := int64(ce.pop()), int64(ce.pop())
			ce.pushBool(v1 >= v2)
		case wasm.OpcodeI64GeU:
			v2, v1 := ce.pop(), ce.pop()
			ce.pushBool(v1 >= v2)

		case wasm.OpcodeF32Eq:
			v2, v1 := f32(ce.pop()), f32(ce.pop())
			ce.pushBool(v1 == v2)
		case wasm.OpcodeF32Ne:
			v2, v1 := f32(ce.pop()), f32(ce.pop())
			ce.pushBool(v1 != v2)
		case wasm.OpcodeF32Lt:
			v2, v1 := f32(ce.pop()), f32(ce.pop())
			ce.pushBool(v1 < v2)
		case wasm.OpcodeF32Gt:
			v2, v1 := f32(ce.pop()), f32(ce.pop())
			ce.pushBool(v1 > v2)
		case wasm.OpcodeF32Le:
			v2, v1 := f32(ce.pop()), f32(ce.pop())
			ce.pushBool(v1 <= v2)
		case wasm.OpcodeF32Ge:
			v2, v1 := f32(ce.pop()), f32(ce.pop())
			ce.pushBool(v1 >= v2)
		case wasm.OpcodeF64Eq:
			v2, v1 := f64(ce.pop()), f64(ce.pop())
			ce.pushBool(v1 == v2)
		case wasm.OpcodeF64Ne:
			v2, v1 := f64(ce.pop()), f64(ce.pop())
			ce.pushBool(v1 != v2)
		case wasm.OpcodeF64Lt:
			v2, v1 := f64(ce.pop()), f64(ce.pop())
			ce.pushBool(v1 < v2)
		case wasm.OpcodeF64Gt:
			v2, v1 := f64(ce.pop()), f64(ce.pop())
			ce.pushBool(v1 > v2)
		case wasm.OpcodeF64Le:
			v2, v1 := f64(ce.pop()), f64(ce.pop())
			ce.pushBool(v1 <= v2)
		case wasm.OpcodeF64Ge:
			v2, v1 := f64(ce.pop()), f64(ce.pop())
			ce.pushBool(v1 >= v2)

		case wasm.OpcodeI32Clz:
			ce.push(uint64(bits.LeadingZeros32(ce.popI32())))
		case wasm.OpcodeI32Ctz:
			ce.push(uint64(bits.TrailingZeros32(ce.popI32())))
		case wasm.OpcodeI32Popcnt:
			ce.push(uint64(bits.OnesCount32(ce.popI32())))
		case wasm.OpcodeI32Add:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.push(uint64(v1 + v2))
		case wasm.OpcodeI32Sub:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.push(uint64(v1 - v2))
		case wasm.OpcodeI32Mul:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.push(uint64(v1 * v2))
		case wasm.OpcodeI32DivS:
			v2, v1 := int32(ce.popI32()), int32(ce.popI32())
			if v2 == 0 {
				return wasm.NewTrap(wasm.ErrIntegerDivideByZero)
			}
			if v1 == math.MinInt32 && v2 == -1 {
				return wasm.NewTrap(wasm.ErrIntegerOverflow)
			}
			ce.push(uint64(uint32(v1 / v2)))
		case wasm.OpcodeI32DivU:
			v2, v1 := ce.popI32(), ce.popI32()
			if v2 == 0 {
				return wasm.NewTrap(wasm.ErrIntegerDivideByZero)
			}
			ce.push(uint64(v1 / v2))
		case wasm.OpcodeI32RemS:
			v2, v1 := int32(ce.popI32()), int32(ce.popI32())
			if v2 == 0 {
				return wasm.NewTrap(wasm.ErrIntegerDivideByZero)
			}
			if v2 == -1 {
				ce.push(0)
			} else {
				ce.push(uint64(uint32(v1 % v2)))
			}
		case wasm.OpcodeI32RemU:
			v2, v1 := ce.popI32(), ce.popI32()
			if v2 == 0 {
				return wasm.NewTrap(wasm.ErrIntegerDivideByZero)
			}
			ce.push(uint64(v1 % v2))
		case wasm.OpcodeI32And:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.push(uint64(v1 & v2))
		case wasm.OpcodeI32Or:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.push(uint64(v1 | v2))
		case wasm.OpcodeI32Xor:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.push(uint64(v1 ^ v2))
		case wasm.OpcodeI32Shl:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.push(uint64(v1 << (v2 % 32)))
		case wasm.OpcodeI32ShrS:
			v2, v1 := ce.popI32(), int32(ce.popI32())
			ce.push(uint64(uint32(v1 >> (v2 % 32))))
		case wasm.OpcodeI32ShrU:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.push(uint64(v1 >> (v2 % 32)))
		case wasm.OpcodeI32Rotl:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.push(uint64(bits.RotateLeft32(v1, int(v2%32))))
		case wasm.OpcodeI32Rotr:
			v2, v1 := ce.popI32(), ce.popI32()
			ce.push(uint64(bits.RotateLeft32(v1, -int(v2%32))))

		case wasm.OpcodeI64Clz:
			ce.push(uint64(bits.LeadingZeros64(ce.pop())))
		case wasm.OpcodeI64Ctz:
			ce.push(uint64(bits.TrailingZeros64(ce.pop())))
		case wasm.OpcodeI64Popcnt:
			ce.push(uint64(bits.OnesCount64(ce.pop())))
		case wasm.OpcodeI64Add:
			v2, v1 := ce.pop(), ce.pop()
			ce.push(v1 + v2)
		case wasm.OpcodeI64Sub:
			v2, v1 := ce.pop(), ce.pop()
			ce.push(v1 - v2)
		case wasm.OpcodeI64Mul:
			v2, v1 := ce.pop(), ce.pop()
			ce.push(v1 * v2)
		case wasm.OpcodeI64DivS:
			v2, v1 := int64(ce.pop()), int64(ce.pop())
			if v2 == 0 {
				return wasm.NewTrap(wasm.ErrIntegerDivideByZero)
			}
			if v1 == math.MinInt64 && v2 == -1 {
				return wasm.NewTrap(wasm.ErrIntegerOverflow)
			}
			ce.push(uint64(v1 / v2))
		case wasm.OpcodeI64DivU:
			v2, v1 := ce.pop(), ce.pop()
			if v2 == 0 {
				return wasm.NewTrap(wasm.ErrIntegerDivideByZero)
			}
			ce.push(v1 / v2)
		case wasm.OpcodeI64RemS:
			v2, v1 := int64(ce.pop()), int64(ce.pop())
			if v2 == 0 {
				return wasm.NewTrap(wasm.ErrIntegerDivideByZero)
			}
			if v2 == -1 {
				ce.push(0)
			} else {
				ce.push(uint64(v1 % v2))
			}
		case wasm.OpcodeI64RemU:
			v2, v1 := ce.pop(), ce.pop()
			if v2 == 0 {
				return wasm.NewTrap(wasm.ErrIntegerDivideByZero)
			}
			ce.push(v1 % v2)
		case wasm.OpcodeI64And:
			v2, v1 := ce.pop(), ce.pop()
			ce.push(v1 & v2)
		case wasm.OpcodeI64Or:
			v2, v1 := ce.pop(), ce.pop()
			ce.push(v1 | v2)
		case wasm.OpcodeI64Xor:
			v2, v1 := ce.pop(), ce.pop()
			ce.push(v1 ^ v2)
		case wasm.OpcodeI64Shl:
			v2, v1 := ce.pop(), ce.pop()
			ce.push(v1 << (v2 % 64))
		case wasm.OpcodeI64ShrS:
			v2, v1 := ce.pop(), int64(ce.pop())
			ce.push(uint64(v1 >> (v2 % 64)))
		case wasm.OpcodeI64ShrU:
			v2, v1 := ce.pop(), ce.pop()
			ce.push(v1 >> (v2 % 64))
		case wasm.OpcodeI64Rotl:
			v2, v1 := ce.pop(), ce.pop()
			ce.push(bits.RotateLeft64(v1, int(v2%64)))
		case wasm.OpcodeI64Rotr:
			v2, v1 := ce.pop(), ce.pop()
			ce.push(bits.RotateLeft64(v1, -int(v2%64)))

		case wasm.OpcodeF32Abs:
			ce.push(ce.pop() &^ (1 << 31))
		case wasm.OpcodeF32Neg:
			ce.push(uint64(ce.popI32() ^ (1 << 31)))
		case wasm.OpcodeF32Ceil:
			ce.push(rawF32(float32(math.Ceil(float64(f32(ce.pop()))))))
		case wasm.OpcodeF32Floor:
			ce.push(rawF32(float32(math.Floor(float64(f32(ce.pop()))))))
		case wasm.OpcodeF32Trunc:
			ce.push(rawF32(float32(math.Trunc(float64(f32(ce.pop()))))))
		case wasm.OpcodeF32Nearest:
			ce.push(rawF32(moremath.WasmCompatNearestF32(f32(ce.pop()))))
		case wasm.OpcodeF32Sqrt:
			ce.push(rawF32(float32(math.Sqrt(float64(f32(ce.pop()))))))
		case wasm.OpcodeF32Add:
			v2, v1 := f32(ce.pop()), f32(ce.pop())
			ce.push(rawF32(v1 + v2))
		case wasm.OpcodeF32Sub:
			v2, v1 := f32(ce.pop()), f32(ce.pop())
			ce.push(rawF32(v1 - v2))
		case wasm.OpcodeF32Mul:
			v2, v1 := f32(ce.pop()), f32(ce.pop())
			ce.push(rawF32(v1 * v2))
		case wasm.OpcodeF32Div:
			v2, v1 := f32(ce.pop()), f32(ce.pop())
			ce.push(rawF32(v1 / v2))
		case wasm.OpcodeF32Min:
			v2, v1 := f32(ce.pop()), f32(ce.pop())
			ce.push(rawF32(float32(moremath.WasmCompatMin(float64(v1), float64(v2)))))
		case wasm.OpcodeF32Max:
			v2, v1 := f32(ce.pop()), f32(ce.pop())
			ce.push(rawF32(float32(moremath.WasmCompatMax(float64(v1), float64(v2)))))
		case wasm.OpcodeF32Copysign:
			v2, v1 := ce.popI32(), ce.popI32()
			const sign = uint32(1) << 31
			ce.push(uint64(v1&^sign | v2&sign))

		case wasm.OpcodeF64Abs:
			ce.push(ce.pop() &^ (1 << 63))
		case wasm.OpcodeF64Neg:
			ce.push(ce.pop() ^ (1 << 63))
		case wasm.OpcodeF64Ceil:
			ce.push(rawF64(math.Ceil(f64(ce.pop()))))
		case wasm.OpcodeF64Floor:
			ce.push(rawF64(math.Floor(f64(ce.pop()))))
		case wasm.OpcodeF64Trunc:
			ce.push(rawF64(math.Trunc(f64(ce.pop()))))
		case wasm.OpcodeF64Nearest:
			ce.push(rawF64(moremath.WasmCompatNearestF64(f64(ce.pop()))))
		case wasm.OpcodeF64Sqrt:
			ce.push(rawF64(math.Sqrt(f64(ce.pop()))))
		case wasm.OpcodeF64Add:
			v2, v1 := f64(ce.pop()), f64(ce.pop())
			ce.push(rawF64(v1 + v2))
		case wasm.OpcodeF64Sub:
			v2, v1 := f64(ce.pop()), f64(ce.pop())
			ce.push(rawF64(v1 - v2))
		case wasm.OpcodeF64Mul:
			v2, v1 := f64(ce.pop()), f64(ce.pop())
			ce.push(rawF64(v1 * v2))
		case wasm.OpcodeF64Div:
			v2, v1 := f64(ce.pop()), f64(ce.pop())
			ce.push(rawF64(v1 / v2))
		case wasm.OpcodeF64Min:
			v2, v1 := f64(ce.pop()), f64(ce.pop())
			ce.push(rawF64(moremath.WasmCompatMin(v1, v2)))
		case wasm.OpcodeF64Max:
			v2, v1 := f64(ce.pop()), f64(ce.pop())
			ce.push(rawF64(moremath.WasmCompatMax(v1, v2)))
		case wasm.OpcodeF64Copysign:
			v2, v1 := ce.pop(), ce.pop()
			const sign = uint64(1) << 63
			ce.push(v1&^sign | v2&sign)

		case wasm.OpcodeI32WrapI64:
			ce.push(uint64(ce.popI32()))
		case wasm.OpcodeI32TruncF32S, wasm.OpcodeI32TruncF32U, wasm.OpcodeI32TruncF64S, wasm.OpcodeI32TruncF64U,
			wasm.OpcodeI64TruncF32S, wasm.OpcodeI64TruncF32U, wasm.OpcodeI64TruncF64S, wasm.OpcodeI64TruncF64U:
			if err := ce.truncate(op.kind); err != nil {
				return err
			}
		case wasm.OpcodeI64ExtendI32S:
			ce.push(uint64(int64(int32(ce.popI32()))))
		case wasm.OpcodeI64ExtendI32U:
			ce.push(uint64(ce.popI32()))
		case wasm.OpcodeF32ConvertI32S:
			ce.push(rawF32(float32(int32(ce.popI32()))))
		case wasm.OpcodeF32ConvertI32U:
			ce.push(rawF32(float32(ce.popI32())))
		case wasm.OpcodeF32ConvertI64S:
			ce.push(rawF32(float32(int64(ce.pop()))))
		case wasm.OpcodeF32ConvertI64U:
			ce.push(rawF32(float32(ce.pop())))
		case wasm.OpcodeF32DemoteF64:
			ce.push(rawF32(float32(f64(ce.pop()))))
		case wasm.OpcodeF64ConvertI32S:
			ce.push(rawF64(float64(int32(ce.popI32()))))
		case wasm.OpcodeF64ConvertI32U:
			ce.push(rawF64(float64(ce.popI32())))
		case wasm.OpcodeF64ConvertI64S:
			ce.push(rawF64(float64(int64(ce.pop()))))
		case wasm.OpcodeF64ConvertI64U:
			ce.push(rawF64(float64(ce.pop())))
		case wasm.OpcodeF64PromoteF32:
			ce.push(rawF64(float64(f32(ce.pop()))))
		case wasm.OpcodeI32ReinterpretF32, wasm.OpcodeI64ReinterpretF64,
			wasm.OpcodeF32ReinterpretI32, wasm.OpcodeF64ReinterpretI64:
			// Values are kept as raw bits, so reinterpretation doesn't change them.

		case wasm.OpcodeI32Extend8S:
			ce.push(uint64(uint32(int32(int8(ce.pop())))))
		case wasm.OpcodeI32Extend16S:
			ce.push(uint64(uint32(int32(int16(ce.pop())))))
		case wasm.OpcodeI64Extend8S:
			ce.push(uint64(int64(int8(ce.pop()))))
		case wasm.OpcodeI64Extend16S:
			ce.push(uint64(int64(int16(ce.pop()))))
		case wasm.OpcodeI64Extend32S:
			ce.push(uint64(int64(int32(ce.pop()))))

		case wasm.OpcodeRefNull:
			ce.push(0)
		case wasm.OpcodeRefIsNull:
			ce.pushBool(ce.pop() == 0)
		case wasm.OpcodeRefFunc:
			ce.push(wasm.FunctionReference(frame.mi.Functions[op.u1]))

		default:
			return &wasm.Trap{Err: fmt.Errorf("%w: unknown operation %#x", wasm.ErrInvariantViolation, op.kind)}
		}
		frame.pc++
	}
}

// execMisc executes an instruction prefixed by wasm.OpcodeMiscPrefix.
func (ce *callEngine) execMisc(frame *callFrame, op *interpreterOp) error {
	switch wasm.OpcodeMisc(op.kind - operationKindMiscBase) {
	case wasm.OpcodeMiscI32TruncSatF32S, wasm.OpcodeMiscI32TruncSatF32U,
		wasm.OpcodeMiscI32TruncSatF64S, wasm.OpcodeMiscI32TruncSatF64U,
		wasm.OpcodeMiscI64TruncSatF32S, wasm.OpcodeMiscI64TruncSatF32U,
		wasm.OpcodeMiscI64TruncSatF64S, wasm.OpcodeMiscI64TruncSatF64U:
		return ce.truncate(op.kind)

	case wasm.OpcodeMiscMemoryInit:
		n, src, dst := uint64(ce.popI32()), uint64(ce.popI32()), uint64(ce.popI32())
		data := frame.mi.DataInstances[op.u1]
		mem := ce.memory(frame)
		if src+n > uint64(len(data)) {
			return wasm.NewTrapAt(wasm.ErrOutOfBoundsMemoryAccess, src)
		}
		if dst+n > uint64(len(mem.Buffer)) {
			return wasm.NewTrapAt(wasm.ErrOutOfBoundsMemoryAccess, dst)
		}
		copy(mem.Buffer[dst:dst+n], data[src:src+n])
	case wasm.OpcodeMiscDataDrop:
		frame.mi.DataInstances[op.u1] = nil
	case wasm.OpcodeMiscMemoryCopy:
		n, src, dst := uint64(ce.popI32()), uint64(ce.popI32()), uint64(ce.popI32())
		if !ce.memory(frame).Copy(dst, src, n) {
			return wasm.NewTrapAt(wasm.ErrOutOfBoundsMemoryAccess, dst)
		}
	case wasm.OpcodeMiscMemoryFill:
		n, v, dst := uint64(ce.popI32()), byte(ce.pop()), uint64(ce.popI32())
		if !ce.memory(frame).Fill(dst, v, n) {
			return wasm.NewTrapAt(wasm.ErrOutOfBoundsMemoryAccess, dst)
		}

	case wasm.OpcodeMiscTableInit:
		n, src, dst := uint64(ce.popI32()), uint64(ce.popI32()), uint64(ce.popI32())
		elems := frame.mi.ElementInstances[op.u1]
		table := ce.s.Tables[frame.mi.Tables[op.u2]]
		if src+n > uint64(len(elems)) {
			return wasm.NewTrapAt(wasm.ErrOutOfBoundsTableAccess, src)
		}
		if dst+n > uint64(len(table.References)) {
			return wasm.NewTrapAt(wasm.ErrOutOfBoundsTableAccess, dst)
		}
		copy(table.References[dst:dst+n], elems[src:src+n])
	case wasm.OpcodeMiscElemDrop:
		frame.mi.ElementInstances[op.u1] = nil
	case wasm.OpcodeMiscTableCopy:
		n, src, dst := uint64(ce.popI32()), uint64(ce.popI32()), uint64(ce.popI32())
		dstTable := ce.s.Tables[frame.mi.Tables[op.u1]]
		srcTable := ce.s.Tables[frame.mi.Tables[op.u2]]
		if !dstTable.CopyFrom(srcTable, dst, src, n) {
			return wasm.NewTrapAt(wasm.ErrOutOfBoundsTableAccess, dst)
		}
	case wasm.OpcodeMiscTableGrow:
		table := ce.s.Tables[frame.mi.Tables[op.u1]]
		n, init := ce.popI32(), ce.pop()
		if prev, ok := table.GrowWith(n, init); ok {
			ce.push(uint64(prev))
		} else {
			ce.push(uint64(uint32(math.MaxUint32))) // -1
		}
	case wasm.OpcodeMiscTableSize:
		ce.push(uint64(ce.s.Tables[frame.mi.Tables[op.u1]].Size()))
	case wasm.OpcodeMiscTableFill:
		table := ce.s.Tables[frame.mi.Tables[op.u1]]
		n, ref, dst := uint64(ce.popI32()), ce.pop(), uint64(ce.popI32())
		if !table.Fill(dst, ref, n) {
			return wasm.NewTrapAt(wasm.ErrOutOfBoundsTableAccess, dst)
		}
	default:
		return &wasm.Trap{Err: fmt.Errorf("%w: unknown operation %#x", wasm.ErrInvariantViolation, op.kind)}
	}
	return nil
}

// branch unwinds to the label at the relative depth and moves the pc to its continuation. It returns false when
// the label is the function body's, meaning the function returns.
func (ce *callEngine) branch(frame *callFrame, depth uint32) bool {
	i := len(ce.labels) - 1 - int(depth)
	l := ce.labels[i]
	ce.unwind(l.height, l.branchArity)
	ce.labels = ce.labels[:i]
	if i == frame.labelBase {
		return false
	}
	frame.pc = l.continuation
	return true
}

// call enters the callee, whose params are on top of the operand stack. A Wasm callee becomes the top frame. A host
// callee runs to completion and its results replace the params.
func (ce *callEngine) call(ctx context.Context, frame *callFrame, callee *wasm.FunctionInstance) error {
	if !callee.IsHostFunction() {
		return ce.pushFrame(callee)
	}
	paramCount := len(callee.Type.Params)
	params := make([]uint64, paramCount)
	bottom := len(ce.stack) - paramCount
	copy(params, ce.stack[bottom:])
	ce.stack = ce.stack[:bottom]

	results, err := ce.callHost(ctx, callee, frame.f.Module, params)
	if err != nil {
		return err
	}
	ce.stack = append(ce.stack, results...)
	return nil
}

// resolveIndirect pops the table offset of call_indirect and returns the function it references, which must have
// the expected type.
func (ce *callEngine) resolveIndirect(frame *callFrame, op *interpreterOp) (*wasm.FunctionInstance, error) {
	table := ce.s.Tables[frame.mi.Tables[op.u2]]
	offset := ce.popI32()
	ref, ok := table.Get(offset)
	if !ok {
		return nil, wasm.NewTrapAt(wasm.ErrOutOfBoundsTableAccess, uint64(offset))
	}
	addr, ok := wasm.ReferenceToFunction(ref)
	if !ok {
		return nil, wasm.NewTrapAt(wasm.ErrIndirectCallNullReference, uint64(offset))
	}
	callee := ce.s.Functions[addr]
	if expected := frame.mi.Types[op.u1]; !callee.Type.EqualsSignature(expected.Params, expected.Results) {
		return nil, wasm.NewTrapAt(wasm.ErrIndirectCallTypeMismatch, uint64(offset))
	}
	return callee, nil
}

// memory returns the memory of the frame's module. Validation ensures memory instructions only appear in modules
// with a memory.
func (ce *callEngine) memory(frame *callFrame) *wasm.MemoryInstance {
	return ce.s.Memories[frame.mi.Memories[0]]
}

// memoryRange pops the base address of a load or store and returns the size bytes at the effective address.
func (ce *callEngine) memoryRange(frame *callFrame, offset, size uint64) ([]byte, error) {
	ea := uint64(ce.popI32()) + offset
	buf := ce.memory(frame).Buffer
	if ea+size > uint64(len(buf)) {
		return nil, wasm.NewTrapAt(wasm.ErrOutOfBoundsMemoryAccess, ea)
	}
	return buf[ea : ea+size], nil
}

// truncate replaces the float on top of the operand stack with its truncation to an integer.
func (ce *callEngine) truncate(kind operationKind) error {
	fn, fromF32, saturating := truncation(kind)
	var v float64
	if fromF32 {
		v = float64(f32(ce.pop()))
	} else {
		v = f64(ce.pop())
	}
	ret, err := fn(v, saturating)
	if err != nil {
		return err
	}
	ce.push(ret)
	return nil
}
