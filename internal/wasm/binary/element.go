package binary

import (
	"bytes"
	"fmt"

	"github.com/wakit/wakit/internal/leb128"
	"github.com/wakit/wakit/internal/wasm"
)

// Element segments are encoded with a prefix whose bits say how the segment is laid out.
// See https://www.w3.org/TR/2022/WD-wasm-core-2-20220419/binary/modules.html#element-section
const (
	// elementPrefixPassiveOrDeclarative is set for segments without an offset.
	elementPrefixPassiveOrDeclarative = 0b001
	// elementPrefixExplicitTable is set on active segments with a table index, or on declarative segments.
	elementPrefixExplicitTable = 0b010
	// elementPrefixExpressions is set when the initial values are constant expressions instead of function indices.
	elementPrefixExpressions = 0b100
)

func ensureElementKindFuncRef(r *bytes.Reader) error {
	elemKind, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("read element prefix: %w", err)
	}
	if elemKind != 0x0 { // ElemKind is fixed to 0x0 now.
		return fmt.Errorf("element kind must be zero but was 0x%x", elemKind)
	}
	return nil
}

func decodeElementInitValueVector(r *bytes.Reader) ([]wasm.Index, error) {
	vs, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	if uint64(vs) > uint64(r.Len()) {
		return nil, fmt.Errorf("%d function indices exceed the remaining %d bytes", vs, r.Len())
	}

	vec := make([]wasm.Index, vs)
	for i := range vec {
		if vec[i], _, err = leb128.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("read function index: %w", err)
		}
	}
	return vec, nil
}

func decodeElementConstExprVector(r *bytes.Reader) ([]wasm.Index, error) {
	vs, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	if uint64(vs) > uint64(r.Len()) {
		return nil, fmt.Errorf("%d expressions exceed the remaining %d bytes", vs, r.Len())
	}
	vec := make([]wasm.Index, vs)
	for i := range vec {
		expr, err := decodeConstantExpression(r)
		if err != nil {
			return nil, err
		}
		switch expr.Opcode {
		case wasm.OpcodeRefFunc:
			vec[i], _, _ = leb128.DecodeUint32(bytes.NewReader(expr.Data))
		case wasm.OpcodeRefNull:
			vec[i] = wasm.ElementInitNullReference
		default:
			return nil, fmt.Errorf("const expr must be either ref.null or ref.func but was %s", wasm.InstructionName(expr.Opcode))
		}
	}
	return vec, nil
}

func decodeElementSegment(r *bytes.Reader) (*wasm.ElementSegment, error) {
	prefix, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read element prefix: %w", err)
	}
	if prefix > 7 {
		return nil, fmt.Errorf("invalid element segment prefix: 0x%x", prefix)
	}

	ret := &wasm.ElementSegment{Type: wasm.ValueTypeFuncref, Mode: wasm.ElementModeActive}
	if prefix&elementPrefixPassiveOrDeclarative != 0 {
		ret.Mode = wasm.ElementModePassive
		if prefix&elementPrefixExplicitTable != 0 {
			ret.Mode = wasm.ElementModeDeclarative
		}
	} else {
		if prefix&elementPrefixExplicitTable != 0 {
			if ret.TableIndex, _, err = leb128.DecodeUint32(r); err != nil {
				return nil, fmt.Errorf("read table index: %w", err)
			}
		}
		if ret.OffsetExpr, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read expr for offset: %w", err)
		}
	}

	// Prefix 0 and 4 have an implicit element kind or reference type: funcref.
	hasKind := prefix&(elementPrefixPassiveOrDeclarative|elementPrefixExplicitTable) != 0
	if prefix&elementPrefixExpressions == 0 {
		if hasKind {
			if err = ensureElementKindFuncRef(r); err != nil {
				return nil, err
			}
		}
		ret.Init, err = decodeElementInitValueVector(r)
	} else {
		if hasKind {
			if ret.Type, err = decodeRefType(r); err != nil {
				return nil, err
			}
		}
		ret.Init, err = decodeElementConstExprVector(r)
	}
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// encodeElement returns the wasm.ElementSegment encoded in the WebAssembly 2.0 Binary Format. Segments holding null
// references or externrefs use expressions, others use function indices.
//
// See https://www.w3.org/TR/2022/WD-wasm-core-2-20220419/binary/modules.html#element-section
func encodeElement(e *wasm.ElementSegment) (ret []byte) {
	var prefix uint32
	switch e.Mode {
	case wasm.ElementModePassive:
		prefix = elementPrefixPassiveOrDeclarative
	case wasm.ElementModeDeclarative:
		prefix = elementPrefixPassiveOrDeclarative | elementPrefixExplicitTable
	default:
		if e.TableIndex != 0 || e.Type != wasm.ValueTypeFuncref {
			prefix = elementPrefixExplicitTable
		}
	}
	useExpressions := e.Type != wasm.ValueTypeFuncref
	for _, idx := range e.Init {
		if idx == wasm.ElementInitNullReference {
			useExpressions = true
		}
	}
	if useExpressions {
		prefix |= elementPrefixExpressions
	}

	ret = append(ret, leb128.EncodeUint32(prefix)...)
	if e.Mode == wasm.ElementModeActive {
		if prefix&elementPrefixExplicitTable != 0 {
			ret = append(ret, leb128.EncodeUint32(e.TableIndex)...)
		}
		ret = append(ret, encodeConstantExpression(e.OffsetExpr)...)
	}
	if prefix&(elementPrefixPassiveOrDeclarative|elementPrefixExplicitTable) != 0 {
		if useExpressions {
			ret = append(ret, e.Type)
		} else {
			ret = append(ret, 0x00) // elemkind funcref
		}
	}

	ret = append(ret, leb128.EncodeUint32(uint32(len(e.Init)))...)
	for _, idx := range e.Init {
		switch {
		case !useExpressions:
			ret = append(ret, leb128.EncodeUint32(idx)...)
		case idx == wasm.ElementInitNullReference:
			ret = append(ret, wasm.OpcodeRefNull, e.Type, wasm.OpcodeEnd)
		default:
			ret = append(ret, wasm.OpcodeRefFunc)
			ret = append(ret, leb128.EncodeUint32(idx)...)
			ret = append(ret, wasm.OpcodeEnd)
		}
	}
	return
}
