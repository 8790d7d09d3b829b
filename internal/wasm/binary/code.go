package binary

import (
	"bytes"
	"fmt"
	"io"

	"github.com/wakit/wakit/internal/leb128"
	"github.com/wakit/wakit/internal/wasm"
)

// maxLocals bounds the locals of one function, so that a corrupt binary can't make the decoder allocate unbounded
// memory.
const maxLocals = 50000

func decodeCode(r *bytes.Reader) (*wasm.Code, error) {
	ss, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get the size of code: %w", err)
	}
	if uint64(ss) > uint64(r.Len()) {
		return nil, fmt.Errorf("code of size %d exceeds the remaining %d bytes", ss, r.Len())
	}
	remaining := int64(ss)

	// Parse #locals.
	ls, bytesRead, err := leb128.DecodeUint32(r)
	remaining -= int64(bytesRead)
	if err != nil {
		return nil, fmt.Errorf("get the size locals: %v", err)
	} else if remaining < 0 {
		return nil, io.EOF
	}

	// Validate the locals.
	var localTypes []wasm.ValueType
	var sum uint64
	for i := uint32(0); i < ls; i++ {
		num, n, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read n of locals: %v", err)
		} else if remaining -= int64(n) + 1; remaining < 0 {
			return nil, io.EOF
		}

		sum += uint64(num)
		if sum > maxLocals {
			return nil, fmt.Errorf("too many locals: %d", sum)
		}

		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read type of local: %v", err)
		}
		if err = checkValueType(b); err != nil {
			return nil, err
		}
		for j := uint32(0); j < num; j++ {
			localTypes = append(localTypes, b)
		}
	}

	body := make([]byte, remaining)
	if _, err = io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if endIndex := len(body) - 1; endIndex < 0 || body[endIndex] != wasm.OpcodeEnd {
		return nil, fmt.Errorf("expr not end with OpcodeEnd")
	}

	return &wasm.Code{Body: body, LocalTypes: localTypes}, nil
}

// encodeCode returns the wasm.Code encoded in WebAssembly 1.0 (20191205) Binary Format.
//
// Locals are compressed into runs of the same type, preserving index order.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-code
func encodeCode(c *wasm.Code) []byte {
	var localBlocks []byte
	var localBlockCount uint32
	for i := 0; i < len(c.LocalTypes); {
		vt := c.LocalTypes[i]
		runCount := uint32(0)
		for ; i < len(c.LocalTypes) && c.LocalTypes[i] == vt; i++ {
			runCount++
		}
		localBlocks = append(localBlocks, leb128.EncodeUint32(runCount)...)
		localBlocks = append(localBlocks, vt)
		localBlockCount++
	}
	code := append(leb128.EncodeUint32(localBlockCount), localBlocks...)
	code = append(code, c.Body...)
	return encodeSizePrefixed(code)
}
