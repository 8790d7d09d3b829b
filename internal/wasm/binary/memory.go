package binary

import (
	"bytes"
	"fmt"

	"github.com/wakit/wakit/internal/wasm"
)

// decodeMemory returns the wasm.Memory decoded with the WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-memory
func decodeMemory(r *bytes.Reader, memoryLimitPages uint32) (*wasm.Memory, error) {
	min, max, err := decodeLimitsType(r)
	if err != nil {
		return nil, err
	}
	if min > memoryLimitPages {
		return nil, fmt.Errorf("min %d pages over limit of %d pages", min, memoryLimitPages)
	}
	if max != nil {
		if *max > memoryLimitPages {
			return nil, fmt.Errorf("max %d pages over limit of %d pages", *max, memoryLimitPages)
		} else if min > *max {
			return nil, fmt.Errorf("min %d pages > max %d pages", min, *max)
		}
	}
	return &wasm.Memory{Min: min, Max: max}, nil
}

// encodeMemory returns the wasm.Memory encoded in WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-memory
func encodeMemory(i *wasm.Memory) []byte {
	return encodeLimitsType(i.Min, i.Max)
}
