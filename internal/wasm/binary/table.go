package binary

import (
	"bytes"
	"fmt"

	"github.com/wakit/wakit/internal/wasm"
)

// decodeTable returns the wasm.Table decoded with the WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-table
func decodeTable(r *bytes.Reader) (*wasm.Table, error) {
	refType, err := decodeRefType(r)
	if err != nil {
		return nil, err
	}

	min, max, err := decodeLimitsType(r)
	if err != nil {
		return nil, fmt.Errorf("read limits: %v", err)
	}
	if min > wasm.TableLimitElements {
		return nil, fmt.Errorf("table min must be at most %d", wasm.TableLimitElements)
	}
	if max != nil && *max < min {
		return nil, fmt.Errorf("table size minimum must not be greater than maximum")
	}
	return &wasm.Table{Min: min, Max: max, Type: refType}, nil
}

// encodeTable returns the wasm.Table encoded in WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-table
func encodeTable(i *wasm.Table) []byte {
	return append([]byte{i.Type}, encodeLimitsType(i.Min, i.Max)...)
}
