package binary

import (
	"bytes"
	"fmt"
	"io"

	"github.com/wakit/wakit/internal/leb128"
	"github.com/wakit/wakit/internal/wasm"
)

// dataSegmentPrefix represents three types of data segments.
//
// https://www.w3.org/TR/2022/WD-wasm-core-2-20220419/binary/modules.html#data-section
type dataSegmentPrefix = uint32

const (
	// dataSegmentPrefixActive is the prefix for the version 1.0 compatible data segment, which is classified as "active" in 2.0.
	dataSegmentPrefixActive dataSegmentPrefix = 0x0
	// dataSegmentPrefixPassive prefixes the "passive" data segment as in version 2.0 specification.
	dataSegmentPrefixPassive dataSegmentPrefix = 0x1
	// dataSegmentPrefixActiveWithMemoryIndex is the active prefix with memory index encoded which is defined for futur use as of 2.0.
	dataSegmentPrefixActiveWithMemoryIndex dataSegmentPrefix = 0x2
)

func decodeDataSegment(r *bytes.Reader) (*wasm.DataSegment, error) {
	dataSegmentPrefx, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read data segment prefix: %w", err)
	}

	ret := &wasm.DataSegment{}
	switch dataSegmentPrefx {
	case dataSegmentPrefixActive, dataSegmentPrefixActiveWithMemoryIndex:
		if dataSegmentPrefx == dataSegmentPrefixActiveWithMemoryIndex {
			if ret.MemoryIndex, _, err = leb128.DecodeUint32(r); err != nil {
				return nil, fmt.Errorf("read memory index: %v", err)
			}
		}
		if ret.OffsetExpression, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read offset expression: %v", err)
		}
	case dataSegmentPrefixPassive:
		ret.Passive = true
	default:
		return nil, fmt.Errorf("invalid data segment prefix: 0x%x", dataSegmentPrefx)
	}

	vs, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get the size of vector: %v", err)
	}
	if uint64(vs) > uint64(r.Len()) {
		return nil, fmt.Errorf("data of size %d exceeds the remaining %d bytes", vs, r.Len())
	}

	ret.Init = make([]byte, vs)
	if _, err := io.ReadFull(r, ret.Init); err != nil {
		return nil, fmt.Errorf("read bytes for init: %v", err)
	}
	return ret, nil
}

// encodeDataSegment returns the wasm.DataSegment encoded in WebAssembly 2.0 Binary Format.
func encodeDataSegment(d *wasm.DataSegment) (ret []byte) {
	switch {
	case d.Passive:
		ret = leb128.EncodeUint32(dataSegmentPrefixPassive)
	case d.MemoryIndex != 0:
		ret = leb128.EncodeUint32(dataSegmentPrefixActiveWithMemoryIndex)
		ret = append(ret, leb128.EncodeUint32(d.MemoryIndex)...)
		ret = append(ret, encodeConstantExpression(d.OffsetExpression)...)
	default:
		ret = leb128.EncodeUint32(dataSegmentPrefixActive)
		ret = append(ret, encodeConstantExpression(d.OffsetExpression)...)
	}
	return append(ret, encodeSizePrefixed(d.Init)...)
}
