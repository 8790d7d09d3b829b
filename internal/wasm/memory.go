package wasm

import (
	"encoding/binary"
	"math"

	"github.com/wakit/wakit/api"
	"github.com/wakit/wakit/internal/buildoptions"
)

const (
	// MemoryPageSize is the unit of memory length in WebAssembly,
	// and is defined as 2^16 = 65536.
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
	MemoryPageSize = uint32(65536)
	// MemoryPageSizeInBits satisfies the relation: "1 << MemoryPageSizeInBits == MemoryPageSize".
	MemoryPageSizeInBits = 16
)

// compile-time check to ensure MemoryInstance implements api.Memory
var _ api.Memory = &MemoryInstance{}

// MemoryInstance represents a memory instance in a store, and implements api.Memory.
//
// The length of Buffer is always a multiple of MemoryPageSize.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0.
type MemoryInstance struct {
	Buffer []byte
	Min    uint32
	// Max is nil when the memory can grow up to the implementation ceiling.
	Max *uint32

	// ceiling is the page count Grow may never exceed, regardless of Max.
	ceiling uint32
}

// NewMemoryInstance allocates Min pages of zeroed memory. ceiling caps growth beyond the declared maximum, and is
// buildoptions.MemoryLimitPages when zero.
func NewMemoryInstance(mem *Memory, ceiling uint32) *MemoryInstance {
	if ceiling == 0 || ceiling > buildoptions.MemoryLimitPages {
		ceiling = buildoptions.MemoryLimitPages
	}
	return &MemoryInstance{
		Buffer:  make([]byte, MemoryPagesToBytesNum(mem.Min)),
		Min:     mem.Min,
		Max:     mem.Max,
		ceiling: ceiling,
	}
}

// MemoryPagesToBytesNum converts the given pages into the number of bytes contained in these pages.
func MemoryPagesToBytesNum(pages uint32) (bytesNum uint64) {
	return uint64(pages) << MemoryPageSizeInBits
}

// PageSize returns the current size in pages.
func (m *MemoryInstance) PageSize() uint32 {
	return uint32(uint64(len(m.Buffer)) >> MemoryPageSizeInBits)
}

// Size implements api.Memory Size
func (m *MemoryInstance) Size() uint64 {
	return uint64(len(m.Buffer))
}

// Grow implements api.Memory Grow
//
// The buffer is never mutated when growth fails. Existing bytes are preserved and new bytes are zero.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem
func (m *MemoryInstance) Grow(deltaPages uint32) (previousPages uint32, ok bool) {
	currentPages := m.PageSize()
	limit := m.ceiling
	if m.Max != nil && *m.Max < limit {
		limit = *m.Max
	}
	if uint64(currentPages)+uint64(deltaPages) > uint64(limit) {
		return 0, false
	}
	if deltaPages != 0 {
		m.Buffer = append(m.Buffer, make([]byte, MemoryPagesToBytesNum(deltaPages))...)
	}
	return currentPages, true
}

// hasSize returns true if Len is sufficient for sizeInBytes at the given offset.
func (m *MemoryInstance) hasSize(offset uint64, sizeInBytes uint64) bool {
	return offset+sizeInBytes <= uint64(len(m.Buffer)) // uint64 prevents overflow on add
}

// ReadByte implements api.Memory ReadByte
func (m *MemoryInstance) ReadByte(offset uint32) (byte, bool) {
	if !m.hasSize(uint64(offset), 1) {
		return 0, false
	}
	return m.Buffer[offset], true
}

// ReadUint32Le implements api.Memory ReadUint32Le
func (m *MemoryInstance) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.hasSize(uint64(offset), 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.Buffer[offset:]), true
}

// ReadFloat32Le implements api.Memory ReadFloat32Le
func (m *MemoryInstance) ReadFloat32Le(offset uint32) (float32, bool) {
	v, ok := m.ReadUint32Le(offset)
	if !ok {
		return 0, false
	}
	return math.Float32frombits(v), true
}

// ReadUint64Le implements api.Memory ReadUint64Le
func (m *MemoryInstance) ReadUint64Le(offset uint32) (uint64, bool) {
	if !m.hasSize(uint64(offset), 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.Buffer[offset:]), true
}

// ReadFloat64Le implements api.Memory ReadFloat64Le
func (m *MemoryInstance) ReadFloat64Le(offset uint32) (float64, bool) {
	v, ok := m.ReadUint64Le(offset)
	if !ok {
		return 0, false
	}
	return math.Float64frombits(v), true
}

// Read implements api.Memory Read
func (m *MemoryInstance) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.hasSize(uint64(offset), uint64(byteCount)) {
		return nil, false
	}
	return m.Buffer[offset : uint64(offset)+uint64(byteCount)], true
}

// WriteByte implements api.Memory WriteByte
func (m *MemoryInstance) WriteByte(offset uint32, v byte) bool {
	if !m.hasSize(uint64(offset), 1) {
		return false
	}
	m.Buffer[offset] = v
	return true
}

// WriteUint32Le implements api.Memory WriteUint32Le
func (m *MemoryInstance) WriteUint32Le(offset, v uint32) bool {
	if !m.hasSize(uint64(offset), 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.Buffer[offset:], v)
	return true
}

// WriteFloat32Le implements api.Memory WriteFloat32Le
func (m *MemoryInstance) WriteFloat32Le(offset uint32, v float32) bool {
	return m.WriteUint32Le(offset, math.Float32bits(v))
}

// WriteUint64Le implements api.Memory WriteUint64Le
func (m *MemoryInstance) WriteUint64Le(offset uint32, v uint64) bool {
	if !m.hasSize(uint64(offset), 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.Buffer[offset:], v)
	return true
}

// WriteFloat64Le implements api.Memory WriteFloat64Le
func (m *MemoryInstance) WriteFloat64Le(offset uint32, v float64) bool {
	return m.WriteUint64Le(offset, math.Float64bits(v))
}

// Write implements api.Memory Write
func (m *MemoryInstance) Write(offset uint32, val []byte) bool {
	if !m.hasSize(uint64(offset), uint64(len(val))) {
		return false
	}
	copy(m.Buffer[offset:], val)
	return true
}

// Fill sets n bytes at offset to v, or returns false without writing if the range is out of bounds.
func (m *MemoryInstance) Fill(offset uint64, v byte, n uint64) bool {
	if !m.hasSize(offset, n) {
		return false
	}
	buf := m.Buffer[offset : offset+n]
	for i := range buf {
		buf[i] = v
	}
	return true
}

// Copy moves n bytes from src to dst, which may overlap, or returns false without writing if either range is out
// of bounds.
func (m *MemoryInstance) Copy(dst, src, n uint64) bool {
	if !m.hasSize(src, n) || !m.hasSize(dst, n) {
		return false
	}
	copy(m.Buffer[dst:dst+n], m.Buffer[src:src+n])
	return true
}
