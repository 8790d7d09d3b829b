package wasm

import "github.com/wakit/wakit/api"

// TableLimitElements is the implementation ceiling on the element count of a table.
const TableLimitElements = uint32(10_000_000)

// Reference is the value of a table element or reference-typed value: zero is null. For ValueTypeFuncref, any other
// value is a FunctionAddress plus one. See FunctionReference
type Reference = uint64

// FunctionReference encodes a function address as a non-null Reference.
func FunctionReference(addr FunctionAddress) Reference {
	return Reference(addr) + 1
}

// ReferenceToFunction decodes a non-null Reference produced by FunctionReference.
func ReferenceToFunction(ref Reference) (FunctionAddress, bool) {
	if ref == 0 {
		return 0, false
	}
	return FunctionAddress(ref - 1), true
}

// compile-time check to ensure TableInstance implements api.Table
var _ api.Table = &TableInstance{}

// TableInstance represents a table of references in a store.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#table-instances%E2%91%A0
type TableInstance struct {
	References []Reference

	Min uint32
	// Max if present is the maximum elements in this table, or nil if unbounded.
	Max  *uint32
	Type RefType
}

// NewTableInstance allocates a table of Min null references.
func NewTableInstance(t *Table) *TableInstance {
	return &TableInstance{
		References: make([]Reference, t.Min),
		Min:        t.Min,
		Max:        t.Max,
		Type:       t.Type,
	}
}

// Size implements api.Table Size
func (t *TableInstance) Size() uint32 {
	return uint32(len(t.References))
}

// Grow implements api.Table Grow
func (t *TableInstance) Grow(deltaElements uint32) (previousSize uint32, ok bool) {
	return t.GrowWith(deltaElements, 0)
}

// GrowWith appends deltaElements copies of init, as "table.grow" does. Existing elements are preserved and the
// table is unchanged on failure.
func (t *TableInstance) GrowWith(deltaElements uint32, init Reference) (previousSize uint32, ok bool) {
	current := t.Size()
	limit := TableLimitElements
	if t.Max != nil && *t.Max < limit {
		limit = *t.Max
	}
	if uint64(current)+uint64(deltaElements) > uint64(limit) {
		return 0, false
	}
	for i := uint32(0); i < deltaElements; i++ {
		t.References = append(t.References, init)
	}
	return current, true
}

// Get returns the reference at the offset or false if out of range.
func (t *TableInstance) Get(offset uint32) (Reference, bool) {
	if offset >= t.Size() {
		return 0, false
	}
	return t.References[offset], true
}

// Set replaces the reference at the offset or returns false if out of range.
func (t *TableInstance) Set(offset uint32, ref Reference) bool {
	if offset >= t.Size() {
		return false
	}
	t.References[offset] = ref
	return true
}

// Fill sets n elements at offset to ref, or returns false without writing if the range is out of bounds.
func (t *TableInstance) Fill(offset uint64, ref Reference, n uint64) bool {
	if offset+n > uint64(len(t.References)) {
		return false
	}
	for i := offset; i < offset+n; i++ {
		t.References[i] = ref
	}
	return true
}

// CopyFrom moves n elements from src at srcOffset to dst, which may be the same table, or returns false without
// writing if either range is out of bounds.
func (t *TableInstance) CopyFrom(src *TableInstance, dstOffset, srcOffset, n uint64) bool {
	if srcOffset+n > uint64(len(src.References)) || dstOffset+n > uint64(len(t.References)) {
		return false
	}
	copy(t.References[dstOffset:dstOffset+n], src.References[srcOffset:srcOffset+n])
	return true
}
