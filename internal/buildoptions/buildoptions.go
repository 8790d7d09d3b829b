// Package buildoptions holds compile-time defaults shared by the store and the engines.
package buildoptions

// CallStackCeiling is the default maximum number of nested frames in one top-level invocation. Calls beyond this
// depth trap instead of growing the Go heap without bound.
const CallStackCeiling = 2000

// MemoryLimitPages is the implementation ceiling on memory size: 65536 pages of 64KiB, which is 4GiB.
const MemoryLimitPages uint32 = 65536
