package wasm

import (
	"fmt"

	"github.com/wakit/wakit/api"
)

// GlobalInstance represents a global instance in a store.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#global-instances%E2%91%A0
type GlobalInstance struct {
	Type *GlobalType
	// Val holds a 64-bit representation of the actual value.
	Val uint64
}

// Global returns an api.Global view of this instance, which is also an api.MutableGlobal when mutable.
func (g *GlobalInstance) Global() api.Global {
	if g.Type.Mutable {
		return &mutableGlobal{g: g}
	}
	return &constantGlobal{g: g}
}

type constantGlobal struct {
	g *GlobalInstance
}

// compile-time check to ensure constantGlobal is an api.Global
var _ api.Global = &constantGlobal{}

// Type implements api.Global Type
func (g *constantGlobal) Type() api.ValueType {
	return g.g.Type.ValType
}

// Get implements api.Global Get
func (g *constantGlobal) Get() uint64 {
	return g.g.Val
}

// String implements fmt.Stringer
func (g *constantGlobal) String() string {
	return globalString("global", g.g)
}

type mutableGlobal struct {
	g *GlobalInstance
}

// compile-time check to ensure mutableGlobal is an api.MutableGlobal
var _ api.MutableGlobal = &mutableGlobal{}

// Type implements api.Global Type
func (g *mutableGlobal) Type() api.ValueType {
	return g.g.Type.ValType
}

// Get implements api.Global Get
func (g *mutableGlobal) Get() uint64 {
	return g.g.Val
}

// Set implements api.MutableGlobal Set
func (g *mutableGlobal) Set(v uint64) {
	g.g.Val = v
}

// String implements fmt.Stringer
func (g *mutableGlobal) String() string {
	return globalString("global(mut)", g.g)
}

func globalString(prefix string, g *GlobalInstance) string {
	switch g.Type.ValType {
	case ValueTypeI32, ValueTypeI64:
		return fmt.Sprintf("%s(%d)", prefix, g.Val)
	case ValueTypeF32:
		return fmt.Sprintf("%s(%f)", prefix, api.DecodeF32(g.Val))
	case ValueTypeF64:
		return fmt.Sprintf("%s(%f)", prefix, api.DecodeF64(g.Val))
	default:
		return fmt.Sprintf("%s(%s:%#x)", prefix, ValueTypeName(g.Type.ValType), g.Val)
	}
}
