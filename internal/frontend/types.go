package frontend

import (
	"go/types"

	"github.com/kolkov/raceinstr/internal/ir"
)

// typeMapper turns Go types into IR types with the target's sizes.
type typeMapper struct {
	sizes  types.Sizes
	intptr *ir.Type
	cache  map[types.Type]*ir.Type
}

func newTypeMapper(sizes types.Sizes) *typeMapper {
	ptrBits := sizes.Sizeof(types.Typ[types.Uintptr]) * 8
	return &typeMapper{
		sizes:  sizes,
		intptr: ir.Int(uint32(ptrBits)),
		cache:  make(map[types.Type]*ir.Type),
	}
}

// irType returns the in-memory representation of t. Strings, slices and
// interfaces become their header structs; maps, channels and funcs are
// pointers.
func (m *typeMapper) irType(t types.Type) *ir.Type {
	if it, ok := m.cache[t]; ok {
		return it
	}
	it := m.convert(t)
	m.cache[t] = it
	return it
}

func (m *typeMapper) convert(t types.Type) *ir.Type {
	switch t := t.Underlying().(type) {
	case *types.Basic:
		return m.basic(t)
	case *types.Pointer, *types.Map, *types.Chan, *types.Signature:
		return ir.Ptr
	case *types.Slice:
		return ir.StructOf(ir.Ptr, m.intptr, m.intptr)
	case *types.Interface:
		return ir.StructOf(ir.Ptr, ir.Ptr)
	case *types.Array:
		return ir.ArrayOf(uint64(t.Len()), m.irType(t.Elem()))
	case *types.Struct:
		fields := make([]*ir.Type, t.NumFields())
		for i := range fields {
			fields[i] = m.irType(t.Field(i).Type())
		}
		return ir.StructOf(fields...)
	case *types.Tuple:
		fields := make([]*ir.Type, t.Len())
		for i := range fields {
			fields[i] = m.irType(t.At(i).Type())
		}
		return ir.StructOf(fields...)
	}
	// Type parameters only reach here through generic bodies, which are
	// never lowered.
	return ir.Ptr
}

func (m *typeMapper) basic(t *types.Basic) *ir.Type {
	switch t.Kind() {
	case types.Bool, types.UntypedBool, types.Int8, types.Uint8:
		return ir.I8
	case types.Int16, types.Uint16:
		return ir.I16
	case types.Int32, types.Uint32, types.UntypedRune:
		return ir.I32
	case types.Int64, types.Uint64:
		return ir.I64
	case types.Int, types.Uint, types.Uintptr, types.UntypedInt:
		return m.intptr
	case types.Float32:
		return ir.Float
	case types.Float64, types.UntypedFloat:
		return ir.Double
	case types.Complex64:
		return ir.StructOf(ir.Float, ir.Float)
	case types.Complex128, types.UntypedComplex:
		return ir.StructOf(ir.Double, ir.Double)
	case types.String, types.UntypedString:
		return ir.StructOf(ir.Ptr, m.intptr)
	}
	// unsafe.Pointer and untyped nil.
	return ir.Ptr
}

// align returns the alignment of t in bytes.
func (m *typeMapper) align(t types.Type) uint64 {
	a := m.sizes.Alignof(t)
	if a <= 0 {
		return 1
	}
	return uint64(a)
}

// layout returns the data layout matching the target's pointer size.
func (m *typeMapper) layout() ir.DataLayout {
	dl := ir.DefaultLayout
	dl.PointerBits = m.intptr.Bits
	if dl.PointerBits == 32 {
		dl.MaxIntAlign = 8
	}
	return dl
}
