package ir

// DataLayout answers size and alignment queries for a target.
type DataLayout struct {
	// PointerBits is the width of a pointer in address space 0.
	PointerBits uint32
	// MaxIntAlign caps the ABI alignment of wide integers (bytes).
	MaxIntAlign uint64
}

// DefaultLayout is a 64-bit little-endian target with 16-byte i128.
var DefaultLayout = DataLayout{PointerBits: 64, MaxIntAlign: 16}

// IntPtrType returns the integer type as wide as a pointer.
func (dl DataLayout) IntPtrType() *Type {
	return Int(dl.pointerBits())
}

func (dl DataLayout) pointerBits() uint32 {
	if dl.PointerBits == 0 {
		return 64
	}
	return dl.PointerBits
}

// StoreSizeInBits returns the number of bits written by a store of t.
// Integers round up to whole bytes, so i24 stores 24 bits and i1 stores 8.
func (dl DataLayout) StoreSizeInBits(t *Type) uint64 {
	return dl.StoreSize(t) * 8
}

// StoreSize returns the number of bytes written by a store of t.
func (dl DataLayout) StoreSize(t *Type) uint64 {
	switch t.Kind {
	case VoidKind:
		return 0
	case IntKind, FloatKind:
		return (uint64(t.Bits) + 7) / 8
	case PointerKind:
		return uint64(dl.pointerBits()) / 8
	case VectorKind:
		return (t.Len*dl.StoreSizeInBitsOfLane(t.Elem) + 7) / 8
	case ArrayKind, StructKind:
		return dl.AllocSize(t)
	}
	return 0
}

// StoreSizeInBitsOfLane returns the bit width of a single vector lane.
func (dl DataLayout) StoreSizeInBitsOfLane(t *Type) uint64 {
	switch t.Kind {
	case IntKind, FloatKind:
		return uint64(t.Bits)
	case PointerKind:
		return uint64(dl.pointerBits())
	}
	return dl.StoreSizeInBits(t)
}

// AllocSize returns the distance in bytes between consecutive elements of t
// in memory, including tail padding.
func (dl DataLayout) AllocSize(t *Type) uint64 {
	switch t.Kind {
	case ArrayKind:
		return t.Len * dl.AllocSize(t.Elem)
	case StructKind:
		var off uint64
		for _, f := range t.Fields {
			off = alignTo(off, dl.ABIAlign(f))
			off += dl.AllocSize(f)
		}
		return alignTo(off, dl.ABIAlign(t))
	}
	return alignTo(dl.StoreSize(t), dl.ABIAlign(t))
}

// ABIAlign returns the required alignment of t in bytes. Always a power of two.
func (dl DataLayout) ABIAlign(t *Type) uint64 {
	switch t.Kind {
	case IntKind, FloatKind:
		a := powerOfTwoCeil((uint64(t.Bits) + 7) / 8)
		if limit := dl.MaxIntAlign; limit != 0 && a > limit {
			a = limit
		}
		return a
	case PointerKind:
		return uint64(dl.pointerBits()) / 8
	case VectorKind:
		return powerOfTwoCeil(dl.StoreSize(t))
	case ArrayKind:
		return dl.ABIAlign(t.Elem)
	case StructKind:
		var a uint64 = 1
		for _, f := range t.Fields {
			if fa := dl.ABIAlign(f); fa > a {
				a = fa
			}
		}
		return a
	}
	return 1
}

func alignTo(n, a uint64) uint64 {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}

func powerOfTwoCeil(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}
