package ir

// Builder creates instructions at an insertion point: either directly
// before an existing instruction or at the end of a block.
type Builder struct {
	block  *Block
	before *Instr
}

// NewBuilder returns a builder inserting before pos.
func NewBuilder(pos *Instr) *Builder {
	return &Builder{block: pos.Parent, before: pos}
}

// NewBuilderAtEnd returns a builder appending to b.
func NewBuilderAtEnd(b *Block) *Builder {
	return &Builder{block: b}
}

// NewBuilderAtStart returns a builder inserting before the first
// non-phi instruction of b.
func NewBuilderAtStart(b *Block) *Builder {
	for _, in := range b.Instrs {
		if in.Op != OpPhi && in.Op != OpLandingPad {
			return NewBuilder(in)
		}
	}
	return NewBuilderAtEnd(b)
}

// Block returns the block the builder inserts into.
func (b *Builder) Block() *Block { return b.block }

// Insert places in at the insertion point, naming it if it produces a value.
func (b *Builder) Insert(in *Instr, name string) *Instr {
	if in.Ty != nil && !in.Ty.IsVoid() {
		in.Name = b.block.Parent.FreshName(name)
	}
	if b.before != nil {
		b.block.InsertBefore(in, b.before)
	} else {
		b.block.Append(in)
	}
	return in
}

// CreateAlloca allocates a stack slot of type t.
func (b *Builder) CreateAlloca(t *Type, align uint64, name string) *Instr {
	return b.Insert(&Instr{Op: OpAlloca, Ty: Ptr, ElemType: t, Align: align}, name)
}

// CreateLoad reads a value of type t from ptr.
func (b *Builder) CreateLoad(t *Type, ptr Value, align uint64) *Instr {
	return b.Insert(&Instr{Op: OpLoad, Ty: t, Operands: []Value{ptr}, Align: align}, "")
}

// CreateStore writes v to ptr.
func (b *Builder) CreateStore(v, ptr Value, align uint64) *Instr {
	return b.Insert(&Instr{Op: OpStore, Ty: Void, Operands: []Value{v, ptr}, Align: align}, "")
}

// CreateInBoundsGEP offsets base by idx elements of elem.
func (b *Builder) CreateInBoundsGEP(elem *Type, base Value, idx ...Value) *Instr {
	ops := append([]Value{base}, idx...)
	return b.Insert(&Instr{Op: OpGEP, Ty: base.Type(), ElemType: elem, Operands: ops, InBounds: true}, "")
}

// CreateCast converts v to t using kind.
func (b *Builder) CreateCast(kind CastKind, v Value, t *Type) *Instr {
	return b.Insert(&Instr{Op: OpCast, Cast: kind, Ty: t, Operands: []Value{v}}, "")
}

// CreatePointerCast converts pointer v to pointer type t. No instruction
// is emitted when the types already agree.
func (b *Builder) CreatePointerCast(v Value, t *Type) Value {
	if v.Type().Equal(t) {
		return v
	}
	if v.Type().AddrSpace != t.AddrSpace {
		return b.CreateCast(CastAddrSpace, v, t)
	}
	return b.CreateCast(CastBitcast, v, t)
}

// CreateBitOrPointerCast converts between integers and pointers of the same
// width, or bitcasts otherwise.
func (b *Builder) CreateBitOrPointerCast(v Value, t *Type) Value {
	from := v.Type()
	switch {
	case from.Equal(t):
		return v
	case from.IsPointer() && t.IsInt():
		return b.CreateCast(CastPtrToInt, v, t)
	case from.IsInt() && t.IsPointer():
		return b.CreateCast(CastIntToPtr, v, t)
	case from.IsPointer() && t.IsPointer():
		return b.CreatePointerCast(v, t)
	}
	return b.CreateCast(CastBitcast, v, t)
}

// CreateIntCast resizes integer v to t, sign- or zero-extending.
// Pointers are converted with ptrtoint first.
func (b *Builder) CreateIntCast(v Value, t *Type, signed bool) Value {
	from := v.Type()
	if from.IsPointer() {
		return b.CreateCast(CastPtrToInt, v, t)
	}
	if from.Equal(t) {
		return v
	}
	if c, ok := v.(*Const); ok && c.Kind == ConstInt {
		return ConstI(t, fitBits(fitBits(c.Int, from.Bits, signed), t.Bits, signed))
	}
	switch {
	case from.Bits > t.Bits:
		return b.CreateCast(CastTrunc, v, t)
	case signed:
		return b.CreateCast(CastSExt, v, t)
	}
	return b.CreateCast(CastZExt, v, t)
}

// fitBits keeps the low bits of v and extends them back to 64 bits.
func fitBits(v int64, bits uint32, signed bool) int64 {
	if bits == 0 || bits >= 64 {
		return v
	}
	shift := 64 - bits
	if signed {
		return v << shift >> shift
	}
	return int64(uint64(v) << shift >> shift)
}

// CreateCall calls fn with args.
func (b *Builder) CreateCall(fn *Function, args ...Value) *Instr {
	return b.Insert(&Instr{Op: OpCall, Ty: fn.Ret, Callee: fn, Operands: args}, "")
}

// CreateExtractElement reads lane idx of vector v.
func (b *Builder) CreateExtractElement(v Value, idx int64) *Instr {
	return b.Insert(&Instr{
		Op:       OpExtractElement,
		Ty:       v.Type().Elem,
		Operands: []Value{v, ConstI(I32, idx)},
	}, "")
}

// CreateInsertValue stores v into field idx of aggregate agg.
func (b *Builder) CreateInsertValue(agg, v Value, idx uint32) *Instr {
	return b.Insert(&Instr{
		Op:       OpInsertValue,
		Ty:       agg.Type(),
		Operands: []Value{agg, v},
		Indices:  []uint32{idx},
	}, "")
}

// CreateICmpEQ compares a and b for equality.
func (b *Builder) CreateICmpEQ(x, y Value) *Instr {
	return b.Insert(&Instr{Op: OpICmp, Pred: "eq", Ty: I1, Operands: []Value{x, y}}, "")
}

// CreateRet returns v, or nothing when v is nil.
func (b *Builder) CreateRet(v Value) *Instr {
	in := &Instr{Op: OpRet, Ty: Void}
	if v != nil {
		in.Operands = []Value{v}
	}
	return b.Insert(in, "")
}

// CreateBr jumps to dest.
func (b *Builder) CreateBr(dest *Block) *Instr {
	return b.Insert(&Instr{Op: OpBr, Ty: Void, Succs: []*Block{dest}}, "")
}

// CreateLandingPad starts an unwind destination.
func (b *Builder) CreateLandingPad(t *Type, cleanup bool, name string) *Instr {
	return b.Insert(&Instr{Op: OpLandingPad, Ty: t, Cleanup: cleanup}, name)
}

// CreateResume continues unwinding with exception value v.
func (b *Builder) CreateResume(v Value) *Instr {
	return b.Insert(&Instr{Op: OpResume, Ty: Void, Operands: []Value{v}}, "")
}
