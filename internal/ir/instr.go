package ir

// Op is an instruction opcode.
type Op uint8

// Opcodes.
const (
	OpAlloca Op = iota
	OpLoad
	OpStore
	OpGEP
	OpCast
	OpAtomicRMW
	OpCmpXchg
	OpFence
	OpCall
	OpInvoke
	OpLandingPad
	OpResume
	OpRet
	OpBr
	OpCondBr
	OpUnreachable
	OpPhi
	OpExtractElement
	OpExtractValue
	OpInsertValue
	OpICmp
	// OpOpaque is any computation the selector does not inspect
	// (arithmetic, select, ...). Opcode holds its spelling.
	OpOpaque
)

var opNames = [...]string{
	OpAlloca:         "alloca",
	OpLoad:           "load",
	OpStore:          "store",
	OpGEP:            "getelementptr",
	OpCast:           "cast",
	OpAtomicRMW:      "atomicrmw",
	OpCmpXchg:        "cmpxchg",
	OpFence:          "fence",
	OpCall:           "call",
	OpInvoke:         "invoke",
	OpLandingPad:     "landingpad",
	OpResume:         "resume",
	OpRet:            "ret",
	OpBr:             "br",
	OpCondBr:         "condbr",
	OpUnreachable:    "unreachable",
	OpPhi:            "phi",
	OpExtractElement: "extractelement",
	OpExtractValue:   "extractvalue",
	OpInsertValue:    "insertvalue",
	OpICmp:           "icmp",
	OpOpaque:         "opaque",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "op?"
}

// Ordering is the memory ordering of an atomic operation.
type Ordering uint8

// Orderings, weakest first.
const (
	NotAtomic Ordering = iota
	Unordered
	Monotonic
	Acquire
	Release
	AcquireRelease
	SequentiallyConsistent
)

var orderingNames = [...]string{
	NotAtomic:              "",
	Unordered:              "unordered",
	Monotonic:              "monotonic",
	Acquire:                "acquire",
	Release:                "release",
	AcquireRelease:         "acq_rel",
	SequentiallyConsistent: "seq_cst",
}

func (o Ordering) String() string {
	if int(o) < len(orderingNames) {
		return orderingNames[o]
	}
	return "ordering?"
}

// ParseOrdering maps the printed spelling back to an Ordering.
func ParseOrdering(s string) (Ordering, bool) {
	for i, n := range orderingNames {
		if n == s && s != "" {
			return Ordering(i), true
		}
	}
	return NotAtomic, s == ""
}

// SyncScope is the set of threads an atomic synchronizes with.
type SyncScope uint8

const (
	// ScopeSystem synchronizes with all threads.
	ScopeSystem SyncScope = iota
	// ScopeSingleThread synchronizes only with signal handlers on the same thread.
	ScopeSingleThread
)

// RMWOp is the operation performed by an atomicrmw.
type RMWOp uint8

// RMW operations.
const (
	RMWXchg RMWOp = iota
	RMWAdd
	RMWSub
	RMWAnd
	RMWNand
	RMWOr
	RMWXor
	RMWMax
	RMWMin
	RMWUMax
	RMWUMin
	RMWFAdd
	RMWFSub
)

var rmwNames = [...]string{
	RMWXchg: "xchg",
	RMWAdd:  "add",
	RMWSub:  "sub",
	RMWAnd:  "and",
	RMWNand: "nand",
	RMWOr:   "or",
	RMWXor:  "xor",
	RMWMax:  "max",
	RMWMin:  "min",
	RMWUMax: "umax",
	RMWUMin: "umin",
	RMWFAdd: "fadd",
	RMWFSub: "fsub",
}

func (r RMWOp) String() string {
	if int(r) < len(rmwNames) {
		return rmwNames[r]
	}
	return "rmw?"
}

// ParseRMWOp maps the printed spelling back to an RMWOp.
func ParseRMWOp(s string) (RMWOp, bool) {
	for i, n := range rmwNames {
		if n == s {
			return RMWOp(i), true
		}
	}
	return 0, false
}

// CastKind selects the conversion performed by OpCast.
type CastKind uint8

// Cast kinds.
const (
	CastBitcast CastKind = iota
	CastPtrToInt
	CastIntToPtr
	CastTrunc
	CastZExt
	CastSExt
	CastAddrSpace
)

var castNames = [...]string{
	CastBitcast:   "bitcast",
	CastPtrToInt:  "ptrtoint",
	CastIntToPtr:  "inttoptr",
	CastTrunc:     "trunc",
	CastZExt:      "zext",
	CastSExt:      "sext",
	CastAddrSpace: "addrspacecast",
}

func (c CastKind) String() string {
	if int(c) < len(castNames) {
		return castNames[c]
	}
	return "cast?"
}

// ParseCastKind maps the printed spelling back to a CastKind.
func ParseCastKind(s string) (CastKind, bool) {
	for i, n := range castNames {
		if n == s {
			return CastKind(i), true
		}
	}
	return 0, false
}

// Instr is a single instruction. It is also the Value it produces.
//
// Operand layout by opcode:
//
//	load        [ptr]
//	store       [value, ptr]
//	atomicrmw   [ptr, value]
//	cmpxchg     [ptr, cmp, new]        result type { T, i1 }
//	getelementptr [base, index...]
//	cast        [value]
//	call/invoke [args...]              callee in Callee
//	ret/resume  [value] or empty
//	condbr      [cond]
//	phi         [value...]             parallel to Incoming
//	extractelement [vector, index]
//	extractvalue   [aggregate]         position in Indices
//	insertvalue    [aggregate, value]  position in Indices
//	icmp        [lhs, rhs]
type Instr struct {
	Op       Op
	Name     string
	Ty       *Type
	Operands []Value

	// ElemType is the allocated type of an alloca and the source element
	// type of a getelementptr.
	ElemType *Type
	Align    uint64
	Volatile bool

	Ordering        Ordering
	FailureOrdering Ordering
	Scope           SyncScope
	RMW             RMWOp
	Cast            CastKind
	InBounds        bool

	Callee   Value
	NoUnwind bool
	MustTail bool

	// Vtable marks a load or store of an object's type-identity pointer.
	Vtable bool
	// NoSanitize marks instructions emitted by another instrumentation.
	NoSanitize bool
	// Cleanup marks a landingpad that runs on every unwind.
	Cleanup bool

	// Succs: br [dest], condbr [then, else], invoke [normal, unwind].
	Succs    []*Block
	Incoming []*Block
	Indices  []uint32
	Pred     string
	Opcode   string

	Parent *Block
}

// Type implements Value.
func (i *Instr) Type() *Type { return i.Ty }

// Ident implements Value.
func (i *Instr) Ident() string { return "%" + i.Name }

// PointerOperand returns the address of a memory instruction, or nil.
func (i *Instr) PointerOperand() Value {
	switch i.Op {
	case OpLoad, OpAtomicRMW, OpCmpXchg:
		return i.Operands[0]
	case OpStore:
		return i.Operands[1]
	}
	return nil
}

// ValueOperand returns the stored value of a store, the operand of an
// atomicrmw, or the new value of a cmpxchg.
func (i *Instr) ValueOperand() Value {
	switch i.Op {
	case OpStore:
		return i.Operands[0]
	case OpAtomicRMW:
		return i.Operands[1]
	case OpCmpXchg:
		return i.Operands[2]
	}
	return nil
}

// AccessType returns the type moved by a load, store, atomicrmw or cmpxchg.
func (i *Instr) AccessType() *Type {
	switch i.Op {
	case OpLoad:
		return i.Ty
	case OpStore, OpAtomicRMW, OpCmpXchg:
		return i.ValueOperand().Type()
	}
	return nil
}

// IsAtomic reports whether the instruction has an atomic ordering.
func (i *Instr) IsAtomic() bool {
	switch i.Op {
	case OpLoad, OpStore:
		return i.Ordering != NotAtomic
	case OpAtomicRMW, OpCmpXchg, OpFence:
		return true
	}
	return false
}

// IsCall reports whether the instruction transfers control to a callee.
func (i *Instr) IsCall() bool {
	return i.Op == OpCall || i.Op == OpInvoke
}

// IsTerminator reports whether the instruction ends a block.
func (i *Instr) IsTerminator() bool {
	switch i.Op {
	case OpRet, OpBr, OpCondBr, OpUnreachable, OpResume, OpInvoke:
		return true
	}
	return false
}

// CalledFunction returns the direct callee, or nil for indirect calls.
func (i *Instr) CalledFunction() *Function {
	if !i.IsCall() {
		return nil
	}
	fn, _ := i.Callee.(*Function)
	return fn
}

// Intrinsic returns the intrinsic kind of a direct call.
func (i *Instr) Intrinsic() IntrinsicKind {
	if fn := i.CalledFunction(); fn != nil {
		return fn.Intrinsic
	}
	return IntrinsicNone
}

// IsMemIntrinsic reports whether the instruction calls memset, memcpy or
// memmove as an intrinsic.
func (i *Instr) IsMemIntrinsic() bool {
	switch i.Intrinsic() {
	case IntrinsicMemSet, IntrinsicMemCpy, IntrinsicMemMove:
		return true
	}
	return false
}

// DoesNotThrow reports whether a call cannot unwind.
func (i *Instr) DoesNotThrow() bool {
	if i.NoUnwind {
		return true
	}
	if fn := i.CalledFunction(); fn != nil {
		return fn.Attrs.Has(AttrNoUnwind)
	}
	return false
}
