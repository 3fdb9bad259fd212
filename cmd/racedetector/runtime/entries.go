// Package runtime describes the fixed call interface between instrumented
// code and the race detector runtime.
//
// Entry points follow a naming convention so the runtime can be linked by
// name alone:
//
//	__tsan_{read,write}N                    plain access of N bytes
//	__tsan_unaligned_{read,write}N          access not naturally aligned
//	__tsan_volatile_{read,write}N           volatile access (when distinguished)
//	__tsan_unaligned_volatile_{read,write}N
//	__tsan_read_writeN                      compound read-then-write
//	__tsan_unaligned_read_writeN
//	__tsan_atomicB_{load,store,exchange,fetch_add,...}  atomics on B bits
//	__tsan_vptr_update, __tsan_vptr_read    type-identity pointer accesses
//	__tsan_func_entry, __tsan_func_exit     call-stack bookkeeping
//
// N is one of 1, 2, 4, 8, 16 and B is 8*N.
package runtime

import (
	"fmt"
	"strconv"

	"github.com/kolkov/raceinstr/internal/ir"
)

// NumAccessSizes is the number of supported access widths (1..16 bytes).
const NumAccessSizes = 5

// Well-known symbol names.
const (
	FuncEntryName         = "__tsan_func_entry"
	FuncExitName          = "__tsan_func_exit"
	IgnoreBeginName       = "__tsan_ignore_thread_begin"
	IgnoreEndName         = "__tsan_ignore_thread_end"
	VptrUpdateName        = "__tsan_vptr_update"
	VptrReadName          = "__tsan_vptr_read"
	AtomicThreadFenceName = "__tsan_atomic_thread_fence"
	AtomicSignalFenceName = "__tsan_atomic_signal_fence"
	InitName              = "__tsan_init"
	ModuleCtorName        = "tsan.module_ctor"
	PersonalityName       = "__gxx_personality_v0"
)

// AccessSize returns the byte width handled by slot idx.
func AccessSize(idx int) int { return 1 << idx }

// Variant selects one of the plain memory-access entry families.
type Variant struct {
	Write     bool
	Unaligned bool
	Volatile  bool
	// Compound selects the read-write entry. Write and Volatile are ignored.
	Compound bool
}

// Name returns the entry point name of v for slot idx.
func (v Variant) Name(idx int) string {
	n := strconv.Itoa(AccessSize(idx))
	prefix := "__tsan_"
	if v.Unaligned {
		prefix += "unaligned_"
	}
	if v.Compound {
		return prefix + "read_write" + n
	}
	if v.Volatile {
		prefix += "volatile_"
	}
	if v.Write {
		return prefix + "write" + n
	}
	return prefix + "read" + n
}

// AtomicRMWSuffix returns the entry suffix for op, or "" when the runtime
// has no entry for it.
func AtomicRMWSuffix(op ir.RMWOp) string {
	switch op {
	case ir.RMWXchg:
		return "_exchange"
	case ir.RMWAdd:
		return "_fetch_add"
	case ir.RMWSub:
		return "_fetch_sub"
	case ir.RMWAnd:
		return "_fetch_and"
	case ir.RMWOr:
		return "_fetch_or"
	case ir.RMWXor:
		return "_fetch_xor"
	case ir.RMWNand:
		return "_fetch_nand"
	}
	return ""
}

// AtomicName returns "__tsan_atomic<bits><suffix>" for slot idx.
func AtomicName(idx int, suffix string) string {
	return fmt.Sprintf("__tsan_atomic%d%s", AccessSize(idx)*8, suffix)
}

var supportedRMW = []ir.RMWOp{
	ir.RMWXchg, ir.RMWAdd, ir.RMWSub, ir.RMWAnd, ir.RMWOr, ir.RMWXor, ir.RMWNand,
}

// Entries holds the declarations of every runtime entry point in one module.
type Entries struct {
	FuncEntry   *ir.Function
	FuncExit    *ir.Function
	IgnoreBegin *ir.Function
	IgnoreEnd   *ir.Function

	access map[Variant]*[NumAccessSizes]*ir.Function

	AtomicLoad  [NumAccessSizes]*ir.Function
	AtomicStore [NumAccessSizes]*ir.Function
	AtomicCAS   [NumAccessSizes]*ir.Function
	atomicRMW   map[ir.RMWOp]*[NumAccessSizes]*ir.Function

	AtomicThreadFence *ir.Function
	AtomicSignalFence *ir.Function

	VptrUpdate *ir.Function
	VptrRead   *ir.Function

	Memset  *ir.Function
	Memcpy  *ir.Function
	Memmove *ir.Function

	ReturnAddress *ir.Function
	Init          *ir.Function
	// Personality is the default exception personality routine for
	// functions that gain a cleanup landing pad.
	Personality *ir.Function
}

// Access returns the plain-access entry for v and slot idx.
func (e *Entries) Access(v Variant, idx int) *ir.Function {
	if v.Compound {
		v.Write, v.Volatile = false, false
	}
	return e.access[v][idx]
}

// AtomicRMW returns the entry for op at slot idx, or nil if op has none.
func (e *Entries) AtomicRMW(op ir.RMWOp, idx int) *ir.Function {
	tbl, ok := e.atomicRMW[op]
	if !ok {
		return nil
	}
	return tbl[idx]
}

// Declare inserts (or finds) every runtime entry point in m. All entries
// are declared nounwind. Safe to call more than once; existing
// declarations are reused.
func Declare(m *ir.Module) *Entries {
	const attrs = ir.AttrNoUnwind
	intptr := m.Layout.IntPtrType()

	e := &Entries{
		FuncEntry:   m.GetOrInsertFunction(FuncEntryName, attrs, ir.Void, ir.Ptr),
		FuncExit:    m.GetOrInsertFunction(FuncExitName, attrs, ir.Void),
		IgnoreBegin: m.GetOrInsertFunction(IgnoreBeginName, attrs, ir.Void),
		IgnoreEnd:   m.GetOrInsertFunction(IgnoreEndName, attrs, ir.Void),
		access:      make(map[Variant]*[NumAccessSizes]*ir.Function),
		atomicRMW:   make(map[ir.RMWOp]*[NumAccessSizes]*ir.Function),
	}

	for _, v := range accessVariants() {
		var tbl [NumAccessSizes]*ir.Function
		for i := range tbl {
			tbl[i] = m.GetOrInsertFunction(v.Name(i), attrs, ir.Void, ir.Ptr)
		}
		e.access[v] = &tbl
	}

	for i := 0; i < NumAccessSizes; i++ {
		ty := ir.Int(uint32(AccessSize(i) * 8))
		ptr := ir.PointerTo(ty)
		e.AtomicLoad[i] = m.GetOrInsertFunction(AtomicName(i, "_load"), attrs, ty, ptr, ir.I32)
		e.AtomicStore[i] = m.GetOrInsertFunction(AtomicName(i, "_store"), attrs, ir.Void, ptr, ty, ir.I32)
		e.AtomicCAS[i] = m.GetOrInsertFunction(AtomicName(i, "_compare_exchange_val"), attrs, ty, ptr, ty, ty, ir.I32, ir.I32)
	}
	for _, op := range supportedRMW {
		var tbl [NumAccessSizes]*ir.Function
		for i := range tbl {
			ty := ir.Int(uint32(AccessSize(i) * 8))
			tbl[i] = m.GetOrInsertFunction(AtomicName(i, AtomicRMWSuffix(op)), attrs, ty, ir.PointerTo(ty), ty, ir.I32)
		}
		e.atomicRMW[op] = &tbl
	}

	e.VptrUpdate = m.GetOrInsertFunction(VptrUpdateName, attrs, ir.Void, ir.Ptr, ir.Ptr)
	e.VptrRead = m.GetOrInsertFunction(VptrReadName, attrs, ir.Void, ir.Ptr)
	e.AtomicThreadFence = m.GetOrInsertFunction(AtomicThreadFenceName, attrs, ir.Void, ir.I32)
	e.AtomicSignalFence = m.GetOrInsertFunction(AtomicSignalFenceName, attrs, ir.Void, ir.I32)

	e.Memmove = m.GetOrInsertFunction("memmove", attrs, ir.Ptr, ir.Ptr, ir.Ptr, intptr)
	e.Memcpy = m.GetOrInsertFunction("memcpy", attrs, ir.Ptr, ir.Ptr, ir.Ptr, intptr)
	e.Memset = m.GetOrInsertFunction("memset", attrs, ir.Ptr, ir.Ptr, ir.I32, intptr)

	e.ReturnAddress = m.Intrinsic(ir.IntrinsicReturnAddress)
	e.Init = m.GetOrInsertFunction(InitName, attrs, ir.Void)
	e.Personality = m.GetOrInsertFunction(PersonalityName, 0, ir.I32)
	e.Personality.Variadic = true
	return e
}

// accessVariants lists the ten plain-access families.
func accessVariants() []Variant {
	var out []Variant
	for _, unaligned := range []bool{false, true} {
		out = append(out,
			Variant{Unaligned: unaligned},
			Variant{Unaligned: unaligned, Write: true},
			Variant{Unaligned: unaligned, Volatile: true},
			Variant{Unaligned: unaligned, Volatile: true, Write: true},
			Variant{Unaligned: unaligned, Compound: true},
		)
	}
	return out
}

// Names returns every entry point name in declaration order.
func Names() []string {
	m := ir.NewModule("names")
	Declare(m)
	names := make([]string, 0, 128)
	for _, f := range m.Functions() {
		names = append(names, f.Name)
	}
	return names
}
