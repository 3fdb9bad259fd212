package ir

import (
	"fmt"
	"sync"
)

// ObjectFormat is the container format the module is compiled for.
type ObjectFormat uint8

// Object formats.
const (
	ELF ObjectFormat = iota
	MachO
	COFF
)

func (o ObjectFormat) String() string {
	switch o {
	case MachO:
		return "macho"
	case COFF:
		return "coff"
	}
	return "elf"
}

// ParseObjectFormat maps "elf", "macho" or "coff" to an ObjectFormat.
func ParseObjectFormat(s string) (ObjectFormat, error) {
	switch s {
	case "", "elf":
		return ELF, nil
	case "macho":
		return MachO, nil
	case "coff":
		return COFF, nil
	}
	return ELF, fmt.Errorf("unknown object format %q", s)
}

// Ctor is an entry in the module's global constructor list.
type Ctor struct {
	Priority int
	Fn       *Function
}

// Module is a compilation unit.
type Module struct {
	Name   string
	Format ObjectFormat
	Layout DataLayout
	// Unwind reports whether the target supports stack unwinding.
	Unwind bool

	mu        sync.Mutex
	globals   []*Global
	functions []*Function
	ctors     []Ctor
}

// NewModule returns an empty ELF module with the default data layout.
func NewModule(name string) *Module {
	return &Module{Name: name, Layout: DefaultLayout, Unwind: true}
}

// Globals returns a snapshot of the module's globals in declaration order.
func (m *Module) Globals() []*Global {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Global(nil), m.globals...)
}

// Functions returns a snapshot of the module's functions in declaration order.
func (m *Module) Functions() []*Function {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Function(nil), m.functions...)
}

// Ctors returns a snapshot of the global constructor list.
func (m *Module) Ctors() []Ctor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Ctor(nil), m.ctors...)
}

// AddGlobal declares a mutable global of type t.
func (m *Module) AddGlobal(name string, t *Type) *Global {
	g := &Global{Name: name, ValueType: t}
	m.mu.Lock()
	m.globals = append(m.globals, g)
	m.mu.Unlock()
	return g
}

// Global looks a global up by name.
func (m *Module) Global(name string) *Global {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.globals {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Function looks a function up by name.
func (m *Module) Function(name string) *Function {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(name)
}

func (m *Module) lookupLocked(name string) *Function {
	for _, f := range m.functions {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// AddFunction adds a function definition or declaration.
func (m *Module) AddFunction(name string, ret *Type, attrs Attr) *Function {
	f := &Function{Name: name, Ret: ret, Attrs: attrs, Module: m}
	m.mu.Lock()
	m.functions = append(m.functions, f)
	m.mu.Unlock()
	return f
}

// GetOrInsertFunction returns the function called name, declaring it with
// the given signature and attributes when absent. Safe for concurrent use.
func (m *Module) GetOrInsertFunction(name string, attrs Attr, ret *Type, params ...*Type) *Function {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f := m.lookupLocked(name); f != nil {
		return f
	}
	f := &Function{Name: name, Ret: ret, Attrs: attrs, Module: m}
	for i, t := range params {
		f.Params = append(f.Params, &Param{Name: fmt.Sprintf("a%d", i), Ty: t, Parent: f})
	}
	m.functions = append(m.functions, f)
	return f
}

// AppendCtor registers fn as a global constructor unless it already is one.
func (m *Module) AppendCtor(priority int, fn *Function) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.ctors {
		if c.Fn == fn {
			return false
		}
	}
	m.ctors = append(m.ctors, Ctor{Priority: priority, Fn: fn})
	return true
}

// Intrinsic returns the declaration of a known intrinsic.
func (m *Module) Intrinsic(kind IntrinsicKind) *Function {
	var f *Function
	switch kind {
	case IntrinsicReturnAddress:
		f = m.GetOrInsertFunction("llvm.returnaddress", AttrNoUnwind, Ptr, I32)
	case IntrinsicMemSet:
		f = m.GetOrInsertFunction("llvm.memset", AttrNoUnwind, Void, Ptr, I8, I64, I1)
	case IntrinsicMemCpy:
		f = m.GetOrInsertFunction("llvm.memcpy", AttrNoUnwind, Void, Ptr, Ptr, I64, I1)
	case IntrinsicMemMove:
		f = m.GetOrInsertFunction("llvm.memmove", AttrNoUnwind, Void, Ptr, Ptr, I64, I1)
	case IntrinsicDbgInfo:
		f = m.GetOrInsertFunction("llvm.dbg.value", AttrNoUnwind, Void, Ptr)
	default:
		panic(fmt.Sprintf("ir: no declaration for intrinsic %d", kind))
	}
	m.mu.Lock()
	if f.Intrinsic != kind {
		f.Intrinsic = kind
	}
	m.mu.Unlock()
	return f
}

// IntrinsicByName classifies a callee name. Unknown names are IntrinsicNone.
func IntrinsicByName(name string) IntrinsicKind {
	switch name {
	case "llvm.memset":
		return IntrinsicMemSet
	case "llvm.memcpy":
		return IntrinsicMemCpy
	case "llvm.memmove":
		return IntrinsicMemMove
	case "llvm.dbg.value", "llvm.dbg.declare":
		return IntrinsicDbgInfo
	case "llvm.returnaddress":
		return IntrinsicReturnAddress
	}
	return IntrinsicNone
}
