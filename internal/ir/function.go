package ir

import (
	"strconv"
	"strings"
)

// Attr is a set of function attributes.
type Attr uint32

// Function attributes.
const (
	AttrSanitizeThread Attr = 1 << iota
	AttrNaked
	AttrDisableSanitizerInstrumentation
	// AttrNoCheckingAtRunTime suppresses race reports inside the function
	// and its callees while keeping the call stack accurate.
	AttrNoCheckingAtRunTime
	AttrNoUnwind
)

var attrNames = []struct {
	a    Attr
	name string
}{
	{AttrSanitizeThread, "sanitize_thread"},
	{AttrNaked, "naked"},
	{AttrDisableSanitizerInstrumentation, "disable_sanitizer_instrumentation"},
	{AttrNoCheckingAtRunTime, "sanitize_thread_no_checking_at_run_time"},
	{AttrNoUnwind, "nounwind"},
}

// Has reports whether all of want are set.
func (a Attr) Has(want Attr) bool { return a&want == want }

func (a Attr) String() string {
	var parts []string
	for _, n := range attrNames {
		if a.Has(n.a) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, " ")
}

// ParseAttr maps an attribute spelling to its flag.
func ParseAttr(s string) (Attr, bool) {
	for _, n := range attrNames {
		if n.name == s {
			return n.a, true
		}
	}
	return 0, false
}

// IntrinsicKind identifies compiler intrinsics the selector treats specially.
type IntrinsicKind uint8

// Intrinsic kinds.
const (
	IntrinsicNone IntrinsicKind = iota
	IntrinsicMemSet
	IntrinsicMemCpy
	IntrinsicMemMove
	IntrinsicDbgInfo
	IntrinsicReturnAddress
)

// Function is a declaration (no blocks) or a definition.
type Function struct {
	Name      string
	Ret       *Type
	Params    []*Param
	Variadic  bool
	Attrs     Attr
	Intrinsic IntrinsicKind
	Blocks    []*Block
	// Personality is the exception personality routine, if any.
	Personality *Function

	Module *Module

	names      map[string]bool
	blockNames map[string]bool
}

// Type implements Value. A function used as an operand is its address.
func (f *Function) Type() *Type { return Ptr }

// Ident implements Value.
func (f *Function) Ident() string { return "@" + f.Name }

// IsDeclaration reports whether f has no body.
func (f *Function) IsDeclaration() bool { return len(f.Blocks) == 0 }

// EntryBlock returns the first block, or nil for declarations.
func (f *Function) EntryBlock() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// ParamTypes returns the parameter types in order.
func (f *Function) ParamTypes() []*Type {
	out := make([]*Type, len(f.Params))
	for i, p := range f.Params {
		out[i] = p.Ty
	}
	return out
}

// AddParam appends a parameter named name of type t.
func (f *Function) AddParam(name string, t *Type) *Param {
	p := &Param{Name: f.FreshName(name), Ty: t, Parent: f}
	f.Params = append(f.Params, p)
	return p
}

// NewBlock appends an empty block. The name is made unique within f.
func (f *Function) NewBlock(name string) *Block {
	b := &Block{Name: f.FreshBlockName(name), Parent: f}
	f.Blocks = append(f.Blocks, b)
	return b
}

// BlockByName finds a block by its exact name.
func (f *Function) BlockByName(name string) *Block {
	for _, b := range f.Blocks {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// FreshName returns hint, or hint with a numeric suffix, unused by any
// local value of f, and reserves it.
func (f *Function) FreshName(hint string) string {
	if f.names == nil {
		f.names = make(map[string]bool)
	}
	return reserve(f.names, hint, "tmp")
}

// FreshBlockName is FreshName for block labels.
func (f *Function) FreshBlockName(hint string) string {
	if f.blockNames == nil {
		f.blockNames = make(map[string]bool)
	}
	return reserve(f.blockNames, hint, "bb")
}

func reserve(used map[string]bool, hint, fallback string) string {
	if hint == "" {
		hint = fallback
	}
	name := hint
	for n := 1; used[name]; n++ {
		name = hint + strconv.Itoa(n)
	}
	used[name] = true
	return name
}

// Instructions calls yield for every instruction in block order. Iteration
// stops when yield returns false. Mutating f during iteration is not allowed.
func (f *Function) Instructions(yield func(*Instr) bool) {
	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			if !yield(in) {
				return
			}
		}
	}
}
