package ir

import (
	"strconv"
)

// Value is anything an instruction can take as an operand.
type Value interface {
	// Type returns the type of the value.
	Type() *Type
	// Ident returns the operand spelling: %local, @global, or a literal.
	Ident() string
}

// ConstKind distinguishes constant literals.
type ConstKind uint8

const (
	// ConstInt is an integer literal.
	ConstInt ConstKind = iota
	// ConstNull is the null pointer.
	ConstNull
	// ConstUndef is an undefined value of any type.
	ConstUndef
)

// Const is a literal operand.
type Const struct {
	Kind ConstKind
	Ty   *Type
	Int  int64
}

// ConstI returns an integer constant of type t.
func ConstI(t *Type, v int64) *Const {
	return &Const{Kind: ConstInt, Ty: t, Int: v}
}

// Null returns the null constant of pointer type t.
func Null(t *Type) *Const {
	return &Const{Kind: ConstNull, Ty: t}
}

// Undef returns an undefined value of type t.
func Undef(t *Type) *Const {
	return &Const{Kind: ConstUndef, Ty: t}
}

// Type implements Value.
func (c *Const) Type() *Type { return c.Ty }

// Ident implements Value.
func (c *Const) Ident() string {
	switch c.Kind {
	case ConstNull:
		return "null"
	case ConstUndef:
		return "undef"
	}
	return strconv.FormatInt(c.Int, 10)
}

// IsNull reports whether v is a null pointer constant.
func IsNull(v Value) bool {
	c, ok := v.(*Const)
	return ok && c.Kind == ConstNull
}

// Global is a module-level variable. Its value is its address.
type Global struct {
	Name      string
	ValueType *Type
	// Constant marks storage that is never written after initialization.
	Constant  bool
	Section   string
	AddrSpace uint32
}

// Type implements Value. Globals are addressed through an opaque pointer.
func (g *Global) Type() *Type { return PointerIn(g.AddrSpace) }

// Ident implements Value.
func (g *Global) Ident() string { return "@" + g.Name }

// Param is a formal parameter of a Function.
type Param struct {
	Name   string
	Ty     *Type
	Parent *Function
}

// Type implements Value.
func (p *Param) Type() *Type { return p.Ty }

// Ident implements Value.
func (p *Param) Ident() string { return "%" + p.Name }

// TypedIdent renders v as "<type> <ident>", the operand form used by the printer.
func TypedIdent(v Value) string {
	return v.Type().String() + " " + v.Ident()
}
