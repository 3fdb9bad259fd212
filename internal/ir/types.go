package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies a Type.
type Kind uint8

const (
	// VoidKind is the type of instructions that produce no value.
	VoidKind Kind = iota
	// IntKind is an integer of Type.Bits width.
	IntKind
	// FloatKind is an IEEE float of Type.Bits width (16, 32 or 64).
	FloatKind
	// PointerKind is a pointer in Type.AddrSpace. Elem is nil for opaque pointers.
	PointerKind
	// VectorKind is Type.Len lanes of Type.Elem.
	VectorKind
	// ArrayKind is Type.Len elements of Type.Elem.
	ArrayKind
	// StructKind is an aggregate of Type.Fields.
	StructKind
)

// Type describes the shape of a value.
//
// Types are compared structurally with Equal; the predeclared instances
// below are shared and must not be modified.
type Type struct {
	Kind      Kind
	Bits      uint32  // IntKind, FloatKind
	AddrSpace uint32  // PointerKind
	Elem      *Type   // PointerKind (typed pointer), VectorKind, ArrayKind
	Len       uint64  // VectorKind, ArrayKind
	Fields    []*Type // StructKind
}

// Predeclared types.
var (
	Void   = &Type{Kind: VoidKind}
	I1     = Int(1)
	I8     = Int(8)
	I16    = Int(16)
	I32    = Int(32)
	I64    = Int(64)
	I128   = Int(128)
	Half   = &Type{Kind: FloatKind, Bits: 16}
	Float  = &Type{Kind: FloatKind, Bits: 32}
	Double = &Type{Kind: FloatKind, Bits: 64}
	Ptr    = &Type{Kind: PointerKind}
)

// Int returns an integer type of the given width.
func Int(bits uint32) *Type {
	return &Type{Kind: IntKind, Bits: bits}
}

// PointerTo returns a typed pointer to elem in address space 0.
func PointerTo(elem *Type) *Type {
	return &Type{Kind: PointerKind, Elem: elem}
}

// PointerIn returns an opaque pointer in the given address space.
func PointerIn(addrSpace uint32) *Type {
	return &Type{Kind: PointerKind, AddrSpace: addrSpace}
}

// VectorOf returns a vector of n lanes of elem.
func VectorOf(n uint64, elem *Type) *Type {
	return &Type{Kind: VectorKind, Len: n, Elem: elem}
}

// ArrayOf returns an array of n elements of elem.
func ArrayOf(n uint64, elem *Type) *Type {
	return &Type{Kind: ArrayKind, Len: n, Elem: elem}
}

// StructOf returns a struct of the given fields.
func StructOf(fields ...*Type) *Type {
	return &Type{Kind: StructKind, Fields: fields}
}

// IsInt reports whether t is an integer type.
func (t *Type) IsInt() bool { return t.Kind == IntKind }

// IsPointer reports whether t is a pointer type.
func (t *Type) IsPointer() bool { return t.Kind == PointerKind }

// IsVoid reports whether t is the void type.
func (t *Type) IsVoid() bool { return t.Kind == VoidKind }

// ScalarType returns the lane type of a vector, or t itself.
func (t *Type) ScalarType() *Type {
	if t.Kind == VectorKind {
		return t.Elem
	}
	return t
}

// Equal reports whether t and u describe the same type.
func (t *Type) Equal(u *Type) bool {
	if t == u {
		return true
	}
	if t == nil || u == nil || t.Kind != u.Kind {
		return false
	}
	switch t.Kind {
	case VoidKind:
		return true
	case IntKind, FloatKind:
		return t.Bits == u.Bits
	case PointerKind:
		if t.AddrSpace != u.AddrSpace {
			return false
		}
		if t.Elem == nil || u.Elem == nil {
			return t.Elem == nil && u.Elem == nil
		}
		return t.Elem.Equal(u.Elem)
	case VectorKind, ArrayKind:
		return t.Len == u.Len && t.Elem.Equal(u.Elem)
	case StructKind:
		if len(t.Fields) != len(u.Fields) {
			return false
		}
		for i := range t.Fields {
			if !t.Fields[i].Equal(u.Fields[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Kind {
	case VoidKind:
		return "void"
	case IntKind:
		return "i" + strconv.FormatUint(uint64(t.Bits), 10)
	case FloatKind:
		switch t.Bits {
		case 16:
			return "half"
		case 32:
			return "float"
		case 64:
			return "double"
		}
		return "f" + strconv.FormatUint(uint64(t.Bits), 10)
	case PointerKind:
		as := ""
		if t.AddrSpace != 0 {
			as = fmt.Sprintf(" addrspace(%d)", t.AddrSpace)
		}
		if t.Elem == nil {
			return "ptr" + as
		}
		return t.Elem.String() + as + "*"
	case VectorKind:
		return fmt.Sprintf("<%d x %s>", t.Len, t.Elem)
	case ArrayKind:
		return fmt.Sprintf("[%d x %s]", t.Len, t.Elem)
	case StructKind:
		parts := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			parts[i] = f.String()
		}
		return "{ " + strings.Join(parts, ", ") + " }"
	}
	return "?"
}

// ParseType parses the textual form produced by Type.String.
//
// Accepted forms: void, iN, half, float, double, ptr, ptr addrspace(N),
// T*, T addrspace(N)*, <N x T>, [N x T], { T, ... }.
func ParseType(s string) (*Type, error) {
	p := &typeParser{src: s}
	t, err := p.parse()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("type %q: unexpected %q", s, p.src[p.pos:])
	}
	return t, nil
}

// MustParseType is ParseType that panics on error. For tests and tables.
func MustParseType(s string) *Type {
	t, err := ParseType(s)
	if err != nil {
		panic(err)
	}
	return t
}

type typeParser struct {
	src string
	pos int
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *typeParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *typeParser) expect(c byte) error {
	if p.peek() != c {
		return fmt.Errorf("type %q: expected %q at offset %d", p.src, c, p.pos)
	}
	p.pos++
	return nil
}

func (p *typeParser) number() (uint64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("type %q: expected number at offset %d", p.src, start)
	}
	return strconv.ParseUint(p.src[start:p.pos], 10, 64)
}

func (p *typeParser) word() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			p.pos++
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

func (p *typeParser) parse() (*Type, error) {
	base, err := p.parseBase()
	if err != nil {
		return nil, err
	}
	// Suffixes: addrspace(N) and '*' build typed pointers.
	for {
		switch {
		case strings.HasPrefix(p.src[p.pos:], " addrspace(") || strings.HasPrefix(p.src[p.pos:], "addrspace("):
			p.skipSpace()
			p.pos += len("addrspace(")
			n, err := p.number()
			if err != nil {
				return nil, err
			}
			if err := p.expect(')'); err != nil {
				return nil, err
			}
			if err := p.expect('*'); err != nil {
				return nil, err
			}
			base = &Type{Kind: PointerKind, Elem: base, AddrSpace: uint32(n)}
		case p.peek() == '*':
			p.pos++
			base = PointerTo(base)
		default:
			return base, nil
		}
	}
}

func (p *typeParser) parseBase() (*Type, error) {
	switch p.peek() {
	case '<', '[':
		open := p.src[p.pos]
		p.pos++
		n, err := p.number()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if !strings.HasPrefix(p.src[p.pos:], "x ") {
			return nil, fmt.Errorf("type %q: expected 'x' at offset %d", p.src, p.pos)
		}
		p.pos += 2
		elem, err := p.parse()
		if err != nil {
			return nil, err
		}
		if open == '<' {
			if err := p.expect('>'); err != nil {
				return nil, err
			}
			return VectorOf(n, elem), nil
		}
		if err := p.expect(']'); err != nil {
			return nil, err
		}
		return ArrayOf(n, elem), nil
	case '{':
		p.pos++
		var fields []*Type
		if p.peek() == '}' {
			p.pos++
			return StructOf(), nil
		}
		for {
			f, err := p.parse()
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
			if p.peek() == ',' {
				p.pos++
				continue
			}
			if err := p.expect('}'); err != nil {
				return nil, err
			}
			return StructOf(fields...), nil
		}
	}

	w := p.word()
	switch {
	case w == "void":
		return Void, nil
	case w == "half":
		return Half, nil
	case w == "float":
		return Float, nil
	case w == "double":
		return Double, nil
	case w == "ptr":
		rest := p.src[p.pos:]
		if strings.HasPrefix(rest, " addrspace(") && !strings.Contains(afterParen(rest), "*") {
			p.pos += len(" addrspace(")
			n, err := p.number()
			if err != nil {
				return nil, err
			}
			if err := p.expect(')'); err != nil {
				return nil, err
			}
			return PointerIn(uint32(n)), nil
		}
		return Ptr, nil
	case len(w) > 1 && w[0] == 'i':
		n, err := strconv.ParseUint(w[1:], 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("type %q: bad integer width %q", p.src, w)
		}
		return Int(uint32(n)), nil
	}
	return nil, fmt.Errorf("type %q: unknown type %q", p.src, w)
}

// afterParen returns the text directly following the first ')' in s, up to
// the next space, so "ptr addrspace(1)*" can be told apart from
// "ptr addrspace(1)".
func afterParen(s string) string {
	i := strings.IndexByte(s, ')')
	if i < 0 {
		return ""
	}
	rest := s[i+1:]
	if j := strings.IndexAny(rest, " ,>]}"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}
