package ir

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Print writes m in a stable, LLVM-like text form. Declarations nothing
// refers to are omitted.
func Print(w io.Writer, m *Module) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "; module %s (%s)\n", m.Name, m.Format)

	globals := m.Globals()
	for _, g := range globals {
		buf.WriteString(globalString(g))
		buf.WriteByte('\n')
	}

	funcs := m.Functions()
	referenced := referencedFunctions(m, funcs)
	for _, f := range funcs {
		if f.IsDeclaration() && !referenced[f] {
			continue
		}
		buf.WriteByte('\n')
		writeFunction(&buf, f)
	}

	if ctors := m.Ctors(); len(ctors) > 0 {
		parts := make([]string, len(ctors))
		for i, c := range ctors {
			parts[i] = fmt.Sprintf("{ i32 %d, ptr @%s }", c.Priority, c.Fn.Name)
		}
		fmt.Fprintf(&buf, "\n@llvm.global_ctors = [ %s ]\n", strings.Join(parts, ", "))
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// FunctionString renders a single function.
func FunctionString(f *Function) string {
	var buf bytes.Buffer
	writeFunction(&buf, f)
	return buf.String()
}

func referencedFunctions(m *Module, funcs []*Function) map[*Function]bool {
	refs := make(map[*Function]bool)
	for _, f := range funcs {
		if f.Personality != nil {
			refs[f.Personality] = true
		}
		f.Instructions(func(in *Instr) bool {
			if fn, ok := in.Callee.(*Function); ok {
				refs[fn] = true
			}
			for _, op := range in.Operands {
				if fn, ok := op.(*Function); ok {
					refs[fn] = true
				}
			}
			return true
		})
	}
	for _, c := range m.Ctors() {
		refs[c.Fn] = true
	}
	return refs
}

func globalString(g *Global) string {
	var sb strings.Builder
	sb.WriteString("@" + g.Name + " = ")
	if g.AddrSpace != 0 {
		fmt.Fprintf(&sb, "addrspace(%d) ", g.AddrSpace)
	}
	if g.Constant {
		sb.WriteString("constant ")
	} else {
		sb.WriteString("global ")
	}
	sb.WriteString(g.ValueType.String())
	if g.Section != "" {
		sb.WriteString(", section " + strconv.Quote(g.Section))
	}
	return sb.String()
}

func writeFunction(buf *bytes.Buffer, f *Function) {
	params := make([]string, 0, len(f.Params)+1)
	for _, p := range f.Params {
		if f.IsDeclaration() {
			params = append(params, p.Ty.String())
		} else {
			params = append(params, TypedIdent(p))
		}
	}
	if f.Variadic {
		params = append(params, "...")
	}

	kw := "define"
	if f.IsDeclaration() {
		kw = "declare"
	}
	fmt.Fprintf(buf, "%s %s @%s(%s)", kw, f.Ret, f.Name, strings.Join(params, ", "))
	if f.Attrs != 0 {
		buf.WriteString(" " + f.Attrs.String())
	}
	if f.Personality != nil {
		buf.WriteString(" personality ptr @" + f.Personality.Name)
	}
	if f.IsDeclaration() {
		buf.WriteByte('\n')
		return
	}
	buf.WriteString(" {\n")
	for i, b := range f.Blocks {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(b.Name + ":\n")
		for _, in := range b.Instrs {
			buf.WriteString("  " + in.String() + "\n")
		}
	}
	buf.WriteString("}\n")
}

func (i *Instr) String() string {
	var sb strings.Builder
	if i.Ty != nil && !i.Ty.IsVoid() && i.Name != "" {
		sb.WriteString("%" + i.Name + " = ")
	}
	sb.WriteString(i.body())
	if i.Vtable {
		sb.WriteString(", !vtable")
	}
	if i.NoSanitize {
		sb.WriteString(", !nosanitize")
	}
	return sb.String()
}

func scopePrefix(s SyncScope) string {
	if s == ScopeSingleThread {
		return `syncscope("singlethread") `
	}
	return ""
}

func volatilePrefix(v bool) string {
	if v {
		return "volatile "
	}
	return ""
}

func typedList(vs []Value) string {
	parts := make([]string, len(vs))
	for k, v := range vs {
		parts[k] = TypedIdent(v)
	}
	return strings.Join(parts, ", ")
}

func (i *Instr) body() string {
	switch i.Op {
	case OpAlloca:
		return fmt.Sprintf("alloca %s, align %d", i.ElemType, i.Align)

	case OpLoad:
		if i.Ordering != NotAtomic {
			return fmt.Sprintf("load atomic %s%s, %s %s%s, align %d",
				volatilePrefix(i.Volatile), i.Ty, TypedIdent(i.Operands[0]),
				scopePrefix(i.Scope), i.Ordering, i.Align)
		}
		return fmt.Sprintf("load %s%s, %s, align %d",
			volatilePrefix(i.Volatile), i.Ty, TypedIdent(i.Operands[0]), i.Align)

	case OpStore:
		if i.Ordering != NotAtomic {
			return fmt.Sprintf("store atomic %s%s, %s %s%s, align %d",
				volatilePrefix(i.Volatile), TypedIdent(i.Operands[0]), TypedIdent(i.Operands[1]),
				scopePrefix(i.Scope), i.Ordering, i.Align)
		}
		return fmt.Sprintf("store %s%s, %s, align %d",
			volatilePrefix(i.Volatile), TypedIdent(i.Operands[0]), TypedIdent(i.Operands[1]), i.Align)

	case OpGEP:
		ib := ""
		if i.InBounds {
			ib = "inbounds "
		}
		return fmt.Sprintf("getelementptr %s%s, %s", ib, i.ElemType, typedList(i.Operands))

	case OpCast:
		return fmt.Sprintf("%s %s to %s", i.Cast, TypedIdent(i.Operands[0]), i.Ty)

	case OpAtomicRMW:
		return fmt.Sprintf("atomicrmw %s%s %s, %s %s%s, align %d",
			volatilePrefix(i.Volatile), i.RMW, TypedIdent(i.Operands[0]), TypedIdent(i.Operands[1]),
			scopePrefix(i.Scope), i.Ordering, i.Align)

	case OpCmpXchg:
		return fmt.Sprintf("cmpxchg %s%s, %s, %s %s%s %s, align %d",
			volatilePrefix(i.Volatile), TypedIdent(i.Operands[0]), TypedIdent(i.Operands[1]),
			TypedIdent(i.Operands[2]), scopePrefix(i.Scope), i.Ordering, i.FailureOrdering, i.Align)

	case OpFence:
		return fmt.Sprintf("fence %s%s", scopePrefix(i.Scope), i.Ordering)

	case OpCall, OpInvoke:
		kw := "call"
		if i.MustTail {
			kw = "musttail call"
		}
		if i.Op == OpInvoke {
			kw = "invoke"
		}
		s := fmt.Sprintf("%s %s %s(%s)", kw, i.Ty, i.Callee.Ident(), typedList(i.Operands))
		if i.NoUnwind {
			s += " nounwind"
		}
		if i.Op == OpInvoke {
			s += fmt.Sprintf(" to label %%%s unwind label %%%s", i.Succs[0].Name, i.Succs[1].Name)
		}
		return s

	case OpLandingPad:
		if i.Cleanup {
			return "landingpad " + i.Ty.String() + " cleanup"
		}
		return "landingpad " + i.Ty.String()

	case OpResume:
		return "resume " + TypedIdent(i.Operands[0])

	case OpRet:
		if len(i.Operands) == 0 {
			return "ret void"
		}
		return "ret " + TypedIdent(i.Operands[0])

	case OpBr:
		return "br label %" + i.Succs[0].Name

	case OpCondBr:
		return fmt.Sprintf("br %s, label %%%s, label %%%s", TypedIdent(i.Operands[0]), i.Succs[0].Name, i.Succs[1].Name)

	case OpUnreachable:
		return "unreachable"

	case OpPhi:
		parts := make([]string, len(i.Operands))
		for k, v := range i.Operands {
			parts[k] = fmt.Sprintf("[ %s, %%%s ]", v.Ident(), i.Incoming[k].Name)
		}
		return fmt.Sprintf("phi %s %s", i.Ty, strings.Join(parts, ", "))

	case OpExtractElement:
		return "extractelement " + typedList(i.Operands)

	case OpExtractValue:
		return fmt.Sprintf("extractvalue %s, %s", TypedIdent(i.Operands[0]), indexList(i.Indices))

	case OpInsertValue:
		return fmt.Sprintf("insertvalue %s, %s", typedList(i.Operands), indexList(i.Indices))

	case OpICmp:
		return fmt.Sprintf("icmp %s %s, %s", i.Pred, TypedIdent(i.Operands[0]), i.Operands[1].Ident())

	case OpOpaque:
		if len(i.Operands) == 0 {
			return fmt.Sprintf("%s %s", i.Opcode, i.Ty)
		}
		return fmt.Sprintf("%s %s", i.Opcode, typedList(i.Operands))
	}
	return i.Op.String()
}

func indexList(idx []uint32) string {
	parts := make([]string, len(idx))
	for k, n := range idx {
		parts[k] = strconv.FormatUint(uint64(n), 10)
	}
	return strings.Join(parts, ", ")
}
