package irfile

import (
	"fmt"

	"github.com/kolkov/raceinstr/internal/ir"
)

// fill resolves the operands and attributes of one instruction shell.
func (s *fnScope) fill(out *ir.Instr, in *Instr, path string) error {
	fail := func(field string, err error) error {
		return &ParseError{Path: path + "." + field, Msg: err.Error()}
	}
	operand := func(field, ref string) (ir.Value, error) {
		v, err := s.resolve(ref)
		if err != nil {
			return nil, fail(field, err)
		}
		return v, nil
	}
	typ := func() (*ir.Type, error) {
		t, err := ir.ParseType(in.Type)
		if err != nil {
			return nil, fail("type", err)
		}
		return t, nil
	}
	ordering := func(field, src string) (ir.Ordering, error) {
		o, ok := ir.ParseOrdering(src)
		if !ok {
			return ir.NotAtomic, fail(field, fmt.Errorf("unknown ordering %q", src))
		}
		return o, nil
	}

	out.Align = in.Align
	out.Volatile = in.Volatile
	out.Vtable = in.Vtable
	out.NoSanitize = in.NoSanitize
	out.NoUnwind = in.NoUnwind
	out.MustTail = in.MustTail
	switch in.Scope {
	case "", "system":
	case "singlethread":
		out.Scope = ir.ScopeSingleThread
	default:
		return fail("scope", fmt.Errorf("unknown scope %q", in.Scope))
	}

	var err error
	if out.Ordering, err = ordering("ordering", in.Ordering); err != nil {
		return err
	}
	if out.FailureOrdering, err = ordering("failure", in.Failure); err != nil {
		return err
	}

	switch out.Op {
	case ir.OpAlloca:
		if out.ElemType, err = typ(); err != nil {
			return err
		}
		out.Ty = ir.Ptr
		if out.Align == 0 {
			out.Align = s.mod.Layout.ABIAlign(out.ElemType)
		}

	case ir.OpLoad:
		if out.Ty, err = typ(); err != nil {
			return err
		}
		p, err := operand("ptr", in.Ptr)
		if err != nil {
			return err
		}
		out.Operands = []ir.Value{p}

	case ir.OpStore:
		v, err := operand("value", in.Value)
		if err != nil {
			return err
		}
		p, err := operand("ptr", in.Ptr)
		if err != nil {
			return err
		}
		out.Ty = ir.Void
		out.Operands = []ir.Value{v, p}

	case ir.OpGEP:
		if out.ElemType, err = typ(); err != nil {
			return err
		}
		base, err := operand("ptr", in.Ptr)
		if err != nil {
			return err
		}
		out.Operands = []ir.Value{base}
		for k, ref := range in.Index {
			v, err := operand(fmt.Sprintf("index[%d]", k), ref)
			if err != nil {
				return err
			}
			out.Operands = append(out.Operands, v)
		}
		out.InBounds = in.InBounds
		out.Ty = ir.Ptr
		if bt := base.Type(); bt != nil {
			out.Ty = bt
		}

	case ir.OpCast:
		kind, ok := ir.ParseCastKind(in.Kind)
		if !ok {
			return fail("kind", fmt.Errorf("unknown cast %q", in.Kind))
		}
		out.Cast = kind
		if out.Ty, err = typ(); err != nil {
			return err
		}
		v, err := operand("value", in.Value)
		if err != nil {
			return err
		}
		out.Operands = []ir.Value{v}

	case ir.OpAtomicRMW:
		rmw, ok := ir.ParseRMWOp(in.RMW)
		if !ok {
			return fail("rmw", fmt.Errorf("unknown atomicrmw operation %q", in.RMW))
		}
		out.RMW = rmw
		p, err := operand("ptr", in.Ptr)
		if err != nil {
			return err
		}
		v, err := operand("value", in.Value)
		if err != nil {
			return err
		}
		out.Operands = []ir.Value{p, v}
		out.Ty = v.Type()
		if out.Ordering == ir.NotAtomic {
			return fail("ordering", fmt.Errorf("atomicrmw requires an ordering"))
		}

	case ir.OpCmpXchg:
		p, err := operand("ptr", in.Ptr)
		if err != nil {
			return err
		}
		c, err := operand("cmp", in.Cmp)
		if err != nil {
			return err
		}
		n, err := operand("new", in.New)
		if err != nil {
			return err
		}
		out.Operands = []ir.Value{p, c, n}
		out.Ty = ir.StructOf(n.Type(), ir.I1)
		if out.Ordering == ir.NotAtomic || out.FailureOrdering == ir.NotAtomic {
			return fail("ordering", fmt.Errorf("cmpxchg requires success and failure orderings"))
		}

	case ir.OpFence:
		out.Ty = ir.Void
		if out.Ordering == ir.NotAtomic {
			return fail("ordering", fmt.Errorf("fence requires an ordering"))
		}

	case ir.OpCall, ir.OpInvoke:
		callee, err := operand("callee", in.Callee)
		if err != nil {
			return err
		}
		out.Callee = callee
		for k, ref := range in.Args {
			v, err := operand(fmt.Sprintf("args[%d]", k), ref)
			if err != nil {
				return err
			}
			out.Operands = append(out.Operands, v)
		}
		if fn, ok := callee.(*ir.Function); ok {
			out.Ty = fn.Ret
		} else if in.Type != "" {
			if out.Ty, err = typ(); err != nil {
				return err
			}
		} else {
			out.Ty = ir.Void
		}
		if out.Op == ir.OpInvoke {
			normal, err := s.block(in.Normal)
			if err != nil {
				return fail("normal", err)
			}
			unwind, err := s.block(in.Unwind)
			if err != nil {
				return fail("unwind", err)
			}
			out.Succs = []*ir.Block{normal, unwind}
		}

	case ir.OpLandingPad:
		out.Ty = ir.StructOf(ir.Ptr, ir.I32)
		if in.Type != "" {
			if out.Ty, err = typ(); err != nil {
				return err
			}
		}
		out.Cleanup = in.Cleanup

	case ir.OpResume:
		v, err := operand("value", in.Value)
		if err != nil {
			return err
		}
		out.Ty = ir.Void
		out.Operands = []ir.Value{v}

	case ir.OpRet:
		out.Ty = ir.Void
		if in.Value != "" {
			v, err := operand("value", in.Value)
			if err != nil {
				return err
			}
			out.Operands = []ir.Value{v}
		}

	case ir.OpBr:
		dest, err := s.block(in.Dest)
		if err != nil {
			return fail("dest", err)
		}
		out.Ty = ir.Void
		out.Succs = []*ir.Block{dest}

	case ir.OpCondBr:
		c, err := operand("cond", in.Cond)
		if err != nil {
			return err
		}
		then, err := s.block(in.Then)
		if err != nil {
			return fail("then", err)
		}
		els, err := s.block(in.Else)
		if err != nil {
			return fail("else", err)
		}
		out.Ty = ir.Void
		out.Operands = []ir.Value{c}
		out.Succs = []*ir.Block{then, els}

	case ir.OpUnreachable:
		out.Ty = ir.Void

	case ir.OpPhi:
		if out.Ty, err = typ(); err != nil {
			return err
		}
		for k, e := range in.Incoming {
			v, err := operand(fmt.Sprintf("incoming[%d].value", k), e.Value)
			if err != nil {
				return err
			}
			from, err := s.block(e.Block)
			if err != nil {
				return fail(fmt.Sprintf("incoming[%d].block", k), err)
			}
			out.Operands = append(out.Operands, v)
			out.Incoming = append(out.Incoming, from)
		}

	case ir.OpExtractElement, ir.OpExtractValue, ir.OpInsertValue, ir.OpICmp, ir.OpOpaque:
		if out.Op == ir.OpOpaque {
			out.Opcode = in.Op
		}
		for k, ref := range in.Operands {
			v, err := operand(fmt.Sprintf("operands[%d]", k), ref)
			if err != nil {
				return err
			}
			out.Operands = append(out.Operands, v)
		}
		out.Indices = in.Positions
		out.Pred = in.Pred
		if err := s.resultType(out, in, typ); err != nil {
			return err
		}
	}
	return nil
}

// resultType infers the type of value-producing helper instructions when
// the document does not spell it out.
func (s *fnScope) resultType(out *ir.Instr, in *Instr, typ func() (*ir.Type, error)) error {
	if in.Type != "" {
		t, err := typ()
		if err != nil {
			return err
		}
		out.Ty = t
		return nil
	}
	need := func(n int) error {
		if len(out.Operands) < n {
			return &ParseError{Msg: fmt.Sprintf("%s needs %d operands", in.Op, n)}
		}
		return nil
	}
	switch out.Op {
	case ir.OpICmp:
		out.Ty = ir.I1
		if out.Pred == "" {
			out.Pred = "eq"
		}
		return need(2)
	case ir.OpExtractElement:
		if err := need(2); err != nil {
			return err
		}
		out.Ty = out.Operands[0].Type().Elem
	case ir.OpExtractValue:
		if err := need(1); err != nil {
			return err
		}
		t := out.Operands[0].Type()
		for _, p := range out.Indices {
			if t.Kind != ir.StructKind || int(p) >= len(t.Fields) {
				return &ParseError{Msg: fmt.Sprintf("extractvalue position %d out of range for %s", p, t)}
			}
			t = t.Fields[p]
		}
		out.Ty = t
	case ir.OpInsertValue:
		if err := need(2); err != nil {
			return err
		}
		out.Ty = out.Operands[0].Type()
	default:
		out.Ty = ir.Void
	}
	return nil
}
