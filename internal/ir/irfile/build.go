package irfile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kolkov/raceinstr/internal/ir"
)

type builder struct {
	mod     *ir.Module
	globals map[string]ir.Value
	funcs   []*ir.Function
}

// declare creates globals and function shells so bodies may refer to any
// of them regardless of order.
func (b *builder) declare(f *File) error {
	for i, g := range f.Globals {
		path := fmt.Sprintf("globals[%d]", i)
		if g.Name == "" {
			return &ParseError{Path: path + ".name", Msg: "name is required"}
		}
		if _, dup := b.globals[g.Name]; dup {
			return &ParseError{Path: path + ".name", Msg: fmt.Sprintf("duplicate symbol @%s", g.Name)}
		}
		t, err := ir.ParseType(g.Type)
		if err != nil {
			return &ParseError{Path: path + ".type", Msg: err.Error()}
		}
		gv := b.mod.AddGlobal(g.Name, t)
		gv.Constant = g.Constant
		gv.Section = g.Section
		gv.AddrSpace = g.AddrSpace
		b.globals[g.Name] = gv
	}

	for i, fn := range f.Functions {
		path := fmt.Sprintf("functions[%d]", i)
		if fn.Name == "" {
			return &ParseError{Path: path + ".name", Msg: "name is required"}
		}
		if _, dup := b.globals[fn.Name]; dup {
			return &ParseError{Path: path + ".name", Msg: fmt.Sprintf("duplicate symbol @%s", fn.Name)}
		}
		ret := ir.Void
		if fn.Ret != "" {
			t, err := ir.ParseType(fn.Ret)
			if err != nil {
				return &ParseError{Path: path + ".ret", Msg: err.Error()}
			}
			ret = t
		}
		var attrs ir.Attr
		for k, a := range fn.Attrs {
			flag, ok := ir.ParseAttr(a)
			if !ok {
				return &ParseError{Path: fmt.Sprintf("%s.attrs[%d]", path, k), Msg: fmt.Sprintf("unknown attribute %q", a)}
			}
			attrs |= flag
		}
		out := b.mod.AddFunction(fn.Name, ret, attrs)
		out.Variadic = fn.Variadic
		out.Intrinsic = ir.IntrinsicByName(fn.Name)
		for k, p := range fn.Params {
			t, err := ir.ParseType(p.Type)
			if err != nil {
				return &ParseError{Path: fmt.Sprintf("%s.params[%d].type", path, k), Msg: err.Error()}
			}
			if got := out.AddParam(p.Name, t); p.Name != "" && got.Name != p.Name {
				return &ParseError{Path: fmt.Sprintf("%s.params[%d].name", path, k), Msg: fmt.Sprintf("duplicate local %%%s", p.Name)}
			}
		}
		b.globals[fn.Name] = out
		b.funcs = append(b.funcs, out)
	}

	for i, fn := range f.Functions {
		if fn.Personality == "" {
			continue
		}
		pers, ok := b.globals[fn.Personality].(*ir.Function)
		if !ok {
			return &ParseError{Path: fmt.Sprintf("functions[%d].personality", i), Msg: fmt.Sprintf("unknown function @%s", fn.Personality)}
		}
		b.funcs[i].Personality = pers
	}
	return nil
}

type fnScope struct {
	*builder
	fn     *ir.Function
	locals map[string]ir.Value
	blocks map[string]*ir.Block
}

// define fills in the body of the i-th function in two passes: first every
// block and named instruction is created, then operands are resolved.
func (b *builder) define(i int, src *Function) error {
	fn := b.funcs[i]
	s := &fnScope{
		builder: b,
		fn:      fn,
		locals:  make(map[string]ir.Value),
		blocks:  make(map[string]*ir.Block),
	}
	for _, p := range fn.Params {
		s.locals[p.Name] = p
	}

	path := fmt.Sprintf("functions[%d]", i)
	shells := make([][]*ir.Instr, len(src.Blocks))
	for bi, blk := range src.Blocks {
		bpath := fmt.Sprintf("%s.blocks[%d]", path, bi)
		if blk.Name == "" {
			return &ParseError{Path: bpath + ".name", Msg: "name is required"}
		}
		if _, dup := s.blocks[blk.Name]; dup {
			return &ParseError{Path: bpath + ".name", Msg: fmt.Sprintf("duplicate block %q", blk.Name)}
		}
		bb := fn.NewBlock(blk.Name)
		s.blocks[blk.Name] = bb
		for ii, in := range blk.Instrs {
			op, ok := opcodes[in.Op]
			if !ok {
				op = ir.OpOpaque
			}
			shell := &ir.Instr{Op: op}
			if in.Name != "" {
				if _, dup := s.locals[in.Name]; dup {
					return &ParseError{Path: fmt.Sprintf("%s.instrs[%d].name", bpath, ii), Msg: fmt.Sprintf("duplicate local %%%s", in.Name)}
				}
				shell.Name = fn.FreshName(in.Name)
				s.locals[in.Name] = shell
			}
			bb.Append(shell)
			shells[bi] = append(shells[bi], shell)
		}
	}

	for bi, blk := range src.Blocks {
		for ii := range blk.Instrs {
			ipath := fmt.Sprintf("%s.blocks[%d].instrs[%d]", path, bi, ii)
			if err := s.fill(shells[bi][ii], &blk.Instrs[ii], ipath); err != nil {
				return err
			}
		}
	}

	for _, bb := range fn.Blocks {
		if bb.Terminator() == nil {
			return &ParseError{Path: path, Msg: fmt.Sprintf("block %q does not end in a terminator", bb.Name)}
		}
	}
	return nil
}

var opcodes = map[string]ir.Op{
	"alloca":         ir.OpAlloca,
	"load":           ir.OpLoad,
	"store":          ir.OpStore,
	"gep":            ir.OpGEP,
	"cast":           ir.OpCast,
	"atomicrmw":      ir.OpAtomicRMW,
	"cmpxchg":        ir.OpCmpXchg,
	"fence":          ir.OpFence,
	"call":           ir.OpCall,
	"invoke":         ir.OpInvoke,
	"landingpad":     ir.OpLandingPad,
	"resume":         ir.OpResume,
	"ret":            ir.OpRet,
	"br":             ir.OpBr,
	"condbr":         ir.OpCondBr,
	"unreachable":    ir.OpUnreachable,
	"phi":            ir.OpPhi,
	"extractelement": ir.OpExtractElement,
	"extractvalue":   ir.OpExtractValue,
	"insertvalue":    ir.OpInsertValue,
	"icmp":           ir.OpICmp,
}

// resolve turns an operand reference into a value.
func (s *fnScope) resolve(ref string) (ir.Value, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, fmt.Errorf("missing operand")
	case ref == "true":
		return ir.ConstI(ir.I1, 1), nil
	case ref == "false":
		return ir.ConstI(ir.I1, 0), nil
	case ref == "null":
		return ir.Null(ir.Ptr), nil
	case strings.HasPrefix(ref, "%"):
		v, ok := s.locals[ref[1:]]
		if !ok {
			return nil, fmt.Errorf("unknown value %s", ref)
		}
		return v, nil
	case strings.HasPrefix(ref, "@"):
		v, ok := s.globals[ref[1:]]
		if !ok {
			return nil, fmt.Errorf("unknown symbol %s", ref)
		}
		return v, nil
	case strings.HasPrefix(ref, "undef "):
		t, err := ir.ParseType(ref[len("undef "):])
		if err != nil {
			return nil, err
		}
		return ir.Undef(t), nil
	}
	sp := strings.LastIndexByte(ref, ' ')
	if sp < 0 {
		return nil, fmt.Errorf("operand %q needs a type, e.g. \"i32 %s\"", ref, ref)
	}
	t, err := ir.ParseType(ref[:sp])
	if err != nil {
		return nil, err
	}
	lit := ref[sp+1:]
	if lit == "null" && t.IsPointer() {
		return ir.Null(t), nil
	}
	if lit == "undef" {
		return ir.Undef(t), nil
	}
	n, err := strconv.ParseInt(lit, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("bad integer literal %q", lit)
	}
	return ir.ConstI(t, n), nil
}

func (s *fnScope) block(name string) (*ir.Block, error) {
	b, ok := s.blocks[strings.TrimPrefix(name, "%")]
	if !ok {
		return nil, fmt.Errorf("unknown block %q", name)
	}
	return b, nil
}
