package frontend

import (
	"fmt"
	"go/constant"
	"go/token"
	"go/types"
	"log/slog"
	"strings"

	"golang.org/x/tools/go/ssa"

	"github.com/kolkov/raceinstr/internal/ir"
)

// lowerer owns the module being built and the cross-function tables.
type lowerer struct {
	mod          *ir.Module
	types        *typeMapper
	funcs        map[*ssa.Function]*ir.Function
	globals      map[*ssa.Global]*ir.Global
	skipPrefixes []string
	log          *slog.Logger
}

// funcLowerer lowers one SSA function body.
type funcLowerer struct {
	*lowerer
	fn     *ssa.Function
	out    *ir.Function
	values map[ssa.Value]ir.Value
	blocks map[*ssa.BasicBlock]*ir.Block
	phis   []pendingPhi
	b      *ir.Builder
}

type pendingPhi struct {
	in  *ir.Instr
	src *ssa.Phi
}

// funcName is the linker-style symbol of fn.
func funcName(fn *ssa.Function) string {
	return fn.String()
}

// pkgPath returns the import path of the package declaring fn, looking
// through generic instantiation. Synthetic functions without a package
// return "".
func pkgPath(fn *ssa.Function) string {
	if o := fn.Origin(); o != nil {
		fn = o
	}
	if fn.Pkg != nil {
		return fn.Pkg.Pkg.Path()
	}
	if obj := fn.Object(); obj != nil && obj.Pkg() != nil {
		return obj.Pkg().Path()
	}
	return ""
}

// signature returns the IR return and parameter types of fn. Free
// variables of closures come first, followed by the receiver and the
// declared parameters.
func (l *lowerer) signature(fn *ssa.Function) (*ir.Type, []*ir.Type) {
	var params []*ir.Type
	for _, fv := range fn.FreeVars {
		params = append(params, l.types.irType(fv.Type()))
	}
	sig := fn.Signature
	if recv := sig.Recv(); recv != nil {
		params = append(params, l.types.irType(recv.Type()))
	}
	for i := 0; i < sig.Params().Len(); i++ {
		params = append(params, l.types.irType(sig.Params().At(i).Type()))
	}
	return l.resultType(sig.Results()), params
}

// valueType is the IR type of an instruction result; an empty tuple is
// void.
func (l *lowerer) valueType(t types.Type) *ir.Type {
	if tup, ok := t.(*types.Tuple); ok {
		return l.resultType(tup)
	}
	return l.types.irType(t)
}

func (l *lowerer) resultType(res *types.Tuple) *ir.Type {
	switch res.Len() {
	case 0:
		return ir.Void
	case 1:
		return l.types.irType(res.At(0).Type())
	}
	return l.types.irType(res)
}

// function returns the IR function for fn, declaring it on first use.
func (l *lowerer) function(fn *ssa.Function) *ir.Function {
	if f, ok := l.funcs[fn]; ok {
		return f
	}
	ret, params := l.signature(fn)
	f := l.mod.GetOrInsertFunction(funcName(fn), 0, ret, params...)
	l.funcs[fn] = f
	return f
}

// runtimeFunc declares a variadic Go runtime helper. Call sites carry
// their own result type; ret only describes the first declaration.
func (l *lowerer) runtimeFunc(name string, ret *ir.Type) *ir.Function {
	f := l.mod.GetOrInsertFunction("runtime."+name, 0, ret)
	f.Variadic = true
	return f
}

// global returns the IR global for g. Globals whose name matches a skip
// prefix keep that name first so prefix rules apply to them.
func (l *lowerer) global(g *ssa.Global) *ir.Global {
	if ig, ok := l.globals[g]; ok {
		return ig
	}
	name := g.String()
	for _, p := range l.skipPrefixes {
		if strings.HasPrefix(g.Name(), p) {
			name = g.Name() + "." + g.Pkg.Pkg.Path()
			l.log.Debug("skip-prefix global", slog.String("global", g.String()), slog.String("name", name))
			break
		}
	}
	elem := g.Type().(*types.Pointer).Elem()
	ig := l.mod.AddGlobal(name, l.types.irType(elem))
	l.globals[g] = ig
	return ig
}

// lowerBody fills out, a definition previously created for fn.
func (l *lowerer) lowerBody(fn *ssa.Function, out *ir.Function) (err error) {
	fl := &funcLowerer{
		lowerer: l,
		fn:      fn,
		out:     out,
		values:  make(map[ssa.Value]ir.Value),
		blocks:  make(map[*ssa.BasicBlock]*ir.Block),
	}

	k := 0
	for _, fv := range fn.FreeVars {
		fl.values[fv] = out.Params[k]
		k++
	}
	for _, p := range fn.Params {
		fl.values[p] = out.Params[k]
		k++
	}

	for _, bb := range fn.Blocks {
		name := fmt.Sprintf("b%d", bb.Index)
		if bb.Index == 0 {
			name = "entry"
		}
		fl.blocks[bb] = out.NewBlock(name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lower %s: %v", funcName(fn), r)
		}
	}()

	for _, bb := range fn.DomPreorder() {
		fl.b = ir.NewBuilderAtEnd(fl.blocks[bb])
		for _, instr := range bb.Instrs {
			fl.instr(instr)
		}
	}
	// Blocks unreachable from entry still need a terminator.
	for _, bb := range fn.Blocks {
		if blk := fl.blocks[bb]; blk.Terminator() == nil {
			ir.NewBuilderAtEnd(blk).Insert(&ir.Instr{Op: ir.OpUnreachable, Ty: ir.Void}, "")
		}
	}
	for _, p := range fl.phis {
		for i, e := range p.src.Edges {
			p.in.Operands[i] = fl.value(e)
			p.in.Incoming[i] = fl.blocks[p.src.Block().Preds[i]]
		}
	}
	return nil
}

func (fl *funcLowerer) bind(v ssa.Value, iv ir.Value) {
	fl.values[v] = iv
}

func (fl *funcLowerer) emit(in *ir.Instr, hint string) *ir.Instr {
	return fl.b.Insert(in, hint)
}

// value returns the IR operand for v.
func (fl *funcLowerer) value(v ssa.Value) ir.Value {
	if iv, ok := fl.values[v]; ok {
		return iv
	}
	switch v := v.(type) {
	case *ssa.Const:
		return fl.constant(v)
	case *ssa.Global:
		return fl.global(v)
	case *ssa.Function:
		return fl.function(v)
	}
	panic(fmt.Sprintf("value %s (%T) used before definition", v.Name(), v))
}

func (fl *funcLowerer) constant(c *ssa.Const) ir.Value {
	t := fl.types.irType(c.Type())
	if c.Value == nil {
		if t.IsPointer() {
			return ir.Null(t)
		}
		return ir.Undef(t)
	}
	switch c.Value.Kind() {
	case constant.Bool:
		if constant.BoolVal(c.Value) {
			return ir.ConstI(t, 1)
		}
		return ir.ConstI(t, 0)
	case constant.Int:
		if !t.IsInt() {
			break
		}
		if n, ok := constant.Int64Val(c.Value); ok {
			return ir.ConstI(t, n)
		}
		if n, ok := constant.Uint64Val(c.Value); ok {
			return ir.ConstI(t, int64(n))
		}
	}
	return ir.Undef(t)
}

// deref returns the element type of pointer type t.
func deref(t types.Type) types.Type {
	return t.Underlying().(*types.Pointer).Elem()
}

func (fl *funcLowerer) instr(instr ssa.Instruction) {
	switch v := instr.(type) {
	case *ssa.DebugRef:

	case *ssa.Alloc:
		elem := deref(v.Type())
		if v.Heap {
			newobject := fl.runtimeFunc("newobject", ir.Ptr)
			fl.bind(v, fl.emit(&ir.Instr{Op: ir.OpCall, Ty: ir.Ptr, Callee: newobject, Operands: []ir.Value{ir.Null(ir.Ptr)}}, v.Name()))
			return
		}
		fl.bind(v, fl.emit(&ir.Instr{
			Op: ir.OpAlloca, Ty: ir.Ptr,
			ElemType: fl.types.irType(elem),
			Align:    fl.types.align(elem),
		}, v.Name()))

	case *ssa.Store:
		fl.emit(&ir.Instr{
			Op: ir.OpStore, Ty: ir.Void,
			Operands: []ir.Value{fl.value(v.Val), fl.value(v.Addr)},
			Align:    fl.types.align(v.Val.Type()),
		}, "")

	case *ssa.UnOp:
		fl.unop(v)

	case *ssa.BinOp:
		fl.binop(v)

	case *ssa.FieldAddr:
		st := deref(v.X.Type())
		fl.bind(v, fl.emit(&ir.Instr{
			Op: ir.OpGEP, Ty: ir.Ptr, InBounds: true,
			ElemType: fl.types.irType(st),
			Operands: []ir.Value{fl.value(v.X), ir.ConstI(ir.I32, 0), ir.ConstI(ir.I32, int64(v.Field))},
		}, v.Name()))

	case *ssa.IndexAddr:
		fl.indexAddr(v)

	case *ssa.Field:
		fl.bind(v, fl.emit(&ir.Instr{
			Op: ir.OpExtractValue, Ty: fl.types.irType(v.Type()),
			Operands: []ir.Value{fl.value(v.X)},
			Indices:  []uint32{uint32(v.Field)},
		}, v.Name()))

	case *ssa.Extract:
		fl.bind(v, fl.emit(&ir.Instr{
			Op: ir.OpExtractValue, Ty: fl.types.irType(v.Type()),
			Operands: []ir.Value{fl.value(v.Tuple)},
			Indices:  []uint32{uint32(v.Index)},
		}, v.Name()))

	case *ssa.Call:
		if iv := fl.call(v.Common(), v.Type(), v.Name()); iv != nil {
			fl.bind(v, iv)
		}

	case *ssa.Go:
		fl.spawn("newproc", v.Common())

	case *ssa.Defer:
		fl.spawn("deferproc", v.Common())

	case *ssa.RunDefers:
		fl.emit(&ir.Instr{Op: ir.OpCall, Ty: ir.Void, Callee: fl.runtimeFunc("deferreturn", ir.Void)}, "")

	case *ssa.Panic:
		x := fl.value(v.X)
		fl.emit(&ir.Instr{Op: ir.OpCall, Ty: ir.Void, Callee: fl.runtimeFunc("gopanic", ir.Void), Operands: []ir.Value{x}}, "")
		fl.emit(&ir.Instr{Op: ir.OpUnreachable, Ty: ir.Void}, "")

	case *ssa.Return:
		fl.ret(v)

	case *ssa.If:
		succ := v.Block().Succs
		fl.emit(&ir.Instr{
			Op: ir.OpCondBr, Ty: ir.Void,
			Operands: []ir.Value{fl.value(v.Cond)},
			Succs:    []*ir.Block{fl.blocks[succ[0]], fl.blocks[succ[1]]},
		}, "")

	case *ssa.Jump:
		fl.b.CreateBr(fl.blocks[v.Block().Succs[0]])

	case *ssa.Phi:
		in := fl.emit(&ir.Instr{
			Op: ir.OpPhi, Ty: fl.types.irType(v.Type()),
			Operands: make([]ir.Value, len(v.Edges)),
			Incoming: make([]*ir.Block, len(v.Edges)),
		}, v.Name())
		fl.bind(v, in)
		fl.phis = append(fl.phis, pendingPhi{in: in, src: v})

	case *ssa.ChangeType:
		fl.bind(v, fl.value(v.X))

	case *ssa.ChangeInterface:
		fl.bind(v, fl.value(v.X))

	case *ssa.Convert:
		fl.convert(v)

	case *ssa.SliceToArrayPointer:
		fl.bind(v, fl.emit(&ir.Instr{
			Op: ir.OpExtractValue, Ty: ir.Ptr,
			Operands: []ir.Value{fl.value(v.X)},
			Indices:  []uint32{0},
		}, v.Name()))

	case *ssa.MakeClosure:
		args := []ir.Value{fl.value(v.Fn)}
		for _, b := range v.Bindings {
			args = append(args, fl.value(b))
		}
		fl.bind(v, fl.emit(&ir.Instr{Op: ir.OpCall, Ty: ir.Ptr, Callee: fl.runtimeFunc("makeclosure", ir.Ptr), Operands: args}, v.Name()))

	case *ssa.MapUpdate:
		fl.emit(&ir.Instr{
			Op: ir.OpCall, Ty: ir.Void, Callee: fl.runtimeFunc("mapassign", ir.Void),
			Operands: []ir.Value{fl.value(v.Map), fl.value(v.Key), fl.value(v.Value)},
		}, "")

	case *ssa.Send:
		fl.emit(&ir.Instr{
			Op: ir.OpCall, Ty: ir.Void, Callee: fl.runtimeFunc("chansend1", ir.Void),
			Operands: []ir.Value{fl.value(v.Chan), fl.value(v.X)},
		}, "")

	case ssa.Value:
		fl.generic(v)

	default:
		panic(fmt.Sprintf("unsupported instruction %T", instr))
	}
}

func (fl *funcLowerer) unop(v *ssa.UnOp) {
	x := fl.value(v.X)
	t := fl.types.irType(v.Type())
	switch v.Op {
	case token.MUL:
		fl.bind(v, fl.emit(&ir.Instr{
			Op: ir.OpLoad, Ty: t,
			Operands: []ir.Value{x},
			Align:    fl.types.align(v.Type()),
		}, v.Name()))
	case token.ARROW:
		fn := fl.runtimeFunc("chanrecv", t)
		fl.bind(v, fl.emit(&ir.Instr{Op: ir.OpCall, Ty: t, Callee: fn, Operands: []ir.Value{x}}, v.Name()))
	default:
		names := map[token.Token]string{token.SUB: "neg", token.NOT: "not", token.XOR: "xor"}
		fl.bind(v, fl.emit(&ir.Instr{Op: ir.OpOpaque, Opcode: names[v.Op], Ty: t, Operands: []ir.Value{x}}, v.Name()))
	}
}

var cmpPreds = map[token.Token]string{
	token.EQL: "eq", token.NEQ: "ne",
	token.LSS: "slt", token.LEQ: "sle", token.GTR: "sgt", token.GEQ: "sge",
}

var arithOps = map[token.Token]string{
	token.ADD: "add", token.SUB: "sub", token.MUL: "mul", token.QUO: "div", token.REM: "rem",
	token.AND: "and", token.OR: "or", token.XOR: "xor", token.AND_NOT: "andnot",
	token.SHL: "shl", token.SHR: "shr",
}

func (fl *funcLowerer) binop(v *ssa.BinOp) {
	x, y := fl.value(v.X), fl.value(v.Y)
	if pred, ok := cmpPreds[v.Op]; ok {
		fl.bind(v, fl.emit(&ir.Instr{Op: ir.OpICmp, Pred: pred, Ty: ir.I1, Operands: []ir.Value{x, y}}, v.Name()))
		return
	}
	fl.bind(v, fl.emit(&ir.Instr{
		Op: ir.OpOpaque, Opcode: arithOps[v.Op],
		Ty:       fl.types.irType(v.Type()),
		Operands: []ir.Value{x, y},
	}, v.Name()))
}

func (fl *funcLowerer) indexAddr(v *ssa.IndexAddr) {
	x, idx := fl.value(v.X), fl.value(v.Index)
	switch t := v.X.Type().Underlying().(type) {
	case *types.Pointer:
		arr := t.Elem()
		fl.bind(v, fl.emit(&ir.Instr{
			Op: ir.OpGEP, Ty: ir.Ptr, InBounds: true,
			ElemType: fl.types.irType(arr),
			Operands: []ir.Value{x, ir.ConstI(fl.types.intptr, 0), idx},
		}, v.Name()))
	case *types.Slice:
		data := fl.emit(&ir.Instr{
			Op: ir.OpExtractValue, Ty: ir.Ptr,
			Operands: []ir.Value{x},
			Indices:  []uint32{0},
		}, "data")
		fl.bind(v, fl.emit(&ir.Instr{
			Op: ir.OpGEP, Ty: ir.Ptr, InBounds: true,
			ElemType: fl.types.irType(t.Elem()),
			Operands: []ir.Value{data, idx},
		}, v.Name()))
	default:
		panic(fmt.Sprintf("IndexAddr on %s", v.X.Type()))
	}
}

func (fl *funcLowerer) convert(v *ssa.Convert) {
	x := fl.value(v.X)
	from, to := x.Type(), fl.types.irType(v.Type())
	kind := ir.CastBitcast
	switch {
	case from.IsPointer() && to.IsInt():
		kind = ir.CastPtrToInt
	case from.IsInt() && to.IsPointer():
		kind = ir.CastIntToPtr
	case from.IsInt() && to.IsInt() && from.Bits > to.Bits:
		kind = ir.CastTrunc
	case from.IsInt() && to.IsInt() && from.Bits < to.Bits:
		kind = ir.CastZExt
		if b, ok := v.X.Type().Underlying().(*types.Basic); ok && b.Info()&types.IsUnsigned == 0 {
			kind = ir.CastSExt
		}
	case from.Equal(to):
		fl.bind(v, x)
		return
	case from.IsInt() || to.IsInt():
		fl.bind(v, fl.emit(&ir.Instr{Op: ir.OpOpaque, Opcode: "convert", Ty: to, Operands: []ir.Value{x}}, v.Name()))
		return
	}
	fl.bind(v, fl.emit(&ir.Instr{Op: ir.OpCast, Cast: kind, Ty: to, Operands: []ir.Value{x}}, v.Name()))
}

// generic lowers value-producing instructions whose effect on memory is
// owned by the runtime: they become calls to runtime helpers, or opaque
// computations when they only shuffle registers.
func (fl *funcLowerer) generic(v ssa.Value) {
	t := fl.types.irType(v.Type())
	var ops []ir.Value
	for _, op := range v.(ssa.Instruction).Operands(nil) {
		if *op != nil {
			ops = append(ops, fl.value(*op))
		}
	}

	var helper string
	switch v := v.(type) {
	case *ssa.MakeMap:
		helper = "makemap"
	case *ssa.MakeChan:
		helper = "makechan"
	case *ssa.MakeSlice:
		helper = "makeslice"
	case *ssa.Select:
		helper = "selectgo"
	case *ssa.Range:
		helper = "rangeinit"
	case *ssa.Next:
		helper = "rangenext"
	case *ssa.Lookup:
		if _, isMap := v.X.Type().Underlying().(*types.Map); isMap {
			helper = "mapaccess"
		}
	}

	if helper == "" {
		opcode := strings.ToLower(strings.TrimPrefix(fmt.Sprintf("%T", v), "*ssa."))
		fl.bind(v, fl.emit(&ir.Instr{Op: ir.OpOpaque, Opcode: opcode, Ty: t, Operands: ops}, v.Name()))
		return
	}
	fl.bind(v, fl.emit(&ir.Instr{Op: ir.OpCall, Ty: t, Callee: fl.runtimeFunc(helper, t), Operands: ops}, v.Name()))
}

func (fl *funcLowerer) ret(v *ssa.Return) {
	switch len(v.Results) {
	case 0:
		fl.b.CreateRet(nil)
	case 1:
		fl.b.CreateRet(fl.value(v.Results[0]))
	default:
		var agg ir.Value = ir.Undef(fl.out.Ret)
		for i, r := range v.Results {
			agg = fl.b.CreateInsertValue(agg, fl.value(r), uint32(i))
		}
		fl.b.CreateRet(agg)
	}
}

// spawn lowers go and defer statements to a runtime call taking the
// target function value and its arguments.
func (fl *funcLowerer) spawn(helper string, c *ssa.CallCommon) {
	var target ir.Value
	if c.IsInvoke() {
		target = fl.methodValue(c)
	} else if _, ok := c.Value.(*ssa.Builtin); ok {
		target = ir.Null(ir.Ptr)
	} else {
		target = fl.value(c.Value)
	}
	args := []ir.Value{target}
	for _, a := range c.Args {
		args = append(args, fl.value(a))
	}
	fl.emit(&ir.Instr{Op: ir.OpCall, Ty: ir.Void, Callee: fl.runtimeFunc(helper, ir.Void), Operands: args}, "")
}

// methodValue looks up the method of an interface call.
func (fl *funcLowerer) methodValue(c *ssa.CallCommon) ir.Value {
	iface := fl.value(c.Value)
	return fl.emit(&ir.Instr{
		Op: ir.OpOpaque, Opcode: "method." + c.Method.Name(), Ty: ir.Ptr,
		Operands: []ir.Value{iface},
	}, "fn")
}

// call lowers a call and returns its result, or nil for void calls.
func (fl *funcLowerer) call(c *ssa.CallCommon, result types.Type, hint string) ir.Value {
	if callee := c.StaticCallee(); callee != nil && pkgPath(callee) == "sync/atomic" {
		if iv, ok := fl.atomic(callee, c.Args, hint); ok {
			return iv
		}
	}
	if b, ok := c.Value.(*ssa.Builtin); ok {
		return fl.builtin(b, c.Args, result, hint)
	}

	var args []ir.Value
	var callee ir.Value
	switch {
	case c.IsInvoke():
		callee = fl.methodValue(c)
		iface := fl.value(c.Value)
		args = append(args, fl.emit(&ir.Instr{
			Op: ir.OpExtractValue, Ty: ir.Ptr,
			Operands: []ir.Value{iface},
			Indices:  []uint32{1},
		}, "recv"))
	default:
		if fn, ok := c.Value.(*ssa.Function); ok {
			callee = fl.function(fn)
		} else {
			callee = fl.value(c.Value)
		}
	}
	for _, a := range c.Args {
		args = append(args, fl.value(a))
	}

	t := fl.resultType(c.Signature().Results())
	in := fl.emit(&ir.Instr{Op: ir.OpCall, Ty: t, Callee: callee, Operands: args}, hint)
	if t.IsVoid() {
		return nil
	}
	return in
}

// builtin lowers calls to predeclared functions. copy becomes a memmove
// intrinsic so the runtime sees the whole range; the rest become runtime
// helpers or opaque computations.
func (fl *funcLowerer) builtin(b *ssa.Builtin, args []ssa.Value, result types.Type, hint string) ir.Value {
	t := fl.valueType(result)

	ops := make([]ir.Value, len(args))
	for i, a := range args {
		ops[i] = fl.value(a)
	}

	switch b.Name() {
	case "len", "cap", "min", "max", "real", "imag", "complex":
		return fl.emit(&ir.Instr{Op: ir.OpOpaque, Opcode: b.Name(), Ty: t, Operands: ops}, hint)

	case "copy":
		dst := fl.emit(&ir.Instr{Op: ir.OpExtractValue, Ty: ir.Ptr, Operands: []ir.Value{ops[0]}, Indices: []uint32{0}}, "dst")
		src := ops[1]
		if src.Type().Kind == ir.StructKind {
			src = fl.emit(&ir.Instr{Op: ir.OpExtractValue, Ty: ir.Ptr, Operands: []ir.Value{ops[1]}, Indices: []uint32{0}}, "src")
		}
		n := fl.emit(&ir.Instr{Op: ir.OpOpaque, Opcode: "copylen", Ty: fl.types.intptr, Operands: ops}, hint)
		bytes := n
		if elem := args[0].Type().Underlying().(*types.Slice).Elem(); fl.types.sizes.Sizeof(elem) != 1 {
			bytes = fl.emit(&ir.Instr{
				Op: ir.OpOpaque, Opcode: "mul", Ty: fl.types.intptr,
				Operands: []ir.Value{n, ir.ConstI(fl.types.intptr, fl.types.sizes.Sizeof(elem))},
			}, "bytes")
		}
		memmove := fl.mod.Intrinsic(ir.IntrinsicMemMove)
		fl.b.CreateCall(memmove, dst, src, fl.b.CreateIntCast(bytes, ir.I64, false), ir.ConstI(ir.I1, 0))
		return n
	}

	in := fl.emit(&ir.Instr{Op: ir.OpCall, Ty: t, Callee: fl.runtimeFunc("builtin."+b.Name(), t), Operands: ops}, hint)
	if t.IsVoid() {
		return nil
	}
	return in
}
