package frontend

import (
	"go/types"
	"strings"

	"golang.org/x/tools/go/ssa"

	"github.com/kolkov/raceinstr/internal/ir"
)

// atomicOps lists sync/atomic operation prefixes. Package functions spell
// the operand type after the prefix (LoadInt32); typed methods use the
// bare prefix (Int32.Load).
var atomicOps = []string{"CompareAndSwap", "Load", "Store", "Add", "Swap", "And", "Or"}

var rmwOps = map[string]ir.RMWOp{
	"Add":  ir.RMWAdd,
	"Swap": ir.RMWXchg,
	"And":  ir.RMWAnd,
	"Or":   ir.RMWOr,
}

func atomicOp(name string) string {
	for _, op := range atomicOps {
		if strings.HasPrefix(name, op) {
			return op
		}
	}
	return ""
}

// atomic lowers a sync/atomic call to IR atomic instructions so the
// selector sees them as atomics instead of opaque calls. All operations
// are sequentially consistent. Returns false for calls it does not model
// (atomic.Value and friends).
func (fl *funcLowerer) atomic(callee *ssa.Function, args []ssa.Value, hint string) (ir.Value, bool) {
	op := atomicOp(callee.Name())
	if op == "" || len(args) == 0 {
		return nil, false
	}

	var (
		ptr  ir.Value
		cell types.Type
	)
	if recv := callee.Signature.Recv(); recv != nil {
		st, ok := deref(recv.Type()).Underlying().(*types.Struct)
		if !ok {
			return nil, false
		}
		idx := -1
		for i := 0; i < st.NumFields(); i++ {
			if st.Field(i).Name() == "v" {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, false
		}
		cell = st.Field(idx).Type()
		ptr = fl.emit(&ir.Instr{
			Op: ir.OpGEP, Ty: ir.Ptr, InBounds: true,
			ElemType: fl.types.irType(st),
			Operands: []ir.Value{fl.value(args[0]), ir.ConstI(ir.I32, 0), ir.ConstI(ir.I32, int64(idx))},
		}, "cell")
	} else {
		p, ok := args[0].Type().Underlying().(*types.Pointer)
		if !ok {
			return nil, false
		}
		cell = p.Elem()
		ptr = fl.value(args[0])
	}

	t := fl.types.irType(cell)
	if !t.IsInt() && !t.IsPointer() {
		return nil, false
	}
	align := fl.types.align(cell)
	ret := fl.resultType(callee.Signature.Results())

	// Bool stores its flag as a uint32; widen and narrow at the boundary.
	operand := func(v ssa.Value) ir.Value {
		x := fl.value(v)
		if x.Type().IsInt() && t.IsInt() && !x.Type().Equal(t) {
			return fl.b.CreateIntCast(x, t, false)
		}
		return x
	}
	result := func(x ir.Value) ir.Value {
		if x.Type().IsInt() && ret.IsInt() && !x.Type().Equal(ret) {
			return fl.b.CreateIntCast(x, ret, false)
		}
		return x
	}

	switch op {
	case "Load":
		return result(fl.emit(&ir.Instr{
			Op: ir.OpLoad, Ty: t,
			Operands: []ir.Value{ptr},
			Align:    align,
			Ordering: ir.SequentiallyConsistent,
		}, hint)), true

	case "Store":
		fl.emit(&ir.Instr{
			Op: ir.OpStore, Ty: ir.Void,
			Operands: []ir.Value{operand(args[1]), ptr},
			Align:    align,
			Ordering: ir.SequentiallyConsistent,
		}, "")
		return nil, true

	case "CompareAndSwap":
		pair := fl.emit(&ir.Instr{
			Op: ir.OpCmpXchg, Ty: ir.StructOf(t, ir.I1),
			Operands:        []ir.Value{ptr, operand(args[1]), operand(args[2])},
			Align:           align,
			Ordering:        ir.SequentiallyConsistent,
			FailureOrdering: ir.SequentiallyConsistent,
		}, "pair")
		ok := fl.emit(&ir.Instr{
			Op: ir.OpExtractValue, Ty: ir.I1,
			Operands: []ir.Value{pair},
			Indices:  []uint32{1},
		}, hint)
		return result(ok), true
	}

	delta := operand(args[1])
	old := fl.emit(&ir.Instr{
		Op: ir.OpAtomicRMW, Ty: t, RMW: rmwOps[op],
		Operands: []ir.Value{ptr, delta},
		Align:    align,
		Ordering: ir.SequentiallyConsistent,
	}, "old")
	if op != "Add" {
		return result(old), true
	}
	// Add returns the new value.
	return fl.emit(&ir.Instr{Op: ir.OpOpaque, Opcode: "add", Ty: t, Operands: []ir.Value{old, delta}}, hint), true
}
