package instrument

import (
	"fmt"

	"github.com/kolkov/raceinstr/cmd/racedetector/runtime"
	"github.com/kolkov/raceinstr/internal/ir"
)

// EncodeOrdering returns the integer the runtime expects for an ordering:
//
//	unordered, monotonic  0
//	acquire               2
//	release               3
//	acq_rel               4
//	seq_cst               5
//
// Value 1 is reserved for consume, which has no IR spelling. Passing
// NotAtomic is a caller bug and panics.
func EncodeOrdering(o ir.Ordering) int64 {
	switch o {
	case ir.Unordered, ir.Monotonic:
		return 0
	case ir.Acquire:
		return 2
	case ir.Release:
		return 3
	case ir.AcquireRelease:
		return 4
	case ir.SequentiallyConsistent:
		return 5
	}
	panic(fmt.Sprintf("instrument: unexpected atomic ordering %q", o))
}

func ordering(o ir.Ordering) *ir.Const {
	return ir.ConstI(ir.I32, EncodeOrdering(o))
}

// instrumentAtomic replaces an atomic instruction with the equivalent
// runtime call. Addresses are passed as pointers to an integer of the
// access width; values are converted to that integer. Returns false when
// the instruction was left alone (unsupported width or operation).
func (p *functionPass) instrumentAtomic(in *ir.Instr) bool {
	if in.Op == ir.OpFence {
		fence := p.rt.AtomicThreadFence
		if in.Scope == ir.ScopeSingleThread {
			fence = p.rt.AtomicSignalFence
		}
		b := ir.NewBuilder(in)
		b.CreateCall(fence, ordering(in.Ordering))
		in.EraseFromParent()
		return true
	}

	addr := in.PointerOperand()
	idx := accessFuncIndex(p.mod.Layout, in.AccessType())
	if idx < 0 {
		p.stats.AccessesWithBadSize++
		return false
	}
	ty := ir.Int(uint32(runtime.AccessSize(idx) * 8))
	ptrTy := ir.PointerTo(ty)
	b := ir.NewBuilder(in)

	switch in.Op {
	case ir.OpLoad:
		call := b.CreateCall(p.rt.AtomicLoad[idx], b.CreatePointerCast(addr, ptrTy), ordering(in.Ordering))
		res := b.CreateBitOrPointerCast(call, in.Ty)
		ir.ReplaceAllUsesWith(p.fn, in, res)
		in.EraseFromParent()

	case ir.OpStore:
		b.CreateCall(p.rt.AtomicStore[idx],
			b.CreatePointerCast(addr, ptrTy),
			b.CreateBitOrPointerCast(in.ValueOperand(), ty),
			ordering(in.Ordering))
		in.EraseFromParent()

	case ir.OpAtomicRMW:
		fn := p.rt.AtomicRMW(in.RMW, idx)
		if fn == nil {
			return false
		}
		call := b.CreateCall(fn,
			b.CreatePointerCast(addr, ptrTy),
			b.CreateIntCast(in.ValueOperand(), ty, false),
			ordering(in.Ordering))
		res := b.CreateBitOrPointerCast(call, in.Ty)
		ir.ReplaceAllUsesWith(p.fn, in, res)
		in.EraseFromParent()

	case ir.OpCmpXchg:
		origTy := in.ValueOperand().Type()
		cmp := b.CreateBitOrPointerCast(in.Operands[1], ty)
		repl := b.CreateBitOrPointerCast(in.Operands[2], ty)
		call := b.CreateCall(p.rt.AtomicCAS[idx],
			b.CreatePointerCast(addr, ptrTy),
			cmp,
			repl,
			ordering(in.Ordering),
			ordering(in.FailureOrdering))
		success := b.CreateICmpEQ(call, cmp)
		var old ir.Value = call
		if !ty.Equal(origTy) {
			old = b.CreateCast(ir.CastIntToPtr, call, origTy)
		}
		res := b.CreateInsertValue(ir.Undef(in.Ty), old, 0)
		res = b.CreateInsertValue(res, success, 1)
		ir.ReplaceAllUsesWith(p.fn, in, res)
		in.EraseFromParent()

	default:
		return false
	}
	return true
}
