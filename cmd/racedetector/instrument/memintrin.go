package instrument

import (
	"github.com/kolkov/raceinstr/internal/ir"
)

// instrumentMemIntrinsic turns a memset, memcpy or memmove intrinsic into
// a call to the library function of the same name, which the runtime
// intercepts. An intrinsic could otherwise be expanded inline by the code
// generator and its accesses would go unchecked.
//
// Reports whether in was replaced.
func (p *functionPass) instrumentMemIntrinsic(in *ir.Instr) bool {
	b := ir.NewBuilder(in)
	intptr := p.mod.Layout.IntPtrType()
	args := in.Operands

	switch in.Intrinsic() {
	case ir.IntrinsicMemSet:
		b.CreateCall(p.rt.Memset,
			b.CreatePointerCast(args[0], ir.Ptr),
			b.CreateIntCast(args[1], ir.I32, false),
			b.CreateIntCast(args[2], intptr, false))
	case ir.IntrinsicMemCpy, ir.IntrinsicMemMove:
		fn := p.rt.Memcpy
		if in.Intrinsic() == ir.IntrinsicMemMove {
			fn = p.rt.Memmove
		}
		b.CreateCall(fn,
			b.CreatePointerCast(args[0], ir.Ptr),
			b.CreatePointerCast(args[1], ir.Ptr),
			b.CreateIntCast(args[2], intptr, false))
	default:
		return false
	}
	in.EraseFromParent()
	p.stats.MemIntrinsicsReplaced++
	return true
}
