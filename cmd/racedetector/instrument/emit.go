package instrument

import (
	"log/slog"

	"github.com/kolkov/raceinstr/cmd/racedetector/runtime"
	"github.com/kolkov/raceinstr/internal/ir"
)

// instrumentLoadOrStore inserts the runtime check for one chosen access
// directly before it. Returns true when a call was emitted.
func (p *functionPass) instrumentLoadOrStore(rec accessRecord) bool {
	in := rec.inst
	b := ir.NewBuilder(in)
	addr := in.PointerOperand()

	if in.Vtable {
		if rec.write {
			stored := in.ValueOperand()
			// Storing several type-identity pointers at once: the first lane
			// is enough to find races on them.
			if stored.Type().Kind == ir.VectorKind {
				stored = b.CreateExtractElement(stored, 0)
			}
			if stored.Type().IsInt() {
				stored = b.CreateCast(ir.CastIntToPtr, stored, ir.Ptr)
			}
			b.CreateCall(p.rt.VptrUpdate, b.CreatePointerCast(addr, ir.Ptr), b.CreatePointerCast(stored, ir.Ptr))
			p.stats.VtableWritesInstrumented++
			p.log.Debug("VPTR update", slog.String("func", p.fn.Name), slog.String("inst", in.String()))
			return true
		}
		b.CreateCall(p.rt.VptrRead, b.CreatePointerCast(addr, ir.Ptr))
		p.stats.VtableReadsInstrumented++
		p.log.Debug("VPTR read", slog.String("func", p.fn.Name), slog.String("inst", in.String()))
		return true
	}

	size := uint64(runtime.AccessSize(rec.idx))
	align := in.Align
	if align == 0 {
		align = p.mod.Layout.ABIAlign(in.AccessType())
	}
	compound := rec.flags&flagCompoundRW != 0
	volatile := p.opts.DistinguishVolatile && in.Volatile
	if compound && volatile {
		panic("instrument: compound check on a distinguished volatile access")
	}

	variant := runtime.Variant{
		Write:     rec.write,
		Unaligned: !naturallyAligned(align, size),
		Volatile:  volatile,
		Compound:  compound,
	}
	b.CreateCall(p.rt.Access(variant, rec.idx), b.CreatePointerCast(addr, ir.Ptr))

	if compound || rec.write {
		p.stats.WritesInstrumented++
	}
	if compound || !rec.write {
		p.stats.ReadsInstrumented++
	}
	return true
}
