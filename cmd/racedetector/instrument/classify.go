package instrument

import (
	"math/bits"
	"strings"

	"github.com/kolkov/raceinstr/cmd/racedetector/runtime"
	"github.com/kolkov/raceinstr/internal/ir"
)

// profileCounterSection returns the name of the section holding PGO
// counters for an object format, without segment prefixes.
func profileCounterSection(f ir.ObjectFormat) string {
	if f == ir.COFF {
		return ".lprfc$M"
	}
	return "__llvm_prf_cnts"
}

// defaultSkipPrefixes name compiler-generated coverage storage. Races on
// them come from instrumentation the user cannot annotate.
var defaultSkipPrefixes = []string{"__llvm_gcov", "__llvm_gcda"}

// shouldInstrumentAddress reports whether an access through addr may be
// instrumented at all. Accesses to profiling counters, coverage data and
// non-default address spaces are not.
func (p *functionPass) shouldInstrumentAddress(addr ir.Value) bool {
	base := ir.StripInBoundsOffsets(addr)

	if g, ok := base.(*ir.Global); ok {
		if g.Section != "" && strings.HasSuffix(g.Section, profileCounterSection(p.mod.Format)) {
			return false
		}
		for _, prefix := range p.skipPrefixes {
			if strings.HasPrefix(g.Name, prefix) {
				return false
			}
		}
	}

	if t := base.Type(); t != nil && t.ScalarType().AddrSpace != 0 {
		return false
	}
	return true
}

// addrPointsToConstantData reports whether addr refers to storage that is
// never written: a constant global, or a table reached through a
// type-identity pointer.
func (p *functionPass) addrPointsToConstantData(addr ir.Value) bool {
	if in, ok := addr.(*ir.Instr); ok && in.Op == ir.OpGEP {
		addr = in.Operands[0]
	}
	switch v := addr.(type) {
	case *ir.Global:
		if v.Constant {
			p.stats.OmittedReadsFromConstantGlobals++
			return true
		}
	case *ir.Instr:
		if v.Op == ir.OpLoad && v.Vtable {
			p.stats.OmittedReadsFromVtable++
			return true
		}
	}
	return false
}

// accessFuncIndex maps the stored width of t to a runtime slot: 1, 2, 4,
// 8 and 16 bytes map to 0..4. Other widths return -1.
func accessFuncIndex(dl ir.DataLayout, t *ir.Type) int {
	size := dl.StoreSizeInBits(t)
	switch size {
	case 8, 16, 32, 64, 128:
	default:
		return -1
	}
	idx := bits.TrailingZeros64(size / 8)
	if idx >= runtime.NumAccessSizes {
		return -1
	}
	return idx
}

// isTsanAtomic reports whether in is lowered as an atomic. Loads and
// stores scoped to a single thread only order against signal handlers and
// are checked as plain accesses.
func isTsanAtomic(in *ir.Instr) bool {
	if !in.IsAtomic() {
		return false
	}
	if in.Op == ir.OpLoad || in.Op == ir.OpStore {
		return in.Scope != ir.ScopeSingleThread
	}
	return true
}

// naturallyAligned reports whether an access of size bytes with the given
// alignment can use the aligned entry points.
func naturallyAligned(align, size uint64) bool {
	return align >= 8 || align%size == 0
}
