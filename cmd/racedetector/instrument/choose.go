package instrument

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kolkov/raceinstr/internal/ir"
)

type accessFlags uint8

const flagCompoundRW accessFlags = 1 << 0

// accessRecord is a load or store chosen for instrumentation. It lives
// only until the function's instrumentation is emitted.
type accessRecord struct {
	inst  *ir.Instr
	write bool
	// idx is the runtime slot for the access width.
	idx   int
	flags accessFlags
}

// writeTarget identifies what a store writes: the address and the width.
// A read is only folded into a write that covers the same bytes.
type writeTarget struct {
	addr string
	idx  int
}

// writeTargetIndex maps a write target to the position of its record in
// the chosen list. It is rebuilt for every segment.
type writeTargetIndex map[writeTarget]int

// chooseSegment decides which loads and stores of one call-free segment
// need runtime checks, appending them to all.
//
// The segment is scanned from its end so that, when a read is reached,
// every later write to the same address in the segment is already known.
// Such a read is dropped and the write becomes a compound read-write
// check. Reads from constant data and accesses to stack slots whose
// address never escapes are dropped as well.
//
// Returns the extended list.
func (p *functionPass) chooseSegment(local []*ir.Instr, all []accessRecord) []accessRecord {
	targets := make(writeTargetIndex)
	for i := len(local) - 1; i >= 0; i-- {
		in := local[i]
		write := in.Op == ir.OpStore
		addr := in.PointerOperand()

		if !p.shouldInstrumentAddress(addr) {
			continue
		}

		idx := accessFuncIndex(p.mod.Layout, in.AccessType())
		if idx < 0 {
			p.stats.AccessesWithBadSize++
			continue
		}
		key := writeTarget{addr: addressKey(addr), idx: idx}

		if !write {
			if w, ok := targets[key]; ok && !p.opts.InstrumentReadBeforeWrite {
				anyVolatile := p.opts.DistinguishVolatile && (in.Volatile || all[w].inst.Volatile)
				if !anyVolatile {
					all[w].flags |= flagCompoundRW
					p.stats.OmittedReadsBeforeWrite++
					continue
				}
			}
			if p.addrPointsToConstantData(addr) {
				continue
			}
		}

		if obj := ir.UnderlyingObject(addr); ir.IsAlloca(obj) && !p.capture.PointerMayBeCaptured(obj, true, true) {
			p.stats.OmittedNonCaptured++
			continue
		}

		all = append(all, accessRecord{inst: in, write: write, idx: idx})
		if write {
			targets[key] = len(all) - 1
		}
	}
	return all
}

// maxKeyDepth bounds the structural walk in addressKey.
const maxKeyDepth = 8

// addressKey returns a string that is equal for two address operands
// whenever they provably compute the same address: the same value, or
// getelementptrs with equal bases and equal indices. Pointer bitcasts do
// not change the address and are looked through.
func addressKey(v ir.Value) string {
	var sb strings.Builder
	writeAddressKey(&sb, v, 0)
	return sb.String()
}

func writeAddressKey(sb *strings.Builder, v ir.Value, depth int) {
	if depth > maxKeyDepth {
		fmt.Fprintf(sb, "v%p", v)
		return
	}
	switch x := v.(type) {
	case *ir.Const:
		switch x.Kind {
		case ir.ConstInt:
			sb.WriteString("c" + strconv.FormatInt(x.Int, 10))
		case ir.ConstNull:
			sb.WriteString("null")
		default:
			// Every undef may be a different value.
			fmt.Fprintf(sb, "u%p", x)
		}
	case *ir.Instr:
		switch {
		case x.Op == ir.OpCast && x.Cast == ir.CastBitcast && x.Operands[0].Type().IsPointer():
			writeAddressKey(sb, x.Operands[0], depth+1)
		case x.Op == ir.OpGEP:
			sb.WriteString("gep[" + x.ElemType.String())
			if x.InBounds {
				sb.WriteString(" inbounds")
			}
			sb.WriteString("](")
			for i, op := range x.Operands {
				if i > 0 {
					sb.WriteByte(',')
				}
				writeAddressKey(sb, op, depth+1)
			}
			sb.WriteByte(')')
		default:
			fmt.Fprintf(sb, "v%p", x)
		}
	default:
		fmt.Fprintf(sb, "v%p", v)
	}
}
