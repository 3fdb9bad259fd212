// Package capture decides whether a pointer may escape the function that
// computes it.
//
// A pointer is captured when some copy of it, or of any pointer derived
// from it by offsetting or casting, can outlive the function or be seen by
// code the function does not control: it is stored to memory, passed to a
// call, returned, converted to an integer, or used in a way the analysis
// does not understand. Stack allocations whose address is never captured
// cannot be reached from another thread.
package capture

import (
	"github.com/kolkov/raceinstr/internal/ir"
)

// DefaultMaxUses caps how many uses are inspected before giving up and
// answering "captured".
const DefaultMaxUses = 100

// Analyzer answers capture queries for one function. It indexes the
// function's uses on first query; edits made to the function afterwards
// are not seen.
//
// Thread Safety: not safe for concurrent use. Create one per function.
type Analyzer struct {
	fn      *ir.Function
	uses    ir.UseIndex
	maxUses int
}

// New returns an analyzer for fn.
func New(fn *ir.Function) *Analyzer {
	return &Analyzer{fn: fn, maxUses: DefaultMaxUses}
}

// WithMaxUses overrides the exploration budget.
func (a *Analyzer) WithMaxUses(n int) *Analyzer {
	a.maxUses = n
	return a
}

// PointerMayBeCaptured reports whether v may be captured.
//
// Parameters:
//   - returnCaptures: treat returning the pointer as a capture
//   - storeCaptures: treat storing the pointer to memory as a capture
//
// The answer is conservative: false means v definitely does not escape.
func (a *Analyzer) PointerMayBeCaptured(v ir.Value, returnCaptures, storeCaptures bool) bool {
	if a.uses == nil {
		a.uses = ir.BuildUseIndex(a.fn)
	}

	visited := map[ir.Value]bool{v: true}
	work := []ir.Value{v}
	explored := 0
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]

		for _, u := range a.uses[cur] {
			explored++
			if explored > a.maxUses {
				return true
			}
			switch a.classify(u, returnCaptures, storeCaptures) {
			case captured:
				return true
			case derived:
				if !visited[u.User] {
					visited[u.User] = true
					work = append(work, u.User)
				}
			}
		}
	}
	return false
}

type verdict uint8

const (
	harmless verdict = iota
	derived
	captured
)

func (a *Analyzer) classify(u ir.Use, returnCaptures, storeCaptures bool) verdict {
	in := u.User
	switch in.Op {
	case ir.OpLoad:
		if in.Volatile {
			return captured
		}
		return harmless

	case ir.OpStore:
		if u.Index == 0 {
			// The pointer itself is written to memory.
			if storeCaptures {
				return captured
			}
			return harmless
		}
		if in.Volatile {
			return captured
		}
		return harmless

	case ir.OpAtomicRMW, ir.OpCmpXchg:
		if u.Index != 0 || in.Volatile {
			return captured
		}
		return harmless

	case ir.OpGEP:
		if u.Index != 0 {
			return captured
		}
		return derived

	case ir.OpCast:
		if in.Cast == ir.CastBitcast || in.Cast == ir.CastAddrSpace {
			return derived
		}
		return captured

	case ir.OpPhi:
		return derived

	case ir.OpICmp:
		other := in.Operands[1-u.Index%2]
		if ir.IsNull(other) {
			return harmless
		}
		return captured

	case ir.OpRet:
		if returnCaptures {
			return captured
		}
		return harmless

	case ir.OpCall, ir.OpInvoke:
		if u.Index < 0 {
			// Calling through the pointer does not leak it.
			return harmless
		}
		switch in.Intrinsic() {
		case ir.IntrinsicMemSet, ir.IntrinsicMemCpy, ir.IntrinsicMemMove, ir.IntrinsicDbgInfo:
			return harmless
		}
		return captured
	}
	return captured
}
