package instrument

import (
	"slices"

	"github.com/kolkov/raceinstr/internal/ir"
)

// escapeEnumerator finds every point where control leaves a function:
// each return, each resume, and (when exceptions are handled) every call
// that may unwind. Calls that may unwind are turned into invokes whose
// unwind edge runs a shared cleanup block, so code placed at the escape
// points also runs while an exception propagates.
type escapeEnumerator struct {
	fn               *ir.Function
	cleanupName      string
	handleExceptions bool
	// personality is installed on fn when it needs a landing pad and has
	// no personality routine yet.
	personality *ir.Function
}

// forEach calls emit with a builder positioned at each escape point.
func (e *escapeEnumerator) forEach(emit func(*ir.Builder)) {
	for _, b := range slices.Clone(e.fn.Blocks) {
		term := b.Terminator()
		if term == nil || (term.Op != ir.OpRet && term.Op != ir.OpResume) {
			continue
		}
		pos := term
		// A musttail call must stay directly before its return.
		if idx := b.Index(term); idx > 0 && b.Instrs[idx-1].MustTail {
			pos = b.Instrs[idx-1]
		}
		emit(ir.NewBuilder(pos))
	}

	if !e.handleExceptions || e.fn.Attrs.Has(ir.AttrNoUnwind) {
		return
	}

	var calls []*ir.Instr
	e.fn.Instructions(func(in *ir.Instr) bool {
		if in.Op == ir.OpCall && !in.DoesNotThrow() && !in.MustTail {
			calls = append(calls, in)
		}
		return true
	})
	if len(calls) == 0 {
		return
	}

	cleanup := e.fn.NewBlock(e.cleanupName)
	if e.fn.Personality == nil {
		e.fn.Personality = e.personality
	}
	cb := ir.NewBuilderAtEnd(cleanup)
	lpad := cb.CreateLandingPad(ir.StructOf(ir.Ptr, ir.I32), true, "cleanup.lpad")
	resume := cb.CreateResume(lpad)

	// Reverse order keeps split block names readable.
	for i := len(calls) - 1; i >= 0; i-- {
		changeToInvoke(calls[i], cleanup)
	}

	emit(ir.NewBuilder(resume))
}

// changeToInvoke replaces call with an invoke that continues in a new
// block holding the rest of call's block and unwinds to unwind.
func changeToInvoke(call *ir.Instr, unwind *ir.Block) {
	b := call.Parent
	hint := call.Name
	if hint == "" {
		hint = b.Name
	}
	normal := b.SplitAfter(call, hint+".noexc")

	inv := &ir.Instr{
		Op:       ir.OpInvoke,
		Name:     call.Name,
		Ty:       call.Ty,
		Callee:   call.Callee,
		Operands: call.Operands,
		NoUnwind: call.NoUnwind,
		Succs:    []*ir.Block{normal, unwind},
	}
	b.Replace(call, inv)
	ir.ReplaceAllUsesWith(b.Parent, call, inv)
}

// instrumentFuncEntryExit notifies the runtime on entry and on every exit.
func (p *functionPass) instrumentFuncEntryExit() {
	b := ir.NewBuilderAtStart(p.fn.EntryBlock())
	ret := b.CreateCall(p.rt.ReturnAddress, ir.ConstI(ir.I32, 0))
	b.CreateCall(p.rt.FuncEntry, ret)

	ee := &escapeEnumerator{fn: p.fn, cleanupName: "tsan_cleanup", handleExceptions: p.opts.HandleExceptions && p.mod.Unwind, personality: p.rt.Personality}
	ee.forEach(func(at *ir.Builder) {
		at.CreateCall(p.rt.FuncExit)
	})
}

// insertRuntimeIgnores brackets the function with ignore begin/end so the
// runtime suppresses reports for everything it calls.
func (p *functionPass) insertRuntimeIgnores() {
	b := ir.NewBuilderAtStart(p.fn.EntryBlock())
	b.CreateCall(p.rt.IgnoreBegin)

	ee := &escapeEnumerator{fn: p.fn, cleanupName: "tsan_ignore_cleanup", handleExceptions: p.opts.HandleExceptions && p.mod.Unwind, personality: p.rt.Personality}
	ee.forEach(func(at *ir.Builder) {
		at.CreateCall(p.rt.IgnoreEnd)
	})
}
