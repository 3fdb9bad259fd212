// Package instrument - Custom error types for instrumentation.
//
// Errors carry the position of the offending instruction
// (function:block:index) and an optional suggestion.
//
// Example output:
//
//	inc:entry:2: load has a non-pointer address operand
//
//	Suggestion: Check the IR producer; addresses must have pointer type
package instrument

import (
	"fmt"

	"github.com/kolkov/raceinstr/internal/ir"
)

// InstrumentationError represents an error during instrumentation with context.
//
// Fields:
//   - Function: Name of the function being instrumented
//   - Block: Label of the basic block, empty for function-level errors
//   - Index: Instruction index within the block (0-indexed), -1 if none
//   - Message: Human-readable error description
//   - Suggestion: Optional hint for fixing the error
//
// Thread Safety: Immutable after creation, safe for concurrent use.
type InstrumentationError struct {
	Function   string
	Block      string
	Index      int
	Message    string
	Suggestion string
}

// Error implements the error interface.
//
// Format: function:block:index: message, with a trailing
// "Suggestion: ..." paragraph when a suggestion is present.
func (e *InstrumentationError) Error() string {
	var result string
	switch {
	case e.Block == "":
		result = fmt.Sprintf("%s: %s", e.Function, e.Message)
	case e.Index < 0:
		result = fmt.Sprintf("%s:%s: %s", e.Function, e.Block, e.Message)
	default:
		result = fmt.Sprintf("%s:%s:%d: %s", e.Function, e.Block, e.Index, e.Message)
	}
	if e.Suggestion != "" {
		result += fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion)
	}
	return result
}

// NewInstrumentationError creates an error positioned at in.
//
// The instruction must still be linked into a block of a function so its
// position can be computed.
func NewInstrumentationError(in *ir.Instr, msg string) *InstrumentationError {
	err := &InstrumentationError{Index: -1, Message: msg}
	if b := in.Parent; b != nil {
		err.Block = b.Name
		err.Index = b.Index(in)
		if b.Parent != nil {
			err.Function = b.Parent.Name
		}
	}
	return err
}

// NewInstrumentationErrorWithSuggestion creates an error with suggestion.
func NewInstrumentationErrorWithSuggestion(in *ir.Instr, msg, suggestion string) *InstrumentationError {
	err := NewInstrumentationError(in, msg)
	err.Suggestion = suggestion
	return err
}

// Verify checks the structural properties the selector relies on and
// returns the first violation found.
//
// The selector itself treats these as preconditions and does not recheck
// them; InstrumentModule verifies every function before transforming it.
func Verify(fn *ir.Function) error {
	for _, b := range fn.Blocks {
		if b.Terminator() == nil {
			return &InstrumentationError{
				Function:   fn.Name,
				Block:      b.Name,
				Index:      -1,
				Message:    "block does not end in a terminator",
				Suggestion: "Every block must end with ret, br, condbr, invoke, resume or unreachable",
			}
		}
		for _, in := range b.Instrs {
			if err := verifyInstr(in); err != nil {
				return err
			}
		}
	}
	return nil
}

func verifyInstr(in *ir.Instr) error {
	switch in.Op {
	case ir.OpLoad, ir.OpStore, ir.OpAtomicRMW, ir.OpCmpXchg:
		want := map[ir.Op]int{ir.OpLoad: 1, ir.OpStore: 2, ir.OpAtomicRMW: 2, ir.OpCmpXchg: 3}[in.Op]
		if len(in.Operands) != want {
			return NewInstrumentationError(in, fmt.Sprintf("%s has %d operands, want %d", in.Op, len(in.Operands), want))
		}
		if pt := in.PointerOperand().Type(); pt == nil || !pt.IsPointer() {
			return NewInstrumentationErrorWithSuggestion(in,
				fmt.Sprintf("%s has a non-pointer address operand", in.Op),
				"Check the IR producer; addresses must have pointer type")
		}
		if t := in.AccessType(); t == nil || t.IsVoid() {
			return NewInstrumentationError(in, fmt.Sprintf("%s moves a value without a sized type", in.Op))
		}
	case ir.OpInvoke:
		if len(in.Succs) != 2 {
			return NewInstrumentationError(in, "invoke needs a normal and an unwind destination")
		}
	case ir.OpCall:
		if in.Callee == nil {
			return NewInstrumentationError(in, "call without callee")
		}
	}
	if in.IsAtomic() && in.Ordering == ir.NotAtomic {
		return NewInstrumentationErrorWithSuggestion(in,
			fmt.Sprintf("%s without an atomic ordering", in.Op),
			"Give atomicrmw, cmpxchg and fence an explicit ordering")
	}
	return nil
}
