package instrument

import (
	"strings"
	"testing"

	"github.com/kolkov/raceinstr/internal/ir"
)

// TestInstrumentationError_Error tests error message formatting.
func TestInstrumentationError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *InstrumentationError
		expected string
	}{
		{
			name: "instruction position",
			err: &InstrumentationError{
				Function: "inc",
				Block:    "entry",
				Index:    2,
				Message:  "load has a non-pointer address operand",
			},
			expected: "inc:entry:2: load has a non-pointer address operand",
		},
		{
			name: "block position",
			err: &InstrumentationError{
				Function: "inc",
				Block:    "loop",
				Index:    -1,
				Message:  "block does not end in a terminator",
			},
			expected: "inc:loop: block does not end in a terminator",
		},
		{
			name: "with suggestion",
			err: &InstrumentationError{
				Function:   "f",
				Index:      -1,
				Message:    "fence without an atomic ordering",
				Suggestion: "Give atomicrmw, cmpxchg and fence an explicit ordering",
			},
			expected: "f: fence without an atomic ordering\n\nSuggestion: Give atomicrmw, cmpxchg and fence an explicit ordering",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.err.Error()
			if result != tt.expected {
				t.Errorf("Error() = %q, want %q", result, tt.expected)
			}
		})
	}
}

// TestVerify tests the structural checks run before instrumentation.
func TestVerify(t *testing.T) {
	g := &ir.Global{Name: "g", ValueType: ir.I32}

	tests := []struct {
		name    string
		instrs  []*ir.Instr
		wantErr string
	}{
		{
			name: "well formed",
			instrs: []*ir.Instr{
				{Op: ir.OpLoad, Ty: ir.I32, Operands: []ir.Value{g}, Align: 4},
				{Op: ir.OpRet, Ty: ir.Void},
			},
		},
		{
			name:    "missing terminator",
			instrs:  []*ir.Instr{{Op: ir.OpLoad, Ty: ir.I32, Operands: []ir.Value{g}}},
			wantErr: "f:entry: block does not end in a terminator",
		},
		{
			name: "non-pointer address",
			instrs: []*ir.Instr{
				{Op: ir.OpStore, Ty: ir.Void, Operands: []ir.Value{ir.ConstI(ir.I32, 1), ir.ConstI(ir.I64, 0)}},
				{Op: ir.OpRet, Ty: ir.Void},
			},
			wantErr: "f:entry:0: store has a non-pointer address operand",
		},
		{
			name: "wrong operand count",
			instrs: []*ir.Instr{
				{Op: ir.OpStore, Ty: ir.Void, Operands: []ir.Value{g}},
				{Op: ir.OpRet, Ty: ir.Void},
			},
			wantErr: "f:entry:0: store has 1 operands, want 2",
		},
		{
			name: "fence without ordering",
			instrs: []*ir.Instr{
				{Op: ir.OpFence, Ty: ir.Void},
				{Op: ir.OpRet, Ty: ir.Void},
			},
			wantErr: "f:entry:0: fence without an atomic ordering",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := ir.NewModule("m").AddFunction("f", ir.Void, 0)
			b := fn.NewBlock("entry")
			for _, in := range tt.instrs {
				b.Append(in)
			}

			err := Verify(fn)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Verify() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Verify() = nil, want %q", tt.wantErr)
			}
			if !strings.HasPrefix(err.Error(), tt.wantErr) {
				t.Errorf("Verify() = %q, want prefix %q", err.Error(), tt.wantErr)
			}
		})
	}
}
