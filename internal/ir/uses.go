package ir

// Use is one operand slot that refers to a value.
type Use struct {
	User *Instr
	// Index is the operand index, or -1 when the value is the callee.
	Index int
}

// UseIndex maps every value used inside a function to its uses. It is a
// snapshot: later edits to the function are not reflected.
type UseIndex map[Value][]Use

// BuildUseIndex scans f once and records every operand use.
func BuildUseIndex(f *Function) UseIndex {
	idx := make(UseIndex)
	f.Instructions(func(in *Instr) bool {
		for i, op := range in.Operands {
			idx[op] = append(idx[op], Use{User: in, Index: i})
		}
		if in.Callee != nil {
			idx[in.Callee] = append(idx[in.Callee], Use{User: in, Index: -1})
		}
		return true
	})
	return idx
}

// ReplaceAllUsesWith rewrites every operand of f that refers to old so it
// refers to repl instead.
func ReplaceAllUsesWith(f *Function, old, repl Value) {
	f.Instructions(func(in *Instr) bool {
		for i, op := range in.Operands {
			if op == old {
				in.Operands[i] = repl
			}
		}
		if in.Callee == old {
			in.Callee = repl
		}
		return true
	})
}

// HasUses reports whether any instruction of f uses v.
func HasUses(f *Function, v Value) bool {
	used := false
	f.Instructions(func(in *Instr) bool {
		for _, op := range in.Operands {
			if op == v {
				used = true
				return false
			}
		}
		return true
	})
	return used
}

// EraseFromParent unlinks in from its block. The caller must have dropped
// all uses first.
func (i *Instr) EraseFromParent() {
	if i.Parent != nil {
		i.Parent.Remove(i)
	}
}

// ReplaceWith substitutes repl for i: repl takes i's place in the block,
// and every use of i is redirected to repl.
func (i *Instr) ReplaceWith(repl *Instr) {
	b := i.Parent
	f := b.Parent
	if repl.Ty != nil && !repl.Ty.IsVoid() && repl.Name == "" {
		repl.Name = f.FreshName(i.Name)
	}
	b.Replace(i, repl)
	ReplaceAllUsesWith(f, i, repl)
}
