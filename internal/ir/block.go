package ir

import "slices"

// Block is a basic block: a straight-line instruction list ending in a terminator.
type Block struct {
	Name   string
	Instrs []*Instr
	Parent *Function
}

// Terminator returns the last instruction if it is a terminator.
func (b *Block) Terminator() *Instr {
	if len(b.Instrs) == 0 {
		return nil
	}
	last := b.Instrs[len(b.Instrs)-1]
	if !last.IsTerminator() {
		return nil
	}
	return last
}

// Successors returns the blocks control may flow to from b.
func (b *Block) Successors() []*Block {
	if t := b.Terminator(); t != nil {
		return t.Succs
	}
	return nil
}

// Index returns the position of in within b, or -1.
func (b *Block) Index(in *Instr) int {
	return slices.Index(b.Instrs, in)
}

// Append adds in at the end of b.
func (b *Block) Append(in *Instr) {
	in.Parent = b
	b.Instrs = append(b.Instrs, in)
}

// InsertBefore places in directly before pos, which must belong to b.
func (b *Block) InsertBefore(in, pos *Instr) {
	idx := b.Index(pos)
	if idx < 0 {
		panic("ir: insertion point " + pos.Ident() + " not in block " + b.Name)
	}
	in.Parent = b
	b.Instrs = slices.Insert(b.Instrs, idx, in)
}

// Remove unlinks in from b. Uses of in are not touched.
func (b *Block) Remove(in *Instr) {
	idx := b.Index(in)
	if idx < 0 {
		return
	}
	b.Instrs = slices.Delete(b.Instrs, idx, idx+1)
	in.Parent = nil
}

// Replace puts repl where old was. Uses of old are not touched.
func (b *Block) Replace(old, repl *Instr) {
	idx := b.Index(old)
	if idx < 0 {
		panic("ir: " + old.Ident() + " not in block " + b.Name)
	}
	repl.Parent = b
	b.Instrs[idx] = repl
	old.Parent = nil
}

// SplitAfter moves every instruction after in into a new block named name,
// appended to the function right after b. Phi nodes in the moved
// terminator's successors are rewired to the new block. b is left without
// a terminator; the caller is expected to add one.
func (b *Block) SplitAfter(in *Instr, name string) *Block {
	idx := b.Index(in)
	if idx < 0 {
		panic("ir: split point " + in.Ident() + " not in block " + b.Name)
	}
	fn := b.Parent
	nb := &Block{Name: fn.FreshBlockName(name), Parent: fn}
	for _, moved := range b.Instrs[idx+1:] {
		nb.Append(moved)
	}
	b.Instrs = b.Instrs[:idx+1:idx+1]

	for _, succ := range nb.Successors() {
		for _, phi := range succ.Instrs {
			if phi.Op != OpPhi {
				break
			}
			for k, from := range phi.Incoming {
				if from == b {
					phi.Incoming[k] = nb
				}
			}
		}
	}

	at := slices.Index(fn.Blocks, b)
	fn.Blocks = slices.Insert(fn.Blocks, at+1, nb)
	return nb
}
