// Package ir models the compiled code that race instrumentation runs over.
//
// The model is deliberately small: typed values, basic blocks of
// instructions, functions with attributes, and modules carrying a data
// layout and object format. It is shaped after the load/store IR that
// optimizing compilers hand to sanitizer passes, which is what the
// instrumentation selector expects from its host:
//
//   - instruction stream iteration (Function.Blocks, Block.Instrs)
//   - type size and alignment queries (DataLayout)
//   - call/invoke detection (Instr.IsCall)
//   - pointer provenance helpers (StripInBoundsOffsets, UnderlyingObject)
//
// Example:
//
//	mod := ir.NewModule("demo")
//	fn := mod.AddFunction("inc", ir.Void, ir.AttrSanitizeThread)
//	b := ir.NewBuilderAtEnd(fn.NewBlock("entry"))
//	g := mod.AddGlobal("counter", ir.I32)
//	v := b.CreateLoad(ir.I32, g, 4)
//	b.CreateStore(v, g, 4)
//	b.CreateRet(nil)
//
// Thread Safety: a Module may be shared by goroutines that each mutate a
// different Function. Module-level tables (globals, functions, ctors) are
// guarded internally; a single Function must not be mutated concurrently.
package ir
