package instrument

import (
	rt "github.com/kolkov/raceinstr/cmd/racedetector/runtime"
	"github.com/kolkov/raceinstr/internal/ir"
)

// InsertModuleCtor defines the module constructor that initializes the
// runtime before any instrumented code runs, and registers it with
// priority 0. Calling it again returns the existing constructor.
func InsertModuleCtor(mod *ir.Module, entries *rt.Entries) *ir.Function {
	if fn := mod.Function(rt.ModuleCtorName); fn != nil && !fn.IsDeclaration() {
		mod.AppendCtor(0, fn)
		return fn
	}

	fn := mod.Function(rt.ModuleCtorName)
	if fn == nil {
		fn = mod.AddFunction(rt.ModuleCtorName, ir.Void, ir.AttrNoUnwind)
	}
	b := ir.NewBuilderAtEnd(fn.NewBlock("entry"))
	b.CreateCall(entries.Init)
	b.CreateRet(nil)
	mod.AppendCtor(0, fn)
	return fn
}
