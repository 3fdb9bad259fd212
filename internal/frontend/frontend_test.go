package frontend

import (
	"context"
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/kolkov/raceinstr/cmd/racedetector/instrument"
	"github.com/kolkov/raceinstr/internal/ir"
)

// lowerSource type-checks src as package example.com/p and lowers it.
func lowerSource(t *testing.T, src string, skipPrefixes ...string) *ir.Module {
	t.Helper()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "p.go", src, parser.ParseComments)
	require.NoError(t, err)

	sizes := types.SizesFor("gc", "amd64")
	tc := &types.Config{Importer: importer.Default(), Sizes: sizes}
	pkg := types.NewPackage("example.com/p", f.Name.Name)
	files := []*ast.File{f}
	ssaPkg, info, err := ssautil.BuildPackage(tc, fset, pkg, files, ssa.InstantiateGenerics)
	require.NoError(t, err)

	pragmas := make(map[types.Object]pragma)
	collectPragmas(files, info, pragmas)

	mod, err := lowerProgram(context.Background(), "example.com/p", ssaPkg.Prog, sizes,
		pragmas, skipPrefixes, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return mod
}

func mustFunc(t *testing.T, mod *ir.Module, name string) *ir.Function {
	t.Helper()
	fn := mod.Function(name)
	require.NotNil(t, fn, "function %s not lowered", name)
	require.False(t, fn.IsDeclaration(), "function %s has no body", name)
	return fn
}

func instrs(fn *ir.Function, op ir.Op) []*ir.Instr {
	var out []*ir.Instr
	for in := range fn.Instructions {
		if in.Op == op {
			out = append(out, in)
		}
	}
	return out
}

const counterSrc = `package p

var counter int

func inc() { counter++ }

//go:norace
func quiet() { counter++ }

//go:nosplit
func fast() { counter++ }

func spawn() {
	go func() { counter++ }()
}
`

func TestLowerGlobalIncrement(t *testing.T) {
	mod := lowerSource(t, counterSrc)
	assert.False(t, mod.Unwind)
	assert.Equal(t, uint32(64), mod.Layout.PointerBits)

	g := mod.Global("example.com/p.counter")
	require.NotNil(t, g)
	assert.Equal(t, ir.I64, g.ValueType)

	inc := mustFunc(t, mod, "example.com/p.inc")
	assert.True(t, inc.Attrs.Has(ir.AttrSanitizeThread))

	loads := instrs(inc, ir.OpLoad)
	stores := instrs(inc, ir.OpStore)
	require.Len(t, loads, 1)
	require.Len(t, stores, 1)
	assert.Same(t, g, loads[0].PointerOperand())
	assert.Same(t, g, stores[0].PointerOperand())
	assert.Equal(t, uint64(8), loads[0].Align)

	for _, fn := range mod.Functions() {
		if !fn.IsDeclaration() {
			assert.NoError(t, instrument.Verify(fn), fn.Name)
		}
	}
}

func TestNoRaceDirective(t *testing.T) {
	mod := lowerSource(t, counterSrc)
	quiet := mustFunc(t, mod, "example.com/p.quiet")
	assert.True(t, quiet.Attrs.Has(ir.AttrDisableSanitizerInstrumentation))
	assert.False(t, quiet.Attrs.Has(ir.AttrSanitizeThread))

	fast := mustFunc(t, mod, "example.com/p.fast")
	assert.Equal(t, ir.AttrSanitizeThread, fast.Attrs)

	closure := mustFunc(t, mod, "example.com/p.spawn$1")
	assert.True(t, closure.Attrs.Has(ir.AttrSanitizeThread))
}

func TestLoweredModuleInstruments(t *testing.T) {
	mod := lowerSource(t, counterSrc)
	res, err := instrument.InstrumentModule(context.Background(), mod, instrument.DefaultOptions())
	require.NoError(t, err)

	byName := make(map[string]instrument.FunctionResult)
	for _, f := range res.Functions {
		byName[f.Name] = f
	}

	inc := byName["example.com/p.inc"]
	assert.True(t, inc.Changed)
	assert.Equal(t, 1, inc.Stats.WritesInstrumented)
	assert.Equal(t, 1, inc.Stats.ReadsInstrumented)
	assert.Equal(t, 1, inc.Stats.OmittedReadsBeforeWrite)
	assert.Equal(t, 1, inc.Stats.FunctionsFramed)

	quiet := byName["example.com/p.quiet"]
	assert.False(t, quiet.Changed)
	assert.Equal(t, instrument.SkipDisabledByAttrs, quiet.Skipped)

	fast := byName["example.com/p.fast"]
	assert.True(t, fast.Changed)
	assert.Empty(t, fast.Skipped)
	assert.Equal(t, 1, fast.Stats.WritesInstrumented)
}

func TestAtomicCalls(t *testing.T) {
	mod := lowerSource(t, `package p

import "sync/atomic"

var (
	n    int32
	flag atomic.Bool
)

func bump() int32 { return atomic.AddInt32(&n, 1) }

func cas() bool { return atomic.CompareAndSwapInt32(&n, 1, 2) }

func set() { flag.Store(true) }

func get() int32 { return atomic.LoadInt32(&n) }
`)

	bump := mustFunc(t, mod, "example.com/p.bump")
	rmw := instrs(bump, ir.OpAtomicRMW)
	require.Len(t, rmw, 1)
	assert.Equal(t, ir.RMWAdd, rmw[0].RMW)
	assert.Equal(t, ir.SequentiallyConsistent, rmw[0].Ordering)
	assert.Equal(t, ir.I32, rmw[0].AccessType())
	assert.Empty(t, instrs(bump, ir.OpCall))

	cas := mustFunc(t, mod, "example.com/p.cas")
	xchg := instrs(cas, ir.OpCmpXchg)
	require.Len(t, xchg, 1)
	assert.True(t, xchg[0].Ty.Equal(ir.StructOf(ir.I32, ir.I1)))
	assert.Equal(t, ir.SequentiallyConsistent, xchg[0].FailureOrdering)

	set := mustFunc(t, mod, "example.com/p.set")
	stores := instrs(set, ir.OpStore)
	require.Len(t, stores, 1)
	assert.True(t, stores[0].IsAtomic())
	assert.Equal(t, ir.I32, stores[0].AccessType())

	get := mustFunc(t, mod, "example.com/p.get")
	loads := instrs(get, ir.OpLoad)
	require.Len(t, loads, 1)
	assert.True(t, loads[0].IsAtomic())
}

func TestCopyLowersToMemmove(t *testing.T) {
	mod := lowerSource(t, `package p

func cp(dst, src []int64) int { return copy(dst, src) }
`)
	cp := mustFunc(t, mod, "example.com/p.cp")
	var found bool
	for _, in := range instrs(cp, ir.OpCall) {
		if in.IsMemIntrinsic() {
			found = true
			assert.Equal(t, ir.IntrinsicMemMove, in.Intrinsic())
		}
	}
	assert.True(t, found, "copy should lower to llvm.memmove")
}

func TestSkipPrefixGlobalKeepsPrefix(t *testing.T) {
	mod := lowerSource(t, `package p

var GoCover_0 [3]uint32

func hit() { GoCover_0[1]++ }
`, "GoCover")
	assert.NotNil(t, mod.Global("GoCover_0.example.com/p"))
	assert.Nil(t, mod.Global("example.com/p.GoCover_0"))
}

func TestClosuresTakeFreeVarsFirst(t *testing.T) {
	mod := lowerSource(t, `package p

func outer(x int) func(int) int {
	return func(y int) int { return x + y }
}
`)
	inner := mustFunc(t, mod, "example.com/p.outer$1")
	require.Len(t, inner.Params, 2)
	assert.Equal(t, "x", inner.Params[0].Name)
	assert.Equal(t, "y", inner.Params[1].Name)
	assert.True(t, inner.Attrs.Has(ir.AttrSanitizeThread))
}

func TestPackageRules(t *testing.T) {
	tests := []struct {
		path         string
		noInstrument bool
		noRace       bool
	}{
		{"runtime", true, false},
		{"runtime/internal/sys", true, false},
		{"internal/runtime/atomic", true, false},
		{"internal/cpu", true, false},
		{"sync", false, true},
		{"sync/atomic", false, true},
		{"example.com/runtime", false, false},
		{"syncx", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.noInstrument, noInstrumentPkg(tt.path))
			assert.Equal(t, tt.noRace, noRacePkg(tt.path))
		})
	}
}

func TestModulePath(t *testing.T) {
	goMod := FindGoMod(filepath.Join("testdata", "mod"))
	require.NotEmpty(t, goMod)
	assert.True(t, filepath.IsAbs(goMod))

	path, err := ModulePath(goMod)
	require.NoError(t, err)
	assert.Equal(t, "example.com/widget", path)
}

func TestModulePathErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ModulePath(filepath.Join(dir, "go.mod"))
	assert.ErrorContains(t, err, "failed to read go.mod")

	bad := filepath.Join(dir, "go.mod")
	require.NoError(t, os.WriteFile(bad, []byte("module \"unterminated\n"), 0o644))
	_, err = ModulePath(bad)
	assert.ErrorContains(t, err, "failed to parse go.mod")

	empty := filepath.Join(dir, "empty", "go.mod")
	require.NoError(t, os.MkdirAll(filepath.Dir(empty), 0o755))
	require.NoError(t, os.WriteFile(empty, []byte("go 1.24\n"), 0o644))
	_, err = ModulePath(empty)
	assert.ErrorContains(t, err, "no module directive")
}
