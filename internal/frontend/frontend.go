// Package frontend turns Go packages into IR modules the instrumentation
// pass can work on.
//
// Packages are loaded and type-checked with go/packages, converted to SSA
// form and lowered function by function. Lowering keeps what the
// selector needs to see: loads and stores through pointers, calls,
// sync/atomic operations as atomic instructions and copy as a memmove
// intrinsic. Everything else is carried as opaque computation or as
// calls into the Go runtime.
//
// Function attributes follow the Go toolchain's race rules:
//   - runtime packages and //go:norace functions are never instrumented
//   - sync and sync/atomic get entry and exit notifications only
//   - everything else is sanitized, //go:nosplit functions included
package frontend

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/types"
	"log/slog"
	"os"
	"slices"
	"strings"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/kolkov/raceinstr/internal/ir"
)

// Config controls Load.
type Config struct {
	// Dir is the directory patterns are resolved in. Empty means the
	// working directory.
	Dir string
	// GOARCH selects pointer width and alignment. Empty means amd64.
	GOARCH string
	// Tests includes test files and test packages.
	Tests bool
	// SkipGlobalPrefixes lists global name prefixes the selector skips.
	// Globals matching one are renamed so the prefix survives lowering.
	SkipGlobalPrefixes []string
	Logger             *slog.Logger
}

const loadMode = packages.NeedName | packages.NeedFiles | packages.NeedCompiledGoFiles |
	packages.NeedImports | packages.NeedDeps | packages.NeedTypes | packages.NeedTypesSizes |
	packages.NeedSyntax | packages.NeedTypesInfo | packages.NeedModule

// Load type-checks the packages matching patterns and lowers every
// function with a body into one module.
func Load(ctx context.Context, cfg Config, patterns ...string) (*ir.Module, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	goarch := cfg.GOARCH
	if goarch == "" {
		goarch = "amd64"
	}

	pcfg := &packages.Config{
		Context: ctx,
		Mode:    loadMode,
		Dir:     cfg.Dir,
		Tests:   cfg.Tests,
		Env:     append(os.Environ(), "GOARCH="+goarch, "CGO_ENABLED=0"),
	}
	pkgs, err := packages.Load(pcfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("load packages: %w", err)
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("load packages: no packages match %s", strings.Join(patterns, " "))
	}

	var loadErrs []error
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		for _, e := range p.Errors {
			loadErrs = append(loadErrs, e)
		}
	})
	if len(loadErrs) > 0 {
		return nil, fmt.Errorf("load packages: %w", errors.Join(loadErrs...))
	}
	log.Info("packages loaded", slog.Int("packages", len(pkgs)), slog.String("goarch", goarch))

	pragmas := make(map[types.Object]pragma)
	for _, p := range pkgs {
		collectPragmas(p.Syntax, p.TypesInfo, pragmas)
	}

	prog, _ := ssautil.Packages(pkgs, ssa.InstantiateGenerics)
	prog.Build()

	sizes := pkgs[0].TypesSizes
	if sizes == nil {
		sizes = types.SizesFor("gc", goarch)
	}
	return lowerProgram(ctx, moduleName(cfg.Dir, pkgs), prog, sizes, pragmas, cfg.SkipGlobalPrefixes, log)
}

// moduleName prefers the enclosing go.mod's module path and falls back to
// the first package path.
func moduleName(dir string, pkgs []*packages.Package) string {
	if dir == "" {
		dir = "."
	}
	if goMod := FindGoMod(dir); goMod != "" {
		if path, err := ModulePath(goMod); err == nil {
			return path
		}
	}
	if m := pkgs[0].Module; m != nil && m.Path != "" {
		return m.Path
	}
	return pkgs[0].PkgPath
}

// pragma is a set of function directives.
type pragma uint8

const pragmaNoRace pragma = 1 << iota

var pragmaNames = map[string]pragma{
	"//go:norace": pragmaNoRace,
}

// collectPragmas records the directives in the doc comments of function
// declarations.
func collectPragmas(files []*ast.File, info *types.Info, into map[types.Object]pragma) {
	for _, f := range files {
		for _, decl := range f.Decls {
			fd, ok := decl.(*ast.FuncDecl)
			if !ok || fd.Doc == nil {
				continue
			}
			obj := info.Defs[fd.Name]
			if obj == nil {
				continue
			}
			for _, c := range fd.Doc.List {
				if p, ok := pragmaNames[strings.TrimSpace(c.Text)]; ok {
					into[obj] |= p
				}
			}
		}
	}
}

// noInstrumentPkg reports packages the Go toolchain never instruments.
func noInstrumentPkg(path string) bool {
	switch path {
	case "runtime", "internal/abi", "internal/bytealg", "internal/cpu", "internal/goarch":
		return true
	}
	return strings.HasPrefix(path, "runtime/") || strings.HasPrefix(path, "internal/runtime/")
}

// noRacePkg reports packages that get entry and exit notifications but no
// access checks.
func noRacePkg(path string) bool {
	switch path {
	case "sync", "sync/atomic", "internal/sync":
		return true
	}
	return false
}

// attrs picks the attributes of fn. Closures inherit the directives of
// the function they are declared in.
func attrs(fn *ssa.Function, pragmas map[types.Object]pragma) ir.Attr {
	top := fn
	for top.Parent() != nil {
		top = top.Parent()
	}
	if o := top.Origin(); o != nil {
		top = o
	}

	var p pragma
	if obj := top.Object(); obj != nil {
		p = pragmas[obj]
	}

	path := pkgPath(fn)
	switch {
	case noInstrumentPkg(path), p&pragmaNoRace != 0:
		return ir.AttrDisableSanitizerInstrumentation
	case noRacePkg(path):
		return 0
	}
	return ir.AttrSanitizeThread
}

// lowerProgram lowers every function of prog that has a body. Definitions
// are created first so bodies can reference each other in any order.
func lowerProgram(ctx context.Context, name string, prog *ssa.Program, sizes types.Sizes,
	pragmas map[types.Object]pragma, skipPrefixes []string, log *slog.Logger) (*ir.Module, error) {
	tm := newTypeMapper(sizes)
	mod := ir.NewModule(name)
	mod.Layout = tm.layout()
	// Go has no unwind tables for instrumentation to hook; exits are
	// notified on returns only.
	mod.Unwind = false

	l := &lowerer{
		mod:          mod,
		types:        tm,
		funcs:        make(map[*ssa.Function]*ir.Function),
		globals:      make(map[*ssa.Global]*ir.Global),
		skipPrefixes: skipPrefixes,
		log:          log,
	}

	var fns []*ssa.Function
	for fn := range ssautil.AllFunctions(prog) {
		if len(fn.Blocks) > 0 {
			fns = append(fns, fn)
		}
	}
	slices.SortFunc(fns, func(a, b *ssa.Function) int {
		return strings.Compare(funcName(a), funcName(b))
	})

	defs := make([]*ir.Function, 0, len(fns))
	seen := make(map[*ir.Function]bool)
	kept := fns[:0]
	for _, fn := range fns {
		out := l.function(fn)
		if seen[out] {
			log.Warn("duplicate function symbol", slog.String("func", out.Name))
			continue
		}
		seen[out] = true
		out.Attrs = attrs(fn, pragmas)
		pts := out.ParamTypes()
		out.Params = nil
		names := paramNames(fn)
		for k, t := range pts {
			name := ""
			if k < len(names) {
				name = names[k]
			}
			out.AddParam(name, t)
		}
		defs = append(defs, out)
		kept = append(kept, fn)
	}
	fns = kept

	var errs []error
	for i, fn := range fns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := l.lowerBody(fn, defs[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Debug("function lowered",
			slog.String("func", defs[i].Name),
			slog.Int("blocks", len(defs[i].Blocks)),
			slog.String("attrs", defs[i].Attrs.String()))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("lower module %s: %w", name, errors.Join(errs...))
	}
	log.Info("module lowered",
		slog.String("module", name),
		slog.Int("functions", len(fns)),
		slog.Int("globals", len(mod.Globals())))
	return mod, nil
}

func paramNames(fn *ssa.Function) []string {
	var names []string
	for _, fv := range fn.FreeVars {
		names = append(names, fv.Name())
	}
	for _, p := range fn.Params {
		names = append(names, p.Name())
	}
	return names
}
