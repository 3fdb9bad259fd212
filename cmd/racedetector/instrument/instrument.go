// Package instrument inserts race detector runtime checks into IR.
//
// The pass works one function at a time. Each basic block is cut into
// segments at every call; inside a segment loads and stores are scanned
// from the end so that a read followed by a write to the same address
// can be checked once, as a compound read-write. Accesses that cannot
// race are dropped:
//   - reads of constant globals and of type-identity tables
//   - accesses to stack slots whose address never escapes
//   - accesses to profiling counters and non-default address spaces
//
// Every kept access becomes a call to a fixed runtime entry point chosen
// by width, alignment, volatility and compoundness. Atomic instructions
// are replaced by the runtime's atomic entry points, and functions that
// access memory or call other functions are framed with entry and exit
// notifications on every path out, including unwinding.
//
// Example:
//
//	mod, _ := irfile.ReadFile("counter.yaml")
//	res, err := instrument.InstrumentModule(ctx, mod, instrument.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("instrumented %d reads, %d writes\n",
//	    res.Stats.ReadsInstrumented, res.Stats.WritesInstrumented)
//
// Thread Safety: SanitizeFunction may run concurrently on different
// functions of one module once the runtime entries are declared.
// InstrumentModule does exactly that.
package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	rt "github.com/kolkov/raceinstr/cmd/racedetector/runtime"
	"github.com/kolkov/raceinstr/internal/capture"
	"github.com/kolkov/raceinstr/internal/ir"
)

// Options control which parts of the pass run.
type Options struct {
	InstrumentMemoryAccesses bool
	InstrumentFuncEntryExit  bool
	// HandleExceptions makes exit notifications run while an exception
	// unwinds through the function.
	HandleExceptions        bool
	InstrumentAtomics       bool
	InstrumentMemIntrinsics bool
	// DistinguishVolatile routes volatile accesses to the volatile entry
	// points and keeps them out of compound checks.
	DistinguishVolatile bool
	// InstrumentReadBeforeWrite disables folding a read into a later write.
	InstrumentReadBeforeWrite bool
	// SkipGlobalPrefixes lists name prefixes of globals whose accesses
	// are never checked. Nil means the built-in coverage prefixes.
	SkipGlobalPrefixes []string
	// Workers bounds InstrumentModule's parallelism; 0 means GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		InstrumentMemoryAccesses: true,
		InstrumentFuncEntryExit:  true,
		HandleExceptions:         true,
		InstrumentAtomics:        true,
		InstrumentMemIntrinsics:  true,
	}
}

// Skip reasons reported in FunctionResult.Skipped.
const (
	SkipDeclaration     = "declaration"
	SkipModuleCtor      = "module constructor"
	SkipNaked           = "naked"
	SkipDisabledByAttrs = "disable_sanitizer_instrumentation"
)

// FunctionResult describes what happened to one function.
type FunctionResult struct {
	Name    string          `json:"name" yaml:"name"`
	Changed bool            `json:"changed" yaml:"changed"`
	Skipped string          `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Stats   InstrumentStats `json:"stats" yaml:"stats"`
}

// InstrumentResult holds the outcome for a whole module.
//
//nolint:revive // InstrumentResult is clear and descriptive despite stuttering
type InstrumentResult struct {
	Module    string           `json:"module" yaml:"module"`
	Functions []FunctionResult `json:"functions" yaml:"functions"`
	Stats     InstrumentStats  `json:"stats" yaml:"stats"`
}

// Changed reports whether any function was modified.
func (r *InstrumentResult) Changed() bool {
	for _, f := range r.Functions {
		if f.Changed {
			return true
		}
	}
	return false
}

// Selector runs the per-function pass with fixed options.
type Selector struct {
	opts         Options
	log          *slog.Logger
	skipPrefixes []string
}

// NewSelector returns a selector for opts.
func NewSelector(opts Options) *Selector {
	s := &Selector{opts: opts, log: opts.Logger, skipPrefixes: opts.SkipGlobalPrefixes}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	if s.skipPrefixes == nil {
		s.skipPrefixes = defaultSkipPrefixes
	}
	return s
}

// functionPass is the scratch state of one SanitizeFunction call.
type functionPass struct {
	mod          *ir.Module
	fn           *ir.Function
	opts         Options
	rt           *rt.Entries
	capture      *capture.Analyzer
	stats        InstrumentStats
	log          *slog.Logger
	skipPrefixes []string
}

// skipReason returns why fn must be left alone, or "".
func skipReason(fn *ir.Function) string {
	switch {
	case fn.IsDeclaration():
		return SkipDeclaration
	case fn.Name == rt.ModuleCtorName:
		return SkipModuleCtor
	case fn.Attrs.Has(ir.AttrNaked):
		return SkipNaked
	case fn.Attrs.Has(ir.AttrDisableSanitizerInstrumentation):
		return SkipDisabledByAttrs
	}
	return ""
}

// SanitizeFunction instruments fn in place. entries must have been
// declared into fn's module.
func (s *Selector) SanitizeFunction(fn *ir.Function, entries *rt.Entries) FunctionResult {
	res := FunctionResult{Name: fn.Name}
	if reason := skipReason(fn); reason != "" {
		res.Skipped = reason
		if reason != SkipDeclaration {
			res.Stats.FunctionsSkipped++
			s.log.Debug("skip function", slog.String("func", fn.Name), slog.String("reason", reason))
		}
		return res
	}

	p := &functionPass{
		mod:          fn.Module,
		fn:           fn,
		opts:         s.opts,
		rt:           entries,
		capture:      capture.New(fn),
		log:          s.log,
		skipPrefixes: s.skipPrefixes,
	}
	res.Changed = p.run()
	res.Stats = p.stats
	s.log.Debug("function instrumented",
		slog.String("func", fn.Name),
		slog.Bool("changed", res.Changed),
		slog.Int("reads", p.stats.ReadsInstrumented),
		slog.Int("writes", p.stats.WritesInstrumented),
		slog.Int("skipped", p.stats.TotalSkipped()),
		slog.Int("atomics", p.stats.AtomicsLowered))
	return res
}

// run collects candidates, chooses which accesses to check and rewrites
// the function. Returns true when fn changed.
func (p *functionPass) run() bool {
	sanitize := p.fn.Attrs.Has(ir.AttrSanitizeThread)
	chooseAccesses := p.opts.InstrumentMemoryAccesses && sanitize

	var (
		all      []accessRecord
		local    []*ir.Instr
		atomics  []*ir.Instr
		memIntrs []*ir.Instr
		hasCalls bool
	)
	flush := func() {
		if chooseAccesses {
			all = p.chooseSegment(local, all)
		}
		local = local[:0]
	}

	for _, b := range p.fn.Blocks {
		for _, in := range b.Instrs {
			switch {
			case in.NoSanitize:
			case isTsanAtomic(in):
				atomics = append(atomics, in)
			case in.Op == ir.OpLoad || in.Op == ir.OpStore:
				local = append(local, in)
			case in.IsCall() && in.Intrinsic() != ir.IntrinsicDbgInfo:
				if in.IsMemIntrinsic() {
					memIntrs = append(memIntrs, in)
				}
				hasCalls = true
				flush()
			}
		}
		flush()
	}

	changed := false
	for _, rec := range all {
		if p.instrumentLoadOrStore(rec) {
			changed = true
		}
	}

	if p.opts.InstrumentAtomics {
		for _, in := range atomics {
			if p.instrumentAtomic(in) {
				p.stats.AtomicsLowered++
				changed = true
			}
		}
	}

	if p.opts.InstrumentMemIntrinsics && sanitize {
		for _, in := range memIntrs {
			if p.instrumentMemIntrinsic(in) {
				changed = true
			}
		}
	}

	if p.fn.Attrs.Has(ir.AttrNoCheckingAtRunTime) && hasCalls {
		p.insertRuntimeIgnores()
		changed = true
	}

	if p.opts.InstrumentFuncEntryExit && (changed || hasCalls) {
		p.instrumentFuncEntryExit()
		p.stats.FunctionsFramed++
		changed = true
	}
	return changed
}

// InstrumentModule declares the runtime entries in mod, registers the
// module constructor and instruments every function definition in
// parallel. Function results keep module order.
//
// Malformed functions are reported before anything is modified. A
// cancelled context stops the pass between functions; the module is
// then partially instrumented and must be discarded.
func InstrumentModule(ctx context.Context, mod *ir.Module, opts Options) (*InstrumentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var defs []*ir.Function
	for _, fn := range mod.Functions() {
		if fn.IsDeclaration() {
			continue
		}
		if err := Verify(fn); err != nil {
			return nil, fmt.Errorf("instrument module %s: %w", mod.Name, err)
		}
		defs = append(defs, fn)
	}

	entries := rt.Declare(mod)
	InsertModuleCtor(mod, entries)

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	sel := NewSelector(opts)
	results := make([]FunctionResult, len(defs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, fn := range defs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = sel.SanitizeFunction(fn, entries)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("instrument module %s: %w", mod.Name, err)
	}

	out := &InstrumentResult{Module: mod.Name, Functions: slices.Clip(results)}
	for _, r := range results {
		out.Stats.Add(r.Stats)
	}
	sel.log.Info("module instrumented",
		slog.String("module", mod.Name),
		slog.Int("functions", len(defs)),
		slog.Int("checks", out.Stats.Total()),
		slog.Int("atomics", out.Stats.AtomicsLowered),
		slog.Int("framed", out.Stats.FunctionsFramed))
	return out, nil
}
