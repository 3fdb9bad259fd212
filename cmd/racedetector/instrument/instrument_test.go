package instrument

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rt "github.com/kolkov/raceinstr/cmd/racedetector/runtime"
	"github.com/kolkov/raceinstr/internal/ir"
	"github.com/kolkov/raceinstr/internal/ir/irfile"
)

// accessHeader declares the globals and helpers shared by the access
// tests. The function under test is @f; its entry block instructions are
// appended by accessModule.
const accessHeader = `module: t
globals:
  - {name: counter, type: i32}
  - {name: pair, type: "{ i32, i32 }"}
  - {name: table, type: "[4 x i32]", constant: true}
  - {name: odd, type: i24}
  - {name: prof, type: i64, section: "__DATA,__llvm_prf_cnts"}
  - {name: __llvm_gcov_ctr, type: i64}
  - {name: shared, type: i32, addrspace: 3}
functions:
  - name: work
    attrs: [nounwind]
  - name: sink
    attrs: [nounwind]
    params: [{name: p, type: ptr}]
  - name: llvm.memcpy
    params: [{name: d, type: ptr}, {name: s, type: ptr}, {name: n, type: i64}, {name: v, type: i1}]
  - name: llvm.dbg.value
    params: [{name: v, type: ptr}]
  - name: f
    attrs: [ATTRS]
    blocks:
      - name: entry
        instrs:
`

func accessModule(attrs string, body ...string) string {
	var sb strings.Builder
	sb.WriteString(strings.Replace(accessHeader, "ATTRS", attrs, 1))
	for _, line := range append(body, "{op: ret}") {
		sb.WriteString("          - " + line + "\n")
	}
	return sb.String()
}

func instrumentYAML(t *testing.T, src string, opts Options) (*ir.Module, *InstrumentResult) {
	t.Helper()
	mod, err := irfile.Parse([]byte(src))
	require.NoError(t, err)
	res, err := InstrumentModule(context.Background(), mod, opts)
	require.NoError(t, err)
	return mod, res
}

// callees lists the direct callees of fn in instruction order.
func callees(fn *ir.Function) []string {
	var out []string
	fn.Instructions(func(in *ir.Instr) bool {
		if f := in.CalledFunction(); f != nil {
			out = append(out, f.Name)
		}
		return true
	})
	return out
}

func framed(checks ...string) []string {
	out := []string{"llvm.returnaddress", rt.FuncEntryName}
	out = append(out, checks...)
	return append(out, rt.FuncExitName)
}

func findCall(fn *ir.Function, name string) *ir.Instr {
	var found *ir.Instr
	fn.Instructions(func(in *ir.Instr) bool {
		if f := in.CalledFunction(); f != nil && f.Name == name {
			found = in
			return false
		}
		return true
	})
	return found
}

func TestSelectAccesses(t *testing.T) {
	tests := []struct {
		name  string
		body  []string
		attrs string
		opts  func(*Options)
		want  []string
	}{
		{
			name: "read then write becomes compound",
			body: []string{
				`{op: load, name: v, type: i32, ptr: "@counter", align: 4}`,
				`{op: add, name: n, type: i32, operands: ["%v", "i32 1"]}`,
				`{op: store, value: "%n", ptr: "@counter", align: 4}`,
			},
			want: framed("__tsan_read_write4"),
		},
		{
			name: "read before write kept when folding disabled",
			body: []string{
				`{op: load, name: v, type: i32, ptr: "@counter", align: 4}`,
				`{op: store, value: "%v", ptr: "@counter", align: 4}`,
			},
			opts: func(o *Options) { o.InstrumentReadBeforeWrite = true },
			want: framed("__tsan_read4", "__tsan_write4"),
		},
		{
			name: "call ends the segment",
			body: []string{
				`{op: load, name: v, type: i32, ptr: "@counter", align: 4}`,
				`{op: call, callee: "@work"}`,
				`{op: store, value: "%v", ptr: "@counter", align: 4}`,
			},
			want: framed("__tsan_read4", "work", "__tsan_write4"),
		},
		{
			name: "write then read is not folded",
			body: []string{
				`{op: store, value: "i32 1", ptr: "@counter", align: 4}`,
				`{op: load, name: v, type: i32, ptr: "@counter", align: 4}`,
			},
			want: framed("__tsan_write4", "__tsan_read4"),
		},
		{
			name: "different widths are not folded",
			body: []string{
				`{op: load, name: v, type: i8, ptr: "@counter", align: 4}`,
				`{op: store, value: "i32 0", ptr: "@counter", align: 4}`,
			},
			want: framed("__tsan_read1", "__tsan_write4"),
		},
		{
			name: "equal field addresses fold",
			body: []string{
				`{op: gep, name: a, type: "{ i32, i32 }", ptr: "@pair", index: ["i64 0", "i32 1"], inbounds: true}`,
				`{op: gep, name: b, type: "{ i32, i32 }", ptr: "@pair", index: ["i64 0", "i32 1"], inbounds: true}`,
				`{op: load, name: v, type: i32, ptr: "%a", align: 4}`,
				`{op: store, value: "%v", ptr: "%b", align: 4}`,
			},
			want: framed("__tsan_read_write4"),
		},
		{
			name: "different fields do not fold",
			body: []string{
				`{op: gep, name: a, type: "{ i32, i32 }", ptr: "@pair", index: ["i64 0", "i32 0"], inbounds: true}`,
				`{op: gep, name: b, type: "{ i32, i32 }", ptr: "@pair", index: ["i64 0", "i32 1"], inbounds: true}`,
				`{op: load, name: v, type: i32, ptr: "%a", align: 4}`,
				`{op: store, value: "%v", ptr: "%b", align: 4}`,
			},
			want: framed("__tsan_read4", "__tsan_write4"),
		},
		{
			name: "under-aligned access",
			body: []string{`{op: load, name: v, type: i32, ptr: "@counter", align: 2}`},
			want: framed("__tsan_unaligned_read4"),
		},
		{
			name: "sixteen byte access",
			body: []string{`{op: store, value: "i128 0", ptr: "@counter", align: 16}`},
			want: framed("__tsan_write16"),
		},
		{
			name: "volatile folds when not distinguished",
			body: []string{
				`{op: load, name: v, type: i32, ptr: "@counter", align: 4, volatile: true}`,
				`{op: store, value: "%v", ptr: "@counter", align: 4, volatile: true}`,
			},
			want: framed("__tsan_read_write4"),
		},
		{
			name: "volatile distinguished",
			body: []string{
				`{op: load, name: v, type: i32, ptr: "@counter", align: 4, volatile: true}`,
				`{op: store, value: "%v", ptr: "@counter", align: 4, volatile: true}`,
			},
			opts: func(o *Options) { o.DistinguishVolatile = true },
			want: framed("__tsan_volatile_read4", "__tsan_volatile_write4"),
		},
		{
			name: "profile counters and coverage data are skipped",
			body: []string{
				`{op: store, value: "i64 1", ptr: "@prof", align: 8}`,
				`{op: store, value: "i64 1", ptr: "@__llvm_gcov_ctr", align: 8}`,
			},
		},
		{
			name: "non-default address space is skipped",
			body: []string{`{op: load, name: v, type: i32, ptr: "@shared", align: 4}`},
		},
		{
			name: "nosanitize access is ignored",
			body: []string{`{op: load, name: v, type: i32, ptr: "@counter", align: 4, nosanitize: true}`},
		},
		{
			name:  "accesses need sanitize_thread",
			attrs: "nounwind",
			body:  []string{`{op: load, name: v, type: i32, ptr: "@counter", align: 4}`},
		},
		{
			name:  "calls are framed without sanitize_thread",
			attrs: "nounwind",
			body:  []string{`{op: call, callee: "@work"}`},
			want:  framed("work"),
		},
		{
			name: "memcpy intrinsic becomes a library call",
			body: []string{`{op: call, callee: "@llvm.memcpy", args: ["@counter", "@pair", "i64 4", "false"]}`},
			want: framed("memcpy"),
		},
		{
			name: "debug intrinsic is not a call",
			body: []string{`{op: call, callee: "@llvm.dbg.value", args: ["@counter"]}`},
			want: []string{"llvm.dbg.value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			if tt.opts != nil {
				tt.opts(&opts)
			}
			attrs := tt.attrs
			if attrs == "" {
				attrs = "sanitize_thread"
			}
			mod, _ := instrumentYAML(t, accessModule(attrs, tt.body...), opts)
			assert.Equal(t, tt.want, callees(mod.Function("f")))
		})
	}
}

func TestCompoundSoundness(t *testing.T) {
	src := accessModule("sanitize_thread",
		`{op: load, name: v, type: i32, ptr: "@counter", align: 4}`,
		`{op: add, name: n, type: i32, operands: ["%v", "i32 1"]}`,
		`{op: store, value: "%n", ptr: "@counter", align: 4}`,
	)
	mod, res := instrumentYAML(t, src, DefaultOptions())

	assert.Nil(t, findCall(mod.Function("f"), "__tsan_write4"), "omitted read must not leave a plain write check")
	assert.Nil(t, findCall(mod.Function("f"), "__tsan_read4"))

	check := findCall(mod.Function("f"), "__tsan_read_write4")
	require.NotNil(t, check)
	next := check.Parent.Instrs[check.Parent.Index(check)+1]
	assert.Equal(t, ir.OpStore, next.Op, "compound check sits before the write")

	assert.Equal(t, 1, res.Stats.ReadsInstrumented)
	assert.Equal(t, 1, res.Stats.WritesInstrumented)
	assert.Equal(t, 1, res.Stats.OmittedReadsBeforeWrite)
	assert.Equal(t, 1, res.Stats.FunctionsFramed)
}

func TestWidthGating(t *testing.T) {
	src := accessModule("sanitize_thread",
		`{op: load, name: v, type: i24, ptr: "@odd", align: 4}`,
		`{op: store, value: "%v", ptr: "@odd", align: 4}`,
	)
	mod, res := instrumentYAML(t, src, DefaultOptions())

	assert.Empty(t, callees(mod.Function("f")))
	assert.Equal(t, InstrumentStats{AccessesWithBadSize: 2}, res.Stats)
	assert.False(t, res.Changed())
}

func TestConstantDataReads(t *testing.T) {
	src := accessModule("sanitize_thread",
		`{op: load, name: a, type: i32, ptr: "@table", align: 4}`,
		`{op: gep, name: p, type: i32, ptr: "@table", index: ["i64 2"], inbounds: true}`,
		`{op: load, name: b, type: i32, ptr: "%p", align: 4}`,
		`{op: store, value: "%a", ptr: "@counter", align: 4}`,
	)
	mod, res := instrumentYAML(t, src, DefaultOptions())

	assert.Equal(t, framed("__tsan_write4"), callees(mod.Function("f")))
	assert.Equal(t, 2, res.Stats.OmittedReadsFromConstantGlobals)
	assert.Equal(t, 0, res.Stats.ReadsInstrumented)
}

func TestNonCapturedStackSlot(t *testing.T) {
	t.Run("only local writes", func(t *testing.T) {
		src := accessModule("sanitize_thread",
			`{op: alloca, name: slot, type: i32, align: 4}`,
			`{op: store, value: "i32 1", ptr: "%slot", align: 4}`,
			`{op: store, value: "i32 2", ptr: "%slot", align: 4}`,
		)
		mod, res := instrumentYAML(t, src, DefaultOptions())

		assert.Empty(t, callees(mod.Function("f")))
		assert.Equal(t, 2, res.Stats.OmittedNonCaptured)
		assert.Equal(t, 0, res.Stats.FunctionsFramed)
	})

	t.Run("framed for another access", func(t *testing.T) {
		src := accessModule("sanitize_thread",
			`{op: alloca, name: slot, type: i32, align: 4}`,
			`{op: store, value: "i32 1", ptr: "%slot", align: 4}`,
			`{op: store, value: "i32 2", ptr: "%slot", align: 4}`,
			`{op: load, name: v, type: i32, ptr: "@counter", align: 4}`,
		)
		mod, res := instrumentYAML(t, src, DefaultOptions())

		assert.Equal(t, framed("__tsan_read4"), callees(mod.Function("f")))
		assert.Equal(t, 2, res.Stats.OmittedNonCaptured)
	})

	t.Run("escaping slot is checked", func(t *testing.T) {
		src := accessModule("sanitize_thread",
			`{op: alloca, name: slot, type: i32, align: 4}`,
			`{op: call, callee: "@sink", args: ["%slot"]}`,
			`{op: store, value: "i32 2", ptr: "%slot", align: 4}`,
		)
		mod, res := instrumentYAML(t, src, DefaultOptions())

		assert.Equal(t, framed("sink", "__tsan_write4"), callees(mod.Function("f")))
		assert.Equal(t, 0, res.Stats.OmittedNonCaptured)
	})

	t.Run("escaping slot reached through a field", func(t *testing.T) {
		src := accessModule("sanitize_thread",
			`{op: alloca, name: slot, type: "{ i32, i32 }", align: 4}`,
			`{op: call, callee: "@sink", args: ["%slot"]}`,
			`{op: gep, name: f1, type: "{ i32, i32 }", ptr: "%slot", index: ["i32 0", "i32 1"], inbounds: true}`,
			`{op: store, value: "i32 2", ptr: "%f1", align: 4}`,
		)
		mod, res := instrumentYAML(t, src, DefaultOptions())

		assert.Equal(t, framed("sink", "__tsan_write4"), callees(mod.Function("f")))
		assert.Equal(t, 0, res.Stats.OmittedNonCaptured)
	})

	t.Run("local field write", func(t *testing.T) {
		src := accessModule("sanitize_thread",
			`{op: alloca, name: slot, type: "{ i32, i32 }", align: 4}`,
			`{op: gep, name: f1, type: "{ i32, i32 }", ptr: "%slot", index: ["i32 0", "i32 1"], inbounds: true}`,
			`{op: store, value: "i32 2", ptr: "%f1", align: 4}`,
		)
		mod, res := instrumentYAML(t, src, DefaultOptions())

		assert.Empty(t, callees(mod.Function("f")))
		assert.Equal(t, 1, res.Stats.OmittedNonCaptured)
	})
}

const vtableModule = `module: vt
globals:
  - {name: vt, type: "[2 x ptr]", constant: true}
functions:
  - name: setvt
    attrs: [sanitize_thread]
    params: [{name: obj, type: ptr}]
    blocks:
      - name: entry
        instrs:
          - {op: store, value: "@vt", ptr: "%obj", align: 8, vtable: true}
          - {op: ret}
  - name: getvt
    attrs: [sanitize_thread]
    ret: ptr
    params: [{name: obj, type: ptr}]
    blocks:
      - name: entry
        instrs:
          - {op: load, name: cur, type: ptr, ptr: "%obj", align: 8, vtable: true}
          - {op: load, name: fp, type: ptr, ptr: "%cur", align: 8}
          - {op: ret, value: "%fp"}
`

func TestVtableAccesses(t *testing.T) {
	mod, res := instrumentYAML(t, vtableModule, DefaultOptions())

	set := mod.Function("setvt")
	assert.Equal(t, framed(rt.VptrUpdateName), callees(set))
	upd := findCall(set, rt.VptrUpdateName)
	require.NotNil(t, upd)
	require.Len(t, upd.Operands, 2)
	assert.Same(t, set.Params[0], upd.Operands[0])
	assert.Same(t, mod.Global("vt"), upd.Operands[1])

	get := mod.Function("getvt")
	assert.Equal(t, framed(rt.VptrReadName), callees(get))

	assert.Equal(t, 1, res.Stats.VtableWritesInstrumented)
	assert.Equal(t, 1, res.Stats.VtableReadsInstrumented)
	assert.Equal(t, 1, res.Stats.OmittedReadsFromVtable)
	assert.Equal(t, 0, res.Stats.Total())
}

func TestEncodeOrdering(t *testing.T) {
	tests := []struct {
		ord  ir.Ordering
		want int64
	}{
		{ir.Unordered, 0},
		{ir.Monotonic, 0},
		{ir.Acquire, 2},
		{ir.Release, 3},
		{ir.AcquireRelease, 4},
		{ir.SequentiallyConsistent, 5},
	}
	for _, tt := range tests {
		t.Run(tt.ord.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, EncodeOrdering(tt.ord))
		})
	}

	assert.Panics(t, func() { EncodeOrdering(ir.NotAtomic) })
}

const atomicModule = `module: atomics
globals:
  - {name: counter, type: i32}
  - {name: slot, type: ptr}
functions:
  - name: get
    ret: i32
    blocks:
      - name: entry
        instrs:
          - {op: load, name: v, type: i32, ptr: "@counter", align: 4, ordering: seq_cst}
          - {op: ret, value: "%v"}
  - name: set
    blocks:
      - name: entry
        instrs:
          - {op: store, value: "i32 7", ptr: "@counter", align: 4, ordering: release}
          - {op: ret}
  - name: add
    ret: i32
    blocks:
      - name: entry
        instrs:
          - {op: atomicrmw, name: old, rmw: add, ptr: "@counter", value: "i32 1", ordering: acq_rel, align: 4}
          - {op: ret, value: "%old"}
  - name: minimum
    ret: i32
    blocks:
      - name: entry
        instrs:
          - {op: atomicrmw, name: old, rmw: min, ptr: "@counter", value: "i32 1", ordering: seq_cst, align: 4}
          - {op: ret, value: "%old"}
  - name: swap
    ret: ptr
    blocks:
      - name: entry
        instrs:
          - {op: cmpxchg, name: r, ptr: "@slot", cmp: "null", new: "@counter", ordering: seq_cst, failure: acquire, align: 8}
          - {op: extractvalue, name: prev, operands: ["%r"], positions: [0]}
          - {op: ret, value: "%prev"}
  - name: fences
    blocks:
      - name: entry
        instrs:
          - {op: fence, ordering: seq_cst}
          - {op: fence, ordering: acquire, scope: singlethread}
          - {op: ret}
  - name: local
    attrs: [sanitize_thread]
    blocks:
      - name: entry
        instrs:
          - {op: load, name: v, type: i32, ptr: "@counter", align: 4, ordering: monotonic, scope: singlethread}
          - {op: ret}
`

// orderingArgs returns the integer values of the last n call arguments.
func orderingArgs(call *ir.Instr, n int) []int64 {
	var out []int64
	for _, op := range call.Operands[len(call.Operands)-n:] {
		out = append(out, op.(*ir.Const).Int)
	}
	return out
}

func TestAtomicLowering(t *testing.T) {
	mod, res := instrumentYAML(t, atomicModule, DefaultOptions())

	t.Run("load", func(t *testing.T) {
		fn := mod.Function("get")
		assert.Equal(t, framed("__tsan_atomic32_load"), callees(fn))
		call := findCall(fn, "__tsan_atomic32_load")
		require.NotNil(t, call)
		assert.Equal(t, []int64{5}, orderingArgs(call, 1))
		ret := fn.Blocks[0].Terminator()
		assert.Same(t, call, ret.Operands[0], "uses of the load read the runtime result")
	})

	t.Run("store", func(t *testing.T) {
		fn := mod.Function("set")
		call := findCall(fn, "__tsan_atomic32_store")
		require.NotNil(t, call)
		assert.Equal(t, []int64{3}, orderingArgs(call, 1))
		assert.Equal(t, int64(7), call.Operands[1].(*ir.Const).Int)
	})

	t.Run("rmw", func(t *testing.T) {
		fn := mod.Function("add")
		call := findCall(fn, "__tsan_atomic32_fetch_add")
		require.NotNil(t, call)
		assert.Equal(t, []int64{4}, orderingArgs(call, 1))
	})

	t.Run("rmw without runtime entry", func(t *testing.T) {
		fn := mod.Function("minimum")
		assert.Empty(t, callees(fn))
		assert.Equal(t, ir.OpAtomicRMW, fn.Blocks[0].Instrs[0].Op)
	})

	t.Run("cmpxchg", func(t *testing.T) {
		fn := mod.Function("swap")
		call := findCall(fn, "__tsan_atomic64_compare_exchange_val")
		require.NotNil(t, call)
		assert.Equal(t, []int64{5, 2}, orderingArgs(call, 2))

		prev := fn.Blocks[0].Instrs[len(fn.Blocks[0].Instrs)-3]
		require.Equal(t, ir.OpExtractValue, prev.Op)
		pair := prev.Operands[0].(*ir.Instr)
		require.Equal(t, ir.OpInsertValue, pair.Op)
		success := pair.Operands[1].(*ir.Instr)
		assert.Equal(t, ir.OpICmp, success.Op)
		assert.Same(t, call, success.Operands[0])

		first := pair.Operands[0].(*ir.Instr)
		require.Equal(t, ir.OpInsertValue, first.Op)
		old := first.Operands[1].(*ir.Instr)
		assert.Equal(t, ir.CastIntToPtr, old.Cast, "old value is converted back to a pointer")
		assert.Same(t, call, old.Operands[0])
	})

	t.Run("fences", func(t *testing.T) {
		fn := mod.Function("fences")
		assert.Equal(t, framed(rt.AtomicThreadFenceName, rt.AtomicSignalFenceName), callees(fn))
		assert.Equal(t, []int64{5}, orderingArgs(findCall(fn, rt.AtomicThreadFenceName), 1))
		assert.Equal(t, []int64{2}, orderingArgs(findCall(fn, rt.AtomicSignalFenceName), 1))
	})

	t.Run("single thread load is a plain access", func(t *testing.T) {
		assert.Equal(t, framed("__tsan_read4"), callees(mod.Function("local")))
	})

	assert.Equal(t, 6, res.Stats.AtomicsLowered)
}

func TestAtomicsDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.InstrumentAtomics = false
	mod, res := instrumentYAML(t, atomicModule, opts)

	assert.Empty(t, callees(mod.Function("get")))
	assert.Equal(t, 0, res.Stats.AtomicsLowered)
}

func TestMemIntrinsicMarksChanged(t *testing.T) {
	src := accessModule("sanitize_thread",
		`{op: call, callee: "@llvm.memcpy", args: ["@counter", "@pair", "i64 4", "false"]}`,
	)
	opts := DefaultOptions()
	opts.InstrumentFuncEntryExit = false
	mod, res := instrumentYAML(t, src, opts)

	assert.Equal(t, []string{"memcpy"}, callees(mod.Function("f")))
	assert.Equal(t, 1, res.Stats.MemIntrinsicsReplaced)
	require.Len(t, res.Functions, 1)
	assert.True(t, res.Functions[0].Changed)
}

const unwindModule = `module: unwind
functions:
  - name: work
  - name: tail
  - name: caller
    attrs: [sanitize_thread]
    blocks:
      - name: entry
        instrs:
          - {op: call, callee: "@work"}
          - {op: ret}
  - name: tailcaller
    attrs: [sanitize_thread]
    blocks:
      - name: entry
        instrs:
          - {op: call, callee: "@tail", musttail: true}
          - {op: ret}
  - name: quiet
    attrs: [sanitize_thread_no_checking_at_run_time, nounwind]
    blocks:
      - name: entry
        instrs:
          - {op: call, callee: "@work", nounwind: true}
          - {op: ret}
`

func TestFunctionFraming(t *testing.T) {
	t.Run("calls that may throw become invokes", func(t *testing.T) {
		mod, _ := instrumentYAML(t, unwindModule, DefaultOptions())
		fn := mod.Function("caller")

		require.Len(t, fn.Blocks, 3)
		assert.Equal(t, []string{"entry", "entry.noexc", "tsan_cleanup"},
			[]string{fn.Blocks[0].Name, fn.Blocks[1].Name, fn.Blocks[2].Name})
		inv := fn.Blocks[0].Terminator()
		assert.Equal(t, ir.OpInvoke, inv.Op)
		assert.Same(t, fn.Blocks[2], inv.Succs[1])
		assert.NotNil(t, fn.Personality)

		exits := 0
		for _, name := range callees(fn) {
			if name == rt.FuncExitName {
				exits++
			}
		}
		assert.Equal(t, 2, exits, "one exit on return, one on unwind")
	})

	t.Run("without exception handling", func(t *testing.T) {
		opts := DefaultOptions()
		opts.HandleExceptions = false
		mod, _ := instrumentYAML(t, unwindModule, opts)
		fn := mod.Function("caller")

		assert.Len(t, fn.Blocks, 1)
		assert.Nil(t, fn.Personality)
		assert.Equal(t, framed("work"), callees(fn))
	})

	t.Run("module without unwinding", func(t *testing.T) {
		mod, _ := instrumentYAML(t, "no_unwind: true\n"+unwindModule, DefaultOptions())
		assert.Len(t, mod.Function("caller").Blocks, 1)
	})

	t.Run("exit goes before a musttail call", func(t *testing.T) {
		mod, _ := instrumentYAML(t, unwindModule, DefaultOptions())
		fn := mod.Function("tailcaller")

		assert.Len(t, fn.Blocks, 1)
		assert.Equal(t, []string{"llvm.returnaddress", rt.FuncEntryName, rt.FuncExitName, "tail"}, callees(fn))
	})

	t.Run("runtime ignores", func(t *testing.T) {
		mod, _ := instrumentYAML(t, unwindModule, DefaultOptions())
		assert.Equal(t, []string{
			"llvm.returnaddress", rt.FuncEntryName, rt.IgnoreBeginName,
			"work",
			rt.IgnoreEndName, rt.FuncExitName,
		}, callees(mod.Function("quiet")))
	})

	t.Run("entry and exit disabled", func(t *testing.T) {
		opts := DefaultOptions()
		opts.InstrumentFuncEntryExit = false
		mod, res := instrumentYAML(t, unwindModule, opts)
		assert.Equal(t, []string{"work"}, callees(mod.Function("caller")))
		assert.Equal(t, 0, res.Stats.FunctionsFramed)
	})
}

func TestSanitizeFunctionSkips(t *testing.T) {
	tests := []struct {
		name  string
		fname string
		attrs ir.Attr
		want  string
	}{
		{"naked", "n", ir.AttrNaked | ir.AttrSanitizeThread, SkipNaked},
		{"disabled", "d", ir.AttrDisableSanitizerInstrumentation | ir.AttrSanitizeThread, SkipDisabledByAttrs},
		{"module ctor", rt.ModuleCtorName, ir.AttrSanitizeThread, SkipModuleCtor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := ir.NewModule("skip")
			g := mod.AddGlobal("x", ir.I32)
			fn := mod.AddFunction(tt.fname, ir.Void, tt.attrs)
			b := ir.NewBuilderAtEnd(fn.NewBlock("entry"))
			b.CreateStore(ir.ConstI(ir.I32, 1), g, 4)
			b.CreateRet(nil)

			res := NewSelector(DefaultOptions()).SanitizeFunction(fn, rt.Declare(mod))
			assert.Equal(t, tt.want, res.Skipped)
			assert.False(t, res.Changed)
			assert.Equal(t, 1, res.Stats.FunctionsSkipped)
			assert.Len(t, fn.Blocks[0].Instrs, 2)
		})
	}

	mod := ir.NewModule("decl")
	decl := mod.AddFunction("ext", ir.Void, 0)
	res := NewSelector(DefaultOptions()).SanitizeFunction(decl, rt.Declare(mod))
	assert.Equal(t, SkipDeclaration, res.Skipped)
	assert.Equal(t, 0, res.Stats.FunctionsSkipped)
}

func TestInstrumentModuleParallel(t *testing.T) {
	mod := ir.NewModule("many")
	g := mod.AddGlobal("counter", ir.I32)
	const n = 64
	for i := range n {
		fn := mod.AddFunction(fmt.Sprintf("f%d", i), ir.Void, ir.AttrSanitizeThread)
		b := ir.NewBuilderAtEnd(fn.NewBlock("entry"))
		v := b.CreateLoad(ir.I32, g, 4)
		b.CreateStore(v, g, 4)
		b.CreateRet(nil)
	}

	opts := DefaultOptions()
	opts.Workers = 4
	res, err := InstrumentModule(context.Background(), mod, opts)
	require.NoError(t, err)

	require.Len(t, res.Functions, n)
	for i, fr := range res.Functions {
		assert.Equal(t, fmt.Sprintf("f%d", i), fr.Name)
		assert.True(t, fr.Changed)
	}
	assert.Equal(t, n, res.Stats.ReadsInstrumented)
	assert.Equal(t, n, res.Stats.WritesInstrumented)
	assert.Equal(t, n, res.Stats.OmittedReadsBeforeWrite)
	assert.Equal(t, n, res.Stats.FunctionsFramed)

	ctors := mod.Ctors()
	require.Len(t, ctors, 1)
	assert.Equal(t, rt.ModuleCtorName, ctors[0].Fn.Name)
	assert.Equal(t, 0, ctors[0].Priority)
}

func TestInstrumentModuleCtorIdempotent(t *testing.T) {
	mod := ir.NewModule("twice")
	entries := rt.Declare(mod)
	first := InsertModuleCtor(mod, entries)
	second := InsertModuleCtor(mod, entries)

	assert.Same(t, first, second)
	assert.Len(t, mod.Ctors(), 1)
	assert.Equal(t, []string{rt.InitName}, callees(first))
}

func TestInstrumentModuleCancelled(t *testing.T) {
	mod := ir.NewModule("cancel")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := InstrumentModule(ctx, mod, DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInstrumentModuleRejectsMalformed(t *testing.T) {
	mod := ir.NewModule("bad")
	fn := mod.AddFunction("broken", ir.Void, ir.AttrSanitizeThread)
	fn.NewBlock("entry").Append(&ir.Instr{Op: ir.OpLoad, Ty: ir.I32, Operands: []ir.Value{mod.AddGlobal("g", ir.I32)}})

	_, err := InstrumentModule(context.Background(), mod, DefaultOptions())
	require.Error(t, err)

	var ierr *InstrumentationError
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, "broken", ierr.Function)
	assert.Equal(t, "entry", ierr.Block)
	assert.Empty(t, mod.Ctors(), "nothing is modified when verification fails")
}

func TestGolden(t *testing.T) {
	tests := []string{"counter", "unwind"}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			mod, err := irfile.ReadFile("testdata/" + name + ".yaml")
			require.NoError(t, err)
			_, err = InstrumentModule(context.Background(), mod, DefaultOptions())
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, ir.Print(&buf, mod))

			g := goldie.New(t,
				goldie.WithFixtureDir("testdata/golden"),
				goldie.WithNameSuffix(".golden"),
			)
			g.Assert(t, name, buf.Bytes())
		})
	}
}
