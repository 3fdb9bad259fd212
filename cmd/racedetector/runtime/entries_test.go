package runtime

import (
	"slices"
	"testing"

	"github.com/kolkov/raceinstr/internal/ir"
)

func TestVariantName(t *testing.T) {
	tests := []struct {
		v    Variant
		idx  int
		want string
	}{
		{Variant{}, 0, "__tsan_read1"},
		{Variant{Write: true}, 2, "__tsan_write4"},
		{Variant{Unaligned: true}, 3, "__tsan_unaligned_read8"},
		{Variant{Unaligned: true, Write: true}, 4, "__tsan_unaligned_write16"},
		{Variant{Volatile: true}, 1, "__tsan_volatile_read2"},
		{Variant{Volatile: true, Write: true, Unaligned: true}, 2, "__tsan_unaligned_volatile_write4"},
		{Variant{Compound: true}, 3, "__tsan_read_write8"},
		{Variant{Compound: true, Unaligned: true}, 0, "__tsan_unaligned_read_write1"},
	}
	for _, tt := range tests {
		if got := tt.v.Name(tt.idx); got != tt.want {
			t.Errorf("%+v.Name(%d) = %q, want %q", tt.v, tt.idx, got, tt.want)
		}
	}
}

func TestDeclare(t *testing.T) {
	m := ir.NewModule("m")
	e := Declare(m)

	if got := e.Access(Variant{Write: true}, 2).Name; got != "__tsan_write4" {
		t.Errorf("Access(write, 4) = %s", got)
	}
	// Compound ignores the write and volatile bits.
	if got := e.Access(Variant{Compound: true, Write: true, Volatile: true}, 3).Name; got != "__tsan_read_write8" {
		t.Errorf("Access(compound, 8) = %s", got)
	}
	if got := e.AtomicLoad[3]; got.Name != "__tsan_atomic64_load" || !got.Ret.Equal(ir.I64) {
		t.Errorf("AtomicLoad[3] = %s returning %s", got.Name, got.Ret)
	}
	if got := e.AtomicCAS[4].Name; got != "__tsan_atomic128_compare_exchange_val" {
		t.Errorf("AtomicCAS[4] = %s", got)
	}
	if got := e.AtomicRMW(ir.RMWNand, 0); got == nil || got.Name != "__tsan_atomic8_fetch_nand" {
		t.Errorf("AtomicRMW(nand, 0) = %v", got)
	}
	if got := e.AtomicRMW(ir.RMWMax, 0); got != nil {
		t.Errorf("AtomicRMW(max) = %s, want nil", got.Name)
	}
	if !e.FuncEntry.Attrs.Has(ir.AttrNoUnwind) {
		t.Errorf("runtime entries must be nounwind")
	}
	if e.ReturnAddress.Intrinsic != ir.IntrinsicReturnAddress {
		t.Errorf("return address intrinsic not tagged")
	}

	before := len(m.Functions())
	again := Declare(m)
	if len(m.Functions()) != before {
		t.Errorf("second Declare added %d functions", len(m.Functions())-before)
	}
	if again.FuncExit != e.FuncExit {
		t.Errorf("second Declare did not reuse declarations")
	}
}

func TestNames(t *testing.T) {
	names := Names()
	for _, want := range []string{
		FuncEntryName, FuncExitName, VptrUpdateName, VptrReadName,
		"__tsan_atomic32_fetch_xor", "__tsan_unaligned_volatile_read16", "memset",
	} {
		if !slices.Contains(names, want) {
			t.Errorf("Names() missing %s", want)
		}
	}
	// 10 access families, 3 fixed atomic families, and 7 RMW families per size.
	if got, want := len(names), NumAccessSizes*(10+3+7); got < want {
		t.Errorf("Names() has %d entries, want at least %d", got, want)
	}
}
