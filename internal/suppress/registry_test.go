package suppress

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeOverlaps(t *testing.T) {
	base := Range{Addr: 100, Size: 10}

	tests := []struct {
		name string
		q    Range
		want bool
	}{
		{"inside", Range{105, 1}, true},
		{"straddles start", Range{95, 10}, true},
		{"straddles end", Range{109, 4}, true},
		{"covers", Range{90, 40}, true},
		{"touches end", Range{110, 5}, false},
		{"touches start", Range{90, 10}, false},
		{"empty inside", Range{105, 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.Overlaps(tt.q))
			assert.Equal(t, tt.want, tt.q.Overlaps(base))
		})
	}
}

func TestRangeAtTopOfAddressSpace(t *testing.T) {
	top := Range{Addr: ^uintptr(0) - 3, Size: 8}
	assert.Equal(t, ^uintptr(0), top.End())
	assert.True(t, top.Overlaps(Range{Addr: ^uintptr(0) - 3, Size: 1}))
	assert.True(t, top.Overlaps(Range{Addr: ^uintptr(0) - 8, Size: 6}))
	assert.False(t, top.Overlaps(Range{Addr: 0, Size: 4}))

	r := New()
	r.DeclareBenignRace("top.c", 1, top.Addr, top.Size, "top")
	_, hit := r.Query(^uintptr(0)-2, 1)
	assert.True(t, hit)
}

func TestInsertDeduplicates(t *testing.T) {
	r := New()

	assert.True(t, r.Insert(Range{0x1000, 8}, Origin{File: "a.go", Line: 1, Desc: "first"}))
	assert.False(t, r.Insert(Range{0x1000, 8}, Origin{File: "b.go", Line: 2, Desc: "second"}))
	assert.True(t, r.Insert(Range{0x1000, 4}, Origin{File: "c.go", Line: 3, Desc: "narrow"}))

	require.Equal(t, 2, r.Len())
	snap := r.Snapshot()
	require.Len(t, snap, 2)

	// Most recent declaration first.
	assert.Equal(t, uintptr(4), snap[0].Size)
	assert.Equal(t, int64(1), snap[0].AddCount)

	assert.Equal(t, uintptr(8), snap[1].Size)
	assert.Equal(t, int64(2), snap[1].AddCount)
	assert.Equal(t, "first", snap[1].Desc, "a repeated declaration keeps the original origin")
	assert.Equal(t, int64(0), snap[1].HitCount)
}

func TestQuery(t *testing.T) {
	r := New()
	r.Insert(Range{100, 10}, Origin{File: "x.go", Line: 7, Desc: "counter"})

	e, ok := r.Query(105, 1)
	require.True(t, ok)
	assert.Equal(t, "counter", e.Desc)
	assert.Equal(t, int64(1), e.HitCount)

	_, ok = r.Query(95, 10)
	assert.True(t, ok)

	_, ok = r.Query(110, 5)
	assert.False(t, ok)

	assert.Equal(t, int64(2), r.Snapshot()[0].HitCount)
}

func TestQueryReturnsMostRecentOverlap(t *testing.T) {
	r := New()
	r.Insert(Range{0x1000, 16}, Origin{Desc: "wide"})
	r.Insert(Range{0x1008, 4}, Origin{Desc: "narrow"})

	e, ok := r.Query(0x1008, 1)
	require.True(t, ok)
	assert.Equal(t, "narrow", e.Desc)

	e, ok = r.Query(0x1000, 1)
	require.True(t, ok)
	assert.Equal(t, "wide", e.Desc)
}

func TestBenignRaceScenario(t *testing.T) {
	r := New()
	r.DeclareBenignRace("stats.c", 42, 0x1000, 8, "stats counter")
	r.DeclareBenignRace("stats.c", 42, 0x1000, 8, "stats counter")

	assert.True(t, r.IsExpectedReport(0x1004, 2))
	assert.True(t, r.IsExpectedReport(0x0ffc, 8))
	assert.False(t, r.IsExpectedReport(0x1008, 4))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, Entry{
		Addr:     0x1000,
		Size:     8,
		File:     "stats.c",
		Line:     42,
		Desc:     "stats counter",
		HitCount: 2,
		AddCount: 2,
	}, snap[0])
}

func TestAnnotationVariants(t *testing.T) {
	r := New()
	r.AnnotateBenignRace("a.c", 1, 0x10, "byte")
	r.AnnotateBenignRaceSized("a.c", 2, 0x20, 4, "word")
	r.WTFAnnotateBenignRaceSized("a.c", 3, 0x30, 8, "wtf")

	r.FlushExpectedRaces("a.c", 4)
	r.ExpectRace("a.c", 5, 0x40, "ignored")
	r.PublishMemoryRange("a.c", 6, 0x50, 8)
	r.UnpublishMemoryRange("a.c", 7, 0x50, 8)

	require.Equal(t, 3, r.Len())
	assert.True(t, r.IsExpectedReport(0x10, 1))
	assert.False(t, r.IsExpectedReport(0x11, 1))
	assert.True(t, r.IsExpectedReport(0x23, 1))
	assert.True(t, r.IsExpectedReport(0x37, 1))
	assert.False(t, r.IsExpectedReport(0x40, 1))
}

func TestDisabledAnnotations(t *testing.T) {
	r := New(WithAnnotations(false))
	assert.False(t, r.AnnotationsEnabled())

	r.DeclareBenignRace("a.c", 1, 0x100, 4, "ignored")
	assert.Equal(t, 0, r.Len())

	r.EnableAnnotations(true)
	r.DeclareBenignRace("a.c", 2, 0x100, 4, "kept")
	r.EnableAnnotations(false)

	assert.True(t, r.IsExpectedReport(0x100, 4), "lookups work while disabled")
}

func TestTruncateDesc(t *testing.T) {
	long := strings.Repeat("a", 200)
	assert.Equal(t, strings.Repeat("a", 127), truncateDesc(long))

	exact := strings.Repeat("b", 127)
	assert.Equal(t, exact, truncateDesc(exact))

	// 126 ASCII bytes then a 3-byte rune straddling the limit.
	straddle := strings.Repeat("c", 126) + "€"
	got := truncateDesc(straddle)
	assert.Equal(t, strings.Repeat("c", 126), got)
	assert.True(t, utf8.ValidString(got))

	// e + combining acute composes to a single precomposed rune.
	assert.Equal(t, "caf\u00e9", truncateDesc("cafe\u0301"))

	r := New()
	r.DeclareBenignRace("a.c", 1, 0, 1, long)
	assert.Len(t, r.Snapshot()[0].Desc, MaxDescLen-1)
}

func TestMatchedAndSummary(t *testing.T) {
	r := New()
	r.DeclareBenignRace("a.c", 1, 0x100, 4, "cold")
	r.DeclareBenignRace("b.c", 2, 0x200, 4, "hot")
	r.DeclareBenignRace("c.c", 3, 0x300, 4, "never")

	r.IsExpectedReport(0x100, 1)
	for range 3 {
		r.IsExpectedReport(0x200, 1)
	}

	matched := r.Matched()
	require.Len(t, matched, 2)
	assert.Equal(t, "hot", matched[0].Desc)
	assert.Equal(t, "cold", matched[1].Desc)

	var buf bytes.Buffer
	require.NoError(t, r.WriteSummary(&buf))
	assert.Equal(t,
		"ThreadSanitizer: Matched 2 \"benign\" races:\n"+
			"3 b.c:2 hot\n"+
			"1 a.c:1 cold\n",
		buf.String())

	var empty bytes.Buffer
	require.NoError(t, New().WriteSummary(&empty))
	assert.Empty(t, empty.String())
}

func TestArenaGrowsPastChunk(t *testing.T) {
	r := New()
	n := chunkSize*3 + 5
	for i := range n {
		r.Insert(Range{Addr: uintptr(i * 16), Size: 8}, Origin{Line: i})
	}
	require.Equal(t, n, r.Len())

	e, ok := r.Query(16*5+3, 1)
	require.True(t, ok)
	assert.Equal(t, 5, e.Line)
	_, ok = r.Query(16*5+8, 8)
	assert.False(t, ok)
}

func TestConcurrentDeclareAndQuery(t *testing.T) {
	r := New()
	const (
		goroutines = 16
		perG       = 200
	)

	var wg sync.WaitGroup
	for g := range goroutines {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range perG {
				// Every goroutine declares the same ranges.
				r.DeclareBenignRace("c.go", i, uintptr(i*8), 8, "shared")
			}
		}()
		go func() {
			defer wg.Done()
			for i := range perG {
				r.IsExpectedReport(uintptr((i+g)%perG*8), 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, perG, r.Len())
	var adds int64
	for _, e := range r.Snapshot() {
		adds += e.AddCount
	}
	assert.Equal(t, int64(goroutines*perG), adds)
}

func TestDefaultRequiresInit(t *testing.T) {
	if global.Load() == nil {
		assert.Panics(t, func() { Default() })
	}
	r := Init()
	assert.Same(t, r, Init(WithAnnotations(false)), "later options are ignored")
	assert.Same(t, r, Default())
	assert.True(t, r.AnnotationsEnabled())
}
