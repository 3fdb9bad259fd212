package suppress

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DeclareBenignRace marks [addr, addr+size) as racy on purpose. The call
// is ignored while annotations are disabled.
func (r *Registry) DeclareBenignRace(file string, line int, addr, size uintptr, desc string) {
	if !r.enabled.Load() {
		return
	}
	r.Insert(Range{Addr: addr, Size: size}, Origin{File: file, Line: line, Desc: desc})
	r.log.Debug("add benign race",
		slog.String("desc", desc),
		slog.String("addr", fmt.Sprintf("%#x", addr)),
		slog.Uint64("size", uint64(size)),
		slog.String("file", file),
		slog.Int("line", line))
}

// AnnotateBenignRaceSized is DeclareBenignRace under its annotation name.
func (r *Registry) AnnotateBenignRaceSized(file string, line int, addr, size uintptr, desc string) {
	r.DeclareBenignRace(file, line, addr, size, desc)
}

// WTFAnnotateBenignRaceSized is the WebKit spelling of AnnotateBenignRaceSized.
func (r *Registry) WTFAnnotateBenignRaceSized(file string, line int, addr, size uintptr, desc string) {
	r.DeclareBenignRace(file, line, addr, size, desc)
}

// AnnotateBenignRace declares the single byte at addr.
func (r *Registry) AnnotateBenignRace(file string, line int, addr uintptr, desc string) {
	r.DeclareBenignRace(file, line, addr, 1, desc)
}

// IsExpectedReport reports whether a race on [addr, addr+size) was
// declared benign, counting the hit.
func (r *Registry) IsExpectedReport(addr, size uintptr) bool {
	_, ok := r.Query(addr, size)
	return ok
}

// EnableAnnotations turns declaration handling on or off. Lookups keep
// working either way.
func (r *Registry) EnableAnnotations(enabled bool) { r.enabled.Store(enabled) }

// AnnotationsEnabled reports the current setting.
func (r *Registry) AnnotationsEnabled() bool { return r.enabled.Load() }

// FlushExpectedRaces is accepted and ignored.
func (r *Registry) FlushExpectedRaces(string, int) {}

// ExpectRace is accepted and ignored.
func (r *Registry) ExpectRace(string, int, uintptr, string) {}

// PublishMemoryRange is accepted and ignored.
func (r *Registry) PublishMemoryRange(string, int, uintptr, uintptr) {}

// UnpublishMemoryRange is accepted and ignored.
func (r *Registry) UnpublishMemoryRange(string, int, uintptr, uintptr) {}

var (
	initOnce sync.Once
	global   atomic.Pointer[Registry]
)

// Init creates the process-wide registry. Only the first call's options
// take effect.
func Init(opts ...Option) *Registry {
	initOnce.Do(func() {
		global.Store(New(opts...))
	})
	return global.Load()
}

// Default returns the process-wide registry. It panics if Init has not
// been called.
func Default() *Registry {
	r := global.Load()
	if r == nil {
		panic("suppress: registry used before Init")
	}
	return r
}

// Current returns the process-wide registry, or nil before Init.
func Current() *Registry { return global.Load() }
