// Package race provides the public benign-race annotation API.
//
// See doc.go for detailed documentation and examples.
package race

import (
	"io"
	"log/slog"

	"github.com/kolkov/raceinstr/internal/suppress"
)

// Options configure the process-wide registry created by Init.
type Options struct {
	// DisableAnnotations makes declarations no-ops until
	// EnableAnnotations(true) is called.
	DisableAnnotations bool

	// Logger receives debug records for declarations and matches.
	// Nil discards them.
	Logger *slog.Logger
}

// Init initializes the suppression registry.
//
// This function must be called before any other function in this package.
// Code instrumented by racedetector calls it from the module constructor;
// programs that annotate by hand call it at startup:
//
//	func main() {
//		race.Init()
//		defer race.Fini(os.Stderr)
//		// ... rest of program
//	}
//
// Init is safe to call multiple times (subsequent calls are no-ops).
func Init() {
	InitWithOptions(Options{})
}

// InitWithOptions is Init with explicit options. Only the first
// initialization in a process takes effect.
func InitWithOptions(opts Options) {
	suppress.Init(
		suppress.WithAnnotations(!opts.DisableAnnotations),
		suppress.WithLogger(opts.Logger),
	)
}

// Fini writes the matched benign races summary to w.
//
// Nothing is written when no declared range suppressed a report.
func Fini(w io.Writer) error {
	return suppress.Default().WriteSummary(w)
}

// DeclareBenignRace marks [addr, addr+size) as intentionally racy.
//
// Parameters:
//   - file, line: Source location of the declaration (shown in summaries)
//   - addr: Start of the range (use unsafe.Pointer conversion)
//   - size: Range length in bytes
//   - desc: Free-form description, truncated to 127 bytes
//
// Declaring the same (addr, size) again only counts the repeat.
// Overlapping declarations stay separate.
//
// Thread Safety: Safe for concurrent calls.
func DeclareBenignRace(file string, line int, addr, size uintptr, desc string) {
	suppress.Default().DeclareBenignRace(file, line, addr, size, desc)
}

// AnnotateBenignRaceSized is DeclareBenignRace under its annotation name.
//
//nolint:revive // Name matches the dynamic annotations API
func AnnotateBenignRaceSized(file string, line int, addr, size uintptr, desc string) {
	suppress.Default().AnnotateBenignRaceSized(file, line, addr, size, desc)
}

// AnnotateBenignRace declares the single byte at addr as benign.
func AnnotateBenignRace(file string, line int, addr uintptr, desc string) {
	suppress.Default().AnnotateBenignRace(file, line, addr, desc)
}

// IsExpectedReport reports whether a race on [addr, addr+size) overlaps
// a declared benign range. A match is counted towards the summary.
func IsExpectedReport(addr, size uintptr) bool {
	return suppress.Default().IsExpectedReport(addr, size)
}

// EnableAnnotations turns declaration handling on or off. Ranges already
// declared keep suppressing reports.
func EnableAnnotations(enabled bool) {
	suppress.Default().EnableAnnotations(enabled)
}

// FlushExpectedRaces is accepted for compatibility and does nothing.
func FlushExpectedRaces(file string, line int) {
	suppress.Default().FlushExpectedRaces(file, line)
}

// Matched returns the declarations that suppressed at least one report,
// most hits first.
func Matched() []suppress.Entry {
	return suppress.Default().Matched()
}
