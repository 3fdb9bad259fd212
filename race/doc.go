// Package race lets a program declare memory ranges whose races are
// expected, so the race detector runtime does not report them.
//
// Some races are deliberate: statistics counters bumped without locks,
// "good enough" caches, flags polled in a loop. Declaring them benign keeps
// real reports readable.
//
// # Quick Start
//
// Code built by racedetector initializes the registry from its module
// constructor. Programs that annotate by hand call [Init] first:
//
//	package main
//
//	import (
//		"os"
//		"unsafe"
//
//		"github.com/kolkov/raceinstr/race"
//	)
//
//	var hits [4]uint64
//
//	func main() {
//		race.Init()
//		defer race.Fini(os.Stderr)
//
//		race.DeclareBenignRace("main.go", 12,
//			uintptr(unsafe.Pointer(&hits)), unsafe.Sizeof(hits), "hit counters")
//	}
//
// # API Overview
//
// The package provides functions for:
//   - Initialization and summary: [Init], [InitWithOptions], [Fini]
//   - Declarations: [DeclareBenignRace], [AnnotateBenignRace], [AnnotateBenignRaceSized]
//   - Lookup: [IsExpectedReport], [Matched]
//   - Switches: [EnableAnnotations], [FlushExpectedRaces]
//   - Version information: [GetInfo], [Version]
//
// # Matching Rules
//
// A declaration covers the half-open interval [addr, addr+size). A report
// on [a, a+n) is expected when the two intervals share at least one byte.
// When several declarations overlap a report, the most recent one is
// credited with the match.
//
// Declaring an identical (addr, size) pair twice does not create a second
// entry; the repeat is counted instead. Declarations are never removed.
//
// Descriptions keep at most 127 bytes. Longer text is cut at a character
// boundary after Unicode NFC normalization.
//
// # Summary
//
// [Fini] prints every declaration that suppressed a report, most hits
// first:
//
//	ThreadSanitizer: Matched 2 "benign" races:
//	3 stats.go:40 request counter
//	1 cache.go:17 lazy init flag
//
// # Examples
//
// See package-level examples in the documentation:
//   - [Example] - Declaring and matching a benign race
//   - [Example_disabledAnnotations] - Turning declarations off
package race
