// Package main implements the racedetector CLI tool.
//
// racedetector selects the memory accesses of a program that need race
// checks and rewrites them into calls to the race runtime. It works on an
// IR either lowered from Go packages or described in YAML:
//
//  1. Loading Go packages (go/packages + SSA) or an IR description
//  2. Choosing which loads, stores and atomics need runtime checks
//  3. Inserting the checks and function entry/exit notifications
//  4. Recording run statistics in an optional SQLite database
//
// Usage:
//
//	racedetector instrument ./...            # Instrument Go packages
//	racedetector ir counter.yaml             # Instrument an IR description
//	racedetector suppress races.yaml         # Check addresses against benign races
//	racedetector report --db runs.db         # Show a recorded run
//	racedetector version                     # Show version information
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes the command line args and returns the exit code.
func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := newRootCommand()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}
