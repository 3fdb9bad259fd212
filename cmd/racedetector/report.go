package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kolkov/raceinstr/cmd/racedetector/instrument"
	"github.com/kolkov/raceinstr/internal/store"
	"github.com/kolkov/raceinstr/internal/suppress"
)

// reportOptions holds flags for the report command.
type reportOptions struct {
	*rootOptions
	Database string
	RunID    string
	List     bool
}

// newReportCommand creates the report command.
func newReportCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &reportOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show recorded runs",
		Long: `Show a run recorded by instrument, ir or suppress.

Without --run the newest run is shown. --list prints every run.

Example:
  racedetector report --db runs.db
  racedetector report --db runs.db --run 0190f3c4-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id (default newest)")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list all runs")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runReport(ctx context.Context, opts *reportOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	st, err := store.Open(opts.Database)
	if err != nil {
		return out.Failure(WrapExitError(ExitCommandError, "failed to open database", err))
	}
	defer st.Close()

	if opts.List {
		runs, err := st.Runs(ctx)
		if err != nil {
			return out.Failure(WrapExitError(ExitFailure, "failed to list runs", err))
		}
		return out.Success(runList(runs))
	}

	run, err := st.Run(ctx, opts.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return out.Failure(WrapExitError(ExitCommandError, "no such run", err))
	}
	if err != nil {
		return out.Failure(WrapExitError(ExitFailure, "failed to read run", err))
	}

	view := runView{Run: run}
	switch run.Kind {
	case store.KindInstrument:
		view.Functions, err = st.Functions(ctx, run.ID)
	case store.KindSuppress:
		view.Suppressions, err = st.Suppressions(ctx, run.ID)
	}
	if err != nil {
		return out.Failure(WrapExitError(ExitFailure, "failed to read run", err))
	}
	return out.Success(view)
}

type runList []store.Run

func (l runList) String() string {
	var b strings.Builder
	for _, r := range l {
		fmt.Fprintf(&b, "%s  %-10s  %s  %s\n", r.ID, r.Kind, r.CreatedAt.Format(time.RFC3339), r.Module)
	}
	return b.String()
}

type runView struct {
	Run          store.Run                   `json:"run"`
	Functions    []instrument.FunctionResult `json:"functions,omitempty"`
	Suppressions []suppress.Entry            `json:"suppressions,omitempty"`
}

func (r runView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (%s, racedetector %s)\n", r.Run.ID, r.Run.Kind, r.Run.Version)
	fmt.Fprintf(&b, "created %s\n", r.Run.CreatedAt.Format(time.RFC3339))

	switch r.Run.Kind {
	case store.KindInstrument:
		fmt.Fprintf(&b, "module %s\n", r.Run.Module)
		writeStats(&b, r.Run.Stats)
		for _, f := range r.Functions {
			switch {
			case f.Skipped != "":
				fmt.Fprintf(&b, "  %s: skipped (%s)\n", f.Name, f.Skipped)
			case f.Changed:
				fmt.Fprintf(&b, "  %s: %d reads, %d writes\n", f.Name, f.Stats.ReadsInstrumented, f.Stats.WritesInstrumented)
			}
		}
	case store.KindSuppress:
		fmt.Fprintf(&b, "declarations %s\n", r.Run.Module)
		for _, e := range r.Suppressions {
			fmt.Fprintf(&b, "  %#x:%d %s:%d %s (hits %d, adds %d)\n",
				e.Addr, e.Size, e.File, e.Line, e.Desc, e.HitCount, e.AddCount)
		}
	}
	return b.String()
}
