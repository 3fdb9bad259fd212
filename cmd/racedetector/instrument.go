package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kolkov/raceinstr/cmd/racedetector/instrument"
	"github.com/kolkov/raceinstr/internal/config"
	"github.com/kolkov/raceinstr/internal/frontend"
	"github.com/kolkov/raceinstr/internal/ir"
	"github.com/kolkov/raceinstr/internal/store"
)

// instrumentOptions holds flags for the instrument command.
type instrumentOptions struct {
	*rootOptions
	Config   string
	Database string
	Dump     bool
	Workers  int
	GOARCH   string
	Tests    bool
}

// newInstrumentCommand creates the instrument command.
func newInstrumentCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &instrumentOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "instrument [packages...]",
		Short: "Instrument Go packages",
		Long: `Load Go packages, lower them to IR and insert race checks.

Prints per-module statistics. --dump also prints the instrumented IR;
--db records the run for later reports.

Example:
  racedetector instrument ./...
  racedetector instrument --db runs.db --workers 4 ./internal/...`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstrument(cmd.Context(), opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "config file (default "+config.DefaultFile+" if present)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "record the run in this SQLite database")
	cmd.Flags().BoolVar(&opts.Dump, "dump", false, "print the instrumented IR")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "parallel functions (overrides config; 0 = GOMAXPROCS)")
	cmd.Flags().StringVar(&opts.GOARCH, "goarch", "amd64", "target architecture for sizes and alignment")
	cmd.Flags().BoolVar(&opts.Tests, "tests", false, "include test files")

	return cmd
}

func runInstrument(ctx context.Context, opts *instrumentOptions, patterns []string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	cfg, logger, err := opts.loadConfig(opts.Config, cmd.ErrOrStderr())
	if err != nil {
		return out.Failure(err)
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = opts.Workers
	}

	mod, err := frontend.Load(ctx, frontend.Config{
		GOARCH:             opts.GOARCH,
		Tests:              opts.Tests,
		SkipGlobalPrefixes: cfg.SkipGlobalPrefixes,
		Logger:             logger,
	}, patterns...)
	if err != nil {
		return out.Failure(WrapExitError(ExitCommandError, "failed to load packages", err))
	}

	report, err := instrumentAndRecord(ctx, mod, cfg, opts.Database, logger)
	if err != nil {
		return out.Failure(err)
	}
	if opts.Dump && opts.Format == "text" {
		if err := ir.Print(cmd.OutOrStdout(), mod); err != nil {
			return err
		}
	}
	return out.Success(report)
}

// instrumentReport is the output of instrument and ir.
type instrumentReport struct {
	Result *instrument.InstrumentResult `json:"result"`
	RunID  string                       `json:"run_id,omitempty"`
	IR     string                       `json:"ir,omitempty"`
}

func (r instrumentReport) String() string {
	var b strings.Builder
	changed, skipped := 0, 0
	for _, f := range r.Result.Functions {
		if f.Changed {
			changed++
		}
		if f.Skipped != "" && f.Skipped != instrument.SkipDeclaration {
			skipped++
		}
	}
	fmt.Fprintf(&b, "module %s: %d functions, %d changed, %d skipped\n",
		r.Result.Module, len(r.Result.Functions), changed, skipped)
	writeStats(&b, r.Result.Stats)
	if r.RunID != "" {
		fmt.Fprintf(&b, "run %s recorded\n", r.RunID)
	}
	return b.String()
}

// instrumentAndRecord runs the selector over mod and, when dbPath is set,
// stores the result.
func instrumentAndRecord(ctx context.Context, mod *ir.Module, cfg *config.Config, dbPath string, logger *slog.Logger) (instrumentReport, error) {
	res, err := instrument.InstrumentModule(ctx, mod, cfg.InstrumentOptions(logger))
	if err != nil {
		return instrumentReport{}, WrapExitError(ExitFailure, "instrumentation failed", err)
	}
	report := instrumentReport{Result: res}
	if dbPath == "" {
		return report, nil
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return report, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()
	run, err := st.RecordInstrumentation(ctx, res)
	if err != nil {
		return report, WrapExitError(ExitFailure, "failed to record run", err)
	}
	logger.Info("run recorded", slog.String("id", run.ID), slog.String("db", dbPath))
	report.RunID = run.ID
	return report, nil
}

// writeStats prints the non-zero counters of s, one per line.
func writeStats(w io.Writer, s instrument.InstrumentStats) {
	rows := []struct {
		label string
		n     int
	}{
		{"reads instrumented", s.ReadsInstrumented},
		{"writes instrumented", s.WritesInstrumented},
		{"reads omitted before write", s.OmittedReadsBeforeWrite},
		{"accesses with bad size", s.AccessesWithBadSize},
		{"vptr writes instrumented", s.VtableWritesInstrumented},
		{"vptr reads instrumented", s.VtableReadsInstrumented},
		{"reads from constant globals", s.OmittedReadsFromConstantGlobals},
		{"reads from vtables", s.OmittedReadsFromVtable},
		{"non-captured accesses", s.OmittedNonCaptured},
		{"atomics lowered", s.AtomicsLowered},
		{"mem intrinsics replaced", s.MemIntrinsicsReplaced},
		{"functions framed", s.FunctionsFramed},
		{"functions skipped", s.FunctionsSkipped},
	}
	for _, r := range rows {
		if r.n != 0 {
			fmt.Fprintf(w, "  %-30s %d\n", r.label, r.n)
		}
	}
}
