package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kolkov/raceinstr/internal/config"
	"github.com/kolkov/raceinstr/internal/ir"
	"github.com/kolkov/raceinstr/internal/ir/irfile"
)

// irOptions holds flags for the ir command.
type irOptions struct {
	*rootOptions
	Config   string
	Database string
	Stats    bool
}

// newIRCommand creates the ir command.
func newIRCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &irOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ir <module.yaml>",
		Short: "Instrument an IR description",
		Long: `Read a module described in YAML, instrument it and print the result.

Example:
  racedetector ir testdata/counter.yaml
  racedetector ir --format json --db runs.db counter.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIR(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "config file (default "+config.DefaultFile+" if present)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "record the run in this SQLite database")
	cmd.Flags().BoolVar(&opts.Stats, "stats", false, "print statistics instead of the module")

	return cmd
}

func runIR(ctx context.Context, opts *irOptions, path string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	cfg, logger, err := opts.loadConfig(opts.Config, cmd.ErrOrStderr())
	if err != nil {
		return out.Failure(err)
	}

	mod, err := irfile.ReadFile(path)
	if err != nil {
		return out.Failure(WrapExitError(ExitCommandError, "failed to read module", err))
	}

	report, err := instrumentAndRecord(ctx, mod, cfg, opts.Database, logger)
	if err != nil {
		return out.Failure(err)
	}

	var text strings.Builder
	if err := ir.Print(&text, mod); err != nil {
		return err
	}
	if opts.Format == "json" {
		report.IR = text.String()
		return out.Success(report)
	}
	if opts.Stats {
		return out.Success(report)
	}
	return out.Success(text.String())
}
