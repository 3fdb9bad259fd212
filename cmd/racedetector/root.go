package main

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/kolkov/raceinstr/internal/config"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// validFormats defines the allowed output formats.
var validFormats = []string{"text", "json"}

// newRootCommand creates the racedetector command tree.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "racedetector",
		Short: "Race detection instrumentation",
		Long: `racedetector inserts race detector runtime checks into programs.

It lowers Go packages (or reads an IR description), picks the memory
accesses that can race, and rewrites them into runtime calls.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newInstrumentCommand(opts))
	cmd.AddCommand(newIRCommand(opts))
	cmd.AddCommand(newSuppressCommand(opts))
	cmd.AddCommand(newReportCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))

	return cmd
}

// formatter returns the output formatter for cmd.
func (o *rootOptions) formatter(cmd *cobra.Command) *outputFormatter {
	return &outputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// loadConfig reads the configuration file and builds the logger it
// describes. Logs go to w; --verbose forces debug level.
func (o *rootOptions) loadConfig(path string, w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, o.newLogger(cfg, w), nil
}

func (o *rootOptions) newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := cfg.Level()
	if o.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}
