package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kolkov/raceinstr/internal/config"
	"github.com/kolkov/raceinstr/internal/store"
	"github.com/kolkov/raceinstr/internal/suppress"
)

// suppressOptions holds flags for the suppress command.
type suppressOptions struct {
	*rootOptions
	Config   string
	Database string
	Queries  []string
}

// declFile is the YAML form of a list of benign race declarations.
//
//	races:
//	  - {file: stats.go, line: 40, addr: 0x1000, size: 8, desc: request counter}
//	queries: ["0x1004:4"]
type declFile struct {
	Races   []declaration `yaml:"races"`
	Queries []string      `yaml:"queries"`
}

type declaration struct {
	File string `yaml:"file"`
	Line int    `yaml:"line"`
	Addr uint64 `yaml:"addr"`
	// Size 0 declares a single byte.
	Size uint64 `yaml:"size"`
	Desc string `yaml:"desc"`
}

// newSuppressCommand creates the suppress command.
func newSuppressCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &suppressOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "suppress <decl.yaml>",
		Short: "Check reports against benign race declarations",
		Long: `Load benign race declarations and look up reported ranges.

Each query is addr:size (size defaults to 1). A query is expected when it
overlaps a declaration; the most recent overlapping declaration is
credited. The matched races summary is printed last.

Example:
  racedetector suppress races.yaml --query 0x1004:4
  racedetector suppress races.yaml --db runs.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuppress(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "config file (default "+config.DefaultFile+" if present)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "record the registry snapshot in this SQLite database")
	cmd.Flags().StringArrayVar(&opts.Queries, "query", nil, "reported range addr:size (repeatable)")

	return cmd
}

func runSuppress(ctx context.Context, opts *suppressOptions, path string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	cfg, logger, err := opts.loadConfig(opts.Config, cmd.ErrOrStderr())
	if err != nil {
		return out.Failure(err)
	}

	decls, err := readDeclFile(path)
	if err != nil {
		return out.Failure(WrapExitError(ExitCommandError, "failed to read declarations", err))
	}

	var queries [][2]uintptr
	for _, q := range append(decls.Queries, opts.Queries...) {
		addr, size, err := parseQuery(q)
		if err != nil {
			return out.Failure(WrapExitError(ExitCommandError, "invalid query", err))
		}
		queries = append(queries, [2]uintptr{addr, size})
	}

	reg := suppress.New(suppress.WithLogger(logger), suppress.WithAnnotations(cfg.EnableAnnotations))
	for _, d := range decls.Races {
		if d.Size == 0 {
			reg.AnnotateBenignRace(d.File, d.Line, uintptr(d.Addr), d.Desc)
			continue
		}
		reg.DeclareBenignRace(d.File, d.Line, uintptr(d.Addr), uintptr(d.Size), d.Desc)
	}

	report := suppressReport{Declared: reg.Len()}
	for _, q := range queries {
		res := queryResult{Addr: q[0], Size: q[1]}
		if e, ok := reg.Query(q[0], q[1]); ok {
			res.Expected = true
			res.Entry = &e
		}
		report.Queries = append(report.Queries, res)
	}
	report.Matched = reg.Matched()
	var summary bytes.Buffer
	if err := reg.WriteSummary(&summary); err != nil {
		return err
	}
	report.summary = summary.String()

	if opts.Database != "" {
		st, err := store.Open(opts.Database)
		if err != nil {
			return out.Failure(WrapExitError(ExitCommandError, "failed to open database", err))
		}
		defer st.Close()
		run, err := st.RecordSuppressions(ctx, path, reg.Snapshot())
		if err != nil {
			return out.Failure(WrapExitError(ExitFailure, "failed to record snapshot", err))
		}
		report.RunID = run.ID
	}
	return out.Success(report)
}

func readDeclFile(path string) (*declFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f declFile
	if len(bytes.TrimSpace(data)) == 0 {
		return &f, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

// parseQuery parses addr[:size]. Both accept Go integer literal syntax.
func parseQuery(s string) (addr, size uintptr, err error) {
	a, sz, hasSize := strings.Cut(strings.TrimSpace(s), ":")
	av, err := strconv.ParseUint(a, 0, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%q: bad address: %w", s, err)
	}
	sv := uint64(1)
	if hasSize {
		if sv, err = strconv.ParseUint(sz, 0, 64); err != nil {
			return 0, 0, fmt.Errorf("%q: bad size: %w", s, err)
		}
	}
	return uintptr(av), uintptr(sv), nil
}

type queryResult struct {
	Addr     uintptr         `json:"addr"`
	Size     uintptr         `json:"size"`
	Expected bool            `json:"expected"`
	Entry    *suppress.Entry `json:"entry,omitempty"`
}

type suppressReport struct {
	Declared int              `json:"declared"`
	Queries  []queryResult    `json:"queries,omitempty"`
	Matched  []suppress.Entry `json:"matched,omitempty"`
	RunID    string           `json:"run_id,omitempty"`
	summary  string
}

func (r suppressReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d benign races declared\n", r.Declared)
	for _, q := range r.Queries {
		if q.Expected {
			fmt.Fprintf(&b, "%#x:%d expected (%s:%d %s)\n", q.Addr, q.Size, q.Entry.File, q.Entry.Line, q.Entry.Desc)
		} else {
			fmt.Fprintf(&b, "%#x:%d not expected\n", q.Addr, q.Size)
		}
	}
	b.WriteString(r.summary)
	if r.RunID != "" {
		fmt.Fprintf(&b, "run %s recorded\n", r.RunID)
	}
	return b.String()
}
