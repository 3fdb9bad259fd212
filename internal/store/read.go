package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kolkov/raceinstr/cmd/racedetector/instrument"
	"github.com/kolkov/raceinstr/internal/suppress"
)

const runColumns = `id, kind, module, created_at, version, stats`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run     Run
		created int64
		stats   string
	)
	if err := row.Scan(&run.ID, &run.Kind, &run.Module, &created, &run.Version, &stats); err != nil {
		return Run{}, err
	}
	run.CreatedAt = time.Unix(0, created).UTC()
	if err := json.Unmarshal([]byte(stats), &run.Stats); err != nil {
		return Run{}, fmt.Errorf("run %s stats: %w", run.ID, err)
	}
	return run, nil
}

// Runs lists recorded runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Run returns the run with id. An empty id selects the newest run.
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	var row *sql.Row
	if id == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT 1`)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	}

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// Functions returns the per-function results of an instrumentation run in
// module order.
func (s *Store) Functions(ctx context.Context, runID string) ([]instrument.FunctionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, changed, skipped, stats FROM function_results
		WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("get functions: %w", err)
	}
	defer rows.Close()

	var out []instrument.FunctionResult
	for rows.Next() {
		var (
			f     instrument.FunctionResult
			stats string
		)
		if err := rows.Scan(&f.Name, &f.Changed, &f.Skipped, &stats); err != nil {
			return nil, fmt.Errorf("get functions: %w", err)
		}
		if err := json.Unmarshal([]byte(stats), &f.Stats); err != nil {
			return nil, fmt.Errorf("get functions: %s: %w", f.Name, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Suppressions returns the snapshot stored by a suppression run, in the
// order it was taken.
func (s *Store) Suppressions(ctx context.Context, runID string) ([]suppress.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT addr, size, file, line, descr, hit_count, add_count FROM suppressions
		WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("get suppressions: %w", err)
	}
	defer rows.Close()

	var out []suppress.Entry
	for rows.Next() {
		var (
			e          suppress.Entry
			addr, size int64
		)
		if err := rows.Scan(&addr, &size, &e.File, &e.Line, &e.Desc, &e.HitCount, &e.AddCount); err != nil {
			return nil, fmt.Errorf("get suppressions: %w", err)
		}
		e.Addr, e.Size = uintptr(addr), uintptr(size)
		out = append(out, e)
	}
	return out, rows.Err()
}
