// Package store persists instrumentation runs and suppression snapshots in
// SQLite so reports can be produced after the fact.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kolkov/raceinstr/cmd/racedetector/instrument"
	"github.com/kolkov/raceinstr/internal/suppress"
	"github.com/kolkov/raceinstr/race"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Run kinds.
const (
	KindInstrument = "instrument"
	KindSuppress   = "suppress"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// Run is one recorded invocation of racedetector.
type Run struct {
	ID        string                     `json:"id" yaml:"id"`
	Kind      string                     `json:"kind" yaml:"kind"`
	Module    string                     `json:"module" yaml:"module"`
	CreatedAt time.Time                  `json:"created_at" yaml:"created_at"`
	Version   string                     `json:"version" yaml:"version"`
	Stats     instrument.InstrumentStats `json:"stats" yaml:"stats"`
}

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at path and applies the schema.
// Safe to call on an existing database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func newRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// RecordInstrumentation stores res and its per-function results as a new
// run.
func (s *Store) RecordInstrumentation(ctx context.Context, res *instrument.InstrumentResult) (Run, error) {
	run := Run{
		ID:        newRunID(),
		Kind:      KindInstrument,
		Module:    res.Module,
		CreatedAt: s.now().UTC(),
		Version:   race.Version,
		Stats:     res.Stats,
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertRun(ctx, tx, run); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO function_results (run_id, seq, name, changed, skipped, stats)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, f := range res.Functions {
			stats, err := json.Marshal(f.Stats)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, run.ID, i, f.Name, f.Changed, f.Skipped, string(stats)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Run{}, fmt.Errorf("record instrumentation: %w", err)
	}
	return run, nil
}

// RecordSuppressions stores a registry snapshot taken for source.
func (s *Store) RecordSuppressions(ctx context.Context, source string, entries []suppress.Entry) (Run, error) {
	run := Run{
		ID:        newRunID(),
		Kind:      KindSuppress,
		Module:    source,
		CreatedAt: s.now().UTC(),
		Version:   race.Version,
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertRun(ctx, tx, run); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO suppressions (run_id, seq, addr, size, file, line, descr, hit_count, add_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, e := range entries {
			if _, err := stmt.ExecContext(ctx, run.ID, i,
				int64(e.Addr), int64(e.Size), e.File, e.Line, e.Desc, e.HitCount, e.AddCount); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Run{}, fmt.Errorf("record suppressions: %w", err)
	}
	return run, nil
}

func insertRun(ctx context.Context, tx *sql.Tx, run Run) error {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, kind, module, created_at, version, stats)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Kind, run.Module, run.CreatedAt.UnixNano(), run.Version, string(stats))
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
