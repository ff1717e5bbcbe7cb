// internal/store/store.go
// Package store keeps a history of sweep outcomes in a SQLite database so
// results from separate invocations can be compared.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mwiater/koboldsweep/internal/supervisor"
)

const schema = `
CREATE TABLE IF NOT EXISTS sweeps (
	id         TEXT PRIMARY KEY,
	command    TEXT NOT NULL,
	started_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sweep_id   TEXT NOT NULL REFERENCES sweeps(id),
	params     TEXT NOT NULL,
	result     TEXT NOT NULL,
	detail     TEXT NOT NULL,
	endpoint   TEXT NOT NULL,
	exit_code  INTEGER NOT NULL,
	started_at TEXT NOT NULL,
	elapsed_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_sweep_id ON runs(sweep_id);
`

// Store is a run history database.
type Store struct {
	db *sql.DB
}

// Record is one stored run.
type Record struct {
	SweepID  string
	Params   string
	Result   string
	Detail   string
	Endpoint string
	ExitCode int
	Started  time.Time
	Elapsed  time.Duration
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// One writer at a time; the sweep is sequential anyway.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginSweep registers a sweep. id is chosen by the caller, normally a
// random UUID.
func (s *Store) BeginSweep(ctx context.Context, id, command string, started time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sweeps (id, command, started_at) VALUES (?, ?, ?)`,
		id, command, started.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert sweep: %w", err)
	}
	return nil
}

// Save appends one outcome to a sweep.
func (s *Store) Save(ctx context.Context, sweepID string, o supervisor.Outcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (sweep_id, params, result, detail, endpoint, exit_code, started_at, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sweepID,
		o.Params.String(),
		string(o.Status),
		o.Detail(),
		o.Endpoint,
		o.ExitCode,
		o.Started.UTC().Format(time.RFC3339Nano),
		o.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Runs returns the stored runs of a sweep in insertion order.
func (s *Store) Runs(ctx context.Context, sweepID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sweep_id, params, result, detail, endpoint, exit_code, started_at, elapsed_ms
		 FROM runs WHERE sweep_id = ? ORDER BY id`, sweepID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			started   string
			elapsedMS int64
		)
		if err := rows.Scan(&r.SweepID, &r.Params, &r.Result, &r.Detail, &r.Endpoint, &r.ExitCode, &started, &elapsedMS); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.Started, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse run start: %w", err)
		}
		r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
