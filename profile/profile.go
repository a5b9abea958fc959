// Package profile persists per-opcode execution counts gathered by an
// interpreter running with profiling enabled.
package profile

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/pikevm/vm"
	_ "modernc.org/sqlite"
)

// Store is a SQLite database of profiling runs.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Run describes one recorded run.
type Run struct {
	ID      int64
	Label   string
	Started time.Time
	Total   uint64
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL,
		started INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS opcode_counts (
		run_id INTEGER NOT NULL REFERENCES runs(id),
		opcode TEXT NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (run_id, opcode)
	)`,
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	for _, ddl := range schema {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating tables: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record stores counts as a new run and returns its id.
func (s *Store) Record(ctx context.Context, label string, counts []vm.OpcodeCount) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO runs (label, started) VALUES (?, ?)`, label, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("inserting run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO opcode_counts (run_id, opcode, count) VALUES (?, ?, ?)
		ON CONFLICT (run_id, opcode) DO UPDATE SET count = count + excluded.count`)
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()
	for _, c := range counts {
		if _, err := stmt.ExecContext(ctx, id, c.Name, int64(c.Count)); err != nil {
			return 0, fmt.Errorf("inserting %s: %w", c.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// Top returns the n most executed instructions summed over every run. n <= 0
// returns all of them.
func (s *Store) Top(ctx context.Context, n int) ([]vm.OpcodeCount, error) {
	if n <= 0 {
		n = -1
	}
	return s.query(ctx, `SELECT opcode, SUM(count) AS total FROM opcode_counts
		GROUP BY opcode ORDER BY total DESC, opcode LIMIT ?`, n)
}

// Counts returns the counts of one run, most frequent first.
func (s *Store) Counts(ctx context.Context, runID int64) ([]vm.OpcodeCount, error) {
	return s.query(ctx, `SELECT opcode, count FROM opcode_counts
		WHERE run_id = ? ORDER BY count DESC, opcode`, runID)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]vm.OpcodeCount, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying counts: %w", err)
	}
	defer rows.Close()

	var out []vm.OpcodeCount
	for rows.Next() {
		var c vm.OpcodeCount
		var n int64
		if err := rows.Scan(&c.Name, &n); err != nil {
			return nil, fmt.Errorf("scanning counts: %w", err)
		}
		c.Count = uint64(n)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Runs lists recorded runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT r.id, r.label, r.started, COALESCE(SUM(c.count), 0)
		FROM runs r LEFT JOIN opcode_counts c ON c.run_id = r.id
		GROUP BY r.id ORDER BY r.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, total int64
		if err := rows.Scan(&r.ID, &r.Label, &started, &total); err != nil {
			return nil, fmt.Errorf("scanning runs: %w", err)
		}
		r.Started = time.Unix(0, started)
		r.Total = uint64(total)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordInterpreter stores the interpreter's current counts and resets them.
func (s *Store) RecordInterpreter(ctx context.Context, label string, i *vm.Interpreter) (int64, error) {
	id, err := s.Record(ctx, label, i.OpcodeCounts())
	if err != nil {
		return 0, err
	}
	i.ResetOpcodeCounts()
	return id, nil
}
