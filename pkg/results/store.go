// Package results persists finished leak test runs to an embedded SQLite
// database with a rotating cap, so the bench keeps a bounded audit trail
// without operator housekeeping.
package results

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/itohio/gomct/pkg/leaktest"
)

// StoredRun is a persisted test run with its database identity.
type StoredRun struct {
	ID int64
	leaktest.TestRun
}

// Store persists test runs, implementing the runner's result sink. Once the
// configured cap is exceeded the oldest runs are dropped.
type Store struct {
	db         *sql.DB
	maxResults int
}

var _ leaktest.ResultSink = (*Store)(nil)

// Open opens (creating if needed) the results database at path. maxResults
// caps the number of retained runs; zero or negative disables rotation.
func Open(path string, maxResults int) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening results database: %w", err)
	}

	s := &Store{db: db, maxResults: maxResults}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS test_results (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp    TEXT NOT NULL,
			duration_ms  INTEGER NOT NULL,
			overall_pass INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS chamber_results (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			test_id        INTEGER NOT NULL REFERENCES test_results(id) ON DELETE CASCADE,
			chamber_id     INTEGER NOT NULL,
			target         REAL NOT NULL,
			threshold      REAL NOT NULL,
			tolerance      REAL NOT NULL,
			start_pressure REAL NOT NULL,
			final_pressure REAL NOT NULL,
			passed         INTEGER NOT NULL,
			readings       TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrating results schema: %w", err)
	}
	return nil
}

// SaveRun stores one finished run and rotates out runs beyond the cap.
func (s *Store) SaveRun(run leaktest.TestRun) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	overall := 0
	if run.Overall {
		overall = 1
	}

	r, err := tx.Exec(
		`INSERT INTO test_results (timestamp, duration_ms, overall_pass) VALUES (?, ?, ?)`,
		run.Timestamp.UTC().Format(time.RFC3339Nano), run.Duration.Milliseconds(), overall,
	)
	if err != nil {
		return fmt.Errorf("inserting test result: %w", err)
	}
	id, err := r.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading result id: %w", err)
	}

	for _, c := range run.Chambers {
		readings, err := json.Marshal(c.Readings)
		if err != nil {
			return fmt.Errorf("encoding readings for chamber %d: %w", c.ChamberID, err)
		}

		passed := 0
		if c.Passed {
			passed = 1
		}

		if _, err := tx.Exec(
			`INSERT INTO chamber_results
			 (test_id, chamber_id, target, threshold, tolerance, start_pressure, final_pressure, passed, readings)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, c.ChamberID, c.Target, c.Threshold, c.Tolerance,
			c.StartPressure, c.FinalPressure, passed, string(readings),
		); err != nil {
			return fmt.Errorf("inserting chamber result: %w", err)
		}
	}

	if s.maxResults > 0 {
		if _, err := tx.Exec(
			`DELETE FROM chamber_results WHERE test_id IN (
				SELECT id FROM test_results ORDER BY id DESC LIMIT -1 OFFSET ?
			)`, s.maxResults,
		); err != nil {
			return fmt.Errorf("rotating chamber results: %w", err)
		}
		if _, err := tx.Exec(
			`DELETE FROM test_results WHERE id IN (
				SELECT id FROM test_results ORDER BY id DESC LIMIT -1 OFFSET ?
			)`, s.maxResults,
		); err != nil {
			return fmt.Errorf("rotating test results: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing test result: %w", err)
	}

	log.Printf("Saved test result %d (%d chambers, pass=%v)", id, len(run.Chambers), run.Overall)
	return nil
}

// Recent returns stored runs most recent first, up to limit (0 = all).
func (s *Store) Recent(limit int) ([]StoredRun, error) {
	q := `SELECT id, timestamp, duration_ms, overall_pass FROM test_results ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying test results: %w", err)
	}
	defer rows.Close()

	var out []StoredRun
	for rows.Next() {
		var run StoredRun
		var ts string
		var durMs int64
		var overall int
		if err := rows.Scan(&run.ID, &ts, &durMs, &overall); err != nil {
			return nil, fmt.Errorf("scanning test result: %w", err)
		}
		run.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		run.Duration = time.Duration(durMs) * time.Millisecond
		run.Overall = overall != 0
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		chambers, err := s.chambers(out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Chambers = chambers
	}
	return out, nil
}

// Count returns the number of stored runs.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM test_results`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) chambers(testID int64) ([]leaktest.ChamberResult, error) {
	rows, err := s.db.Query(
		`SELECT chamber_id, target, threshold, tolerance, start_pressure, final_pressure, passed, readings
		 FROM chamber_results WHERE test_id = ? ORDER BY chamber_id`,
		testID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying chamber results: %w", err)
	}
	defer rows.Close()

	var out []leaktest.ChamberResult
	for rows.Next() {
		var c leaktest.ChamberResult
		var passed int
		var readings string
		if err := rows.Scan(&c.ChamberID, &c.Target, &c.Threshold, &c.Tolerance,
			&c.StartPressure, &c.FinalPressure, &passed, &readings); err != nil {
			return nil, fmt.Errorf("scanning chamber result: %w", err)
		}
		c.Enabled = true
		c.Passed = passed != 0
		if err := json.Unmarshal([]byte(readings), &c.Readings); err != nil {
			return nil, fmt.Errorf("decoding readings for chamber %d: %w", c.ChamberID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
