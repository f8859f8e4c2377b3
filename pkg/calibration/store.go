package calibration

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/itohio/gomct/pkg/config"
)

// Record is a persisted calibration for one chamber with its source points.
// Exactly one record is active per chamber at a time.
type Record struct {
	ID        int64
	Chamber   int
	CreatedAt time.Time
	Result
	Points []Point
	Active bool
}

// Store persists calibration records, scoped by chamber.
type Store interface {
	// SaveActive stores a new record for one chamber and makes it that
	// chamber's active record, deactivating the chamber's previous active
	// record in the same transaction.
	SaveActive(chamber int, res Result, points []Point) (Record, error)
	// GetActive returns the chamber's active record, or nil when none exists.
	GetActive(chamber int) (*Record, error)
	// History returns the chamber's records most recent first, up to limit
	// (0 = all).
	History(chamber int, limit int) ([]Record, error)
	Close() error
}

// SQLStore implements Store on an embedded SQLite database.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// OpenStore opens (creating if needed) the calibration database at path.
func OpenStore(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening calibration database: %w", err)
	}

	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS calibration_records (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			chamber_id  INTEGER NOT NULL,
			created_at  TEXT NOT NULL,
			multiplier  REAL NOT NULL,
			offset_val  REAL NOT NULL,
			r_squared   REAL NOT NULL,
			is_active   INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS calibration_points (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			record_id  INTEGER NOT NULL REFERENCES calibration_records(id) ON DELETE CASCADE,
			voltage    REAL NOT NULL,
			pressure   REAL NOT NULL,
			timestamp  TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrating calibration schema: %w", err)
	}
	return nil
}

// SaveActive stores res with its points as the chamber's new active
// calibration. Only that chamber's previous active record is deactivated,
// atomically; other chambers keep theirs. History is append-only.
func (s *SQLStore) SaveActive(chamber int, res Result, points []Point) (Record, error) {
	if chamber < 0 || chamber >= config.NumChambers {
		return Record{}, fmt.Errorf("invalid chamber %d", chamber)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Record{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE calibration_records SET is_active = 0 WHERE is_active = 1 AND chamber_id = ?`,
		chamber,
	); err != nil {
		return Record{}, fmt.Errorf("deactivating previous calibration for chamber %d: %w", chamber, err)
	}

	now := time.Now().UTC()
	r, err := tx.Exec(
		`INSERT INTO calibration_records (chamber_id, created_at, multiplier, offset_val, r_squared, is_active)
		 VALUES (?, ?, ?, ?, ?, 1)`,
		chamber, now.Format(time.RFC3339Nano), res.Multiplier, res.Offset, res.RSquared,
	)
	if err != nil {
		return Record{}, fmt.Errorf("inserting calibration record: %w", err)
	}
	id, err := r.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("reading record id: %w", err)
	}

	for _, pt := range points {
		if _, err := tx.Exec(
			`INSERT INTO calibration_points (record_id, voltage, pressure, timestamp) VALUES (?, ?, ?, ?)`,
			id, pt.Voltage, pt.Pressure, pt.Timestamp.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return Record{}, fmt.Errorf("inserting calibration point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("committing calibration: %w", err)
	}

	log.Printf("Saved calibration %d as active for chamber %d (multiplier=%.2f, offset=%.2f, r²=%.4f)",
		id, chamber, res.Multiplier, res.Offset, res.RSquared)

	return Record{
		ID:        id,
		Chamber:   chamber,
		CreatedAt: now,
		Result:    res,
		Points:    points,
		Active:    true,
	}, nil
}

// GetActive returns the chamber's active calibration, or nil when none has
// been saved for it.
func (s *SQLStore) GetActive(chamber int) (*Record, error) {
	rows, err := s.query(`WHERE is_active = 1 AND chamber_id = ?`, []any{chamber}, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// History returns the chamber's saved calibrations, most recent first.
func (s *SQLStore) History(chamber int, limit int) ([]Record, error) {
	return s.query(`WHERE chamber_id = ?`, []any{chamber}, limit)
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) query(where string, args []any, limit int) ([]Record, error) {
	q := `SELECT id, chamber_id, created_at, multiplier, offset_val, r_squared, is_active
	      FROM calibration_records ` + where + ` ORDER BY id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying calibration records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var created string
		var active int
		if err := rows.Scan(&rec.ID, &rec.Chamber, &created, &rec.Multiplier, &rec.Offset, &rec.RSquared, &active); err != nil {
			return nil, fmt.Errorf("scanning calibration record: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		rec.Active = active != 0
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		pts, err := s.points(out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Points = pts
	}
	return out, nil
}

func (s *SQLStore) points(recordID int64) ([]Point, error) {
	rows, err := s.db.Query(
		`SELECT voltage, pressure, timestamp FROM calibration_points WHERE record_id = ? ORDER BY id`,
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying calibration points: %w", err)
	}
	defer rows.Close()

	var pts []Point
	for rows.Next() {
		var pt Point
		var ts string
		if err := rows.Scan(&pt.Voltage, &pt.Pressure, &ts); err != nil {
			return nil, fmt.Errorf("scanning calibration point: %w", err)
		}
		pt.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		pts = append(pts, pt)
	}
	return pts, rows.Err()
}

// Conversioner is the sensor-side hook active calibrations are applied to,
// one channel per chamber.
type Conversioner interface {
	SetConversion(channel int, offset, multiplier float64)
}

// ApplyActive loads each chamber's active calibration from the store and
// applies it to that chamber's channel. Chambers without a calibration keep
// their configured defaults; that is not an error.
func ApplyActive(store Store, c Conversioner) error {
	applied := 0
	for ch := 0; ch < config.NumChambers; ch++ {
		rec, err := store.GetActive(ch)
		if err != nil {
			return fmt.Errorf("loading active calibration for chamber %d: %w", ch, err)
		}
		if rec == nil {
			continue
		}

		off, mult := rec.SensorConversion()
		c.SetConversion(ch, off, mult)
		applied++
		log.Printf("Applied active calibration %d to chamber %d (from %s)",
			rec.ID, ch, rec.CreatedAt.Format(time.RFC3339))
	}

	if applied == 0 {
		log.Printf("No active calibrations, using configured defaults")
	}
	return nil
}
