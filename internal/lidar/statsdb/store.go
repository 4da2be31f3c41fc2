// Package statsdb persists relay diagnostics (slot snapshots and loss
// events) in a local SQLite database.
package statsdb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/livox.relay/internal/lidar/relay"
)

// ErrUnknownRun is returned when a run ID has not been registered.
var ErrUnknownRun = errors.New("statsdb: unknown run")

// Store wraps the stats database connection.
type Store struct {
	*sql.DB
	path string
}

// Run identifies one relay process lifetime.
type Run struct {
	ID      string    `json:"run_id"`
	Started time.Time `json:"started"`
	Label   string    `json:"label"`
}

// SnapshotRecord is one persisted slot snapshot.
type SnapshotRecord struct {
	TakenAt       time.Time `json:"taken_at"`
	Handle        uint8     `json:"handle"`
	BroadcastCode string    `json:"broadcast_code"`
	DeviceType    string    `json:"device_type"`
	State         string    `json:"state"`
	Received      uint32    `json:"received"`
	Lost          uint32    `json:"lost"`
	LastTimestamp uint64    `json:"last_timestamp"`
	QueueUsed     uint32    `json:"queue_used"`
}

// LossRecord is one persisted loss event.
type LossRecord struct {
	ID         int64     `json:"id"`
	RecordedAt time.Time `json:"recorded_at"`
	relay.LossEvent
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// Open opens (or creates) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}
	// One connection keeps the per-connection PRAGMAs in force.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	s := &Store{DB: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the file the store was opened from.
func (s *Store) Path() string { return s.path }

// StartRun registers a new run and returns it.
func (s *Store) StartRun(started time.Time, label string) (Run, error) {
	run := Run{ID: uuid.NewString(), Started: started, Label: label}
	_, err := s.Exec(`INSERT INTO relay_runs (run_id, started_unix, label) VALUES (?, ?, ?)`,
		run.ID, started.Unix(), label)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// Runs lists runs, most recent first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.Query(`SELECT run_id, started_unix, label FROM relay_runs ORDER BY started_unix DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		if err := rows.Scan(&r.ID, &started, &r.Label); err != nil {
			return nil, err
		}
		r.Started = time.Unix(started, 0).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) checkRun(run string) error {
	var n int
	if err := s.QueryRow(`SELECT COUNT(*) FROM relay_runs WHERE run_id = ?`, run).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, run)
	}
	return nil
}

// RecordSnapshot stores every slot snapshot taken at the same instant in
// one transaction.
func (s *Store) RecordSnapshot(run string, takenAt time.Time, snaps []relay.SlotSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	if err := s.checkRun(run); err != nil {
		return err
	}

	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO slot_snapshots (
		run_id, taken_unix_ns, handle, broadcast_code, device_type, state,
		received, lost, last_timestamp, queue_used
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := takenAt.UnixNano()
	for _, sn := range snaps {
		// last_timestamp is stored as its int64 bit pattern.
		if _, err := stmt.Exec(run, ts, sn.Handle, sn.BroadcastCode, sn.Info.Type.String(), sn.State,
			sn.Received, sn.Lost, int64(sn.LastTimestamp), sn.QueueUsed); err != nil {
			return fmt.Errorf("insert snapshot for handle %d: %w", sn.Handle, err)
		}
	}
	return tx.Commit()
}

// LatestSnapshots returns the most recent snapshot set for a run in
// handle order.
func (s *Store) LatestSnapshots(run string) ([]SnapshotRecord, error) {
	rows, err := s.Query(`SELECT taken_unix_ns, handle, broadcast_code, device_type, state,
			received, lost, last_timestamp, queue_used
		FROM slot_snapshots
		WHERE run_id = ?
		  AND taken_unix_ns = (SELECT MAX(taken_unix_ns) FROM slot_snapshots WHERE run_id = ?)
		ORDER BY handle`, run, run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		var ts, last int64
		if err := rows.Scan(&ts, &rec.Handle, &rec.BroadcastCode, &rec.DeviceType, &rec.State,
			&rec.Received, &rec.Lost, &last, &rec.QueueUsed); err != nil {
			return nil, err
		}
		rec.TakenAt = time.Unix(0, ts).UTC()
		rec.LastTimestamp = uint64(last)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordLossEvent appends one loss event to a run.
func (s *Store) RecordLossEvent(run string, at time.Time, e relay.LossEvent) error {
	_, err := s.Exec(`INSERT INTO loss_events (
		run_id, recorded_unix_ns, handle, broadcast_code, lost, received, device_timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run, at.UnixNano(), e.Handle, e.BroadcastCode, e.Lost, e.Received, int64(e.Timestamp))
	if err != nil {
		return fmt.Errorf("insert loss event: %w", err)
	}
	return nil
}

// LossEvents returns up to limit events for a run, newest first. A
// non-positive limit returns every event.
func (s *Store) LossEvents(run string, limit int) ([]LossRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.Query(`SELECT event_id, recorded_unix_ns, handle, broadcast_code, lost, received, device_timestamp
		FROM loss_events
		WHERE run_id = ?
		ORDER BY event_id DESC
		LIMIT ?`, run, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LossRecord
	for rows.Next() {
		var rec LossRecord
		var at, ts int64
		if err := rows.Scan(&rec.ID, &at, &rec.Handle, &rec.BroadcastCode, &rec.Lost, &rec.Received, &ts); err != nil {
			return nil, err
		}
		rec.RecordedAt = time.Unix(0, at).UTC()
		rec.Timestamp = uint64(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}
