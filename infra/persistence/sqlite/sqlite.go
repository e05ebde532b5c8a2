// Package sqlite is a Persistence backend on SQLite. Batches run in one
// transaction, so the store commits multi-entity moves atomically.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/kilianp07/fleetalloc/core/assignment"
	"github.com/kilianp07/fleetalloc/core/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS vehicles (
    id TEXT PRIMARY KEY,
    version INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    record TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    assigned_vehicle_id TEXT,
    status TEXT,
    version INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    record TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_vehicle ON jobs(assigned_vehicle_id);`

// Store persists vehicles and jobs in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &Store{db: db}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func table(kind assignment.Kind) (string, error) {
	switch kind {
	case assignment.KindVehicle:
		return "vehicles", nil
	case assignment.KindJob:
		return "jobs", nil
	}
	return "", fmt.Errorf("unknown kind %q", kind)
}

func (s *Store) Load(ctx context.Context, kind assignment.Kind, id string) (assignment.Entity, error) {
	tbl, err := table(kind)
	if err != nil {
		return assignment.Entity{}, err
	}
	var data string
	err = s.db.QueryRowContext(ctx, `SELECT record FROM `+tbl+` WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return assignment.Entity{}, model.NotFoundf("%s %s", kind, id)
	}
	if err != nil {
		return assignment.Entity{}, model.StorageError("sqlite load", err)
	}
	return decode(kind, data)
}

func decode(kind assignment.Kind, data string) (assignment.Entity, error) {
	switch kind {
	case assignment.KindVehicle:
		var v model.Vehicle
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return assignment.Entity{}, fmt.Errorf("unmarshal vehicle: %w", err)
		}
		if v.AssignedJobIDs == nil {
			v.AssignedJobIDs = []string{}
		}
		return assignment.Entity{Kind: kind, Vehicle: &v}, nil
	default:
		var j model.Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return assignment.Entity{}, fmt.Errorf("unmarshal job: %w", err)
		}
		return assignment.Entity{Kind: kind, Job: &j}, nil
	}
}

func save(ctx context.Context, x execer, e assignment.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	switch e.Kind {
	case assignment.KindVehicle:
		b, err := json.Marshal(e.Vehicle)
		if err != nil {
			return err
		}
		_, err = x.ExecContext(ctx, `INSERT INTO vehicles (id, version, updated_at, record) VALUES (?, ?, ?, ?)
            ON CONFLICT(id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at, record = excluded.record`,
			e.Vehicle.ID, int64(e.Vehicle.Version), e.Vehicle.UpdatedAt.UnixMilli(), string(b))
		return err
	default:
		b, err := json.Marshal(e.Job)
		if err != nil {
			return err
		}
		_, err = x.ExecContext(ctx, `INSERT INTO jobs (id, assigned_vehicle_id, status, version, updated_at, record) VALUES (?, ?, ?, ?, ?, ?)
            ON CONFLICT(id) DO UPDATE SET assigned_vehicle_id = excluded.assigned_vehicle_id, status = excluded.status,
            version = excluded.version, updated_at = excluded.updated_at, record = excluded.record`,
			e.Job.ID, nullable(e.Job.AssignedVehicleID), string(e.Job.Status), int64(e.Job.Version), e.Job.UpdatedAt.UnixMilli(), string(b))
		return err
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func del(ctx context.Context, x execer, k assignment.Key) error {
	tbl, err := table(k.Kind)
	if err != nil {
		return err
	}
	res, err := x.ExecContext(ctx, `DELETE FROM `+tbl+` WHERE id = ?`, k.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.NotFoundf("%s", k)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, e assignment.Entity) error {
	if err := save(ctx, s.db, e); err != nil {
		return model.StorageError("sqlite save", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, kind assignment.Kind, id string) error {
	err := del(ctx, s.db, assignment.Key{Kind: kind, ID: id})
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return model.StorageError("sqlite delete", err)
	}
	return err
}

func (s *Store) ListAll(ctx context.Context, kind assignment.Kind) ([]assignment.Entity, error) {
	tbl, err := table(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM `+tbl+` ORDER BY id`)
	if err != nil {
		return nil, model.StorageError("sqlite list", err)
	}
	defer func() { _ = rows.Close() }()
	var out []assignment.Entity
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, model.StorageError("sqlite list", err)
		}
		e, err := decode(kind, data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, model.StorageError("sqlite list", err)
	}
	return out, nil
}

// Apply writes all saves and deletes in one transaction. Deleting an
// unknown id is not an error inside a batch.
func (s *Store) Apply(ctx context.Context, saves []assignment.Entity, deletes []assignment.Key) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.StorageError("sqlite begin", err)
	}
	for _, e := range saves {
		if err := save(ctx, tx, e); err != nil {
			_ = tx.Rollback()
			return model.StorageError("sqlite batch save", err)
		}
	}
	for _, k := range deletes {
		if err := del(ctx, tx, k); err != nil && !errors.Is(err, model.ErrNotFound) {
			_ = tx.Rollback()
			return model.StorageError("sqlite batch delete", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.StorageError("sqlite commit", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
