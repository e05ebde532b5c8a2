// Package audit keeps an append-only log of committed change events.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/fleetalloc/core/events"
)

// Record is one committed change event.
type Record struct {
	Timestamp time.Time          `json:"timestamp"`
	Event     events.ChangeEvent `json:"event"`
}

// Query defines filters for retrieving records. Zero values match all.
type Query struct {
	Start         time.Time
	End           time.Time
	VehicleID     string
	JobID         string
	Kind          events.Kind
	SinceRevision uint64
	Limit         int
}

// Match reports whether r passes the filters of q, ignoring Limit.
func (q Query) Match(r Record) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.VehicleID != "" && r.Event.VehicleID != q.VehicleID {
		return false
	}
	if q.JobID != "" && r.Event.JobID != q.JobID {
		return false
	}
	if q.Kind != "" && r.Event.Kind != q.Kind {
		return false
	}
	return r.Event.Revision > q.SinceRevision
}

// Store persists Records and supports querying.
type Store interface {
	Append(ctx context.Context, recs ...Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// NopStore discards records.
type NopStore struct{}

func (NopStore) Append(context.Context, ...Record) error       { return nil }
func (NopStore) Query(context.Context, Query) ([]Record, error) { return nil, nil }
func (NopStore) Close() error                                   { return nil }

// Config selects the audit backend.
type Config struct {
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

// New builds the configured store. An empty or "none" backend yields NopStore.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return NopStore{}, nil
	case "jsonl":
		return NewJSONLStore(cfg.Path)
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Backend)
	}
}

// FromEvents wraps events into records stamped with their commit time.
func FromEvents(evs []events.ChangeEvent) []Record {
	out := make([]Record, 0, len(evs))
	for _, e := range evs {
		ts := e.At
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		out = append(out, Record{Timestamp: ts, Event: e})
	}
	return out
}
