package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/doorway.report/internal/monitoring"
	"github.com/banshee-data/doorway.report/internal/pipeline"
)

const (
	DefaultEventLimit = 50
	MaxEventLimit     = 1000
)

// RecordDoorEvent appends one event to the audit log.
func (db *DB) RecordDoorEvent(ctx context.Context, ev pipeline.Event) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO door_events (event_id, kind, reason, is_open, occupancy, at_unix_nanos)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), string(ev.Kind), ev.Reason, ev.IsOpen, int64(ev.Occupancy), ev.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert door event %s: %w", ev.ID, err)
	}
	return nil
}

// RecentDoorEvents returns up to limit events, newest first. A limit outside
// 1..MaxEventLimit is clamped.
func (db *DB) RecentDoorEvents(ctx context.Context, limit int) ([]pipeline.Event, error) {
	switch {
	case limit <= 0:
		limit = DefaultEventLimit
	case limit > MaxEventLimit:
		limit = MaxEventLimit
	}

	rows, err := db.QueryContext(ctx,
		`SELECT event_id, kind, reason, is_open, occupancy, at_unix_nanos
		 FROM door_events ORDER BY at_unix_nanos DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query door events: %w", err)
	}
	defer rows.Close()

	events := make([]pipeline.Event, 0, limit)
	for rows.Next() {
		var (
			id, kind, reason string
			isOpen           bool
			occupancy, at    int64
		)
		if err := rows.Scan(&id, &kind, &reason, &isOpen, &occupancy, &at); err != nil {
			return nil, fmt.Errorf("scan door event: %w", err)
		}
		eventID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("door event has malformed id %q: %w", id, err)
		}
		events = append(events, pipeline.Event{
			ID:        eventID,
			Kind:      pipeline.EventKind(kind),
			Reason:    reason,
			IsOpen:    isOpen,
			Occupancy: uint64(occupancy),
			At:        time.Unix(0, at).UTC(),
		})
	}
	return events, rows.Err()
}

// CountDoorEvents returns the number of stored events of the given kind, or
// of every kind when kind is empty.
func (db *DB) CountDoorEvents(ctx context.Context, kind pipeline.EventKind) (int64, error) {
	var row *sql.Row
	if kind == "" {
		row = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM door_events`)
	} else {
		row = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM door_events WHERE kind = ?`, string(kind))
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count door events: %w", err)
	}
	return n, nil
}

// EventSummary counts the stored events by kind.
type EventSummary struct {
	SchemaVersion uint                         `json:"schema_version"`
	Total         int64                        `json:"total"`
	ByKind        map[pipeline.EventKind]int64 `json:"by_kind"`
}

var summaryKinds = []pipeline.EventKind{
	pipeline.EventDoorOpened,
	pipeline.EventDoorClosed,
	pipeline.EventCrossing,
	pipeline.EventOccupancyReset,
}

// Summary returns per-kind event counts and the schema version the log is
// stored under.
func (db *DB) Summary(ctx context.Context) (EventSummary, error) {
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		return EventSummary{}, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return EventSummary{}, fmt.Errorf("schema version %d is dirty", version)
	}

	sum := EventSummary{SchemaVersion: version, ByKind: make(map[pipeline.EventKind]int64, len(summaryKinds))}
	if sum.Total, err = db.CountDoorEvents(ctx, ""); err != nil {
		return EventSummary{}, err
	}
	for _, kind := range summaryKinds {
		if sum.ByKind[kind], err = db.CountDoorEvents(ctx, kind); err != nil {
			return EventSummary{}, err
		}
	}
	return sum, nil
}

// RecordEvents writes every event received on events until the channel is
// closed, and returns how many were stored. Insert failures are logged and
// skipped so one bad write does not stop the log.
func (db *DB) RecordEvents(events <-chan pipeline.Event) int {
	stored := 0
	for ev := range events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := db.RecordDoorEvent(ctx, ev)
		cancel()
		if err != nil {
			monitoring.Logf("db: %v", err)
			continue
		}
		stored++
	}
	return stored
}
