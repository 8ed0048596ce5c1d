// Package eventlog implements the append-only, time-indexed system event
// log (C5), backed by a single-file SQLite database per the persisted
// layout in §6.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Type enumerates the recognized event kinds.
type Type string

const (
	ChunkAdded         Type = "chunk_added"
	ChunkUpdated       Type = "chunk_updated"
	ChunkDeleted       Type = "chunk_deleted"
	QueryExecuted      Type = "query_executed"
	EntityConsolidated Type = "entity_consolidated"
	LifecycleTransition Type = "lifecycle_transition"
)

// DefaultRetentionDays is the default retention window for CleanupOldEvents.
const DefaultRetentionDays = 30

// Event is a single append-only record.
type Event struct {
	EventID   string
	EventType Type
	Timestamp time.Time
	Data      map[string]any
}

// Stats summarizes event counts by type over a window.
type Stats struct {
	Total   int
	ByType  map[Type]int
}

// Log is a SQLite-backed event log. Safe for concurrent appends.
type Log struct {
	db *sql.DB
}

// Open opens (creating if absent) the event log database at path and
// ensures the schema and indices described in §6 exist.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	// SQLite tolerates only one writer at a time; a single pooled
	// connection serializes appends without external locking.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	return &Log{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS event_log (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_timestamp ON event_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_event_log_type_timestamp ON event_log(event_type, timestamp);
`

func (l *Log) Close() error { return l.db.Close() }

// LogEvent appends a new event. If ts is zero, the current time is used.
func (l *Log) LogEvent(ctx context.Context, eventType Type, data map[string]any, ts time.Time) (Event, error) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ev := Event{EventID: uuid.NewString(), EventType: eventType, Timestamp: ts, Data: data}
	payload, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: marshal data: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO event_log (event_id, event_type, timestamp, data) VALUES (?, ?, ?, ?)`,
		ev.EventID, string(ev.EventType), ev.Timestamp, string(payload))
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: insert: %w", err)
	}
	return ev, nil
}

// QueryByTimerange returns events within [start, end], optionally
// restricted to the given types, ordered by timestamp ascending.
func (l *Log) QueryByTimerange(ctx context.Context, start, end time.Time, types []Type) ([]Event, error) {
	query := `SELECT event_id, event_type, timestamp, data FROM event_log WHERE timestamp >= ? AND timestamp <= ?`
	args := []any{start, end}
	if len(types) > 0 {
		query += " AND event_type IN (" + placeholders(len(types)) + ")"
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += " ORDER BY timestamp ASC"
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var typ, payload string
		if err := rows.Scan(&ev.EventID, &typ, &ev.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		ev.EventType = Type(typ)
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &ev.Data)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetEventStats aggregates counts by event type over an optional window
// (zero start/end means unbounded).
func (l *Log) GetEventStats(ctx context.Context, start, end time.Time) (Stats, error) {
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	if end.IsZero() {
		end = time.Now().UTC().Add(24 * time.Hour)
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM event_log WHERE timestamp >= ? AND timestamp <= ? GROUP BY event_type`,
		start, end)
	if err != nil {
		return Stats{}, fmt.Errorf("eventlog: stats query: %w", err)
	}
	defer rows.Close()
	stats := Stats{ByType: map[Type]int{}}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return Stats{}, fmt.Errorf("eventlog: stats scan: %w", err)
		}
		stats.ByType[Type(typ)] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

// CleanupOldEvents removes records older than retentionDays and returns
// the number of rows removed.
func (l *Log) CleanupOldEvents(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := l.db.ExecContext(ctx, `DELETE FROM event_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("eventlog: cleanup: %w", err)
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
