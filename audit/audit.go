// Package audit archives escrow events to sqlite. The in-process event log is
// bounded; the archive keeps the full history for reconciliation and support
// queries.
package audit

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/glebarez/sqlite"

	"htlcd/native/escrow"
)

// Archive wraps the audit persistence layer.
type Archive struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("audit storage path must be configured")

const schema = `
CREATE TABLE IF NOT EXISTS escrow_events (
    id          TEXT PRIMARY KEY,
    type        TEXT NOT NULL,
    hashlock    TEXT NOT NULL,
    actor       TEXT NOT NULL,
    attributes  TEXT NOT NULL,
    occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escrow_events_hashlock ON escrow_events(hashlock);
CREATE INDEX IF NOT EXISTS idx_escrow_events_occurred ON escrow_events(occurred_at);
`

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Archive, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases database resources.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Record persists one event. Replaying an event with a known ID is a no-op so
// the archive tolerates at-least-once delivery.
func (a *Archive) Record(ctx context.Context, ev *escrow.Event) error {
	if a == nil || a.db == nil {
		return fmt.Errorf("audit storage not configured")
	}
	if ev == nil {
		return fmt.Errorf("audit event required")
	}
	attrs, err := json.Marshal(ev.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
        INSERT INTO escrow_events(id, type, hashlock, actor, attributes, occurred_at)
        VALUES(?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO NOTHING
    `, ev.ID, ev.Type, hex.EncodeToString(ev.Hashlock[:]), ev.Actor, string(attrs), ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventsForHashlock returns the archived history for one escrow, oldest
// first.
func (a *Archive) EventsForHashlock(ctx context.Context, hashlock [32]byte) ([]*escrow.Event, error) {
	if a == nil || a.db == nil {
		return nil, fmt.Errorf("audit storage not configured")
	}
	rows, err := a.db.QueryContext(ctx, `
        SELECT id, type, hashlock, actor, attributes, occurred_at
        FROM escrow_events
        WHERE hashlock = ?
        ORDER BY occurred_at ASC, id ASC
    `, hex.EncodeToString(hashlock[:]))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Recent returns up to limit archived events, newest first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]*escrow.Event, error) {
	if a == nil || a.db == nil {
		return nil, fmt.Errorf("audit storage not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx, `
        SELECT id, type, hashlock, actor, attributes, occurred_at
        FROM escrow_events
        ORDER BY occurred_at DESC, id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*escrow.Event, error) {
	var out []*escrow.Event
	for rows.Next() {
		var (
			ev          escrow.Event
			hashlockHex string
			attrsJSON   string
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &hashlockHex, &ev.Actor, &attrsJSON, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		raw, err := hex.DecodeString(hashlockHex)
		if err != nil || len(raw) != len(ev.Hashlock) {
			return nil, fmt.Errorf("malformed hashlock %q", hashlockHex)
		}
		copy(ev.Hashlock[:], raw)
		if attrsJSON != "" {
			if err := json.Unmarshal([]byte(attrsJSON), &ev.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes: %w", err)
			}
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
