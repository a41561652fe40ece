// Package ledger records handled Slack events and delivered files in SQLite. The
// webhook uses it to drop Slack retries of events it has already accepted.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"printbot/internal/domain"
)

// Event statuses.
const (
	StatusReceived = "received"
	StatusDone     = "done"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
	StatusDropped  = "dropped"
)

// Delivery kinds.
const (
	KindGenerated = "generated"
	KindReformat  = "reformat"
	KindArchived  = "archived"
)

type EventRecord struct {
	EventID    string
	ChannelID  string
	UserID     string
	Type       string
	Status     string
	Detail     string
	ReceivedAt time.Time
}

type Delivery struct {
	EventID   string
	ChannelID string
	Kind      string
	Path      string
	CreatedAt time.Time
}

type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the ledger database at path and migrates it.
// ":memory:" gives a private in-memory ledger.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create ledger directory %s: %w", dir, err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger migration failed: %w", err)
	}
	return &Ledger{db: db, logger: logger}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// Claim records ev as received. It returns false when the event id was already
// claimed, which means this delivery is a Slack retry.
func (l *Ledger) Claim(ctx context.Context, ev domain.InboundEvent) (bool, error) {
	received := ev.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (event_id, channel, user_id, type, status, received_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ChannelID, ev.UserID, string(ev.Type), StatusReceived, received.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", ev.ID, err)
	}
	return n == 1, nil
}

// Release forgets a claim that never reached the dispatcher, so Slack's next
// delivery of the event is treated as new. Finished events are kept.
func (l *Ledger) Release(ctx context.Context, eventID string) error {
	if _, err := l.db.ExecContext(ctx,
		"DELETE FROM events WHERE event_id = ? AND status = ?", eventID, StatusReceived,
	); err != nil {
		return fmt.Errorf("release event %s: %w", eventID, err)
	}
	return nil
}

// Finish sets the final status of an event.
func (l *Ledger) Finish(ctx context.Context, eventID, status, detail string) error {
	if _, err := l.db.ExecContext(ctx,
		"UPDATE events SET status = ?, detail = ?, finished_at = ? WHERE event_id = ?",
		status, detail, time.Now().UTC(), eventID,
	); err != nil {
		return fmt.Errorf("finish event %s: %w", eventID, err)
	}
	return nil
}

func (l *Ledger) RecordDelivery(ctx context.Context, d Delivery) error {
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if _, err := l.db.ExecContext(ctx,
		"INSERT INTO deliveries (event_id, channel, kind, path, created_at) VALUES (?, ?, ?, ?, ?)",
		d.EventID, d.ChannelID, d.Kind, d.Path, created.UTC(),
	); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events first.
func (l *Ledger) RecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, channel, user_id, type, status, detail, received_at
		FROM events ORDER BY received_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.EventID, &r.ChannelID, &r.UserID, &r.Type, &r.Status, &r.Detail, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Deliveries returns the channel's deliveries since the given time, oldest first.
func (l *Ledger) Deliveries(ctx context.Context, channelID string, since time.Time) ([]Delivery, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, channel, kind, path, created_at
		FROM deliveries WHERE channel = ? AND created_at >= ? ORDER BY created_at, id`,
		channelID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.EventID, &d.ChannelID, &d.Kind, &d.Path, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Prune deletes events and deliveries older than the cutoff.
func (l *Ledger) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		"DELETE FROM events WHERE received_at < ?",
		"DELETE FROM deliveries WHERE created_at < ?",
	} {
		res, err := l.db.ExecContext(ctx, q, before.UTC())
		if err != nil {
			return total, fmt.Errorf("prune ledger: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		l.logger.Info("ledger pruned", "rows", total)
	}
	return total, nil
}
