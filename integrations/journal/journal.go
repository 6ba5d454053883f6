// Package journal keeps an append-only sqlite record of every merkledrop
// event that reached the emitter, for audit queries and offline export.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"merkledrop/core/events"
)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("journal: path must be configured")

// Entry is one journaled event.
type Entry struct {
	ID         int64
	Type       string
	Batch      string
	Asset      string
	Round      uint64
	Account    string
	Amount     string
	Attributes map[string]string
	RecordedAt time.Time
}

// Filter narrows Entries. Zero fields match everything.
type Filter struct {
	Type    string
	Asset   string
	Account string
	Batch   string
	Limit   int
}

// Journal wraps the sqlite event store. It implements events.Emitter.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ events.Emitter = (*Journal)(nil)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}
	return &Journal{db: db, logger: slog.Default(), now: time.Now}, nil
}

// SetLogger replaces the logger used to report write failures from Emit.
func (j *Journal) SetLogger(logger *slog.Logger) {
	if logger != nil {
		j.logger = logger
	}
}

// Close releases database resources.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Emit records e. Emitters cannot fail the operation that produced the
// event, so write errors are logged.
func (j *Journal) Emit(e events.Event) {
	if err := j.Record(context.Background(), e); err != nil {
		j.logger.Error("journal: record event failed",
			slog.String("type", e.EventType()),
			slog.Any("error", err))
	}
}

// Record stores e.
func (j *Journal) Record(ctx context.Context, e events.Event) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal: not configured")
	}
	evt := e.Event()
	if evt == nil {
		return fmt.Errorf("journal: event %s has no payload", e.EventType())
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return fmt.Errorf("journal: encode attributes: %w", err)
	}
	var round uint64
	if raw := evt.Attr("round"); raw != "" {
		if round, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return fmt.Errorf("journal: round attribute: %w", err)
		}
	}
	account := evt.Attr("beneficiary")
	if account == "" {
		account = evt.Attr("distributor")
	}
	_, err = j.db.ExecContext(ctx, `
        INSERT INTO merkledrop_events(type, batch, asset, round, account, amount, attributes, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
    `, evt.Type, evt.Attr("batch"), evt.Attr("asset"), int64(round), account, evt.Attr("amount"), string(attrs), j.now().UTC())
	if err != nil {
		return fmt.Errorf("journal: insert event: %w", err)
	}
	return nil
}

// Entries returns journaled events matching f in insertion order.
func (j *Journal) Entries(ctx context.Context, f Filter) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal: not configured")
	}
	var (
		clauses []string
		args    []any
	)
	add := func(column, value string) {
		if value = strings.TrimSpace(value); value != "" {
			clauses = append(clauses, column+" = ?")
			args = append(args, value)
		}
	}
	add("type", f.Type)
	add("asset", strings.ToUpper(f.Asset))
	add("account", f.Account)
	add("batch", f.Batch)

	query := `SELECT id, type, batch, asset, round, account, amount, attributes, recorded_at FROM merkledrop_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry Entry
			round int64
			attrs string
		)
		if err := rows.Scan(&entry.ID, &entry.Type, &entry.Batch, &entry.Asset, &round, &entry.Account, &entry.Amount, &attrs, &entry.RecordedAt); err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}
		entry.Round = uint64(round)
		if err := json.Unmarshal([]byte(attrs), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("journal: decode attributes: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

const schema = `
CREATE TABLE IF NOT EXISTS merkledrop_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    batch TEXT NOT NULL DEFAULT '',
    asset TEXT NOT NULL DEFAULT '',
    round INTEGER NOT NULL DEFAULT 0,
    account TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL DEFAULT '0',
    attributes TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_merkledrop_events_account ON merkledrop_events(account, asset);
CREATE INDEX IF NOT EXISTS idx_merkledrop_events_batch ON merkledrop_events(batch);
`
