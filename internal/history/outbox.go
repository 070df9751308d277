// Package history also provides a WAL-mode SQLite-backed retry outbox for
// History Store writes that failed on first attempt. It is an optional
// resilience enrichment on top of the log-and-swallow contract in store.go:
// when enabled, a failed insert_event or record_ack is additionally
// persisted here and retried by a background drain loop, but the engine
// never blocks on it and disabling it reproduces the store's exact
// log-and-swallow behavior.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tripwire/alarmd/internal/alarm"
)

// Outbox is a WAL-mode SQLite-backed queue of events that failed their
// first History Store write attempt. It is safe for concurrent use.
type Outbox struct {
	db    *sql.DB
	depth atomic.Int64
}

// OpenOutbox opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. Passing ":memory:" is suitable for
// tests but loses all data when closed.
func OpenOutbox(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("outbox: open %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(outboxDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: apply schema: %w", err)
	}

	o := &Outbox{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM history_outbox WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: count pending rows: %w", err)
	}
	o.depth.Store(count)

	return o, nil
}

const outboxDDL = `
CREATE TABLE IF NOT EXISTS history_outbox (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    kind        TEXT    NOT NULL,
    name        TEXT    NOT NULL,
    event       TEXT    NOT NULL DEFAULT '{}',
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_history_outbox_pending
    ON history_outbox (delivered, id);
`

// entryKind distinguishes a failed insert_event from a failed record_ack.
type entryKind string

const (
	kindInsertEvent entryKind = "insert_event"
	kindRecordAck   entryKind = "record_ack"
)

// EnqueueInsert persists a failed insert_event call for later retry.
func (o *Outbox) EnqueueInsert(ctx context.Context, e alarm.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("outbox: marshal event: %w", err)
	}
	if _, err := o.db.ExecContext(ctx,
		`INSERT INTO history_outbox (kind, name, event) VALUES (?, ?, ?)`,
		kindInsertEvent, e.Name, string(body),
	); err != nil {
		return fmt.Errorf("outbox: enqueue insert: %w", err)
	}
	o.depth.Add(1)
	return nil
}

// EnqueueAck persists a failed record_ack call for later retry.
func (o *Outbox) EnqueueAck(ctx context.Context, name string) error {
	if _, err := o.db.ExecContext(ctx,
		`INSERT INTO history_outbox (kind, name, event) VALUES (?, ?, '{}')`,
		kindRecordAck, name,
	); err != nil {
		return fmt.Errorf("outbox: enqueue ack: %w", err)
	}
	o.depth.Add(1)
	return nil
}

// pendingEntry is one undelivered outbox row.
type pendingEntry struct {
	id    int64
	kind  entryKind
	name  string
	event alarm.Event
}

func (o *Outbox) dequeue(ctx context.Context, n int) ([]pendingEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := o.db.QueryContext(ctx,
		`SELECT id, kind, name, event FROM history_outbox WHERE delivered = 0 ORDER BY id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("outbox: dequeue query: %w", err)
	}
	defer rows.Close()

	var entries []pendingEntry
	for rows.Next() {
		var pe pendingEntry
		var kind, body string
		if err := rows.Scan(&pe.id, &kind, &pe.name, &body); err != nil {
			return nil, fmt.Errorf("outbox: dequeue scan: %w", err)
		}
		pe.kind = entryKind(kind)
		if pe.kind == kindInsertEvent {
			if err := json.Unmarshal([]byte(body), &pe.event); err != nil {
				continue
			}
		}
		entries = append(entries, pe)
	}
	return entries, rows.Err()
}

// ack marks ids as delivered and decrements the depth counter accordingly.
func (o *Outbox) ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	result, err := o.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE history_outbox SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("outbox: ack: %w", err)
	}
	n, _ := result.RowsAffected()
	o.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (undelivered) entries.
func (o *Outbox) Depth() int {
	return int(o.depth.Load())
}

// Close closes the underlying database connection.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// DrainLoop retries pending entries against store every interval until ctx
// is cancelled. A retry failure leaves the entry pending for the next tick;
// it is never logged as fatal.
func (o *Outbox) DrainLoop(ctx context.Context, store *Store, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.drainOnce(ctx, store, log)
		}
	}
}

func (o *Outbox) drainOnce(ctx context.Context, store *Store, log *slog.Logger) {
	entries, err := o.dequeue(ctx, 50)
	if err != nil {
		log.Warn("outbox: dequeue failed", slog.Any("error", err))
		return
	}
	var delivered []int64
	for _, e := range entries {
		switch e.kind {
		case kindInsertEvent:
			if _, err := store.exec(ctx, insertQuery(store.cfg.Table, e.event)); err != nil {
				continue
			}
		case kindRecordAck:
			if _, err := store.exec(ctx, ackQuery(store.cfg.Table, e.name)); err != nil {
				continue
			}
		}
		delivered = append(delivered, e.id)
	}
	if err := o.ack(ctx, delivered); err != nil {
		log.Warn("outbox: ack failed", slog.Any("error", err))
	}
}

func insertQuery(table string, e alarm.Event) string {
	return fmt.Sprintf(
		"INSERT INTO '%s' VALUES ('%s', '%s', '%s', %d, '%s', %t);",
		table,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		escapeLiteral(e.Name),
		e.State.String(),
		e.Value,
		e.Severity.String(),
		e.Ack == alarm.AckAck,
	)
}

func ackQuery(table, name string) string {
	return fmt.Sprintf(
		"INSERT INTO '%s' SELECT now(), name, state, value, severity, true "+
			"FROM '%s' WHERE name = '%s' LIMIT -1;",
		table, table, escapeLiteral(name),
	)
}
