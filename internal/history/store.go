// Package history implements the History Store adapter: a SQL-over-HTTP
// client against the configured time-series backend, plus an optional
// local retry outbox for writes that fail on first attempt.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tripwire/alarmd/internal/alarm"
	"github.com/tripwire/alarmd/internal/metrics"
)

// Config holds the connection parameters for the History Store.
type Config struct {
	// URL is the base address, e.g. "http://localhost:9000". No trailing
	// slash.
	URL string
	// Table is the table name events are written to and queried from.
	Table string
}

// Store is the HTTP SQL-over-HTTP adapter satisfying alarm.Store. It is
// safe for concurrent use: http.Client manages its own connection pool, and
// Store holds no other mutable state.
type Store struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
	m      *metrics.Metrics
	outbox *Outbox
}

// Option configures optional Store behavior.
type Option func(*Store)

// WithMetrics attaches a metrics sink. Without it, Store runs with metrics
// collection disabled (all hooks become no-ops).
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.m = m }
}

// WithOutbox attaches a retry outbox. A failed InsertEvent or RecordAck is
// additionally persisted to o for the caller (typically Outbox.DrainLoop,
// started separately) to retry later. Without it, a failed write is logged
// and dropped, matching the store's original log-and-swallow contract.
func WithOutbox(o *Outbox) Option {
	return func(s *Store) { s.outbox = o }
}

// New constructs a Store. It does not perform any I/O.
func New(cfg Config, log *slog.Logger, opts ...Option) *Store {
	s := &Store{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureTable performs a best-effort CREATE TABLE IF NOT EXISTS, partitioned
// by month and deduplicated on (timestamp, name). Failure is logged only,
// per the History Store's startup contract.
func (s *Store) EnsureTable(ctx context.Context) {
	query := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS '%s' ("+
			"timestamp TIMESTAMP, name SYMBOL, state SYMBOL, value LONG, "+
			"severity SYMBOL, ack BOOLEAN) timestamp(timestamp) "+
			"PARTITION BY MONTH WAL DEDUP UPSERT KEYS(timestamp, name);",
		s.cfg.Table,
	)
	if _, err := s.exec(ctx, query); err != nil {
		s.log.Warn("history: create table failed", slog.Any("error", err))
	}
}

// InsertEvent appends one row for e. A failed write is logged and, if an
// Outbox is attached via WithOutbox, additionally enqueued there for later
// retry; the engine never blocks on persistence either way.
func (s *Store) InsertEvent(ctx context.Context, e alarm.Event) {
	query := fmt.Sprintf(
		"INSERT INTO '%s' VALUES ('%s', '%s', '%s', %d, '%s', %t);",
		s.cfg.Table,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		escapeLiteral(e.Name),
		e.State.String(),
		e.Value,
		e.Severity.String(),
		e.Ack == alarm.AckAck,
	)
	if _, err := s.exec(ctx, query); err != nil {
		s.log.Warn("history: insert_event failed", slog.String("name", e.Name), slog.Any("error", err))
		if s.outbox != nil {
			if err := s.outbox.EnqueueInsert(ctx, e); err != nil {
				s.log.Warn("history: outbox enqueue insert failed", slog.String("name", e.Name), slog.Any("error", err))
			}
		}
	}
}

// RecordAck appends a new row cloning the latest event for name with
// ack=true, via a self-insert-select. A failed write is logged and, if an
// Outbox is attached via WithOutbox, additionally enqueued there for later
// retry.
func (s *Store) RecordAck(ctx context.Context, name string) {
	query := fmt.Sprintf(
		"INSERT INTO '%s' SELECT now(), name, state, value, severity, true "+
			"FROM '%s' WHERE name = '%s' LIMIT -1;",
		s.cfg.Table, s.cfg.Table, escapeLiteral(name),
	)
	if _, err := s.exec(ctx, query); err != nil {
		s.log.Warn("history: record_ack failed", slog.String("name", name), slog.Any("error", err))
		if s.outbox != nil {
			if err := s.outbox.EnqueueAck(ctx, name); err != nil {
				s.log.Warn("history: outbox enqueue ack failed", slog.String("name", name), slog.Any("error", err))
			}
		}
	}
}

// Latest returns the most recent row for name. The second return value is
// false if the row is absent or the query fails for any reason (network
// error, non-200 response, malformed body) — the evaluator's reset gate
// treats all of these identically.
func (s *Store) Latest(ctx context.Context, name string) (alarm.Event, bool) {
	query := fmt.Sprintf("SELECT name, state, ack FROM '%s' WHERE name = '%s' LIMIT -1", s.cfg.Table, escapeLiteral(name))

	body, err := s.exec(ctx, query)
	if err != nil {
		s.log.Warn("history: latest query failed", slog.String("name", name), slog.Any("error", err))
		return alarm.Event{}, false
	}

	var resp struct {
		Dataset [][]any `json:"dataset"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		s.log.Warn("history: latest response parse failed", slog.String("name", name), slog.Any("error", err))
		return alarm.Event{}, false
	}
	if len(resp.Dataset) == 0 || len(resp.Dataset[0]) < 3 {
		return alarm.Event{}, false
	}

	row := resp.Dataset[0]
	rowName, _ := row[0].(string)
	state := alarm.StateReset
	if s, ok := row[1].(string); ok && s == alarm.StateSet.String() {
		state = alarm.StateSet
	}
	ack := alarm.AckNotAck
	if b, ok := row[2].(bool); ok && b {
		ack = alarm.AckAck
	}

	return alarm.Event{Name: rowName, State: state, Ack: ack}, true
}

// exec performs the GET request and returns the response body on a 200
// status; any other outcome is an error.
func (s *Store) exec(ctx context.Context, query string) ([]byte, error) {
	u := s.cfg.URL + "/exec?query=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.incQueryFailure()
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.incQueryFailure()
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		s.incQueryFailure()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (s *Store) incQueryFailure() {
	if s.m != nil {
		s.m.StoreQueryFailures.Add(1)
	}
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
