package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink is the best-effort secondary home for audit entries. The
// file-based Logger in chain.go is the durable source of truth and the only
// sink that ever fails a caller; PostgresSink failures are logged by the
// owning Trail and otherwise swallowed.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink opens a pgxpool connection to connStr and pings it.
func NewPostgresSink(ctx context.Context, connStr string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}

// Insert persists one hash-chained entry into audit_entries. It is called
// once per Logger.Append and never blocks the file sink: callers treat a
// non-nil error as log-and-continue.
func (s *PostgresSink) Insert(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries (seq, ts, payload, prev_hash, event_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (seq) DO NOTHING`,
		e.Seq, e.Timestamp, []byte(e.Payload), e.PrevHash, e.EventHash)
	if err != nil {
		return fmt.Errorf("insert audit entry %d: %w", e.Seq, err)
	}
	return nil
}
