package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

// InsertBatch bulk-inserts records in a single statement. Conflicting dedupe
// keys are skipped so re-applying a redelivered event is a no-op.
func (p *Postgres) InsertBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	keys := make([]string, len(records))
	texts := make([]string, len(records))
	receivedAts := make([]time.Time, len(records))
	for i, r := range records {
		keys[i] = r.DedupeKey
		texts[i] = r.Text
		receivedAts[i] = r.ReceivedAt
	}

	q := `INSERT INTO messages (dedupe_key, text, received_at)
          SELECT * FROM unnest($1::text[], $2::text[], $3::timestamptz[])
          ON CONFLICT (dedupe_key) DO NOTHING`

	if _, err := p.pool.Exec(ctx, q, keys, texts, receivedAts); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// CountByKey returns how many rows exist for the given dedupe key. Used by
// tests to verify idempotent re-application.
func (p *Postgres) CountByKey(ctx context.Context, key string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM messages WHERE dedupe_key = $1`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by key: %w", err)
	}
	return n, nil
}
