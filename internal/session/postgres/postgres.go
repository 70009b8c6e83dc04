// Package postgres provides a PostgreSQL-backed session.Persister.
//
// Usage:
//
//	p, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer p.Close()
//	store := session.NewStore(session.WithPersister(p))
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/recitalign/internal/session"
)

var _ session.Persister = (*Persister)(nil)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS recitation_sessions (
    id             TEXT         PRIMARY KEY,
    created_at     TIMESTAMPTZ  NOT NULL,
    expires_at     TIMESTAMPTZ  NOT NULL,
    sample_rate    INTEGER      NOT NULL,
    samples        BYTEA        NOT NULL,
    model_name     TEXT         NOT NULL DEFAULT '',
    raw_intervals  JSONB        NOT NULL DEFAULT '[]',
    boundaries     JSONB        NOT NULL DEFAULT '[]',
    results        JSONB        NOT NULL DEFAULT '[]',
    phonemes       JSONB        NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_recitation_sessions_expires_at
    ON recitation_sessions (expires_at);
`

// Persister stores sessions in a single table. All methods are safe for
// concurrent use.
type Persister struct {
	pool *pgxpool.Pool
}

// New connects to dsn, verifies the connection and runs [Migrate].
func New(ctx context.Context, dsn string) (*Persister, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres persister: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres persister: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres persister: migrate: %w", err)
	}
	return &Persister{pool: pool}, nil
}

// Migrate creates the sessions table if it does not exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		return fmt.Errorf("create recitation_sessions: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (p *Persister) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the connection pool.
func (p *Persister) Close() {
	p.pool.Close()
}

// Save implements [session.Persister].
func (p *Persister) Save(ctx context.Context, rec *session.Record) error {
	const q = `
		INSERT INTO recitation_sessions
		    (id, created_at, expires_at, sample_rate, samples, model_name,
		     raw_intervals, boundaries, results, phonemes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		    model_name = EXCLUDED.model_name,
		    boundaries = EXCLUDED.boundaries,
		    results    = EXCLUDED.results,
		    phonemes   = EXCLUDED.phonemes`

	_, err := p.pool.Exec(ctx, q,
		rec.ID,
		rec.CreatedAt,
		rec.ExpiresAt,
		rec.SampleRate,
		nonNil(rec.Samples),
		rec.ModelName,
		jsonOrEmpty(rec.RawIntervals),
		jsonOrEmpty(rec.Boundaries),
		jsonOrEmpty(rec.Results),
		jsonOrEmpty(rec.Phonemes),
	)
	if err != nil {
		return fmt.Errorf("postgres persister: save: %w", err)
	}
	return nil
}

// Load implements [session.Persister].
func (p *Persister) Load(ctx context.Context, id string) (*session.Record, error) {
	const q = `
		SELECT id, created_at, expires_at, sample_rate, samples, model_name,
		       raw_intervals::text, boundaries::text, results::text, phonemes::text
		FROM   recitation_sessions
		WHERE  id = $1`

	var (
		rec                                  session.Record
		rawIntervals, bounds, results, phons string
	)
	err := p.pool.QueryRow(ctx, q, id).Scan(
		&rec.ID,
		&rec.CreatedAt,
		&rec.ExpiresAt,
		&rec.SampleRate,
		&rec.Samples,
		&rec.ModelName,
		&rawIntervals,
		&bounds,
		&results,
		&phons,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres persister: load: %w", err)
	}
	rec.RawIntervals = []byte(rawIntervals)
	rec.Boundaries = []byte(bounds)
	rec.Results = []byte(results)
	rec.Phonemes = []byte(phons)
	return &rec, nil
}

// Delete implements [session.Persister].
func (p *Persister) Delete(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM recitation_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres persister: delete: %w", err)
	}
	return nil
}

// DeleteExpired implements [session.Persister].
func (p *Persister) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM recitation_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres persister: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// jsonOrEmpty passes JSON as text so pgx casts it into the JSONB column.
func jsonOrEmpty(b []byte) string {
	if len(b) == 0 || string(b) == "null" {
		return "[]"
	}
	return string(b)
}
