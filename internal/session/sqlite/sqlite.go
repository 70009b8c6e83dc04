// Package sqlite provides a session.Persister on an embedded SQLite database
// (modernc.org/sqlite, no cgo), for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/recitalign/internal/session"
)

var _ session.Persister = (*Persister)(nil)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS recitation_sessions (
    id             TEXT     PRIMARY KEY,
    created_at     INTEGER  NOT NULL,
    expires_at     INTEGER  NOT NULL,
    sample_rate    INTEGER  NOT NULL,
    samples        BLOB     NOT NULL,
    model_name     TEXT     NOT NULL DEFAULT '',
    raw_intervals  TEXT     NOT NULL DEFAULT '[]',
    boundaries     TEXT     NOT NULL DEFAULT '[]',
    results        TEXT     NOT NULL DEFAULT '[]',
    phonemes       TEXT     NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_recitation_sessions_expires_at
    ON recitation_sessions (expires_at);
`

// Persister stores sessions in a single SQLite table. Timestamps are kept as
// Unix nanoseconds.
type Persister struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
// path may be ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string) (*Persister, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite persister: open database: %w", err)
	}
	// One writer at a time; also keeps a ":memory:" database on one connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite persister: ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddlSessions); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite persister: migrate: %w", err)
	}
	return &Persister{db: db}, nil
}

// Ping checks that the database is reachable.
func (p *Persister) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database.
func (p *Persister) Close() error {
	return p.db.Close()
}

// Save implements [session.Persister].
func (p *Persister) Save(ctx context.Context, rec *session.Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO recitation_sessions
		    (id, created_at, expires_at, sample_rate, samples, model_name,
		     raw_intervals, boundaries, results, phonemes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
		    model_name = excluded.model_name,
		    boundaries = excluded.boundaries,
		    results    = excluded.results,
		    phonemes   = excluded.phonemes
	`,
		rec.ID,
		rec.CreatedAt.UnixNano(),
		rec.ExpiresAt.UnixNano(),
		rec.SampleRate,
		nonNil(rec.Samples),
		rec.ModelName,
		jsonOrEmpty(rec.RawIntervals),
		jsonOrEmpty(rec.Boundaries),
		jsonOrEmpty(rec.Results),
		jsonOrEmpty(rec.Phonemes),
	)
	if err != nil {
		return fmt.Errorf("sqlite persister: save: %w", err)
	}
	return nil
}

// Load implements [session.Persister].
func (p *Persister) Load(ctx context.Context, id string) (*session.Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, created_at, expires_at, sample_rate, samples, model_name,
		       raw_intervals, boundaries, results, phonemes
		FROM recitation_sessions
		WHERE id = ?
	`, id)

	var (
		rec                                  session.Record
		created, expires                     int64
		rawIntervals, bounds, results, phons string
	)
	err := row.Scan(&rec.ID, &created, &expires, &rec.SampleRate, &rec.Samples, &rec.ModelName,
		&rawIntervals, &bounds, &results, &phons)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite persister: load: %w", err)
	}
	rec.CreatedAt = time.Unix(0, created)
	rec.ExpiresAt = time.Unix(0, expires)
	rec.RawIntervals = []byte(rawIntervals)
	rec.Boundaries = []byte(bounds)
	rec.Results = []byte(results)
	rec.Phonemes = []byte(phons)
	return &rec, nil
}

// Delete implements [session.Persister].
func (p *Persister) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM recitation_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite persister: delete: %w", err)
	}
	return nil
}

// DeleteExpired implements [session.Persister].
func (p *Persister) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM recitation_sessions WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite persister: delete expired: %w", err)
	}
	return res.RowsAffected()
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func jsonOrEmpty(b []byte) string {
	if len(b) == 0 || string(b) == "null" {
		return "[]"
	}
	return string(b)
}
