package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/recitalign/pkg/audio"
	"github.com/MrWong99/recitalign/pkg/types"
)

// DefaultTTL is the session lifetime used when none is configured.
const DefaultTTL = 5 * time.Hour

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithTTL sets the session lifetime. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPersister enables write-through persistence.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the in-memory session cache. All methods are safe for concurrent
// use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl       time.Duration
	now       func() time.Time
	persister Persister
	hydrate   singleflight.Group
}

// NewStore returns an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TTL returns the configured session lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Len returns the number of sessions currently held in memory, expired ones
// included until they are swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Create registers a new session for clip and its raw detector intervals.
// init, if non-nil, fills in the first results before the session is
// published; if it fails no session is created.
func (s *Store) Create(ctx context.Context, clip *audio.Clip, raw []types.Interval, init func(*Session) error) (*Session, error) {
	created := s.now()
	sess := newSession(NewID(clip, created), created, s.ttl, clip, append([]types.Interval(nil), raw...))
	if init != nil {
		if err := init(sess); err != nil {
			return nil, err
		}
	}
	s.persist(ctx, sess)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	slog.Debug("session created", "session_id", sess.ID, "expires_at", sess.ExpiresAt)
	return sess, nil
}

// Get returns the session with id. Absent, malformed and expired ids all
// yield [ErrNotFound]; an expired session is dropped on lookup.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if ok {
		if sess.Expired(s.now()) {
			s.remove(ctx, id)
			return nil, ErrNotFound
		}
		return sess, nil
	}
	if s.persister == nil {
		return nil, ErrNotFound
	}
	return s.load(ctx, id)
}

// load hydrates id from the persister. Concurrent loads of the same id share
// one query.
func (s *Store) load(ctx context.Context, id string) (*Session, error) {
	v, err, _ := s.hydrate.Do(id, func() (any, error) {
		rec, err := s.persister.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		sess, err := sessionOf(rec)
		if err != nil {
			return nil, err
		}
		if sess.Expired(s.now()) {
			if err := s.persister.Delete(ctx, id); err != nil {
				slog.Warn("failed to delete expired session", "session_id", id, "err", err)
			}
			return nil, ErrNotFound
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.sessions[id]; ok {
			return cur, nil
		}
		s.sessions[id] = sess
		slog.Debug("session hydrated", "session_id", id)
		return sess, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}
	return v.(*Session), nil
}

// WithLock runs fn with exclusive access to the session's mutable state.
// Mutating calls on the same session are serialised; calls on different
// sessions run in parallel. If fn returns nil the session is written through
// to the persister; a failed write is logged and the in-memory state stays
// authoritative.
func (s *Store) WithLock(ctx context.Context, id string, fn func(*Session) error) error {
	sess, unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := fn(sess); err != nil {
		return err
	}
	s.persist(ctx, sess)
	return nil
}

// Results returns a copy of the session's last stored results.
func (s *Store) Results(ctx context.Context, id string) (View, error) {
	sess, unlock, err := s.lock(ctx, id)
	if err != nil {
		return View{}, err
	}
	defer unlock()
	return sess.view(), nil
}

func (s *Store) lock(ctx context.Context, id string) (*Session, func(), error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	select {
	case sess.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	unlock := func() { <-sess.lock }

	// The session may have expired while we waited.
	if sess.Expired(s.now()) {
		unlock()
		s.remove(ctx, id)
		return nil, nil, ErrNotFound
	}
	return sess, unlock, nil
}

// Sweep removes every expired session from memory and from the persister and
// returns how many in-memory sessions were dropped.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	var n int
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			n++
		}
	}
	s.mu.Unlock()

	if s.persister != nil {
		removed, err := s.persister.DeleteExpired(ctx, now)
		if err != nil {
			slog.Warn("session sweep: persister cleanup failed", "err", err)
		} else if removed > 0 {
			slog.Debug("session sweep: removed persisted sessions", "count", removed)
		}
	}
	if n > 0 {
		slog.Info("session sweep", "removed", n, "remaining", s.Len())
	}
	return n
}

// RunSweeper calls [Store.Sweep] every interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Store) remove(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	if s.persister != nil {
		if err := s.persister.Delete(ctx, id); err != nil {
			slog.Warn("failed to delete expired session", "session_id", id, "err", err)
		}
	}
}

func (s *Store) persist(ctx context.Context, sess *Session) {
	if s.persister == nil {
		return
	}
	rec, err := recordOf(sess)
	if err == nil {
		err = s.persister.Save(ctx, rec)
	}
	if err != nil {
		slog.Warn("failed to persist session", "session_id", sess.ID, "err", err)
	}
}
