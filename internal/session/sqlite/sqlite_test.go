package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/recitalign/internal/session"
	"github.com/MrWong99/recitalign/internal/session/sqlite"
	"github.com/MrWong99/recitalign/pkg/audio"
	"github.com/MrWong99/recitalign/pkg/segment"
	"github.com/MrWong99/recitalign/pkg/types"
)

func openMemory(t *testing.T) *sqlite.Persister {
	t.Helper()
	p, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestSaveLoadDelete(t *testing.T) {
	t.Parallel()
	p := openMemory(t)
	ctx := context.Background()
	now := time.Now()

	rec := &session.Record{
		ID:         "0123456789abcdef0123456789abcdef",
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
		SampleRate: 16000,
		Samples:    session.EncodeSamples([]float32{0.1, 0.2}),
		ModelName:  "Base",
	}
	if err := p.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rec.ModelName = "Large"
	rec.Phonemes = []byte(`[["b","i"]]`)
	if err := p.Save(ctx, rec); err != nil {
		t.Fatalf("Save (upsert): %v", err)
	}

	got, err := p.Load(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ModelName != "Large" || string(got.Phonemes) != `[["b","i"]]` {
		t.Errorf("got model=%q phonemes=%s", got.ModelName, got.Phonemes)
	}
	if string(got.RawIntervals) != "[]" {
		t.Errorf("raw intervals = %s, want []", got.RawIntervals)
	}
	if !got.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, rec.ExpiresAt)
	}

	if err := p.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := p.Load(ctx, rec.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Load after delete err = %v, want ErrNotFound", err)
	}
}

func TestDeleteExpired(t *testing.T) {
	t.Parallel()
	p := openMemory(t)
	ctx := context.Background()
	now := time.Now()

	for i, exp := range []time.Time{now.Add(-time.Second), now, now.Add(time.Minute)} {
		rec := &session.Record{
			ID:        string(rune('a'+i)) + "0000000000000000000000000000000",
			CreatedAt: now.Add(-time.Hour),
			ExpiresAt: exp,
			Samples:   []byte{},
		}
		if err := p.Save(ctx, rec); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	n, err := p.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if _, err := p.Load(ctx, "b0000000000000000000000000000000"); err != nil {
		t.Errorf("session expiring exactly now: %v", err)
	}
}

// A session written by one store survives into a new store on the same file.
func TestStoreSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	p1, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st1 := session.NewStore(session.WithPersister(p1))
	clip := audio.NewClip([]float32{0, 0.5, -0.5, 0.25}, audio.SampleRate)
	sess, err := st1.Create(ctx, clip, []types.Interval{{Start: 0, End: 0.0002}}, func(s *session.Session) error {
		s.ModelName = types.ModelBase
		s.Boundaries = []segment.Segment{{Index: 1, Start: 0, End: 0.0002}}
		return nil
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	st2 := session.NewStore(session.WithPersister(p2))

	got, err := st2.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if len(got.Audio.Samples) != 4 || got.Audio.Samples[1] != 0.5 {
		t.Errorf("audio = %v", got.Audio.Samples)
	}
	v, err := st2.Results(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if v.ModelName != types.ModelBase || len(v.Boundaries) != 1 {
		t.Errorf("view = %+v", v)
	}
}
