package state

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"sakamichi-relay/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T, capacity int) (*Store, *storage.Store) {
	t.Helper()
	blobs := storage.New(nil, "", "", t.TempDir(), testLogger())
	return New(blobs, capacity, testLogger()), blobs
}

func TestSeedDoesNotMarkDispatched(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()
	ts := time.Date(2026, 2, 23, 12, 0, 0, 0, time.UTC)

	if _, ok := s.LastSeen("hinatazaka:70"); ok {
		t.Fatal("LastSeen() on fresh store should report none")
	}
	if err := s.Seed(ctx, "hinatazaka:70", ts); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	got, ok := s.LastSeen("hinatazaka:70")
	if !ok || !got.Equal(ts) {
		t.Errorf("LastSeen() = %v, %v; want %v, true", got, ok, ts)
	}
	if s.Len() != 0 {
		t.Errorf("Seed() added %d dedup entries, want 0", s.Len())
	}
}

func TestRecordProgressIsMonotonic(t *testing.T) {
	s, _ := newTestStore(t, 10)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 23, 12, 0, 0, 0, time.UTC)

	if err := s.RecordProgress(ctx, "sub", t0.Add(3*time.Second), "site:105"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordProgress(ctx, "sub", t0.Add(1*time.Second), "site:110"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.LastSeen("sub")
	if !got.Equal(t0.Add(3 * time.Second)) {
		t.Errorf("LastSeen() = %v, want T0+3s (older progress must not rewind)", got)
	}
	for _, key := range []string{"site:105", "site:110"} {
		if !s.IsDispatched(key) {
			t.Errorf("IsDispatched(%q) = false, want true", key)
		}
	}
	if s.IsDispatched("site:98") {
		t.Error("IsDispatched() reported an unseen key")
	}
}

func TestDedupSetEvictsOldestFirst(t *testing.T) {
	s, _ := newTestStore(t, 3)
	ctx := context.Background()
	ts := time.Now()

	for i := 1; i <= 5; i++ {
		if err := s.RecordProgress(ctx, "sub", ts, fmt.Sprintf("k%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	// Re-recording a present key must not duplicate it.
	if err := s.RecordProgress(ctx, "sub", ts, "k5"); err != nil {
		t.Fatal(err)
	}

	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
	for _, key := range []string{"k1", "k2"} {
		if s.IsDispatched(key) {
			t.Errorf("%s should have been evicted", key)
		}
	}
	for _, key := range []string{"k3", "k4", "k5"} {
		if !s.IsDispatched(key) {
			t.Errorf("%s should still be present", key)
		}
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	s, blobs := newTestStore(t, 10)
	ctx := context.Background()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := s.Seed(ctx, "a", ts); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordProgress(ctx, "b", ts, "site:1"); err != nil {
		t.Fatal(err)
	}

	restarted := New(blobs, 10, testLogger())
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got, ok := restarted.LastSeen("a"); !ok || !got.Equal(ts) {
		t.Errorf("LastSeen(a) = %v, %v after restart", got, ok)
	}
	if !restarted.IsDispatched("site:1") {
		t.Error("dedup entry lost across restart")
	}
}

func TestLoadFreshStore(t *testing.T) {
	s, _ := newTestStore(t, 0)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() on empty backend error = %v", err)
	}
	if s.capacity != DefaultCapacity {
		t.Errorf("capacity = %d, want default %d", s.capacity, DefaultCapacity)
	}
}

func TestIsStale(t *testing.T) {
	now := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		ts   time.Time
		want bool
	}{
		{"just published", now, false},
		{"23 hours old", now.Add(-23 * time.Hour), false},
		{"exactly 24 hours", now.Add(-24 * time.Hour), false},
		{"25 hours old", now.Add(-25 * time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStale(tt.ts, now); got != tt.want {
				t.Errorf("IsStale() = %v, want %v", got, tt.want)
			}
		})
	}
}
