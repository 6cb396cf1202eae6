package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLocalStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(nil, "", "", dir, testLogger())
	ctx := context.Background()

	if _, err := s.Load(ctx, "last-seen.json"); !IsNotFound(err) {
		t.Fatalf("Load() on empty store error = %v, want not found", err)
	}

	if err := s.Save(ctx, "last-seen.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, "last-seen.json", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("Save() overwrite error = %v", err)
	}

	got, err := s.Load(ctx, "last-seen.json")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(got) != `{"a":2}` {
		t.Errorf("Load() = %s, want overwritten document", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the document in %s, found %d entries (temp files leaked?)", dir, len(entries))
	}

	info, err := os.Stat(filepath.Join(dir, "last-seen.json"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestInvalidKeys(t *testing.T) {
	s := New(nil, "", "", t.TempDir(), testLogger())
	ctx := context.Background()

	for _, key := range []string{"", "../escape.json", "a/b.json", "UPPER.json", "no-extension"} {
		t.Run(key, func(t *testing.T) {
			if err := s.Save(ctx, key, []byte("{}")); err == nil {
				t.Errorf("Save(%q) expected error", key)
			}
			if _, err := s.Load(ctx, key); err == nil || IsNotFound(err) {
				t.Errorf("Load(%q) error = %v, want validation error", key, err)
			}
		})
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	db, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}

	if _, err := db.Load(ctx, "retry-queue.json"); !IsNotFound(err) {
		t.Fatalf("Load() on empty db error = %v, want not found", err)
	}
	if err := db.Save(ctx, "retry-queue.json", []byte(`[1]`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := db.Save(ctx, "retry-queue.json", []byte(`[1,2]`)); err != nil {
		t.Fatalf("Save() upsert error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer func() {
		if err := reopened.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	}()

	got, err := reopened.Load(ctx, "retry-queue.json")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(got) != `[1,2]` {
		t.Errorf("Load() = %s, want [1,2]", got)
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), "  "); err == nil {
		t.Error("OpenSQLite() with blank path expected error")
	}
}
