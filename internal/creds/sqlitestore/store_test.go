package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tetherline/tether/internal/testutil/testlog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "creds.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndLoad(t *testing.T) {
	testlog.Start(t)
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.SaveCookies(ctx, "acct.a", "k=v; t=1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.LoadCookies(ctx, "acct.a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "k=v; t=1" {
		t.Fatalf("unexpected cookies %q", got)
	}
}

func TestSaveOverwrites(t *testing.T) {
	testlog.Start(t)
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.SaveCookies(ctx, "acct.a", "old=1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveCookies(ctx, "acct.a", "new=2"); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.LoadCookies(ctx, "acct.a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "new=2" {
		t.Fatalf("expected overwrite, got %q", got)
	}
}

func TestLoadMissingAccount(t *testing.T) {
	testlog.Start(t)
	store := openTestStore(t)
	if _, err := store.LoadCookies(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "creds.db")
	ctx := context.Background()
	first, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := first.SaveCookies(ctx, "acct.a", "k=v"); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = first.Close()
	second, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if got, err := second.LoadCookies(ctx, "acct.a"); err != nil || got != "k=v" {
		t.Fatalf("data lost across reopen: %q %v", got, err)
	}
}
