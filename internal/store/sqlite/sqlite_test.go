package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shellus/tailexplorer/internal/store"
)

func TestSQLiteTokenRoundTrip(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	tok := store.Token{Value: "deadbeef", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := db.Save(ctx, tok); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := db.Get(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != "deadbeef" || !got.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Fatalf("unexpected token: %+v", got)
	}

	// Saving again extends the expiry in place.
	tok.ExpiresAt = now.Add(2 * time.Hour)
	if err := db.Save(ctx, tok); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	got2, err := db.Get(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("get2: %v", err)
	}
	if !got2.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Fatalf("expected extended expiry, got %v", got2.ExpiresAt)
	}

	if err := db.Delete(ctx, "deadbeef"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get(ctx, "deadbeef"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestSQLitePurgeExpired(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := db.Save(ctx, store.Token{Value: "old", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("save old: %v", err)
	}
	if err := db.Save(ctx, store.Token{Value: "new", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("save new: %v", err)
	}

	n, err := db.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if _, err := db.Get(ctx, "old"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("expected old token purged, got %v", err)
	}
	if _, err := db.Get(ctx, "new"); err != nil {
		t.Fatalf("new token should remain: %v", err)
	}
}
