package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteSessionRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	rec := &SessionRecord{
		Email:               "reseller@example.com",
		EncryptedCredential: "c2VjcmV0",
		CreatedAt:           1000,
		ExpiresAt:           2000,
		OriginCountry:       "Germany",
		OriginLat:           52.52,
		OriginLng:           13.405,
	}
	if err := s.Put(ctx, "handle", rec, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(ctx, "handle")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if *got != *rec {
		t.Errorf("Get returned %+v, want %+v", got, rec)
	}

	if err := s.Delete(ctx, "handle"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "handle"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteSessionStoreTTL(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	rec := &SessionRecord{Email: "a@example.com", EncryptedCredential: "x", ExpiresAt: 1}
	if err := s.Put(ctx, "short", rec, time.Millisecond); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := s.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after store ttl, got %v", err)
	}

	// The next write purges the evicted row.
	if err := s.Put(ctx, "long", rec, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row after purge, got %d", count)
	}
}

func TestSQLiteAppendAudit(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	rows := []AuditRow{
		{ID: "1", OccurredAt: time.Now(), Operation: "auth_login", OwnerFingerprint: "abcd", UpstreamStatus: 200, LatencyMs: 12},
		{ID: "2", OccurredAt: time.Now(), Operation: "auth_logout", OwnerFingerprint: "abcd"},
		{ID: "3", OccurredAt: time.Now(), Operation: "auth_login", OwnerFingerprint: "ffff", ErrorCode: "HTTP_401"},
	}
	for _, row := range rows {
		if err := s.AppendAudit(ctx, row); err != nil {
			t.Fatalf("AppendAudit failed: %v", err)
		}
	}

	count, err := s.CountAudit(ctx, "abcd")
	if err != nil {
		t.Fatalf("CountAudit failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 rows for owner, got %d", count)
	}

	// Rows are append-only; a duplicate id is rejected.
	if err := s.AppendAudit(ctx, rows[0]); err == nil {
		t.Error("expected duplicate audit id to fail")
	}
}

func TestSQLiteBuckets(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	snap := Snapshot{"lookup": {10, 20}, "register": {15}}
	if err := s.SaveBuckets(ctx, "owner", snap, time.Minute); err != nil {
		t.Fatalf("SaveBuckets failed: %v", err)
	}

	got, err := s.LoadBuckets(ctx, "owner")
	if err != nil {
		t.Fatalf("LoadBuckets failed: %v", err)
	}
	if len(got["lookup"]) != 2 || got["lookup"][1] != 20 || len(got["register"]) != 1 {
		t.Errorf("LoadBuckets returned %v", got)
	}

	if err := s.SaveBuckets(ctx, "gone", snap, time.Millisecond); err != nil {
		t.Fatalf("SaveBuckets failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	expired, err := s.LoadBuckets(ctx, "gone")
	if err != nil {
		t.Fatalf("LoadBuckets failed: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("expected expired snapshot to be ignored, got %v", expired)
	}
}
