package lease

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/store"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAcquireReleaseCycle(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	s := NewStore(db)

	l, ok, err := s.Acquire(ctx, "scheduler-tick", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if l.Owner != s.Owner() || l.IsExpired(time.Now()) {
		t.Fatalf("unexpected lease %+v", l)
	}

	// Reacquiring our own scope refreshes rather than failing.
	if _, ok, err := s.Acquire(ctx, "scheduler-tick", time.Minute); err != nil || !ok {
		t.Fatalf("reacquire: ok=%v err=%v", ok, err)
	}

	if err := s.Release(ctx, l); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, err := s.Acquire(ctx, "scheduler-tick", time.Minute); err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestAcquireExclusion(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	s := NewStore(db)

	if _, ok, err := s.Acquire(ctx, "scheduler-tick", time.Minute); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// Simulate another process holding the scope with a live lease.
	if _, err := db.Exec(
		"UPDATE leases SET lease_owner = ?, lease_expires_at = ? WHERE scope = ?",
		"other-host:99", format(time.Now().Add(time.Minute)), "scheduler-tick"); err != nil {
		t.Fatalf("reassign lease: %v", err)
	}

	if _, ok, err := s.Acquire(ctx, "scheduler-tick", time.Minute); err != nil || ok {
		t.Fatalf("contended acquire: ok=%v err=%v, want ok=false", ok, err)
	}

	// The other holder dies; its lease lapses and we can take over.
	if _, err := db.Exec(
		"UPDATE leases SET lease_expires_at = ? WHERE scope = ?",
		format(time.Now().Add(-time.Second)), "scheduler-tick"); err != nil {
		t.Fatalf("expire lease: %v", err)
	}
	if _, ok, err := s.Acquire(ctx, "scheduler-tick", time.Minute); err != nil || !ok {
		t.Fatalf("acquire over expired: ok=%v err=%v", ok, err)
	}
}

func TestRefreshRequiresOwnership(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	s := NewStore(db)

	l, _, err := s.Acquire(ctx, "scheduler-tick", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.Refresh(ctx, l, time.Minute); err != nil {
		t.Errorf("owner refresh failed: %v", err)
	}

	if _, err := db.Exec(
		"UPDATE leases SET lease_owner = ? WHERE scope = ?", "other-host:99", "scheduler-tick"); err != nil {
		t.Fatalf("reassign lease: %v", err)
	}
	if _, err := s.Refresh(ctx, l, time.Minute); err == nil {
		t.Error("refresh of a lost lease must fail")
	}
	// Releasing a lost lease is a quiet no-op.
	if err := s.Release(ctx, l); err != nil {
		t.Errorf("release of lost lease errored: %v", err)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	s := NewStore(db)

	if _, ok, err := s.Acquire(ctx, "scope-a", time.Minute); err != nil || !ok {
		t.Fatalf("acquire a: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.Acquire(ctx, "scope-b", time.Minute); err != nil || !ok {
		t.Fatalf("acquire b: ok=%v err=%v", ok, err)
	}
}
