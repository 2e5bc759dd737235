package store

import (
	"path/filepath"
	"testing"
)

// newTestStore opens a fresh database in a temp dir.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	s := New(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
