// Package lease implements TTL leases stored alongside the records they
// guard: a time-bounded exclusive claim identified by owner and expiry,
// reclaimable after expiry. A holder that dies without releasing simply
// lets the lease lapse, which bounds staleness to one TTL and keeps the
// system live without a separate coordination service.
package lease

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"
)

const (
	// DefaultTTL is how long an acquired lease stays valid without refresh.
	DefaultTTL = 300 * time.Second

	// RefreshInterval is how often long-running holders should refresh.
	RefreshInterval = 120 * time.Second
)

// Lease is an exclusive claim on a scope key.
type Lease struct {
	Scope     string
	Owner     string
	ExpiresAt time.Time
}

// IsExpired reports whether the lease has lapsed at the given instant.
func (l Lease) IsExpired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Identity returns the stable per-process lease owner string (hostname+pid).
func Identity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Store acquires and releases leases over the generic leases table. It is
// used for advisory locks such as the scheduler tick; session-like records
// carry their own lease columns and claim them in the same pattern.
type Store struct {
	db    *sql.DB
	owner string
}

// NewStore creates a lease store claiming as the current process identity.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, owner: Identity()}
}

// Owner returns the identity this store claims leases as.
func (s *Store) Owner() string {
	return s.owner
}

// Acquire attempts to claim the scope for ttl. Returns ok=false when another
// live lease holds it — losing the race is expected, not an error.
func (s *Store) Acquire(ctx context.Context, scope string, ttl time.Duration) (Lease, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Lease{}, false, fmt.Errorf("begin lease acquire: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var owner, expiresAt sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT lease_owner, lease_expires_at FROM leases WHERE scope = ?", scope).
		Scan(&owner, &expiresAt)

	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO leases (scope, lease_owner, lease_expires_at) VALUES (?, ?, ?)",
			scope, s.owner, format(now.Add(ttl))); err != nil {
			return Lease{}, false, fmt.Errorf("create lease %q: %w", scope, err)
		}

	case err != nil:
		return Lease{}, false, fmt.Errorf("read lease %q: %w", scope, err)

	default:
		if owner.Valid && owner.String != "" && owner.String != s.owner {
			if expiresAt.Valid && parse(expiresAt.String).After(now) {
				return Lease{}, false, nil
			}
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE leases SET lease_owner = ?, lease_expires_at = ? WHERE scope = ?",
			s.owner, format(now.Add(ttl)), scope); err != nil {
			return Lease{}, false, fmt.Errorf("claim lease %q: %w", scope, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Lease{}, false, fmt.Errorf("commit lease acquire: %w", err)
	}
	return Lease{Scope: scope, Owner: s.owner, ExpiresAt: now.Add(ttl)}, true, nil
}

// Refresh extends a held lease. Fails when the lease is no longer ours.
func (s *Store) Refresh(ctx context.Context, l Lease, ttl time.Duration) (Lease, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE leases SET lease_expires_at = ? WHERE scope = ? AND lease_owner = ?",
		format(time.Now().Add(ttl)), l.Scope, s.owner)
	if err != nil {
		return l, fmt.Errorf("refresh lease %q: %w", l.Scope, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return l, fmt.Errorf("refresh lease %q: no longer held by %s", l.Scope, s.owner)
	}
	l.ExpiresAt = time.Now().Add(ttl)
	return l, nil
}

// Release clears a held lease. Releasing a lease we lost is a no-op.
func (s *Store) Release(ctx context.Context, l Lease) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE leases SET lease_owner = NULL, lease_expires_at = NULL WHERE scope = ? AND lease_owner = ?",
		l.Scope, s.owner)
	if err != nil {
		return fmt.Errorf("release lease %q: %w", l.Scope, err)
	}
	return nil
}

func format(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parse(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
