// Package store – sessions.go persists sessions and implements the
// claim-or-create read used by the session managers. The claim is a single
// immediate transaction so two processes can never both win the same
// session lease.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store wraps the shared database handle. All subsystem queries go through
// one Store so callers share a single pool and schema.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for packages that run their own
// transactions (lease advisory locks).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ClaimOptions parameterize a session claim.
type ClaimOptions struct {
	// LeaseOwner is the claiming process identity (hostname+pid).
	LeaseOwner string

	// LeaseTTL is how long the acquired lease is valid without refresh.
	LeaseTTL time.Duration

	// IdleTimeout ends an existing session whose last activity is older
	// than this, creating a fresh one instead of reusing it.
	IdleTimeout time.Duration

	// Reset forces the current session to end and a new one to start with
	// a reset timestamp, invalidating resumption of external state.
	Reset bool
}

// ClaimSession returns the current session for (tenantID, ownerKey, kind),
// creating one when none is active, and acquires its lease atomically with
// the read. Returns ok=false (no error) when another live lease holds the
// session — losing the claim is an expected race, not a failure.
func (s *Store) ClaimSession(ctx context.Context, tenantID, ownerKey string, kind SessionKind, opts ClaimOptions) (*Session, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	cur, err := currentSessionTx(ctx, tx, tenantID, ownerKey, kind)
	if err != nil {
		return nil, false, err
	}

	switch {
	case cur == nil:
		// No active session: create and lease in one go.

	case opts.Reset, expiredIdle(cur, now, opts.IdleTimeout):
		// End the stale/reset session and fall through to create.
		if cur.LeaseOwner != "" && cur.LeaseExpiresAt != nil && cur.LeaseExpiresAt.After(now) && cur.LeaseOwner != opts.LeaseOwner {
			// Someone else is still working it; do not end under them.
			return nil, false, nil
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET ended_at = ?, lease_owner = NULL, lease_expires_at = NULL WHERE id = ?",
			formatTime(now), cur.ID); err != nil {
			return nil, false, fmt.Errorf("end session %s: %w", cur.ID, err)
		}
		cur = nil

	default:
		// Reuse: claimable iff the lease is free or expired.
		if cur.LeaseOwner != "" && cur.LeaseExpiresAt != nil && cur.LeaseExpiresAt.After(now) && cur.LeaseOwner != opts.LeaseOwner {
			return nil, false, nil
		}
		expires := now.Add(opts.LeaseTTL)
		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET lease_owner = ?, lease_expires_at = ?, last_active_at = ? WHERE id = ?",
			opts.LeaseOwner, formatTime(expires), formatTime(now), cur.ID); err != nil {
			return nil, false, fmt.Errorf("claim session %s: %w", cur.ID, err)
		}
		cur.LeaseOwner = opts.LeaseOwner
		cur.LeaseExpiresAt = &expires
		cur.LastActiveAt = now
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit claim: %w", err)
		}
		return cur, true, nil
	}

	// Create a fresh session holding the lease from birth.
	sess := &Session{
		ID:           newID(),
		TenantID:     tenantID,
		OwnerKey:     ownerKey,
		Kind:         kind,
		StartedAt:    now,
		LastActiveAt: now,
		LeaseOwner:   opts.LeaseOwner,
	}
	expires := now.Add(opts.LeaseTTL)
	sess.LeaseExpiresAt = &expires
	if opts.Reset {
		sess.ResetAt = &now
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions
			(id, tenant_id, owner_key, kind, started_at, last_active_at, reset_at, lease_owner, lease_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TenantID, sess.OwnerKey, string(sess.Kind),
		formatTime(sess.StartedAt), formatTime(sess.LastActiveAt),
		formatNullTime(sess.ResetAt), sess.LeaseOwner, formatTime(expires),
	); err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit claim: %w", err)
	}
	return sess, true, nil
}

// AdoptSessionLease reassigns the lease to a new owner and extends it. A
// session claimed at enqueue time may be worked by a different process's
// worker; the claimed job row carries the right to the session, so the
// recorded owner does not gate the takeover. Fails once the session ends.
func (s *Store) AdoptSessionLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET lease_owner = ?, lease_expires_at = ? WHERE id = ? AND ended_at IS NULL",
		owner, formatTime(time.Now().Add(ttl)), sessionID)
	if err != nil {
		return fmt.Errorf("adopt session lease %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("adopt session lease %s: session has ended", sessionID)
	}
	return nil
}

// RefreshSessionLease extends the lease while the holder is still working.
// Only the current owner may refresh.
func (s *Store) RefreshSessionLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET lease_expires_at = ? WHERE id = ? AND lease_owner = ?",
		formatTime(time.Now().Add(ttl)), sessionID, owner)
	if err != nil {
		return fmt.Errorf("refresh session lease %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("refresh session lease %s: no longer held by %s", sessionID, owner)
	}
	return nil
}

// ReleaseSessionLease clears the lease. A mismatch is ignored: the lease
// may already have expired and been claimed elsewhere.
func (s *Store) ReleaseSessionLease(ctx context.Context, sessionID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET lease_owner = NULL, lease_expires_at = NULL WHERE id = ? AND lease_owner = ?",
		sessionID, owner)
	if err != nil {
		return fmt.Errorf("release session lease %s: %w", sessionID, err)
	}
	return nil
}

// GetSession loads a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+" WHERE id = ?", id)
	return scanSession(row)
}

// EndSession marks a session ended and clears its lease.
func (s *Store) EndSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ?, lease_owner = NULL, lease_expires_at = NULL WHERE id = ? AND ended_at IS NULL",
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	return nil
}

// EndIdleSessions ends every active session idle since before the cutoff
// whose lease is free or expired. Returns the number of sessions ended.
func (s *Store) EndIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, lease_owner = NULL, lease_expires_at = NULL
		WHERE ended_at IS NULL AND last_active_at < ?
		  AND (lease_expires_at IS NULL OR lease_expires_at < ?)`,
		formatTime(now), formatTime(cutoff), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("end idle sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---------- Internal ----------

const sessionSelect = `
	SELECT id, tenant_id, owner_key, kind, started_at, last_active_at,
	       ended_at, reset_at, lease_owner, lease_expires_at
	FROM sessions`

func currentSessionTx(ctx context.Context, tx *sql.Tx, tenantID, ownerKey string, kind SessionKind) (*Session, error) {
	row := tx.QueryRowContext(ctx, sessionSelect+`
		WHERE tenant_id = ? AND owner_key = ? AND kind = ? AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1`,
		tenantID, ownerKey, string(kind))
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                           Session
		kind, startedAt, lastActiveAt  string
		endedAt, resetAt, leaseExpires sql.NullString
		leaseOwner                     sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.OwnerKey, &kind,
		&startedAt, &lastActiveAt, &endedAt, &resetAt, &leaseOwner, &leaseExpires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Kind = SessionKind(kind)
	sess.StartedAt = parseTime(startedAt)
	sess.LastActiveAt = parseTime(lastActiveAt)
	sess.EndedAt = parseNullTime(endedAt)
	sess.ResetAt = parseNullTime(resetAt)
	sess.LeaseOwner = leaseOwner.String
	sess.LeaseExpiresAt = parseNullTime(leaseExpires)
	return &sess, nil
}

func expiredIdle(sess *Session, now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(sess.LastActiveAt) > timeout
}
