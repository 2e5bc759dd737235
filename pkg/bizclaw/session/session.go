// Package session manages conversation and browser automation sessions on
// top of the store's lease columns. Message processing within one session
// is serialized by lease ownership: a new message cannot start against a
// session whose lease is held and unexpired. A holder that crashes simply
// lets the lease lapse, bounding the stall to one TTL.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/lease"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/store"
)

// Manager claims, refreshes and releases sessions of one kind.
type Manager struct {
	store       *store.Store
	kind        store.SessionKind
	owner       string
	leaseTTL    time.Duration
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewConversationManager creates the manager for conversation sessions.
func NewConversationManager(st *store.Store, leaseTTL, idleTimeout time.Duration, logger *slog.Logger) *Manager {
	return newManager(st, store.KindConversation, leaseTTL, idleTimeout, logger)
}

// NewBrowserManager creates the manager for browser automation sessions.
func NewBrowserManager(st *store.Store, leaseTTL, idleTimeout time.Duration, logger *slog.Logger) *Manager {
	return newManager(st, store.KindBrowser, leaseTTL, idleTimeout, logger)
}

func newManager(st *store.Store, kind store.SessionKind, leaseTTL, idleTimeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if leaseTTL <= 0 {
		leaseTTL = lease.DefaultTTL
	}
	return &Manager{
		store:       st,
		kind:        kind,
		owner:       lease.Identity(),
		leaseTTL:    leaseTTL,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// Claim returns the current session for the user, creating one when none is
// active, and acquires its lease atomically with the read. ok=false means
// another process holds the session right now.
func (m *Manager) Claim(ctx context.Context, tenantID, ownerKey string) (*store.Session, bool, error) {
	return m.claim(ctx, tenantID, ownerKey, false)
}

// Reset ends the current session and claims a fresh one with a reset
// timestamp, so resumption of old external state is invalidated.
func (m *Manager) Reset(ctx context.Context, tenantID, ownerKey string) (*store.Session, bool, error) {
	return m.claim(ctx, tenantID, ownerKey, true)
}

func (m *Manager) claim(ctx context.Context, tenantID, ownerKey string, reset bool) (*store.Session, bool, error) {
	sess, ok, err := m.store.ClaimSession(ctx, tenantID, ownerKey, m.kind, store.ClaimOptions{
		LeaseOwner:  m.owner,
		LeaseTTL:    m.leaseTTL,
		IdleTimeout: m.idleTimeout,
		Reset:       reset,
	})
	if err != nil {
		return nil, false, fmt.Errorf("claim %s session: %w", m.kind, err)
	}
	if !ok {
		m.logger.Debug("session lease held elsewhere",
			"tenant", tenantID, "owner_key", ownerKey, "kind", m.kind)
		return nil, false, nil
	}
	return sess, true, nil
}

// Adopt takes the session lease over for this process. Jobs enqueued by
// one process can be picked up by another's worker; the claim made at
// enqueue time follows the job, so the executing worker adopts the lease
// and from then on refreshes and releases under its own identity.
func (m *Manager) Adopt(ctx context.Context, sessionID string) error {
	return m.store.AdoptSessionLease(ctx, sessionID, m.owner, m.leaseTTL)
}

// Refresh extends the lease while a long task is still working the session.
func (m *Manager) Refresh(ctx context.Context, sessionID string) error {
	return m.store.RefreshSessionLease(ctx, sessionID, m.owner, m.leaseTTL)
}

// Release clears the lease when processing completes. Callers defer this so
// the lease is released on every exit path.
func (m *Manager) Release(ctx context.Context, sessionID string) {
	if err := m.store.ReleaseSessionLease(ctx, sessionID, m.owner); err != nil {
		m.logger.Warn("failed to release session lease", "session", sessionID, "error", err)
	}
}

// End marks the session ended (explicit reset or idle expiry).
func (m *Manager) End(ctx context.Context, sessionID string) error {
	return m.store.EndSession(ctx, sessionID)
}

// Get loads a session by ID.
func (m *Manager) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// ExternalID derives the stable identifier the CLI uses for resumable
// external state. It hashes the session ID with the reset timestamp, so a
// reset invalidates resumption of the old external session.
func ExternalID(sess *store.Session) string {
	seed := sess.ID
	if sess.ResetAt != nil {
		seed += ":" + sess.ResetAt.UTC().Format(time.RFC3339Nano)
	}
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:8])
}

// StartPruner ends idle sessions periodically until the context is
// cancelled. Sessions with a live lease are left alone.
func (m *Manager) StartPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 || m.idleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-m.idleTimeout)
				n, err := m.store.EndIdleSessions(ctx, cutoff)
				if err != nil {
					m.logger.Error("session prune failed", "error", err)
					continue
				}
				if n > 0 {
					m.logger.Info("idle sessions ended", "count", n, "kind", m.kind)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
