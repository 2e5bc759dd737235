// Package store – triggers.go persists triggers and their executions,
// including the pending-confirmation reads used by the CONFIRM flow.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertTrigger persists a new trigger.
func (s *Store) InsertTrigger(ctx context.Context, t *Trigger) error {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = TriggerActive
	}
	if t.Autonomy == "" {
		t.Autonomy = AutonomyNotify
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO triggers
			(id, tenant_id, user_key, trigger_type, autonomy, config, task_prompt,
			 status, cooldown_seconds, error_count, webhook_path, webhook_secret, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.UserKey, string(t.Type), string(t.Autonomy),
		t.Config, t.TaskPrompt, string(t.Status), t.CooldownSeconds,
		t.ErrorCount, t.WebhookPath, t.WebhookSecret, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

// GetTrigger loads a trigger by ID.
func (s *Store) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx, triggerSelect+" WHERE id = ?", id)
	return scanTrigger(row)
}

// ListActiveTriggers returns every ACTIVE trigger, optionally filtered by type.
func (s *Store) ListActiveTriggers(ctx context.Context, triggerType TriggerType) ([]*Trigger, error) {
	query := triggerSelect + " WHERE status = ?"
	args := []any{string(TriggerActive)}
	if triggerType != "" {
		query += " AND trigger_type = ?"
		args = append(args, string(triggerType))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTriggersFor returns all triggers for a tenant user.
func (s *Store) ListTriggersFor(ctx context.Context, tenantID, userKey string) ([]*Trigger, error) {
	rows, err := s.db.QueryContext(ctx,
		triggerSelect+" WHERE tenant_id = ? AND user_key = ? ORDER BY created_at",
		tenantID, userKey)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TriggerByWebhookPath resolves an ACTIVE webhook trigger by its path.
func (s *Store) TriggerByWebhookPath(ctx context.Context, path string) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx,
		triggerSelect+" WHERE webhook_path = ? AND trigger_type = ? AND status = ?",
		path, string(TriggerWebhook), string(TriggerActive))
	return scanTrigger(row)
}

// MarkTriggerFired records a firing time.
func (s *Store) MarkTriggerFired(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE triggers SET last_triggered_at = ? WHERE id = ?",
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark trigger fired %s: %w", id, err)
	}
	return nil
}

// ResetTriggerErrors clears the consecutive-failure count after a
// successful action, so only unbroken failure streaks accumulate.
func (s *Store) ResetTriggerErrors(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE triggers SET error_count = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("reset trigger errors %s: %w", id, err)
	}
	return nil
}

// IncrementTriggerErrors bumps the error count and returns the new value.
func (s *Store) IncrementTriggerErrors(ctx context.Context, id string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		"UPDATE triggers SET error_count = error_count + 1 WHERE id = ?", id)
	if err != nil {
		return 0, fmt.Errorf("increment trigger errors %s: %w", id, err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT error_count FROM triggers WHERE id = ?", id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read trigger error count %s: %w", id, err)
	}
	return count, nil
}

// SetTriggerStatus pauses or re-activates a trigger.
func (s *Store) SetTriggerStatus(ctx context.Context, id string, status TriggerStatus) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE triggers SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("set trigger status %s: %w", id, err)
	}
	return nil
}

// InsertExecution records a trigger firing.
func (s *Store) InsertExecution(ctx context.Context, e *TriggerExecution) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_executions
			(id, trigger_id, tenant_id, user_key, started_at,
			 confirmation_status, confirmation_deadline, triggered_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TriggerID, e.TenantID, e.UserKey, formatTime(e.StartedAt),
		string(e.ConfirmationStatus), formatNullTime(e.ConfirmationDeadline),
		e.TriggeredBy)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// LatestPendingConfirmation returns the most recent PENDING confirmation for
// a tenant user whose deadline has not passed.
func (s *Store) LatestPendingConfirmation(ctx context.Context, tenantID, userKey string, now time.Time) (*TriggerExecution, error) {
	row := s.db.QueryRowContext(ctx, executionSelect+`
		WHERE tenant_id = ? AND user_key = ? AND confirmation_status = ?
		  AND (confirmation_deadline IS NULL OR confirmation_deadline >= ?)
		ORDER BY started_at DESC LIMIT 1`,
		tenantID, userKey, string(ConfirmPending), formatTime(now))
	return scanExecution(row)
}

// ResolveConfirmation moves a pending confirmation to APPROVED or REJECTED.
func (s *Store) ResolveConfirmation(ctx context.Context, executionID string, status ConfirmationStatus) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE trigger_executions SET confirmation_status = ? WHERE id = ? AND confirmation_status = ?",
		string(status), executionID, string(ConfirmPending))
	if err != nil {
		return fmt.Errorf("resolve confirmation %s: %w", executionID, err)
	}
	return nil
}

// ExpirePendingConfirmations auto-rejects confirmations past their deadline.
// Returns the expired executions so the evaluator can notify users.
func (s *Store) ExpirePendingConfirmations(ctx context.Context, now time.Time) ([]*TriggerExecution, error) {
	rows, err := s.db.QueryContext(ctx, executionSelect+`
		WHERE confirmation_status = ? AND confirmation_deadline IS NOT NULL
		  AND confirmation_deadline < ?`,
		string(ConfirmPending), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query expired confirmations: %w", err)
	}
	defer rows.Close()

	var expired []*TriggerExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range expired {
		if err := s.ResolveConfirmation(ctx, e.ID, ConfirmRejected); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

// ---------- Internal ----------

const triggerSelect = `
	SELECT id, tenant_id, user_key, trigger_type, autonomy, config, task_prompt,
	       status, cooldown_seconds, last_triggered_at, error_count,
	       webhook_path, webhook_secret, created_at
	FROM triggers`

const executionSelect = `
	SELECT id, trigger_id, tenant_id, user_key, started_at,
	       confirmation_status, confirmation_deadline, triggered_by
	FROM trigger_executions`

func scanTrigger(row rowScanner) (*Trigger, error) {
	var (
		t                             Trigger
		triggerType, autonomy, status string
		lastTriggeredAt               sql.NullString
		createdAt                     string
	)
	err := row.Scan(&t.ID, &t.TenantID, &t.UserKey, &triggerType, &autonomy,
		&t.Config, &t.TaskPrompt, &status, &t.CooldownSeconds,
		&lastTriggeredAt, &t.ErrorCount, &t.WebhookPath, &t.WebhookSecret,
		&createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan trigger: %w", err)
	}
	t.Type = TriggerType(triggerType)
	t.Autonomy = Autonomy(autonomy)
	t.Status = TriggerStatus(status)
	t.LastTriggeredAt = parseNullTime(lastTriggeredAt)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

func scanExecution(row rowScanner) (*TriggerExecution, error) {
	var (
		e                  TriggerExecution
		startedAt          string
		confirmationStatus string
		deadline           sql.NullString
	)
	err := row.Scan(&e.ID, &e.TriggerID, &e.TenantID, &e.UserKey, &startedAt,
		&confirmationStatus, &deadline, &e.TriggeredBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	e.StartedAt = parseTime(startedAt)
	e.ConfirmationStatus = ConfirmationStatus(confirmationStatus)
	e.ConfirmationDeadline = parseNullTime(deadline)
	return &e, nil
}
