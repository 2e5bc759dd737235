// Package store – tasks.go persists scheduled tasks and the due-task reads
// used by the scheduler service tick.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertTask persists a new scheduled task.
func (s *Store) InsertTask(ctx context.Context, task *ScheduledTask) error {
	if task.ID == "" {
		task.ID = newID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
			(id, tenant_id, user_key, prompt, task_type, is_one_time, cron_expr,
			 run_at, timezone, next_run_at, error_count, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.TenantID, task.UserKey, task.Prompt, task.TaskType,
		boolToInt(task.IsOneTime), task.CronExpr, formatNullTime(task.RunAt),
		task.Timezone, formatTime(task.NextRunAt), task.ErrorCount,
		boolToInt(task.Enabled), formatTime(task.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+" WHERE id = ?", id)
	return scanTask(row)
}

// DeleteTask removes a task (one-time tasks after execution, or on cancel).
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// DueTasks returns enabled tasks whose next_run_at has passed, oldest first.
func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at LIMIT ?`,
		formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasks returns all enabled tasks for a user, soonest first.
func (s *Store) ListTasks(ctx context.Context, tenantID, userKey string) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE tenant_id = ? AND user_key = ? AND enabled = 1
		ORDER BY next_run_at`,
		tenantID, userKey)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// CountEnabledTasks counts a user's enabled tasks (for the per-user cap).
func (s *Store) CountEnabledTasks(ctx context.Context, tenantID, userKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM scheduled_tasks WHERE tenant_id = ? AND user_key = ? AND enabled = 1",
		tenantID, userKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// MarkTaskRun records a successful run: last_run_at set, error count reset,
// next_run_at moved to the freshly computed fire time.
func (s *Store) MarkTaskRun(ctx context.Context, id string, ranAt, nextRunAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET last_run_at = ?, next_run_at = ?, error_count = 0
		WHERE id = ?`,
		formatTime(ranAt), formatTime(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("mark task run %s: %w", id, err)
	}
	return nil
}

// MarkTaskFailed increments the error count and reschedules with backoff.
// Returns the new error count so the caller can decide to disable.
func (s *Store) MarkTaskFailed(ctx context.Context, id string, nextRunAt time.Time) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET error_count = error_count + 1, next_run_at = ?
		WHERE id = ?`,
		formatTime(nextRunAt), id)
	if err != nil {
		return 0, fmt.Errorf("mark task failed %s: %w", id, err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT error_count FROM scheduled_tasks WHERE id = ?", id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read task error count %s: %w", id, err)
	}
	return count, nil
}

// DisableTask turns a task off (after repeated failures or on user request).
func (s *Store) DisableTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_tasks SET enabled = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("disable task %s: %w", id, err)
	}
	return nil
}

// ---------- Internal ----------

const taskSelect = `
	SELECT id, tenant_id, user_key, prompt, task_type, is_one_time, cron_expr,
	       run_at, timezone, next_run_at, last_run_at, error_count, enabled, created_at
	FROM scheduled_tasks`

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var (
		task                 ScheduledTask
		isOneTime, enabled   int
		runAt, lastRunAt     sql.NullString
		nextRunAt, createdAt string
	)
	err := row.Scan(&task.ID, &task.TenantID, &task.UserKey, &task.Prompt,
		&task.TaskType, &isOneTime, &task.CronExpr, &runAt, &task.Timezone,
		&nextRunAt, &lastRunAt, &task.ErrorCount, &enabled, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.IsOneTime = isOneTime != 0
	task.Enabled = enabled != 0
	task.RunAt = parseNullTime(runAt)
	task.NextRunAt = parseTime(nextRunAt)
	task.LastRunAt = parseNullTime(lastRunAt)
	task.CreatedAt = parseTime(createdAt)
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*ScheduledTask, error) {
	var tasks []*ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
