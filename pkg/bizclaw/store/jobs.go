// Package store – jobs.go persists async jobs. The async_jobs table is the
// durable queue: PENDING rows are the backlog, claiming a row flips it to
// RUNNING inside a write transaction so concurrent workers never double-pick.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// InsertJob persists a new PENDING job.
func (s *Store) InsertJob(ctx context.Context, job *AsyncJob) error {
	if job.ID == "" {
		job.ID = newID()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO async_jobs
			(id, tenant_id, user_key, session_id, job_type, payload, payload_hash,
			 status, attempts, enqueued_at, progress)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '[]')`,
		job.ID, job.TenantID, job.UserKey, job.SessionID, string(job.Type),
		job.Payload, job.PayloadHash, string(job.Status), job.Attempts,
		formatTime(job.EnqueuedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ClaimNextPendingJob atomically picks the oldest PENDING job and marks it
// RUNNING. Returns ok=false when the backlog is empty.
func (s *Store) ClaimNextPendingJob(ctx context.Context) (*AsyncJob, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin job claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, jobSelect+`
		WHERE status = ? ORDER BY enqueued_at LIMIT 1`, string(JobPending))
	job, err := scanJob(row)
	if err != nil {
		return nil, false, err
	}
	if job == nil {
		return nil, false, nil
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		"UPDATE async_jobs SET status = ?, started_at = ?, attempts = attempts + 1 WHERE id = ?",
		string(JobRunning), formatTime(now), job.ID); err != nil {
		return nil, false, fmt.Errorf("mark job running: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit job claim: %w", err)
	}

	job.Status = JobRunning
	job.StartedAt = &now
	job.Attempts++
	return job, true, nil
}

// GetJob loads a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*AsyncJob, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+" WHERE id = ?", id)
	return scanJob(row)
}

// CompleteJob records a terminal outcome for a job.
func (s *Store) CompleteJob(ctx context.Context, id string, status JobStatus, output, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE async_jobs SET status = ?, output_result = ?, error_message = ?, completed_at = ?
		WHERE id = ?`,
		string(status), output, errMsg, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// CancelJob moves a job to the given terminal status unless it already
// finished. Returns ok=false when the job was already terminal (expected
// race with a completing worker).
func (s *Store) CancelJob(ctx context.Context, id string, status JobStatus, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE async_jobs SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(status), reason, formatTime(time.Now()), id,
		string(JobPending), string(JobRunning))
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueJob returns a RUNNING job to PENDING for another attempt.
func (s *Store) RequeueJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE async_jobs SET status = ?, started_at = NULL WHERE id = ? AND status = ?",
		string(JobPending), id, string(JobRunning))
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	return nil
}

// progressEntry is one persisted progress update on a running job.
type progressEntry struct {
	At   string `json:"at"`
	Note string `json:"note"`
}

// AppendJobProgress appends a timestamped progress note to the job row so
// long runs can be inspected by support tooling.
func (s *Store) AppendJobProgress(ctx context.Context, id, note string) error {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT progress FROM async_jobs WHERE id = ?", id).Scan(&raw)
	if err != nil {
		return fmt.Errorf("load job progress %s: %w", id, err)
	}

	var entries []progressEntry
	_ = json.Unmarshal([]byte(raw), &entries)
	entries = append(entries, progressEntry{At: formatTime(time.Now()), Note: note})
	buf, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode job progress: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE async_jobs SET progress = ? WHERE id = ?", string(buf), id); err != nil {
		return fmt.Errorf("save job progress %s: %w", id, err)
	}
	return nil
}

// ActiveJobFor returns the RUNNING (preferred) or PENDING job for a user,
// or nil when none exists.
func (s *Store) ActiveJobFor(ctx context.Context, tenantID, userKey string) (*AsyncJob, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+`
		WHERE tenant_id = ? AND user_key = ? AND status IN (?, ?)
		ORDER BY CASE status WHEN ? THEN 0 ELSE 1 END, enqueued_at
		LIMIT 1`,
		tenantID, userKey, string(JobRunning), string(JobPending), string(JobRunning))
	return scanJob(row)
}

// RecentJobByHash returns a non-terminal or recently enqueued job with the
// same payload hash. Used for dedup-on-enqueue.
func (s *Store) RecentJobByHash(ctx context.Context, hash string, since time.Time) (*AsyncJob, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+`
		WHERE payload_hash = ? AND (status IN (?, ?) OR enqueued_at >= ?)
		ORDER BY enqueued_at DESC LIMIT 1`,
		hash, string(JobPending), string(JobRunning), formatTime(since))
	return scanJob(row)
}

// CountActiveJobs counts queued plus running jobs for a tenant.
func (s *Store) CountActiveJobs(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM async_jobs WHERE tenant_id = ? AND status IN (?, ?)",
		tenantID, string(JobPending), string(JobRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// JobStats returns per-status counts across all tenants.
func (s *Store) JobStats(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM async_jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats[JobStatus(status)] = n
	}
	return stats, rows.Err()
}

// MarkOrphanedJobs flips RUNNING jobs started before the cutoff back to
// PENDING. Rows left RUNNING by a crashed process would otherwise be stuck
// forever; rows younger than the cutoff may be in flight on a live peer
// process sharing the database and are left alone.
func (s *Store) MarkOrphanedJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE async_jobs SET status = ?, started_at = NULL WHERE status = ? AND started_at < ?",
		string(JobPending), string(JobRunning), formatTime(staleBefore))
	if err != nil {
		return 0, fmt.Errorf("recover orphaned jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---------- Internal ----------

const jobSelect = `
	SELECT id, tenant_id, user_key, session_id, job_type, payload, payload_hash,
	       status, attempts, enqueued_at, started_at, completed_at,
	       progress, output_result, error_message
	FROM async_jobs`

func scanJob(row rowScanner) (*AsyncJob, error) {
	var (
		job                    AsyncJob
		jobType, status        string
		enqueuedAt             string
		startedAt, completedAt sql.NullString
	)
	err := row.Scan(&job.ID, &job.TenantID, &job.UserKey, &job.SessionID,
		&jobType, &job.Payload, &job.PayloadHash, &status, &job.Attempts,
		&enqueuedAt, &startedAt, &completedAt,
		&job.Progress, &job.OutputResult, &job.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Type = JobType(jobType)
	job.Status = JobStatus(status)
	job.EnqueuedAt = parseTime(enqueuedAt)
	job.StartedAt = parseNullTime(startedAt)
	job.CompletedAt = parseNullTime(completedAt)
	return &job, nil
}
