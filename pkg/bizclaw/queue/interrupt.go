// Package queue – interrupt.go tracks in-flight jobs by (tenant, user) and
// supports cancellation from outside the worker: explicit user cancel
// commands, latest-message-wins preemption, and graceful shutdown. The map
// is process-local; the persisted job row is the source of truth, so a
// stale map entry after a crash degrades to a no-op, never to data loss.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/runner"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/store"
)

// trackedJob is one registered in-flight job.
type trackedJob struct {
	jobID       string
	pid         int
	cancel      context.CancelFunc
	interrupted bool
	status      store.JobStatus
	reason      string
}

// InterruptService coordinates cross-cutting job cancellation.
type InterruptService struct {
	store  *store.Store
	queue  *Queue
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*trackedJob // (tenant|user) → job
}

// NewInterruptService creates the interrupt tracker.
func NewInterruptService(st *store.Store, q *Queue, logger *slog.Logger) *InterruptService {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterruptService{
		store:  st,
		queue:  q,
		logger: logger,
		jobs:   make(map[string]*trackedJob),
	}
}

// RegisterRunningJob brackets the start of worker handling for a job.
// cancel aborts the job's context when an interrupt arrives.
func (s *InterruptService) RegisterRunningJob(tenantID, userKey, jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[userScope(tenantID, userKey)] = &trackedJob{jobID: jobID, cancel: cancel}
}

// UpdateJobPid records the spawned process ID once known.
func (s *InterruptService) UpdateJobPid(tenantID, userKey string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[userScope(tenantID, userKey)]; ok {
		j.pid = pid
	}
}

// UnregisterJob removes tracking when the worker finishes a job. Only the
// matching job ID is removed, so a new job registered after an interrupt is
// not clobbered by the old worker's cleanup.
func (s *InterruptService) UnregisterJob(tenantID, userKey, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userScope(tenantID, userKey)
	if j, ok := s.jobs[key]; ok && j.jobID == jobID {
		delete(s.jobs, key)
	}
}

// Interrupted reports whether the given job was interrupted, and with what
// terminal status and reason. The worker consults this to classify the
// outcome and suppress user-facing error delivery.
func (s *InterruptService) Interrupted(tenantID, userKey, jobID string) (store.JobStatus, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[userScope(tenantID, userKey)]
	if !ok || j.jobID != jobID || !j.interrupted {
		return "", "", false
	}
	return j.status, j.reason, true
}

// InterruptUserJob cancels the user's in-flight job: kills the process tree
// if a pid is known, cancels the job context, and marks the persisted row.
// Falls back to a queued-but-not-yet-running job. Returns the cancelled job
// ID, or "" when the user had nothing in flight.
func (s *InterruptService) InterruptUserJob(ctx context.Context, tenantID, userKey string, status store.JobStatus, reason string) (string, error) {
	s.mu.Lock()
	j, running := s.jobs[userScope(tenantID, userKey)]
	var jobID string
	if running {
		j.interrupted = true
		j.status = status
		j.reason = reason
		jobID = j.jobID
		if j.pid > 0 {
			if err := runner.KillTree(j.pid); err != nil {
				s.logger.Warn("failed to kill job process tree",
					"job", j.jobID, "pid", j.pid, "error", err)
			}
		}
		if j.cancel != nil {
			j.cancel()
		}
	}
	s.mu.Unlock()

	if !running {
		// Not running here: maybe queued, maybe running on another
		// process (its worker will notice the row flip).
		job, err := s.store.ActiveJobFor(ctx, tenantID, userKey)
		if err != nil {
			return "", err
		}
		if job == nil {
			return "", nil
		}
		jobID = job.ID
	}

	if _, err := s.queue.Cancel(ctx, jobID, status, reason); err != nil {
		return jobID, err
	}
	s.logger.Info("user job interrupted",
		"job", jobID, "tenant", tenantID, "user", userKey, "reason", reason)
	return jobID, nil
}

// InterruptAllJobs terminates every tracked process tree and marks the jobs
// INTERRUPTED. Called during graceful shutdown and from the fatal-error
// path so nothing is left silently "running" forever.
func (s *InterruptService) InterruptAllJobs(ctx context.Context, reason string) {
	s.mu.Lock()
	tracked := make([]*trackedJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.interrupted = true
		j.status = store.JobInterrupted
		j.reason = reason
		tracked = append(tracked, j)
		if j.pid > 0 {
			_ = runner.KillTree(j.pid)
		}
		if j.cancel != nil {
			j.cancel()
		}
	}
	s.mu.Unlock()

	for _, j := range tracked {
		if _, err := s.queue.Cancel(ctx, j.jobID, store.JobInterrupted, reason); err != nil {
			s.logger.Error("failed to mark job interrupted", "job", j.jobID, "error", err)
		}
	}
	if len(tracked) > 0 {
		s.logger.Info("all tracked jobs interrupted", "count", len(tracked), "reason", reason)
	}
}

func userScope(tenantID, userKey string) string {
	return tenantID + "|" + userKey
}
