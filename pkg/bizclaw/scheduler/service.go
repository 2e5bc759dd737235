// Package scheduler – service.go runs the due-task polling loop. Tasks are
// rows in scheduled_tasks, not in-memory cron entries: any process can pick
// them up, and the advisory tick lease keeps multiple processes from firing
// the same task twice.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/channels"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/lease"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/metrics"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/store"
)

// tickLeaseScope is the advisory lock serializing scheduler ticks across
// processes sharing one database.
const tickLeaseScope = "scheduler-tick"

// dueBatchLimit caps how many tasks one tick will pick up.
const dueBatchLimit = 50

// ErrTooManyTasks is returned when a user hits the enabled-task cap.
var ErrTooManyTasks = errors.New("too many scheduled tasks")

// Config configures the scheduler service.
type Config struct {
	// TickInterval is the polling period for due tasks.
	TickInterval time.Duration

	// MaxTasksPerUser caps enabled tasks per user.
	MaxTasksPerUser int

	// FailureBackoff delays the retry of a failed recurring task.
	FailureBackoff time.Duration

	// MaxErrors disables a task after this many consecutive failures.
	MaxErrors int
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:    60 * time.Second,
		MaxTasksPerUser: 10,
		FailureBackoff:  2 * time.Minute,
		MaxErrors:       3,
	}
}

// TaskRunner executes a due task's prompt on behalf of its owner.
type TaskRunner interface {
	RunScheduledTask(ctx context.Context, task *store.ScheduledTask) error
}

// Service owns scheduled-task CRUD and the polling loop.
type Service struct {
	store    *store.Store
	leases   *lease.Store
	runner   TaskRunner
	resolver channels.Resolver
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]bool // reentrancy guard: task IDs mid-execution
}

// New creates the scheduler service.
func New(st *store.Store, leases *lease.Store, runner TaskRunner, resolver channels.Resolver, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	return &Service{
		store:    st,
		leases:   leases,
		runner:   runner,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		running:  make(map[string]bool),
	}
}

// Create parses the schedule expression and persists the task. The returned
// task carries the computed first fire time.
func (s *Service) Create(ctx context.Context, tenantID, userKey, prompt, scheduleExpr, timezone string) (*store.ScheduledTask, error) {
	if s.cfg.MaxTasksPerUser > 0 {
		n, err := s.store.CountEnabledTasks(ctx, tenantID, userKey)
		if err != nil {
			return nil, err
		}
		if n >= s.cfg.MaxTasksPerUser {
			return nil, fmt.Errorf("%w: limit is %d", ErrTooManyTasks, s.cfg.MaxTasksPerUser)
		}
	}

	parsed, err := Parse(scheduleExpr, time.Now(), timezone)
	if err != nil {
		return nil, err
	}

	task := &store.ScheduledTask{
		TenantID:  tenantID,
		UserKey:   userKey,
		Prompt:    prompt,
		Timezone:  timezone,
		IsOneTime: parsed.OneTime,
		Enabled:   true,
	}
	if parsed.OneTime {
		task.TaskType = "one-time"
		runAt := parsed.RunAt
		task.RunAt = &runAt
		task.NextRunAt = runAt
	} else {
		task.TaskType = "recurring"
		task.CronExpr = parsed.CronExpr
		next, err := NextRun(parsed.CronExpr, time.Now(), timezone)
		if err != nil {
			return nil, err
		}
		task.NextRunAt = next
	}

	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("task scheduled",
		"task", task.ID, "tenant", tenantID, "user", userKey,
		"type", task.TaskType, "next_run", task.NextRunAt)
	return task, nil
}

// List returns the user's enabled tasks, soonest first.
func (s *Service) List(ctx context.Context, tenantID, userKey string) ([]*store.ScheduledTask, error) {
	return s.store.ListTasks(ctx, tenantID, userKey)
}

// Cancel deletes a task. Only the owning user may cancel it.
func (s *Service) Cancel(ctx context.Context, tenantID, userKey, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil || task.TenantID != tenantID || task.UserKey != userKey {
		return fmt.Errorf("task %s not found", taskID)
	}
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	s.logger.Info("task cancelled", "task", taskID, "tenant", tenantID, "user", userKey)
	return nil
}

// Run polls for due tasks until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick", s.cfg.TickInterval)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		}
	}
}

// tick claims the advisory lease, picks up due tasks, and dispatches them.
func (s *Service) tick(ctx context.Context) {
	l, ok, err := s.leases.Acquire(ctx, tickLeaseScope, 2*s.cfg.TickInterval)
	if err != nil {
		s.logger.Error("tick lease acquire failed", "error", err)
		return
	}
	if !ok {
		// Another process is scheduling; its tasks, not ours.
		return
	}
	defer func() {
		if err := s.leases.Release(context.WithoutCancel(ctx), l); err != nil {
			s.logger.Warn("tick lease release failed", "error", err)
		}
	}()

	tasks, err := s.store.DueTasks(ctx, time.Now(), dueBatchLimit)
	if err != nil {
		s.logger.Error("due-task query failed", "error", err)
		return
	}

	for _, task := range tasks {
		if !s.markRunning(task.ID) {
			// Previous execution still in flight; skip this occurrence.
			s.logger.Debug("task still running, skipping occurrence", "task", task.ID)
			continue
		}
		go s.execute(ctx, task)
	}
}

func (s *Service) execute(ctx context.Context, task *store.ScheduledTask) {
	defer s.clearRunning(task.ID)

	start := time.Now()
	err := s.runner.RunScheduledTask(ctx, task)
	if err != nil {
		s.handleFailure(ctx, task, err)
		return
	}

	metrics.TasksExecuted.Inc()
	s.logger.Info("task executed",
		"task", task.ID, "duration", time.Since(start).Round(time.Millisecond))

	if task.IsOneTime {
		if err := s.store.DeleteTask(ctx, task.ID); err != nil {
			s.logger.Error("failed to delete one-time task", "task", task.ID, "error", err)
		}
		return
	}

	next, err := NextRun(task.CronExpr, time.Now(), task.Timezone)
	if err != nil {
		s.logger.Error("failed to compute next run, disabling", "task", task.ID, "error", err)
		_ = s.store.DisableTask(ctx, task.ID)
		return
	}
	if err := s.store.MarkTaskRun(ctx, task.ID, start, next); err != nil {
		s.logger.Error("failed to record task run", "task", task.ID, "error", err)
	}
}

// handleFailure backs the task off, and retires it with a single user
// notification once the consecutive-failure budget is exhausted: recurring
// tasks are disabled, one-time tasks are deleted outright.
func (s *Service) handleFailure(ctx context.Context, task *store.ScheduledTask, runErr error) {
	s.logger.Error("task execution failed", "task", task.ID, "error", runErr)

	count, err := s.store.MarkTaskFailed(ctx, task.ID, time.Now().Add(s.cfg.FailureBackoff))
	if err != nil {
		s.logger.Error("failed to record task failure", "task", task.ID, "error", err)
		return
	}
	if count < s.cfg.MaxErrors {
		return
	}

	if task.IsOneTime {
		if err := s.store.DeleteTask(ctx, task.ID); err != nil {
			s.logger.Error("failed to delete failed one-time task", "task", task.ID, "error", err)
			return
		}
	} else {
		if err := s.store.DisableTask(ctx, task.ID); err != nil {
			s.logger.Error("failed to disable task", "task", task.ID, "error", err)
			return
		}
	}
	metrics.TasksDisabled.Inc()
	s.logger.Warn("task retired after repeated failures",
		"task", task.ID, "one_time", task.IsOneTime, "failures", count)
	s.notifyRetired(ctx, task)
}

func (s *Service) notifyRetired(ctx context.Context, task *store.ScheduledTask) {
	sender, err := s.resolver.ResolveForTenant(task.TenantID)
	if err != nil {
		return
	}
	recipient, err := s.resolver.RecipientID(task.TenantID, task.UserKey)
	if err != nil {
		return
	}
	msg := fmt.Sprintf("Your scheduled task %q was disabled after repeated failures. "+
		"Fix or reschedule it when ready.", summarize(task.Prompt))
	if task.IsOneTime {
		msg = fmt.Sprintf("Your scheduled task %q failed repeatedly and was removed. "+
			"Schedule it again when ready.", summarize(task.Prompt))
	}
	if _, err := sender.SendText(ctx, recipient, msg); err != nil {
		s.logger.Warn("failed to notify task retirement", "task", task.ID, "error", err)
	}
}

func (s *Service) markRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[taskID] {
		return false
	}
	s.running[taskID] = true
	return true
}

func (s *Service) clearRunning(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, taskID)
}

func summarize(prompt string) string {
	const max = 60
	if len(prompt) <= max {
		return prompt
	}
	return prompt[:max] + "..."
}
