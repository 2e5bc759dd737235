// Package queue – worker.go processes claimed jobs. cli-task jobs spawn the
// external CLI with the task payload, emit periodic progress to the user,
// refresh the owning session's lease so the conversation does not expire
// mid-task, and enforce a hard wall-clock timeout. session-end jobs invoke
// the learning collaborator with bounded retries.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/channels"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/lease"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/metrics"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/runner"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/session"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/store"
)

// Learner is the session summarization collaborator invoked on session end.
type Learner interface {
	SessionEnded(ctx context.Context, tenantID, userKey, reason string) error
}

// SessionEndPayload is the payload of a session-end job.
type SessionEndPayload struct {
	Reason string `json:"reason"`
}

// Worker routes and executes jobs pulled from the queue.
type Worker struct {
	store      *store.Store
	sessions   *session.Manager
	runner     runner.Runner
	resolver   channels.Resolver
	interrupts *InterruptService
	learner    Learner
	cfg        Config
	logger     *slog.Logger
}

// NewWorker wires the worker's collaborators.
func NewWorker(st *store.Store, sessions *session.Manager, r runner.Runner, resolver channels.Resolver, interrupts *InterruptService, learner Learner, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:      st,
		sessions:   sessions,
		runner:     r,
		resolver:   resolver,
		interrupts: interrupts,
		learner:    learner,
		cfg:        cfg,
		logger:     logger,
	}
}

// Handle processes one claimed job to a terminal state.
func (w *Worker) Handle(ctx context.Context, job *store.AsyncJob) {
	switch job.Type {
	case store.JobTypeSessionEnd:
		w.runSessionEnd(ctx, job)
	default:
		w.runCLITask(ctx, job)
	}
}

// ---------- cli-task ----------

func (w *Worker) runCLITask(ctx context.Context, job *store.AsyncJob) {
	// The job may have been cancelled between enqueue and pickup: the row
	// flips under the claim, and the interrupt service may know locally.
	if cur, err := w.store.GetJob(ctx, job.ID); err == nil && cur != nil && cur.Status.Terminal() {
		w.logger.Info("job cancelled before pickup", "job", job.ID, "status", cur.Status)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	w.interrupts.RegisterRunningJob(job.TenantID, job.UserKey, job.ID, cancel)
	defer w.interrupts.UnregisterJob(job.TenantID, job.UserKey, job.ID)

	sess, err := w.sessions.Get(ctx, job.SessionID)
	if err != nil || sess == nil {
		w.fail(ctx, job, fmt.Sprintf("session %s not found", job.SessionID))
		return
	}

	// The session was claimed under the enqueuing process's identity; the
	// claim travels with the job, so the executing worker takes the lease
	// over. Without this, refresh and release would silently no-op when a
	// different process picked the job up.
	if err := w.sessions.Adopt(ctx, sess.ID); err != nil {
		w.logger.Warn("session lease adoption failed", "job", job.ID, "error", err)
		w.fail(ctx, job, "the conversation session ended before the task could run")
		return
	}
	defer w.sessions.Release(context.WithoutCancel(ctx), sess.ID)

	res, runErr := w.execute(jobCtx, job, sess, true)

	// A resume miss means the external state is gone (CLI storage wiped,
	// different host). Retry once with a fresh external session.
	if runErr == nil && runner.IsResumeNotFound(res) {
		w.logger.Warn("external session resume failed, retrying fresh",
			"job", job.ID, "external_session", session.ExternalID(sess))
		res, runErr = w.execute(jobCtx, job, sess, false)
	}

	w.finishCLITask(context.WithoutCancel(ctx), job, jobCtx, res, runErr)
}

// execute spawns the CLI and pumps progress/lease-refresh ticks until exit.
func (w *Worker) execute(ctx context.Context, job *store.AsyncJob, sess *store.Session, resume bool) (*runner.Result, error) {
	proc, err := w.runner.Start(ctx, &runner.Request{
		Payload:           job.Payload,
		ExternalSessionID: session.ExternalID(sess),
		Resume:            resume,
	})
	if err != nil {
		return nil, err
	}
	w.interrupts.UpdateJobPid(job.TenantID, job.UserKey, proc.Pid())

	type waitResult struct {
		res *runner.Result
		err error
	}
	done := make(chan waitResult, 1)
	go func() {
		res, err := proc.Wait()
		done <- waitResult{res, err}
	}()

	progress := time.NewTicker(w.cfg.ProgressInterval)
	defer progress.Stop()
	refresh := time.NewTicker(lease.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case r := <-done:
			return r.res, r.err

		case <-progress.C:
			// An interrupt from another process can only flip the row; the
			// tick is where this worker notices and stops the CLI instead
			// of letting it run out the full wall-clock timeout.
			if cur, err := w.store.GetJob(ctx, job.ID); err == nil && cur != nil && cur.Status.Terminal() {
				w.logger.Info("job row went terminal mid-run, stopping process",
					"job", job.ID, "status", cur.Status)
				proc.Terminate("interrupted")
				r := <-done
				return r.res, r.err
			}
			note := fmt.Sprintf("still working (%s elapsed)", time.Since(job.EnqueuedAt).Round(time.Second))
			if err := w.store.AppendJobProgress(ctx, job.ID, note); err != nil {
				w.logger.Warn("failed to persist progress", "job", job.ID, "error", err)
			}
			w.notify(ctx, job, "Still working on your task...")

		case <-refresh.C:
			if err := w.sessions.Refresh(ctx, sess.ID); err != nil {
				w.logger.Warn("session lease refresh failed", "job", job.ID, "error", err)
			}

		case <-ctx.Done():
			proc.Terminate("timeout")
			r := <-done
			return r.res, r.err
		}
	}
}

func (w *Worker) finishCLITask(ctx context.Context, job *store.AsyncJob, jobCtx context.Context, res *runner.Result, runErr error) {
	// Interruption wins over every other classification: the user already
	// knows they cancelled, so nothing is delivered.
	if status, reason, ok := w.interrupts.Interrupted(job.TenantID, job.UserKey, job.ID); ok {
		_, _ = w.store.CancelJob(ctx, job.ID, status, reason)
		w.logger.Info("job interrupted", "job", job.ID, "status", status, "reason", reason)
		return
	}
	if cur, err := w.store.GetJob(ctx, job.ID); err == nil && cur != nil &&
		(cur.Status == store.JobCancelled || cur.Status == store.JobInterrupted) {
		return
	}

	switch {
	case jobCtx.Err() == context.DeadlineExceeded:
		w.fail(ctx, job, fmt.Sprintf("task exceeded the %s time limit and was stopped", w.cfg.JobTimeout))

	case runErr != nil:
		w.logger.Error("job execution failed", "job", job.ID, "error", runErr)
		w.fail(ctx, job, "the task could not be started, please try again")

	case res.ExitCode != 0:
		w.logger.Error("task process exited nonzero",
			"job", job.ID, "exit_code", res.ExitCode, "stderr_len", len(res.Stderr))
		w.fail(ctx, job, "the task failed while running, please try again")

	default:
		if err := w.store.CompleteJob(ctx, job.ID, store.JobCompleted, res.Stdout, ""); err != nil {
			w.logger.Error("failed to persist job result", "job", job.ID, "error", err)
		}
		metrics.JobsCompleted.Inc()
		w.logger.Info("job completed", "job", job.ID, "output_len", len(res.Stdout))
		w.notify(ctx, job, res.Stdout)
	}
}

// fail records a FAILED outcome and delivers the sanitized message. Raw
// stack traces and internal errors never reach the user; the job ID is the
// support correlation handle.
func (w *Worker) fail(ctx context.Context, job *store.AsyncJob, userMsg string) {
	if err := w.store.CompleteJob(ctx, job.ID, store.JobFailed, "", userMsg); err != nil {
		w.logger.Error("failed to persist job failure", "job", job.ID, "error", err)
	}
	metrics.JobsFailed.Inc()
	w.notify(ctx, job, fmt.Sprintf("Sorry, %s (ref %s)", userMsg, job.ID))
}

func (w *Worker) notify(ctx context.Context, job *store.AsyncJob, text string) {
	if text == "" {
		return
	}
	sender, err := w.resolver.ResolveForTenant(job.TenantID)
	if err != nil {
		w.logger.Warn("no channel for tenant", "tenant", job.TenantID, "error", err)
		return
	}
	recipient, err := w.resolver.RecipientID(job.TenantID, job.UserKey)
	if err != nil {
		w.logger.Warn("no recipient for user", "tenant", job.TenantID, "user", job.UserKey, "error", err)
		return
	}
	if _, err := sender.SendText(ctx, recipient, text); err != nil {
		w.logger.Error("failed to deliver message", "job", job.ID, "error", err)
	}
}

// ---------- session-end ----------

func (w *Worker) runSessionEnd(ctx context.Context, job *store.AsyncJob) {
	var payload SessionEndPayload
	_ = json.Unmarshal([]byte(job.Payload), &payload)

	err := w.learner.SessionEnded(ctx, job.TenantID, job.UserKey, payload.Reason)
	if err == nil {
		if err := w.store.CompleteJob(ctx, job.ID, store.JobCompleted, "", ""); err != nil {
			w.logger.Error("failed to persist session-end result", "job", job.ID, "error", err)
		}
		metrics.JobsCompleted.Inc()
		return
	}

	if job.Attempts < w.cfg.MaxAttempts {
		w.logger.Warn("session-end job failed, requeueing",
			"job", job.ID, "attempt", job.Attempts, "error", err)
		if err := w.store.RequeueJob(ctx, job.ID); err != nil {
			w.logger.Error("failed to requeue session-end job", "job", job.ID, "error", err)
		}
		return
	}

	w.logger.Error("session-end job exhausted retries", "job", job.ID, "error", err)
	if err := w.store.CompleteJob(ctx, job.ID, store.JobFailed, "", "session summarization failed"); err != nil {
		w.logger.Error("failed to persist session-end failure", "job", job.ID, "error", err)
	}
	metrics.JobsFailed.Inc()
}
