// Package queue implements the durable, at-least-once async job queue and
// its worker. Jobs live in the async_jobs table so they survive restarts;
// in-memory structures (interrupt tracking) are disposable optimizations
// and correctness never depends on them surviving a crash.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/metrics"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/store"
)

// Config configures the queue and worker pool.
type Config struct {
	// Concurrency is the number of worker slots.
	Concurrency int

	// JobTimeout is the hard wall-clock cap per job.
	JobTimeout time.Duration

	// ProgressInterval is how often progress notifications are sent.
	ProgressInterval time.Duration

	// MaxAttempts bounds retries for retryable job types.
	MaxAttempts int

	// EnqueueDedupTTL collapses identical submissions within this window.
	EnqueueDedupTTL time.Duration

	// MaxActivePerTenant caps queued+running jobs per tenant.
	MaxActivePerTenant int

	// ShutdownGrace is how long Shutdown waits for in-flight jobs.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        4,
		JobTimeout:         5 * time.Minute,
		ProgressInterval:   60 * time.Second,
		MaxAttempts:        3,
		EnqueueDedupTTL:    30 * time.Second,
		MaxActivePerTenant: 10,
		ShutdownGrace:      30 * time.Second,
	}
}

// Handler processes one claimed job to a terminal state.
type Handler interface {
	Handle(ctx context.Context, job *store.AsyncJob)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *store.AsyncJob)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *store.AsyncJob) { f(ctx, job) }

// Errors reported synchronously to the submitting user.
var (
	ErrShuttingDown = errors.New("queue is shutting down")
	ErrTenantBusy   = errors.New("tenant has too many active jobs")
)

// Queue is the durable work queue.
type Queue struct {
	store   *store.Store
	cfg     Config
	logger  *slog.Logger
	handler Handler

	accepting atomic.Bool
	wake      chan struct{}
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// New creates a queue over the shared store.
func New(st *store.Store, cfg Config, handler Handler, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	q := &Queue{
		store:   st,
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
	q.accepting.Store(true)
	return q
}

// Enqueue accepts a job for execution. Rapid duplicate submissions from the
// same user collapse onto the existing job's ID.
func (q *Queue) Enqueue(ctx context.Context, job *store.AsyncJob) (string, error) {
	if !q.accepting.Load() {
		return "", ErrShuttingDown
	}

	job.PayloadHash = payloadHash(job)

	// The durable row decides: a PENDING or RUNNING job with the same
	// content absorbs the resubmission. A terminal job never does — once
	// the earlier job finished, was cancelled or was preempted, the user
	// is asking to run the task again.
	existing, err := q.store.RecentJobByHash(ctx, job.PayloadHash, time.Now().Add(-q.cfg.EnqueueDedupTTL))
	if err != nil {
		return "", err
	}
	if existing != nil && !existing.Status.Terminal() {
		metrics.JobsDeduplicated.Inc()
		q.logger.Debug("duplicate enqueue collapsed", "job", existing.ID)
		return existing.ID, nil
	}

	if q.cfg.MaxActivePerTenant > 0 {
		n, err := q.store.CountActiveJobs(ctx, job.TenantID)
		if err != nil {
			return "", err
		}
		if n >= q.cfg.MaxActivePerTenant {
			return "", fmt.Errorf("%w: %d active", ErrTenantBusy, n)
		}
	}

	if err := q.store.InsertJob(ctx, job); err != nil {
		return "", err
	}
	metrics.JobsEnqueued.Inc()
	q.logger.Info("job enqueued",
		"job", job.ID, "type", job.Type,
		"tenant", job.TenantID, "user", job.UserKey)

	q.kick()
	return job.ID, nil
}

// Cancel moves a job to the given terminal status unless it already
// finished. Returns false when the job was already terminal.
func (q *Queue) Cancel(ctx context.Context, jobID string, status store.JobStatus, reason string) (bool, error) {
	ok, err := q.store.CancelJob(ctx, jobID, status, reason)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.JobsInterrupted.Inc()
		q.logger.Info("job cancelled", "job", jobID, "status", status, "reason", reason)
	}
	return ok, nil
}

// ActiveJobFor returns the running or queued job for a user, or nil.
func (q *Queue) ActiveJobFor(ctx context.Context, tenantID, userKey string) (*store.AsyncJob, error) {
	return q.store.ActiveJobFor(ctx, tenantID, userKey)
}

// Stats returns per-status job counts.
func (q *Queue) Stats(ctx context.Context) (map[store.JobStatus]int, error) {
	return q.store.JobStats(ctx)
}

// orphanSweepInterval is how often RUNNING rows are checked for staleness.
const orphanSweepInterval = time.Minute

// Start recovers orphaned jobs and launches the worker slots.
func (q *Queue) Start(ctx context.Context) error {
	workCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.recoverOrphans(ctx)
	go q.orphanLoop(workCtx)

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.workLoop(workCtx, i)
	}
	q.logger.Info("queue started", "concurrency", q.cfg.Concurrency)
	return nil
}

// Shutdown stops accepting jobs and waits for in-flight ones up to the
// grace period, then cancels whatever is left.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.accepting.Store(false)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	grace := q.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		q.logger.Warn("queue shutdown grace elapsed, cancelling workers")
	case <-ctx.Done():
	}

	if q.cancel != nil {
		q.cancel()
	}
	<-done
	q.logger.Info("queue stopped")
	return nil
}

// ---------- Internal ----------

// workLoop is one worker slot: claim, handle, repeat. It wakes on enqueue
// and polls as a fallback so jobs enqueued by other processes get picked up.
func (q *Queue) workLoop(ctx context.Context, slot int) {
	defer q.wg.Done()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		// Drain the backlog before sleeping.
		for {
			if ctx.Err() != nil {
				return
			}
			job, ok, err := q.store.ClaimNextPendingJob(ctx)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Error("job claim failed", "slot", slot, "error", err)
				}
				break
			}
			if !ok {
				break
			}
			q.runJob(ctx, job)
		}

		select {
		case <-q.wake:
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) runJob(ctx context.Context, job *store.AsyncJob) {
	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	// Panic recovery isolates one bad job from the worker pool.
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job handler panicked", "job", job.ID, "panic", r)
			_ = q.store.CompleteJob(context.WithoutCancel(ctx), job.ID, store.JobFailed,
				"", fmt.Sprintf("internal error (job %s)", job.ID))
			metrics.JobsFailed.Inc()
		}
	}()

	q.handler.Handle(ctx, job)
}

// recoverOrphans returns crashed-worker jobs to the backlog. Only rows no
// live worker can still be executing qualify: the queue is shared across
// processes, so a RUNNING row younger than the job timeout may belong to a
// healthy peer and must not be double-executed.
func (q *Queue) recoverOrphans(ctx context.Context) {
	cutoff := time.Now().Add(-(q.cfg.JobTimeout + q.cfg.ShutdownGrace))
	n, err := q.store.MarkOrphanedJobs(ctx, cutoff)
	if err != nil {
		q.logger.Error("failed to recover orphaned jobs", "error", err)
		return
	}
	if n > 0 {
		q.logger.Warn("recovered orphaned jobs", "count", n)
		q.kick()
	}
}

// orphanLoop sweeps periodically so jobs stranded by a peer that crashed
// while we were running are also recovered, not just at our own startup.
func (q *Queue) orphanLoop(ctx context.Context) {
	ticker := time.NewTicker(orphanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.recoverOrphans(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// payloadHash identifies a submission's content for dedup-on-enqueue.
func payloadHash(job *store.AsyncJob) string {
	h := sha256.Sum256([]byte(job.TenantID + "\x00" + job.UserKey + "\x00" + string(job.Type) + "\x00" + job.Payload))
	return hex.EncodeToString(h[:])
}
