// Package platform wires the backend together and implements the inbound
// message pipeline: dedup, cancel detection, confirmation replies,
// latest-message-wins preemption, session claiming and job submission.
// Channel adapters call ProcessInbound; everything downstream is async.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/channels"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/config"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/dedup"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/lease"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/queue"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/runner"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/scheduler"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/secrets"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/session"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/store"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/trigger"
)

// ErrSessionBusy means another process holds the user's session lease.
var ErrSessionBusy = errors.New("session is busy, try again shortly")

// Service is the backend facade.
type Service struct {
	cfg         *config.Config
	store       *store.Store
	leases      *lease.Store
	sessions    *session.Manager
	browser     *session.Manager
	queue       *queue.Queue
	interrupts  *queue.InterruptService
	scheduler   *scheduler.Service
	triggers    *trigger.Evaluator
	bus         *trigger.EventBus
	inboundSeen *dedup.Cache
	resolver    channels.Resolver
	logger      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the database and wires all subsystems. Nothing runs until
// Start.
func New(cfg *config.Config, resolver channels.Resolver, credentials secrets.CredentialStore, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	st := store.New(db)
	leases := lease.NewStore(db)

	s := &Service{
		cfg:    cfg,
		store:  st,
		leases: leases,
		sessions: session.NewConversationManager(
			st, cfg.Session.LeaseTTL, cfg.Session.IdleTimeout, logger),
		browser: session.NewBrowserManager(
			st, cfg.Session.LeaseTTL, cfg.Session.IdleTimeout, logger),
		bus: trigger.NewEventBus(),
		inboundSeen: dedup.New(
			cfg.Dedup.TTL, cfg.Dedup.MaxEntries, logger),
		resolver: resolver,
		logger:   logger,
	}

	cliRunner := runner.New(runner.Config{
		Command:   cfg.Runner.Command,
		Args:      cfg.Runner.Args,
		WorkDir:   cfg.Runner.WorkDir,
		KillGrace: cfg.Runner.KillGrace,
	}, logger)

	// The queue's handler is the worker, which needs the interrupt
	// service, which needs the queue. The function indirection breaks
	// the construction cycle.
	var worker *queue.Worker
	s.queue = queue.New(st, queue.Config{
		Concurrency:        cfg.Queue.Concurrency,
		JobTimeout:         cfg.Queue.JobTimeout,
		ProgressInterval:   cfg.Queue.ProgressInterval,
		MaxAttempts:        cfg.Queue.MaxAttempts,
		EnqueueDedupTTL:    cfg.Queue.EnqueueDedupTTL,
		MaxActivePerTenant: cfg.Queue.MaxActivePerTenant,
		ShutdownGrace:      cfg.Queue.ShutdownGrace,
	}, queue.HandlerFunc(func(ctx context.Context, job *store.AsyncJob) {
		worker.Handle(ctx, job)
	}), logger)

	s.interrupts = queue.NewInterruptService(st, s.queue, logger)
	worker = queue.NewWorker(st, s.sessions, cliRunner, resolver, s.interrupts,
		newBusLearner(s.bus, logger), queue.Config{
			Concurrency:      cfg.Queue.Concurrency,
			JobTimeout:       cfg.Queue.JobTimeout,
			ProgressInterval: cfg.Queue.ProgressInterval,
			MaxAttempts:      cfg.Queue.MaxAttempts,
		}, logger)

	s.scheduler = scheduler.New(st, leases, s, resolver, scheduler.Config{
		TickInterval:    cfg.Scheduler.TickInterval,
		MaxTasksPerUser: cfg.Scheduler.MaxTasksPerUser,
		FailureBackoff:  cfg.Scheduler.FailureBackoff,
		MaxErrors:       cfg.Scheduler.MaxErrors,
	}, logger)

	s.triggers = trigger.New(st, s.bus, s, trigger.NewHTTPProber(0), resolver,
		credentials, s.inboundSeen, trigger.Config{
			ConditionPollInterval: cfg.Trigger.ConditionPollInterval,
			ConfirmationTimeout:   cfg.Trigger.ConfirmationTimeout,
			BreakerThreshold:      cfg.Trigger.BreakerThreshold,
		}, logger)

	return s, nil
}

// Start launches the queue workers, scheduler loop, trigger evaluator and
// session pruner.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.queue.Start(runCtx); err != nil {
		cancel()
		return err
	}
	s.inboundSeen.StartSweeper(runCtx, s.cfg.Dedup.SweepInterval)
	s.sessions.StartPruner(runCtx, s.cfg.Session.PruneInterval)
	s.browser.StartPruner(runCtx, s.cfg.Session.PruneInterval)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.scheduler.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.triggers.Run(runCtx)
	}()

	s.logger.Info("platform started")
	return nil
}

// Shutdown stops the backend in dependency order: stop intake, drain the
// queue within its grace period, interrupt whatever is left, then stop the
// background loops.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("platform shutting down")

	if err := s.queue.Shutdown(ctx); err != nil {
		s.logger.Error("queue shutdown error", "error", err)
	}
	s.interrupts.InterruptAllJobs(context.WithoutCancel(ctx), "shutdown")

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	s.logger.Info("platform stopped")
	return nil
}

// ---------- Inbound pipeline ----------

// ProcessInbound handles one message from a channel adapter. The returned
// reply, when non-empty, is sent back synchronously by the adapter;
// long-running work replies later through the channel resolver.
func (s *Service) ProcessInbound(ctx context.Context, msg channels.IncomingMessage) (string, error) {
	// Channels redeliver; the message ID gate makes redelivery harmless.
	if msg.ID != "" && !s.inboundSeen.MarkProcessed("msg:"+msg.Channel+":"+msg.ID) {
		s.logger.Debug("duplicate inbound message ignored", "channel", msg.Channel, "id", msg.ID)
		return "", nil
	}

	if IsCancelPhrase(msg.Content) {
		jobID, err := s.interrupts.InterruptUserJob(ctx, msg.TenantID, msg.From,
			store.JobCancelled, "cancelled by user")
		if err != nil {
			return "", err
		}
		if jobID == "" {
			return "There is nothing running to cancel.", nil
		}
		return "Task cancelled.", nil
	}

	if approve, ok := ParseConfirmation(msg.Content); ok {
		pending, err := s.triggers.HasPendingConfirmation(ctx, msg.TenantID, msg.From)
		if err != nil {
			return "", err
		}
		if pending {
			if err := s.triggers.HandleConfirmationResponse(ctx, msg.TenantID, msg.From, approve); err != nil {
				return "", err
			}
			if approve {
				return "Approved, running it now.", nil
			}
			return "Okay, not running it.", nil
		}
	}

	// Latest message wins: a newer request preempts the one in flight.
	if jobID, err := s.interrupts.InterruptUserJob(ctx, msg.TenantID, msg.From,
		store.JobInterrupted, "superseded by newer message"); err != nil {
		return "", err
	} else if jobID != "" {
		s.logger.Info("previous job preempted by newer message",
			"job", jobID, "tenant", msg.TenantID, "user", msg.From)
	}

	sess, ok, err := s.sessions.Claim(ctx, msg.TenantID, msg.From)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrSessionBusy
	}

	jobID, err := s.queue.Enqueue(ctx, &store.AsyncJob{
		TenantID:  msg.TenantID,
		UserKey:   msg.From,
		SessionID: sess.ID,
		Type:      store.JobTypeCLITask,
		Payload:   msg.Content,
	})
	if err != nil {
		s.sessions.Release(ctx, sess.ID)
		return "", err
	}
	s.logger.Debug("inbound message queued", "job", jobID, "session", sess.ID)
	return "", nil
}

// ResetSession ends the user's conversation, queues the session-end
// summarization job, and starts a fresh session.
func (s *Service) ResetSession(ctx context.Context, tenantID, userKey string) error {
	if err := s.enqueueSessionEnd(ctx, tenantID, userKey, "reset"); err != nil {
		s.logger.Warn("failed to queue session-end job", "error", err)
	}
	_, ok, err := s.sessions.Reset(ctx, tenantID, userKey)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionBusy
	}
	return nil
}

func (s *Service) enqueueSessionEnd(ctx context.Context, tenantID, userKey, reason string) error {
	payload, err := json.Marshal(queue.SessionEndPayload{Reason: reason})
	if err != nil {
		return err
	}
	_, err = s.queue.Enqueue(ctx, &store.AsyncJob{
		TenantID: tenantID,
		UserKey:  userKey,
		Type:     store.JobTypeSessionEnd,
		Payload:  string(payload),
	})
	return err
}

// ---------- Scheduled tasks ----------

// ScheduleTask creates a scheduled task from a natural language expression.
func (s *Service) ScheduleTask(ctx context.Context, tenantID, userKey, prompt, scheduleExpr, timezone string) (*store.ScheduledTask, error) {
	return s.scheduler.Create(ctx, tenantID, userKey, prompt, scheduleExpr, timezone)
}

// ListSchedules returns the user's scheduled tasks.
func (s *Service) ListSchedules(ctx context.Context, tenantID, userKey string) ([]*store.ScheduledTask, error) {
	return s.scheduler.List(ctx, tenantID, userKey)
}

// CancelSchedule deletes one of the user's scheduled tasks.
func (s *Service) CancelSchedule(ctx context.Context, tenantID, userKey, taskID string) error {
	return s.scheduler.Cancel(ctx, tenantID, userKey, taskID)
}

// RunScheduledTask submits a due task's prompt as a job on behalf of its
// owner. The queue's at-least-once delivery takes over from here; an
// enqueue failure counts as a task failure and feeds the error budget.
func (s *Service) RunScheduledTask(ctx context.Context, task *store.ScheduledTask) error {
	sess, ok, err := s.sessions.Claim(ctx, task.TenantID, task.UserKey)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionBusy
	}
	_, err = s.queue.Enqueue(ctx, &store.AsyncJob{
		TenantID:  task.TenantID,
		UserKey:   task.UserKey,
		SessionID: sess.ID,
		Type:      store.JobTypeCLITask,
		Payload:   task.Prompt,
	})
	if err != nil {
		s.sessions.Release(ctx, sess.ID)
	}
	return err
}

// ---------- Triggers ----------

// CreateTrigger persists a new trigger for the user.
func (s *Service) CreateTrigger(ctx context.Context, tenantID, userKey string, spec trigger.TriggerSpec) (*store.Trigger, error) {
	return s.triggers.Create(ctx, tenantID, userKey, spec)
}

// ListTriggers returns the user's triggers.
func (s *Service) ListTriggers(ctx context.Context, tenantID, userKey string) ([]*store.Trigger, error) {
	return s.triggers.List(ctx, tenantID, userKey)
}

// TestTrigger fires a trigger immediately and resets its circuit.
func (s *Service) TestTrigger(ctx context.Context, tenantID, userKey, triggerID string) error {
	return s.triggers.Test(ctx, tenantID, userKey, triggerID)
}

// HandleWebhook routes an inbound webhook delivery to its trigger.
func (s *Service) HandleWebhook(ctx context.Context, path string, body []byte, signature, deliveryID string) error {
	return s.triggers.HandleWebhook(ctx, path, body, signature, deliveryID)
}

// PublishEvent feeds the event bus (adapters publish domain events here).
func (s *Service) PublishEvent(ctx context.Context, evt trigger.Event) {
	s.bus.Publish(ctx, evt)
}

// RunTriggeredTask submits a fired trigger's task prompt as a job.
func (s *Service) RunTriggeredTask(ctx context.Context, t *store.Trigger, firedBy string) error {
	sess, ok, err := s.sessions.Claim(ctx, t.TenantID, t.UserKey)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionBusy
	}
	_, err = s.queue.Enqueue(ctx, &store.AsyncJob{
		TenantID:  t.TenantID,
		UserKey:   t.UserKey,
		SessionID: sess.ID,
		Type:      store.JobTypeCLITask,
		Payload:   t.TaskPrompt,
	})
	if err != nil {
		s.sessions.Release(ctx, sess.ID)
	}
	return err
}

// ---------- Introspection ----------

// JobStats returns per-status job counts.
func (s *Service) JobStats(ctx context.Context) (map[store.JobStatus]int, error) {
	return s.queue.Stats(ctx)
}

// ActiveJob returns the user's running or queued job, or nil.
func (s *Service) ActiveJob(ctx context.Context, tenantID, userKey string) (*store.AsyncJob, error) {
	return s.queue.ActiveJobFor(ctx, tenantID, userKey)
}

// ---------- Session-end learner ----------

// busLearner publishes session-end events so EVENT triggers (and future
// summarization consumers) can react to conversations closing.
type busLearner struct {
	bus    *trigger.EventBus
	logger *slog.Logger
}

func newBusLearner(bus *trigger.EventBus, logger *slog.Logger) *busLearner {
	return &busLearner{bus: bus, logger: logger}
}

func (l *busLearner) SessionEnded(ctx context.Context, tenantID, userKey, reason string) error {
	l.bus.Publish(ctx, trigger.Event{
		Type:     "session.ended",
		TenantID: tenantID,
		Data: map[string]string{
			"user":   userKey,
			"reason": reason,
		},
		Timestamp: time.Now(),
	})
	l.logger.Debug("session end published", "tenant", tenantID, "user", userKey, "reason", reason)
	return nil
}
