// Package trigger implements the trigger evaluator: TIME triggers fire on
// cron schedules, EVENT triggers on bus events, CONDITION triggers on
// polled probes, and WEBHOOK triggers on verified inbound HTTP calls.
// Autonomy controls what a firing does: NOTIFY tells the user, CONFIRM
// asks first, AUTO acts immediately.
package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/channels"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/dedup"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/metrics"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/scheduler"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/secrets"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/store"
)

// Config configures the evaluator.
type Config struct {
	// ConditionPollInterval is how often CONDITION and TIME triggers are
	// evaluated.
	ConditionPollInterval time.Duration

	// ConfirmationTimeout is how long a CONFIRM firing waits for a reply.
	ConfirmationTimeout time.Duration

	// BreakerThreshold opens a trigger's circuit after this many
	// consecutive action failures.
	BreakerThreshold int
}

// DefaultConfig returns the evaluator defaults.
func DefaultConfig() Config {
	return Config{
		ConditionPollInterval: 60 * time.Second,
		ConfirmationTimeout:   10 * time.Minute,
		BreakerThreshold:      3,
	}
}

// TriggerSpec is what a user supplies when creating a trigger.
type TriggerSpec struct {
	Type       store.TriggerType
	Autonomy   store.Autonomy
	TaskPrompt string

	// CronExpr drives TIME triggers.
	CronExpr string

	// EventType selects bus events for EVENT triggers ("*" for all).
	EventType string

	// Source and Expression drive CONDITION triggers.
	Source     string
	Expression string

	// WebhookPath and WebhookSecret drive WEBHOOK triggers. The secret is
	// moved into the credential store; only its reference is persisted.
	WebhookPath   string
	WebhookSecret string

	CooldownSeconds int
}

// triggerConfig is the persisted type-specific config JSON.
type triggerConfig struct {
	CronExpr   string `json:"cron_expr,omitempty"`
	EventType  string `json:"event_type,omitempty"`
	Source     string `json:"source,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// Prober fetches the current value of a CONDITION trigger's source.
type Prober interface {
	Probe(ctx context.Context, source string) (string, error)
}

// Actor executes a fired trigger's task prompt.
type Actor interface {
	RunTriggeredTask(ctx context.Context, t *store.Trigger, firedBy string) error
}

// Evaluator errors surfaced to callers.
var (
	ErrUnknownWebhook     = errors.New("no trigger registered for webhook path")
	ErrBadSignature       = errors.New("webhook signature verification failed")
	ErrNoPendingConfirm   = errors.New("no pending confirmation")
	ErrInvalidTriggerSpec = errors.New("invalid trigger specification")
	ErrDuplicateDelivery  = errors.New("webhook delivery already processed")
)

// Evaluator owns trigger CRUD and the evaluation loops.
type Evaluator struct {
	store       *store.Store
	bus         *EventBus
	breaker     *Breaker
	actor       Actor
	prober      Prober
	resolver    channels.Resolver
	credentials secrets.CredentialStore
	webhookSeen *dedup.Cache
	cfg         Config
	logger      *slog.Logger
}

// New creates the evaluator and subscribes it to the event bus.
func New(st *store.Store, bus *EventBus, actor Actor, prober Prober, resolver channels.Resolver, credentials secrets.CredentialStore, webhookSeen *dedup.Cache, cfg Config, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{
		store:       st,
		bus:         bus,
		breaker:     NewBreaker(cfg.BreakerThreshold),
		actor:       actor,
		prober:      prober,
		resolver:    resolver,
		credentials: credentials,
		webhookSeen: webhookSeen,
		cfg:         cfg,
		logger:      logger,
	}
	bus.Subscribe("*", e.onEvent)
	return e
}

// Create validates and persists a trigger.
func (e *Evaluator) Create(ctx context.Context, tenantID, userKey string, spec TriggerSpec) (*store.Trigger, error) {
	if spec.TaskPrompt == "" {
		return nil, fmt.Errorf("%w: task prompt is required", ErrInvalidTriggerSpec)
	}
	switch spec.Autonomy {
	case store.AutonomyNotify, store.AutonomyConfirm, store.AutonomyAuto:
	default:
		return nil, fmt.Errorf("%w: unknown autonomy %q", ErrInvalidTriggerSpec, spec.Autonomy)
	}

	cfg := triggerConfig{}
	t := &store.Trigger{
		TenantID:        tenantID,
		UserKey:         userKey,
		Type:            spec.Type,
		Autonomy:        spec.Autonomy,
		TaskPrompt:      spec.TaskPrompt,
		Status:          store.TriggerActive,
		CooldownSeconds: spec.CooldownSeconds,
	}

	switch spec.Type {
	case store.TriggerTime:
		if _, err := scheduler.NextRun(spec.CronExpr, time.Now(), ""); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTriggerSpec, err)
		}
		cfg.CronExpr = spec.CronExpr

	case store.TriggerEvent:
		if spec.EventType == "" {
			return nil, fmt.Errorf("%w: event type is required", ErrInvalidTriggerSpec)
		}
		cfg.EventType = spec.EventType

	case store.TriggerCondition:
		if spec.Source == "" || spec.Expression == "" {
			return nil, fmt.Errorf("%w: condition source and expression are required", ErrInvalidTriggerSpec)
		}
		cfg.Source = spec.Source
		cfg.Expression = spec.Expression

	case store.TriggerWebhook:
		if spec.WebhookPath == "" || spec.WebhookSecret == "" {
			return nil, fmt.Errorf("%w: webhook path and secret are required", ErrInvalidTriggerSpec)
		}
		t.WebhookPath = spec.WebhookPath
		t.WebhookSecret = "webhook-" + store.NewID()
		if err := e.credentials.Store(t.WebhookSecret, spec.WebhookSecret); err != nil {
			return nil, fmt.Errorf("store webhook secret: %w", err)
		}

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidTriggerSpec, spec.Type)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode trigger config: %w", err)
	}
	t.Config = string(raw)

	if err := e.store.InsertTrigger(ctx, t); err != nil {
		return nil, err
	}
	e.logger.Info("trigger created",
		"trigger", t.ID, "type", t.Type, "autonomy", t.Autonomy,
		"tenant", tenantID, "user", userKey)
	return t, nil
}

// List returns the user's triggers.
func (e *Evaluator) List(ctx context.Context, tenantID, userKey string) ([]*store.Trigger, error) {
	return e.store.ListTriggersFor(ctx, tenantID, userKey)
}

// Pause stops a trigger from firing without deleting it.
func (e *Evaluator) Pause(ctx context.Context, triggerID string) error {
	return e.store.SetTriggerStatus(ctx, triggerID, store.TriggerPaused)
}

// Resume reactivates a paused trigger and closes its circuit.
func (e *Evaluator) Resume(ctx context.Context, triggerID string) error {
	e.breaker.Reset(triggerID)
	return e.store.SetTriggerStatus(ctx, triggerID, store.TriggerActive)
}

// Test fires the trigger immediately, bypassing cooldown and resetting the
// circuit so a fixed trigger starts clean.
func (e *Evaluator) Test(ctx context.Context, tenantID, userKey, triggerID string) error {
	t, err := e.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return err
	}
	if t == nil || t.TenantID != tenantID || t.UserKey != userKey {
		return fmt.Errorf("trigger %s not found", triggerID)
	}
	e.breaker.Reset(t.ID)
	e.fire(ctx, t, "manual-test", true)
	return nil
}

// Run drives the TIME/CONDITION polling loops and the confirmation expiry
// sweep until the context is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ConditionPollInterval)
	defer ticker.Stop()

	e.logger.Info("trigger evaluator started", "poll", e.cfg.ConditionPollInterval)
	for {
		select {
		case <-ticker.C:
			e.evaluateTimeTriggers(ctx)
			e.evaluateConditionTriggers(ctx)
			e.expireConfirmations(ctx)
		case <-ctx.Done():
			e.logger.Info("trigger evaluator stopped")
			return
		}
	}
}

// ---------- TIME ----------

func (e *Evaluator) evaluateTimeTriggers(ctx context.Context) {
	triggers, err := e.store.ListActiveTriggers(ctx, store.TriggerTime)
	if err != nil {
		e.logger.Error("time trigger query failed", "error", err)
		return
	}
	now := time.Now()
	for _, t := range triggers {
		cfg, err := e.decodeConfig(t)
		if err != nil {
			continue
		}
		// Due when the next fire time computed from the last firing has
		// passed. A never-fired trigger anchors on its creation time.
		anchor := t.CreatedAt
		if t.LastTriggeredAt != nil {
			anchor = *t.LastTriggeredAt
		}
		next, err := scheduler.NextRun(cfg.CronExpr, anchor, "")
		if err != nil {
			e.logger.Error("bad cron on time trigger", "trigger", t.ID, "error", err)
			continue
		}
		if next.After(now) {
			continue
		}
		e.fire(ctx, t, "schedule", false)
	}
}

// ---------- EVENT ----------

func (e *Evaluator) onEvent(ctx context.Context, evt Event) {
	triggers, err := e.store.ListActiveTriggers(ctx, store.TriggerEvent)
	if err != nil {
		e.logger.Error("event trigger query failed", "error", err)
		return
	}
	for _, t := range triggers {
		if t.TenantID != evt.TenantID {
			continue
		}
		cfg, err := e.decodeConfig(t)
		if err != nil {
			continue
		}
		if cfg.EventType != "*" && cfg.EventType != evt.Type {
			continue
		}
		e.fire(ctx, t, "event:"+evt.Type, false)
	}
}

// ---------- CONDITION ----------

func (e *Evaluator) evaluateConditionTriggers(ctx context.Context) {
	if e.prober == nil {
		return
	}
	triggers, err := e.store.ListActiveTriggers(ctx, store.TriggerCondition)
	if err != nil {
		e.logger.Error("condition trigger query failed", "error", err)
		return
	}
	for _, t := range triggers {
		cfg, err := e.decodeConfig(t)
		if err != nil {
			continue
		}
		value, err := e.prober.Probe(ctx, cfg.Source)
		if err != nil {
			e.logger.Warn("condition probe failed", "trigger", t.ID, "source", cfg.Source, "error", err)
			continue
		}
		if !EvaluateCondition(cfg.Expression, value) {
			continue
		}
		e.fire(ctx, t, "condition", false)
	}
}

// ---------- WEBHOOK ----------

/// HandleWebhook processes an inbound webhook delivery: path lookup,
// signature verification, delivery dedup, then firing. deliveryID comes
// from the provider's delivery header when present, otherwise a body hash.
func (e *Evaluator) HandleWebhook(ctx context.Context, path string, body []byte, signature, deliveryID string) error {
	t, err := e.store.TriggerByWebhookPath(ctx, path)
	if err != nil {
		return err
	}
	if t == nil || t.Status != store.TriggerActive {
		return ErrUnknownWebhook
	}

	secret, err := e.credentials.Decrypt(t.WebhookSecret)
	if err != nil {
		return fmt.Errorf("load webhook secret: %w", err)
	}
	if !VerifySignature(secret, body, signature) {
		e.logger.Warn("webhook signature rejected", "trigger", t.ID, "path", path)
		return ErrBadSignature
	}

	if deliveryID == "" {
		sum := sha256.Sum256(body)
		deliveryID = hex.EncodeToString(sum[:])
	}
	if !e.webhookSeen.MarkProcessed("webhook:" + t.ID + ":" + deliveryID) {
		metrics.DedupHits.Inc()
		e.logger.Debug("duplicate webhook delivery ignored", "trigger", t.ID, "delivery", deliveryID)
		return ErrDuplicateDelivery
	}

	e.fire(ctx, t, "webhook", false)
	return nil
}

// ---------- Firing ----------

// fire runs one trigger activation through breaker, cooldown and autonomy.
func (e *Evaluator) fire(ctx context.Context, t *store.Trigger, firedBy string, ignoreCooldown bool) {
	if !e.breaker.Allow(t.ID) {
		metrics.TriggersSkipped.Inc()
		e.logger.Debug("trigger circuit open, skipping", "trigger", t.ID)
		return
	}
	if !ignoreCooldown && t.CooldownSeconds > 0 && t.LastTriggeredAt != nil {
		if time.Since(*t.LastTriggeredAt) < time.Duration(t.CooldownSeconds)*time.Second {
			metrics.TriggersSkipped.Inc()
			return
		}
	}

	now := time.Now()
	if err := e.store.MarkTriggerFired(ctx, t.ID, now); err != nil {
		e.logger.Error("failed to record trigger firing", "trigger", t.ID, "error", err)
		return
	}
	t.LastTriggeredAt = &now
	metrics.TriggersFired.Inc()

	exec := &store.TriggerExecution{
		TriggerID:   t.ID,
		TenantID:    t.TenantID,
		UserKey:     t.UserKey,
		StartedAt:   now,
		TriggeredBy: firedBy,
	}

	switch t.Autonomy {
	case store.AutonomyNotify:
		if err := e.store.InsertExecution(ctx, exec); err != nil {
			e.logger.Error("failed to record execution", "trigger", t.ID, "error", err)
		}
		e.send(ctx, t, fmt.Sprintf("Trigger fired: %s", t.TaskPrompt))

	case store.AutonomyConfirm:
		deadline := now.Add(e.cfg.ConfirmationTimeout)
		exec.ConfirmationStatus = store.ConfirmPending
		exec.ConfirmationDeadline = &deadline
		if err := e.store.InsertExecution(ctx, exec); err != nil {
			e.logger.Error("failed to record execution", "trigger", t.ID, "error", err)
			return
		}
		e.send(ctx, t, fmt.Sprintf(
			"A trigger wants to run: %s\nReply \"yes\" to approve or \"no\" to reject (expires in %s).",
			t.TaskPrompt, e.cfg.ConfirmationTimeout))

	case store.AutonomyAuto:
		if err := e.store.InsertExecution(ctx, exec); err != nil {
			e.logger.Error("failed to record execution", "trigger", t.ID, "error", err)
		}
		e.act(ctx, t, firedBy)
	}
}

// act executes the trigger's task and feeds the breaker.
func (e *Evaluator) act(ctx context.Context, t *store.Trigger, firedBy string) {
	if err := e.actor.RunTriggeredTask(ctx, t, firedBy); err != nil {
		e.logger.Error("trigger action failed", "trigger", t.ID, "error", err)
		count, dbErr := e.store.IncrementTriggerErrors(ctx, t.ID)
		if dbErr != nil {
			e.logger.Error("failed to record trigger error", "trigger", t.ID, "error", dbErr)
		}
		if e.breaker.RecordFailure(t.ID) {
			e.logger.Warn("trigger circuit opened", "trigger", t.ID, "failures", count)
			e.send(ctx, t, fmt.Sprintf(
				"Trigger paused after repeated failures: %s\nTest it to re-enable.", t.TaskPrompt))
		}
		return
	}
	e.breaker.RecordSuccess(t.ID)
	if err := e.store.ResetTriggerErrors(ctx, t.ID); err != nil {
		e.logger.Error("failed to reset trigger errors", "trigger", t.ID, "error", err)
	}
}

// ---------- Confirmation flow ----------

// HandleConfirmationResponse resolves the user's latest pending
// confirmation. approve=true runs the trigger's task.
func (e *Evaluator) HandleConfirmationResponse(ctx context.Context, tenantID, userKey string, approve bool) error {
	exec, err := e.store.LatestPendingConfirmation(ctx, tenantID, userKey, time.Now())
	if err != nil {
		return err
	}
	if exec == nil {
		return ErrNoPendingConfirm
	}

	status := store.ConfirmRejected
	if approve {
		status = store.ConfirmApproved
	}
	if err := e.store.ResolveConfirmation(ctx, exec.ID, status); err != nil {
		return err
	}
	e.logger.Info("confirmation resolved",
		"execution", exec.ID, "trigger", exec.TriggerID, "status", status)

	if !approve {
		return nil
	}
	t, err := e.store.GetTrigger(ctx, exec.TriggerID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("trigger %s no longer exists", exec.TriggerID)
	}
	e.act(ctx, t, "confirmation")
	return nil
}

// HasPendingConfirmation reports whether the user has an unexpired
// confirmation awaiting a reply.
func (e *Evaluator) HasPendingConfirmation(ctx context.Context, tenantID, userKey string) (bool, error) {
	exec, err := e.store.LatestPendingConfirmation(ctx, tenantID, userKey, time.Now())
	if err != nil {
		return false, err
	}
	return exec != nil, nil
}

// expireConfirmations rejects confirmations past their deadline and tells
// the user the window closed.
func (e *Evaluator) expireConfirmations(ctx context.Context) {
	expired, err := e.store.ExpirePendingConfirmations(ctx, time.Now())
	if err != nil {
		e.logger.Error("confirmation expiry sweep failed", "error", err)
		return
	}
	for _, exec := range expired {
		e.logger.Info("confirmation expired", "execution", exec.ID, "trigger", exec.TriggerID)
		t, err := e.store.GetTrigger(ctx, exec.TriggerID)
		if err != nil || t == nil {
			continue
		}
		e.send(ctx, t, "The confirmation window for a trigger expired; nothing was run.")
	}
}

// ---------- Helpers ----------

func (e *Evaluator) decodeConfig(t *store.Trigger) (triggerConfig, error) {
	var cfg triggerConfig
	if err := json.Unmarshal([]byte(t.Config), &cfg); err != nil {
		e.logger.Error("corrupt trigger config", "trigger", t.ID, "error", err)
		return cfg, err
	}
	return cfg, nil
}

func (e *Evaluator) send(ctx context.Context, t *store.Trigger, text string) {
	sender, err := e.resolver.ResolveForTenant(t.TenantID)
	if err != nil {
		e.logger.Warn("no channel for tenant", "tenant", t.TenantID, "error", err)
		return
	}
	recipient, err := e.resolver.RecipientID(t.TenantID, t.UserKey)
	if err != nil {
		e.logger.Warn("no recipient for user", "tenant", t.TenantID, "user", t.UserKey, "error", err)
		return
	}
	if _, err := sender.SendText(ctx, recipient, text); err != nil {
		e.logger.Error("failed to deliver trigger message", "trigger", t.ID, "error", err)
	}
}
