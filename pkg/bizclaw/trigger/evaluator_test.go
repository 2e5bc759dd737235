package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/channels"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/dedup"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/secrets"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/store"
)

type fakeActor struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (a *fakeActor) RunTriggeredTask(ctx context.Context, t *store.Trigger, firedBy string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, firedBy)
	return a.err
}

func (a *fakeActor) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *fakeActor) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

type testEvaluator struct {
	eval  *Evaluator
	store *store.Store
	bus   *EventBus
	actor *fakeActor
}

func newTestEvaluator(t *testing.T) *testEvaluator {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	st := store.New(db)
	t.Cleanup(func() { _ = st.Close() })

	bus := NewEventBus()
	actor := &fakeActor{}
	eval := New(st, bus, actor, nil, channels.NewLogResolver(nil),
		secrets.NewMemoryStore(), dedup.New(time.Minute, 0, nil), DefaultConfig(), nil)
	return &testEvaluator{eval: eval, store: st, bus: bus, actor: actor}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	te := newTestEvaluator(t)
	ctx := context.Background()

	tests := []struct {
		name string
		spec TriggerSpec
	}{
		{"missing prompt", TriggerSpec{Type: store.TriggerEvent, Autonomy: store.AutonomyNotify, EventType: "x"}},
		{"bad autonomy", TriggerSpec{Type: store.TriggerEvent, Autonomy: "SOMETIMES", TaskPrompt: "p", EventType: "x"}},
		{"time without cron", TriggerSpec{Type: store.TriggerTime, Autonomy: store.AutonomyNotify, TaskPrompt: "p"}},
		{"event without type", TriggerSpec{Type: store.TriggerEvent, Autonomy: store.AutonomyNotify, TaskPrompt: "p"}},
		{"condition without expression", TriggerSpec{Type: store.TriggerCondition, Autonomy: store.AutonomyNotify, TaskPrompt: "p", Source: "https://x"}},
		{"webhook without secret", TriggerSpec{Type: store.TriggerWebhook, Autonomy: store.AutonomyNotify, TaskPrompt: "p", WebhookPath: "x"}},
		{"unknown type", TriggerSpec{Type: "PSYCHIC", Autonomy: store.AutonomyNotify, TaskPrompt: "p"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := te.eval.Create(ctx, "acme", "+5511999", tt.spec); !errors.Is(err, ErrInvalidTriggerSpec) {
				t.Errorf("err = %v, want ErrInvalidTriggerSpec", err)
			}
		})
	}
}

func TestWebhookDeliveryFlow(t *testing.T) {
	t.Parallel()
	te := newTestEvaluator(t)
	ctx := context.Background()

	trig, err := te.eval.Create(ctx, "acme", "+5511999", TriggerSpec{
		Type:          store.TriggerWebhook,
		Autonomy:      store.AutonomyAuto,
		TaskPrompt:    "process the new lead",
		WebhookPath:   "acme-crm",
		WebhookSecret: "hunter2",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if trig.WebhookSecret == "hunter2" {
		t.Fatal("raw secret must not be persisted on the trigger row")
	}

	body := []byte(`{"lead":"jane"}`)

	if err := te.eval.HandleWebhook(ctx, "acme-crm", body, sign("hunter2", body), "d-1"); err != nil {
		t.Fatalf("valid delivery: %v", err)
	}
	if te.actor.callCount() != 1 {
		t.Fatalf("actor calls = %d, want 1", te.actor.callCount())
	}

	// Redelivery of the same delivery ID is swallowed.
	err = te.eval.HandleWebhook(ctx, "acme-crm", body, sign("hunter2", body), "d-1")
	if !errors.Is(err, ErrDuplicateDelivery) {
		t.Errorf("redelivery err = %v, want ErrDuplicateDelivery", err)
	}
	if te.actor.callCount() != 1 {
		t.Errorf("actor calls after redelivery = %d, want 1", te.actor.callCount())
	}

	if err := te.eval.HandleWebhook(ctx, "acme-crm", body, sign("wrong", body), "d-2"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("bad signature err = %v, want ErrBadSignature", err)
	}
	if err := te.eval.HandleWebhook(ctx, "no-such-path", body, sign("hunter2", body), "d-3"); !errors.Is(err, ErrUnknownWebhook) {
		t.Errorf("unknown path err = %v, want ErrUnknownWebhook", err)
	}

	// Pausing takes the endpoint out of service.
	if err := te.eval.Pause(ctx, trig.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := te.eval.HandleWebhook(ctx, "acme-crm", body, sign("hunter2", body), "d-4"); !errors.Is(err, ErrUnknownWebhook) {
		t.Errorf("paused path err = %v, want ErrUnknownWebhook", err)
	}
}

func TestWebhookDedupFallsBackToBodyHash(t *testing.T) {
	t.Parallel()
	te := newTestEvaluator(t)
	ctx := context.Background()

	if _, err := te.eval.Create(ctx, "acme", "+5511999", TriggerSpec{
		Type:          store.TriggerWebhook,
		Autonomy:      store.AutonomyAuto,
		TaskPrompt:    "process the new lead",
		WebhookPath:   "acme-crm",
		WebhookSecret: "hunter2",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Senders without a delivery-ID header still get dedup: the body hash
	// stands in for the missing ID.
	body := []byte(`{"lead":"jane"}`)
	if err := te.eval.HandleWebhook(ctx, "acme-crm", body, sign("hunter2", body), ""); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	err := te.eval.HandleWebhook(ctx, "acme-crm", body, sign("hunter2", body), "")
	if !errors.Is(err, ErrDuplicateDelivery) {
		t.Errorf("identical body err = %v, want ErrDuplicateDelivery", err)
	}
	if te.actor.callCount() != 1 {
		t.Errorf("actor calls = %d, want 1", te.actor.callCount())
	}

	other := []byte(`{"lead":"john"}`)
	if err := te.eval.HandleWebhook(ctx, "acme-crm", other, sign("hunter2", other), ""); err != nil {
		t.Fatalf("distinct body: %v", err)
	}
	if te.actor.callCount() != 2 {
		t.Errorf("actor calls = %d, want 2", te.actor.callCount())
	}
}

func TestEventTriggerFires(t *testing.T) {
	t.Parallel()
	te := newTestEvaluator(t)
	ctx := context.Background()

	if _, err := te.eval.Create(ctx, "acme", "+5511999", TriggerSpec{
		Type:       store.TriggerEvent,
		Autonomy:   store.AutonomyAuto,
		TaskPrompt: "follow up on the order",
		EventType:  "order.created",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	te.bus.Publish(ctx, Event{Type: "order.cancelled", TenantID: "acme"})
	if te.actor.callCount() != 0 {
		t.Fatal("non-matching event type fired the trigger")
	}
	te.bus.Publish(ctx, Event{Type: "order.created", TenantID: "globex"})
	if te.actor.callCount() != 0 {
		t.Fatal("other tenant's event fired the trigger")
	}

	te.bus.Publish(ctx, Event{Type: "order.created", TenantID: "acme"})
	if te.actor.callCount() != 1 {
		t.Errorf("actor calls = %d, want 1", te.actor.callCount())
	}
}

func TestConfirmationApproveRunsTask(t *testing.T) {
	t.Parallel()
	te := newTestEvaluator(t)
	ctx := context.Background()

	if _, err := te.eval.Create(ctx, "acme", "+5511999", TriggerSpec{
		Type:       store.TriggerEvent,
		Autonomy:   store.AutonomyConfirm,
		TaskPrompt: "renew the certificate",
		EventType:  "cert.expiring",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	te.bus.Publish(ctx, Event{Type: "cert.expiring", TenantID: "acme"})
	if te.actor.callCount() != 0 {
		t.Fatal("CONFIRM trigger acted without approval")
	}

	pending, err := te.eval.HasPendingConfirmation(ctx, "acme", "+5511999")
	if err != nil || !pending {
		t.Fatalf("pending = %v err = %v, want pending", pending, err)
	}

	if err := te.eval.HandleConfirmationResponse(ctx, "acme", "+5511999", true); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if te.actor.callCount() != 1 {
		t.Errorf("actor calls = %d, want 1 after approval", te.actor.callCount())
	}

	if pending, _ = te.eval.HasPendingConfirmation(ctx, "acme", "+5511999"); pending {
		t.Error("confirmation still pending after approval")
	}
	if err := te.eval.HandleConfirmationResponse(ctx, "acme", "+5511999", false); !errors.Is(err, ErrNoPendingConfirm) {
		t.Errorf("err = %v, want ErrNoPendingConfirm", err)
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	te := newTestEvaluator(t)
	te.actor.setErr(errors.New("downstream broken"))
	ctx := context.Background()

	trig, err := te.eval.Create(ctx, "acme", "+5511999", TriggerSpec{
		Type:       store.TriggerEvent,
		Autonomy:   store.AutonomyAuto,
		TaskPrompt: "sync the inventory",
		EventType:  "stock.changed",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 5; i++ {
		te.bus.Publish(ctx, Event{Type: "stock.changed", TenantID: "acme"})
	}
	// Three failures open the circuit; the remaining events are skipped.
	if got := te.actor.callCount(); got != DefaultConfig().BreakerThreshold {
		t.Errorf("actor calls = %d, want %d", got, DefaultConfig().BreakerThreshold)
	}
	// The streak is persisted, so a restart does not forget a flapping
	// trigger's history.
	got, _ := te.store.GetTrigger(ctx, trig.ID)
	if got.ErrorCount != DefaultConfig().BreakerThreshold {
		t.Errorf("persisted error count = %d, want %d", got.ErrorCount, DefaultConfig().BreakerThreshold)
	}
}

func TestSuccessResetsErrorStreak(t *testing.T) {
	t.Parallel()
	te := newTestEvaluator(t)
	te.actor.setErr(errors.New("downstream broken"))
	ctx := context.Background()

	trig, err := te.eval.Create(ctx, "acme", "+5511999", TriggerSpec{
		Type:       store.TriggerEvent,
		Autonomy:   store.AutonomyAuto,
		TaskPrompt: "sync the inventory",
		EventType:  "stock.changed",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		te.bus.Publish(ctx, Event{Type: "stock.changed", TenantID: "acme"})
	}
	if got, _ := te.store.GetTrigger(ctx, trig.ID); got.ErrorCount != 2 {
		t.Fatalf("error count = %d, want 2", got.ErrorCount)
	}

	te.actor.setErr(nil)
	te.bus.Publish(ctx, Event{Type: "stock.changed", TenantID: "acme"})
	if got, _ := te.store.GetTrigger(ctx, trig.ID); got.ErrorCount != 0 {
		t.Errorf("error count after success = %d, want 0", got.ErrorCount)
	}
}
