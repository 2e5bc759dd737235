package queue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/channels"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/runner"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/session"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/store"
)

// recordingResolver is a channel resolver capturing outbound messages.
type recordingResolver struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingResolver) ResolveForTenant(tenantID string) (channels.Sender, error) {
	return r, nil
}

func (r *recordingResolver) RecipientID(tenantID, userKey string) (string, error) {
	return userKey, nil
}

func (r *recordingResolver) SendText(ctx context.Context, recipient, text string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return "", nil
}

func (r *recordingResolver) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

// stubProc is a task process under test control: it runs until done is
// closed, either by the test or by Terminate.
type stubProc struct {
	res  *runner.Result
	done chan struct{}

	mu     sync.Mutex
	killed bool
}

func (p *stubProc) Pid() int { return 4242 }

func (p *stubProc) Wait() (*runner.Result, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	res := *p.res
	res.Killed = p.killed
	return &res, nil
}

func (p *stubProc) Terminate(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return
	}
	p.killed = true
	p.res.ExitCode = 130
	p.res.KillReason = reason
	close(p.done)
}

func (p *stubProc) terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type stubRunner struct {
	proc    *stubProc
	started chan struct{}
}

func (r *stubRunner) Start(ctx context.Context, req *runner.Request) (runner.Process, error) {
	select {
	case r.started <- struct{}{}:
	default:
	}
	return r.proc, nil
}

func newTestWorker(t *testing.T, st *store.Store, proc *stubProc, cfg Config) (*Worker, *stubRunner, *recordingResolver) {
	t.Helper()
	run := &stubRunner{proc: proc, started: make(chan struct{}, 1)}
	rec := &recordingResolver{}
	q := New(st, cfg, HandlerFunc(func(context.Context, *store.AsyncJob) {}), nil)
	interrupts := NewInterruptService(st, q, nil)
	sessions := session.NewConversationManager(st, 5*time.Minute, 30*time.Minute, nil)
	return NewWorker(st, sessions, run, rec, interrupts, nil, cfg, nil), run, rec
}

// claimSessionAndJob sets up a session leased by a different process and a
// claimed cli-task job bound to it.
func claimSessionAndJob(t *testing.T, st *store.Store) (*store.Session, *store.AsyncJob) {
	t.Helper()
	ctx := context.Background()
	sess, ok, err := st.ClaimSession(ctx, "acme", "+5511999", store.KindConversation, store.ClaimOptions{
		LeaseOwner: "host-a:100",
		LeaseTTL:   5 * time.Minute,
	})
	if err != nil || !ok {
		t.Fatalf("claim session: ok=%v err=%v", ok, err)
	}
	job := &store.AsyncJob{
		TenantID:  "acme",
		UserKey:   "+5511999",
		SessionID: sess.ID,
		Type:      store.JobTypeCLITask,
		Payload:   "send the report",
	}
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	claimed, ok, err := st.ClaimNextPendingJob(ctx)
	if err != nil || !ok {
		t.Fatalf("claim job: ok=%v err=%v", ok, err)
	}
	return sess, claimed
}

func TestWorkerAdoptsAndReleasesSessionLease(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	// The session was claimed by the enqueuing process's identity; this
	// worker runs under its own. Without adoption its refresh and release
	// would no-op and the lease would stall the user for a full TTL.
	sess, claimed := claimSessionAndJob(t, st)

	proc := &stubProc{res: &runner.Result{Stdout: "all done"}, done: make(chan struct{})}
	close(proc.done) // the task finishes immediately
	w, _, rec := newTestWorker(t, st, proc, testConfig())

	w.Handle(ctx, claimed)

	got, _ := st.GetJob(ctx, claimed.ID)
	if got.Status != store.JobCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	cur, _ := st.GetSession(ctx, sess.ID)
	if cur.LeaseOwner != "" {
		t.Errorf("lease owner = %q after completion, want released", cur.LeaseOwner)
	}

	delivered := false
	for _, txt := range rec.sent() {
		if strings.Contains(txt, "all done") {
			delivered = true
		}
	}
	if !delivered {
		t.Error("task output was not delivered")
	}
}

func TestWorkerStopsProcessWhenJobCancelledElsewhere(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	_, claimed := claimSessionAndJob(t, st)

	proc := &stubProc{res: &runner.Result{}, done: make(chan struct{})}
	cfg := testConfig()
	cfg.ProgressInterval = 20 * time.Millisecond
	w, run, rec := newTestWorker(t, st, proc, cfg)

	handled := make(chan struct{})
	go func() {
		w.Handle(ctx, claimed)
		close(handled)
	}()

	select {
	case <-run.started:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never started")
	}

	// The cancel arrives from another process: only the row flips, the
	// local interrupt service knows nothing. The progress tick must notice
	// and stop the external process instead of waiting out the timeout.
	if ok, err := st.CancelJob(ctx, claimed.ID, store.JobCancelled, "cancelled by user"); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept running after the job row went terminal")
	}
	if !proc.terminated() {
		t.Error("external process was left running")
	}
	got, _ := st.GetJob(ctx, claimed.ID)
	if got.Status != store.JobCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}
	for _, txt := range rec.sent() {
		if strings.Contains(txt, "Sorry") {
			t.Errorf("failure message delivered for a cancelled job: %q", txt)
		}
	}
}
