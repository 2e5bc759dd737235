package queue

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/store"
)

func newTestStore(t *testing.T) *store.Store {
	st, _ := newTestStoreDB(t)
	return st
}

func newTestStoreDB(t *testing.T) (*store.Store, *sql.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	st := store.New(db)
	t.Cleanup(func() { _ = st.Close() })
	return st, db
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Concurrency = 1
	cfg.ShutdownGrace = 2 * time.Second
	return cfg
}

func cliJob(payload string) *store.AsyncJob {
	return &store.AsyncJob{
		TenantID: "acme",
		UserKey:  "+5511999",
		Type:     store.JobTypeCLITask,
		Payload:  payload,
	}
}

func TestEnqueueDedupCollapses(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	q := New(st, testConfig(), HandlerFunc(func(context.Context, *store.AsyncJob) {}), nil)

	first, err := q.Enqueue(ctx, cliJob("send the report"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, cliJob("send the report"))
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if second != first {
		t.Errorf("duplicate got job %s, want collapsed onto %s", second, first)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[store.JobPending] != 1 {
		t.Errorf("pending = %d, want 1", stats[store.JobPending])
	}

	// Different content is a different job.
	third, err := q.Enqueue(ctx, cliJob("something else"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if third == first {
		t.Error("distinct payload collapsed onto existing job")
	}
}

func TestEnqueueAfterInterruptCreatesNewJob(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	q := New(st, testConfig(), HandlerFunc(func(context.Context, *store.AsyncJob) {}), nil)

	first, err := q.Enqueue(ctx, cliJob("send the report"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ok, err := q.Cancel(ctx, first, store.JobInterrupted, "superseded by newer message"); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	// Resending the same content right after the old job died must start a
	// new job; collapsing onto the dead one would silently run nothing.
	second, err := q.Enqueue(ctx, cliJob("send the report"))
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if second == first {
		t.Fatal("resubmission collapsed onto the interrupted job")
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[store.JobPending] != 1 {
		t.Errorf("pending = %d, want 1 runnable job", stats[store.JobPending])
	}
}

func TestEnqueueTenantCap(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.MaxActivePerTenant = 1
	q := New(st, cfg, HandlerFunc(func(context.Context, *store.AsyncJob) {}), nil)

	if _, err := q.Enqueue(ctx, cliJob("first")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, err := q.Enqueue(ctx, cliJob("second"))
	if !errors.Is(err, ErrTenantBusy) {
		t.Errorf("err = %v, want ErrTenantBusy", err)
	}
}

func TestEnqueueRejectedAfterShutdown(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	q := New(st, testConfig(), HandlerFunc(func(context.Context, *store.AsyncJob) {}), nil)

	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := q.Enqueue(ctx, cliJob("late")); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("err = %v, want ErrShuttingDown", err)
	}
}

func TestCancelRaceWithCompletion(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	q := New(st, testConfig(), HandlerFunc(func(context.Context, *store.AsyncJob) {}), nil)

	jobID, err := q.Enqueue(ctx, cliJob("work"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ok, err := q.Cancel(ctx, jobID, store.JobCancelled, "cancelled by user")
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	got, _ := st.GetJob(ctx, jobID)
	if got.Status != store.JobCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}

	// Cancelling a finished job loses the race quietly.
	ok, err = q.Cancel(ctx, jobID, store.JobInterrupted, "again")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if ok {
		t.Error("cancel of terminal job must report false")
	}
}

func TestWorkerProcessesBacklog(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	done := make(chan string, 2)
	q := New(st, testConfig(), HandlerFunc(func(ctx context.Context, job *store.AsyncJob) {
		if err := st.CompleteJob(ctx, job.ID, store.JobCompleted, "ok", ""); err != nil {
			t.Errorf("complete: %v", err)
		}
		done <- job.ID
	}), nil)

	// One job enqueued before Start exercises backlog drain; one after
	// exercises the wake path.
	before, err := q.Enqueue(ctx, cliJob("queued before start"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Shutdown(ctx)

	after, err := q.Enqueue(ctx, cliJob("queued after start"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-done:
			seen[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	if !seen[before] || !seen[after] {
		t.Errorf("processed %v, want both %s and %s", seen, before, after)
	}
}

func TestOrphanRecoveryOnStart(t *testing.T) {
	t.Parallel()
	st, db := newTestStoreDB(t)
	ctx := context.Background()

	job := cliJob("crashed mid-flight")
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, ok, _ := st.ClaimNextPendingJob(ctx); !ok {
		t.Fatal("claim failed")
	}
	// The "crashed" process started this job long ago; a fresh RUNNING row
	// would belong to a live peer and must not be touched.
	stale := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)
	if _, err := db.Exec("UPDATE async_jobs SET started_at = ? WHERE id = ?", stale, job.ID); err != nil {
		t.Fatalf("age job: %v", err)
	}

	done := make(chan struct{}, 1)
	q := New(st, testConfig(), HandlerFunc(func(ctx context.Context, j *store.AsyncJob) {
		_ = st.CompleteJob(ctx, j.ID, store.JobCompleted, "", "")
		done <- struct{}{}
	}), nil)
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Shutdown(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orphaned job was not recovered")
	}
}

func TestOrphanRecoverySparesLivePeers(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	job := cliJob("running on another process")
	if err := st.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, ok, _ := st.ClaimNextPendingJob(ctx); !ok {
		t.Fatal("claim failed")
	}

	// A rolling restart must not requeue a job a healthy peer just claimed.
	q := New(st, testConfig(), HandlerFunc(func(ctx context.Context, j *store.AsyncJob) {
		t.Errorf("in-flight peer job %s was double-executed", j.ID)
	}), nil)
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Shutdown(ctx)

	time.Sleep(100 * time.Millisecond)
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != store.JobRunning {
		t.Errorf("status = %s, want RUNNING left to the peer", got.Status)
	}
}
