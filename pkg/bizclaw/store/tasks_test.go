package store

import (
	"context"
	"testing"
	"time"
)

func insertTask(t *testing.T, s *Store, nextRunAt time.Time) *ScheduledTask {
	t.Helper()
	task := &ScheduledTask{
		TenantID:  "acme",
		UserKey:   "+5511999",
		Prompt:    "send the report",
		TaskType:  "recurring",
		CronExpr:  "0 9 * * *",
		NextRunAt: nextRunAt,
		Enabled:   true,
	}
	if err := s.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

func TestDueTasksOnlyPast(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	due := insertTask(t, s, time.Now().Add(-time.Minute))
	insertTask(t, s, time.Now().Add(time.Hour))

	tasks, err := s.DueTasks(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("due tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != due.ID {
		t.Errorf("due = %d tasks, want only %s", len(tasks), due.ID)
	}
}

func TestDueTasksSkipsDisabled(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := insertTask(t, s, time.Now().Add(-time.Minute))
	if err := s.DisableTask(ctx, task.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	tasks, err := s.DueTasks(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("due tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("disabled task came back as due")
	}
}

func TestMarkTaskFailedCountsAndRunResets(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := insertTask(t, s, time.Now().Add(-time.Minute))

	for want := 1; want <= 2; want++ {
		count, err := s.MarkTaskFailed(ctx, task.ID, time.Now().Add(2*time.Minute))
		if err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if count != want {
			t.Errorf("error count = %d, want %d", count, want)
		}
	}

	// One success wipes the streak.
	next := time.Now().Add(24 * time.Hour)
	if err := s.MarkTaskRun(ctx, task.ID, time.Now(), next); err != nil {
		t.Fatalf("mark run: %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.ErrorCount != 0 {
		t.Errorf("error count after run = %d, want 0", got.ErrorCount)
	}
	if got.LastRunAt == nil {
		t.Error("last run not recorded")
	}
	if !got.NextRunAt.After(time.Now()) {
		t.Error("next run not moved forward")
	}
}

func TestCountEnabledTasks(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := insertTask(t, s, time.Now().Add(time.Hour))
	insertTask(t, s, time.Now().Add(time.Hour))

	n, err := s.CountEnabledTasks(ctx, "acme", "+5511999")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	if err := s.DeleteTask(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ = s.CountEnabledTasks(ctx, "acme", "+5511999"); n != 1 {
		t.Errorf("count after delete = %d, want 1", n)
	}
}
