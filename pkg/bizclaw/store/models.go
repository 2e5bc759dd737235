// Package store – models.go defines the persisted record types shared by the
// session, queue, scheduler and trigger subsystems.
package store

import (
	"database/sql"
	"time"
)

// SessionKind distinguishes conversation sessions from browser automation
// sessions. Both share the sessions table and the same lease semantics.
type SessionKind string

const (
	KindConversation SessionKind = "conversation"
	KindBrowser      SessionKind = "browser"
)

// Session is a conversation or browser session owned by one user of a tenant.
// At most one active (un-ended) session per (TenantID, OwnerKey, Kind) is
// returned as "current"; the lease columns coordinate who may act on it.
type Session struct {
	ID             string
	TenantID       string
	OwnerKey       string
	Kind           SessionKind
	StartedAt      time.Time
	LastActiveAt   time.Time
	EndedAt        *time.Time
	ResetAt        *time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
}

// ScheduledTask is a cron or one-time task created by a user.
type ScheduledTask struct {
	ID         string
	TenantID   string
	UserKey    string
	Prompt     string
	TaskType   string
	IsOneTime  bool
	CronExpr   string
	RunAt      *time.Time
	Timezone   string
	NextRunAt  time.Time
	LastRunAt  *time.Time
	ErrorCount int
	Enabled    bool
	CreatedAt  time.Time
}

// JobStatus is the lifecycle state of an async job. Transitions are
// monotonic except for cancellation, which may occur from any non-terminal
// state.
type JobStatus string

const (
	JobPending     JobStatus = "PENDING"
	JobRunning     JobStatus = "RUNNING"
	JobCompleted   JobStatus = "COMPLETED"
	JobFailed      JobStatus = "FAILED"
	JobCancelled   JobStatus = "CANCELLED"
	JobInterrupted JobStatus = "INTERRUPTED"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobInterrupted:
		return true
	}
	return false
}

// JobType discriminates how the worker routes a job.
type JobType string

const (
	JobTypeCLITask    JobType = "cli-task"
	JobTypeSessionEnd JobType = "session-end"
)

// AsyncJob is one durable queue entry.
type AsyncJob struct {
	ID           string
	TenantID     string
	UserKey      string
	SessionID    string
	Type         JobType
	Payload      string
	PayloadHash  string
	Status       JobStatus
	Attempts     int
	EnqueuedAt   time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Progress     string // JSON array of progress entries.
	OutputResult string
	ErrorMessage string
}

// TriggerType identifies what fires a trigger.
type TriggerType string

const (
	TriggerTime      TriggerType = "TIME"
	TriggerEvent     TriggerType = "EVENT"
	TriggerCondition TriggerType = "CONDITION"
	TriggerWebhook   TriggerType = "WEBHOOK"
)

// Autonomy is how much a trigger may act without human confirmation.
type Autonomy string

const (
	AutonomyNotify  Autonomy = "NOTIFY"
	AutonomyConfirm Autonomy = "CONFIRM"
	AutonomyAuto    Autonomy = "AUTO"
)

// TriggerStatus is the administrative state of a trigger.
type TriggerStatus string

const (
	TriggerActive TriggerStatus = "ACTIVE"
	TriggerPaused TriggerStatus = "PAUSED"
)

// Trigger reacts to time, events, polled conditions or inbound webhooks by
// executing a task prompt on behalf of its user.
type Trigger struct {
	ID              string
	TenantID        string
	UserKey         string
	Type            TriggerType
	Autonomy        Autonomy
	Config          string // JSON, type-specific (cron expr, event type, condition...).
	TaskPrompt      string
	Status          TriggerStatus
	CooldownSeconds int
	LastTriggeredAt *time.Time
	ErrorCount      int
	WebhookPath     string
	WebhookSecret   string // Credential store service name, never the raw secret.
	CreatedAt       time.Time
}

// ConfirmationStatus tracks the approval state of a CONFIRM-autonomy firing.
type ConfirmationStatus string

const (
	ConfirmPending  ConfirmationStatus = "PENDING"
	ConfirmApproved ConfirmationStatus = "APPROVED"
	ConfirmRejected ConfirmationStatus = "REJECTED"
)

// TriggerExecution records a single trigger firing.
type TriggerExecution struct {
	ID                   string
	TriggerID            string
	TenantID             string
	UserKey              string
	StartedAt            time.Time
	ConfirmationStatus   ConfirmationStatus
	ConfirmationDeadline *time.Time
	TriggeredBy          string
}

// ---------- Time encoding helpers ----------

// Timestamps are stored as UTC RFC3339 strings for readable rows and
// lexicographic ordering.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
