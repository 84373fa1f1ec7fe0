package queue

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Status represents the lifecycle of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// LeaseExhaustedMessage is recorded on tasks failed by recovery after their
// final attempt's lease expired.
const LeaseExhaustedMessage = "lease expired, attempts exhausted"

var allStatuses = []Status{
	StatusQueued,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var terminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	return slices.Clone(allStatuses)
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	return normalized, slices.Contains(allStatuses, normalized)
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return slices.Contains(terminalStatuses, s)
}

// Compatibility describes constraints a claiming worker must satisfy. Empty
// fields are unconstrained.
type Compatibility struct {
	Region string `json:"region,omitempty"`
	Format string `json:"format,omitempty"`
}

// IsZero reports whether the task carries no constraints.
func (c Compatibility) IsZero() bool {
	return c.Region == "" && c.Format == ""
}

// Capabilities advertises what a worker can execute. An empty Types list
// accepts every task type; empty Regions or Formats only match tasks without
// that constraint.
type Capabilities struct {
	Types   []string `json:"types,omitempty"`
	Regions []string `json:"regions,omitempty"`
	Formats []string `json:"formats,omitempty"`
}

// Normalized trims, de-duplicates, and sorts every list.
func (c Capabilities) Normalized() Capabilities {
	return Capabilities{
		Types:   normalizeList(c.Types),
		Regions: normalizeList(c.Regions),
		Formats: normalizeList(c.Formats),
	}
}

// Accepts reports whether a task with the given type and constraints could be
// claimed by a worker with these capabilities.
func (c Capabilities) Accepts(taskType string, compat Compatibility) bool {
	if len(c.Types) > 0 && !slices.Contains(c.Types, taskType) {
		return false
	}
	if compat.Region != "" && !slices.Contains(c.Regions, compat.Region) {
		return false
	}
	if compat.Format != "" && !slices.Contains(c.Formats, compat.Format) {
		return false
	}
	return true
}

func normalizeList(values []string) []string {
	out := lo.Uniq(lo.FilterMap(values, func(v string, _ int) (string, bool) {
		v = strings.TrimSpace(v)
		return v, v != ""
	}))
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return out
}

// Task is a unit of work persisted in task_queue.
type Task struct {
	ID                  int64           `json:"id"`
	Type                string          `json:"type"`
	Priority            int             `json:"priority"`
	Payload             json.RawMessage `json:"payload"`
	Compatibility       Compatibility   `json:"compatibility"`
	Status              Status          `json:"status"`
	Attempts            int             `json:"attempts"`
	MaxAttempts         int             `json:"max_attempts"`
	RunAfter            time.Time       `json:"run_after"`
	LeaseUntil          *time.Time      `json:"lease_until,omitempty"`
	LockedBy            string          `json:"locked_by,omitempty"`
	IdempotencyKey      string          `json:"idempotency_key,omitempty"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	Result              string          `json:"result,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	ProcessingStartedAt *time.Time      `json:"processing_started_at,omitempty"`
	FinishedAt          *time.Time      `json:"finished_at,omitempty"`
}

// LeaseExpired reports whether a processing task's lease has passed at now.
func (t Task) LeaseExpired(now time.Time) bool {
	return t.Status == StatusProcessing && t.LeaseUntil != nil && !t.LeaseUntil.After(now)
}

// Worker is a claiming process and its advertised capabilities. Heartbeats are
// informational only; lease expiry drives recovery.
type Worker struct {
	ID           string       `json:"worker_id"`
	Capabilities Capabilities `json:"capabilities"`
	Heartbeat    time.Time    `json:"heartbeat"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// Log levels written to task_logs.
const (
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// TaskLog is an append-only audit entry for a task transition.
type TaskLog struct {
	ID      int64     `json:"log_id"`
	TaskID  int64     `json:"task_id"`
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// EnqueueRequest describes a new task. Zero MaxAttempts uses the store default;
// RunAfter or Delay postpone eligibility.
type EnqueueRequest struct {
	Type           string        `validate:"required,max=128"`
	Priority       int
	Payload        json.RawMessage
	Compatibility  Compatibility
	MaxAttempts    int           `validate:"gte=0,lte=1000"`
	RunAfter       time.Time
	Delay          time.Duration `validate:"gte=0"`
	IdempotencyKey string        `validate:"max=255"`
}

// EnqueueResult reports the stored task. Duplicate is true when the
// idempotency key matched an existing task, which is returned unchanged.
type EnqueueResult struct {
	Task      *Task
	Duplicate bool
}

// ClaimRequest describes one claim attempt. Zero Strategy or Lease use the
// store defaults.
type ClaimRequest struct {
	WorkerID     string
	Capabilities Capabilities
	Strategy     Strategy
	Lease        time.Duration
}

// ListFilter narrows ListTasks. Zero Limit uses a default page size.
type ListFilter struct {
	Statuses []Status
	Types    []string
	Limit    int
	AfterID  int64
}

// QueueStats summarizes the queue.
type QueueStats struct {
	TotalByStatus          map[Status]int `json:"total_by_status"`
	Total                  int            `json:"total"`
	OldestQueuedAgeSeconds float64        `json:"oldest_queued_age_seconds"`
	ExpiredLeases          int            `json:"expired_leases"`
	Workers                int            `json:"workers"`
}

// RecoveryResult reports what a stale-lease sweep did.
type RecoveryResult struct {
	Requeued int     `json:"requeued"`
	Failed   int     `json:"failed"`
	TaskIDs  []int64 `json:"task_ids,omitempty"`
}

// Total returns the number of recovered tasks.
func (r RecoveryResult) Total() int {
	return r.Requeued + r.Failed
}

// DatabaseHealth captures diagnostic information about the queue database.
type DatabaseHealth struct {
	DBPath           string   `json:"db_path"`
	DatabaseExists   bool     `json:"database_exists"`
	DatabaseReadable bool     `json:"database_readable"`
	SchemaVersion    int      `json:"schema_version"`
	JournalMode      string   `json:"journal_mode"`
	TablesPresent    []string `json:"tables_present"`
	MissingTables    []string `json:"missing_tables,omitempty"`
	MissingColumns   []string `json:"missing_columns,omitempty"`
	IntegrityCheck   bool     `json:"integrity_ok"`
	TotalTasks       int      `json:"total_tasks"`
	Error            string   `json:"error,omitempty"`
}

// Healthy reports whether every check passed.
func (h DatabaseHealth) Healthy() bool {
	return h.DatabaseExists && h.DatabaseReadable && h.IntegrityCheck &&
		len(h.MissingTables) == 0 && len(h.MissingColumns) == 0 && h.Error == ""
}
