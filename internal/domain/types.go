package domain

import (
	"encoding/json"
	"time"
)

// ScheduleKind selects how a job's next fire time is computed.
type ScheduleKind string

const (
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleWeekly   ScheduleKind = "weekly"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

// StrategyKind selects which execution routine a job invokes.
type StrategyKind string

const (
	StrategyPrompt StrategyKind = "prompt"
	StrategySystem StrategyKind = "system"
	StrategyManual StrategyKind = "manual"
	StrategyBatch  StrategyKind = "batch"
)

// RunStatus is the lifecycle state of a JobRun. Runs are created in
// StatusRunning and mutated exactly once to a terminal state, except for
// skipped runs which are inserted already terminal.
type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
	StatusPartial RunStatus = "partial"
	StatusSkipped RunStatus = "skipped"
)

// Skip reasons recorded in a skipped run's result payload.
const (
	SkipAlreadyRunning = "already_running"
	SkipPriorityBlock  = "priority_block"
	SkipRunLimit       = "run_limit_reached"
)

// Job is a recurring unit of content-generation work.
type Job struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Schedule        ScheduleKind `json:"schedule_kind"`
	ScheduledTime   string       `json:"scheduled_time,omitempty"` // "15:04", daily/weekly
	Weekday         int          `json:"weekday"`                  // 0=Sunday, weekly only
	IntervalMinutes int          `json:"interval_minutes,omitempty"`
	CronExpr        string       `json:"cron_expr,omitempty"`

	Strategy StrategyKind `json:"strategy"`
	IsActive bool         `json:"is_active"`

	RunCount int `json:"run_count"`
	MaxRuns  int `json:"max_runs"` // 0 = unlimited

	LastRun *time.Time `json:"last_run,omitempty"`
	NextRun *time.Time `json:"next_run,omitempty"`

	// Payload is an opaque option bag interpreted by the strategy
	// (prompt text, batch item list, retry policy, system task name).
	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunsExhausted reports whether the job has hit its max_runs ceiling.
func (j Job) RunsExhausted() bool {
	return j.MaxRuns > 0 && j.RunCount >= j.MaxRuns
}

// JobRun is one timestamped execution attempt of a Job.
type JobRun struct {
	ID       string       `json:"id"`
	JobID    string       `json:"job_id"`
	Strategy StrategyKind `json:"strategy"`
	Status   RunStatus    `json:"status"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"` // set iff status != running

	CreatedCount    int             `json:"created_count"`
	Errors          []string        `json:"errors,omitempty"`
	PublishErrors   []string        `json:"publish_errors,omitempty"`
	ContextSnapshot json.RawMessage `json:"context_snapshot,omitempty"`
	ResultPayload   json.RawMessage `json:"result_payload,omitempty"`
}

// ExecutionResult is what a strategy reports back to the execution guard.
// Errors holds generation failures and drives the aggregate status.
// PublishErrors holds delivery failures on already-generated content; they
// never retract a generation success, so a success has an empty Errors list
// even when deliveries failed.
type ExecutionResult struct {
	Status        RunStatus
	CreatedCount  int
	Errors        []string
	PublishErrors []string
	Result        json.RawMessage
}

// FailedResult builds a failed ExecutionResult from error strings.
func FailedResult(errs ...string) ExecutionResult {
	return ExecutionResult{Status: StatusFailed, Errors: errs}
}
