package models

import "time"

type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunRunning    RunStatus = "running"
	RunSuccess    RunStatus = "success"
	RunFailed     RunStatus = "failed"
	RunTimedOut   RunStatus = "timed_out"
	RunDeadLetter RunStatus = "dead_letter"
)

// Open reports whether the attempt still waits for an outcome.
func (s RunStatus) Open() bool {
	return s == RunQueued || s == RunRunning
}

// Terminal reports whether the occurrence is finished for good.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunDeadLetter
}

// Run is one execution attempt of an occurrence. Retries append new rows.
type Run struct {
	ID              string      `json:"id" bson:"_id"`
	ScheduleID      string      `json:"schedule_id" bson:"schedule_id"`
	TenantID        string      `json:"tenant_id" bson:"tenant_id"`
	RunAt           time.Time   `json:"run_at" bson:"run_at"` // occurrence instant, not dispatch time
	Attempt         int         `json:"attempt" bson:"attempt"`
	Status          RunStatus   `json:"status" bson:"status"`
	WorkerID        string      `json:"worker_id,omitempty" bson:"worker_id"`
	DurationMs      int64       `json:"duration_ms" bson:"duration_ms"`
	ResponseSummary string      `json:"response_summary,omitempty" bson:"response_summary"`
	ErrorMessage    string      `json:"error_message,omitempty" bson:"error_message"`
	Target          Target      `json:"target" bson:"target"`
	Retry           RetryPolicy `json:"retry" bson:"retry"`
	DispatchAt      time.Time   `json:"dispatch_at" bson:"dispatch_at"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty" bson:"finished_at"`
	CreatedAt       time.Time   `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at" bson:"updated_at"`
}

// Outcome is what the execution collaborator reports for one attempt.
type Outcome struct {
	RunID           string    `json:"run_id"`
	Status          RunStatus `json:"status"`
	WorkerID        string    `json:"worker_id,omitempty"`
	DurationMs      int64     `json:"duration_ms"`
	ResponseSummary string    `json:"response_summary,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}
