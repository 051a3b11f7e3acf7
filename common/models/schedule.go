package models

import "time"

type ScheduleKind string

const (
	KindCron     ScheduleKind = "cron"
	KindInterval ScheduleKind = "interval"
	KindOneOff   ScheduleKind = "oneoff"
)

type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleDeleted   ScheduleStatus = "deleted"
	ScheduleCompleted ScheduleStatus = "completed" // oneoff after its single occurrence
)

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

// Trigger is the persisted form of a schedule definition. Only the fields of
// Kind are meaningful; nextrun.Parse turns it into a typed spec.
type Trigger struct {
	Kind            ScheduleKind `json:"kind" bson:"kind"`
	CronExpression  string       `json:"cron_expression,omitempty" bson:"cron_expression,omitempty"`
	IntervalSeconds int64        `json:"interval_seconds,omitempty" bson:"interval_seconds,omitempty"`
	RunOnceAt       *time.Time   `json:"run_once_at,omitempty" bson:"run_once_at,omitempty"`
	Timezone        string       `json:"timezone,omitempty" bson:"timezone,omitempty"`
}

// Target is the webhook request. The scheduling core passes it through untouched.
type Target struct {
	URL         string            `json:"url" bson:"url"`
	Method      string            `json:"method" bson:"method"`
	Headers     map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
	Query       map[string]string `json:"query,omitempty" bson:"query,omitempty"`
	Body        string            `json:"body,omitempty" bson:"body,omitempty"` // sealed when an encryption key is configured
	ContentType string            `json:"content_type,omitempty" bson:"content_type,omitempty"`
}

type RetryPolicy struct {
	MaxAttempts    int         `json:"max_attempts" bson:"max_attempts"`
	BackoffSeconds int         `json:"backoff_seconds" bson:"backoff_seconds"`
	BackoffType    BackoffType `json:"backoff_type" bson:"backoff_type"`
}

// Schedule represents a webhook trigger fired by cron, fixed interval or a single instant.
type Schedule struct {
	ID        string         `json:"id" bson:"_id"`
	TenantID  string         `json:"tenant_id" bson:"tenant_id"`
	UserID    string         `json:"user_id" bson:"user_id"`
	Name      string         `json:"name" bson:"name"`
	Trigger   Trigger        `json:"trigger" bson:"trigger"`
	Status    ScheduleStatus `json:"status" bson:"status"`
	NextRunAt *time.Time     `json:"next_run_at" bson:"next_run_at"` // authoritative for due detection
	LastRunAt *time.Time     `json:"last_run_at" bson:"last_run_at"` // run_at of the latest enqueued occurrence
	Target    Target         `json:"target" bson:"target"`
	Retry     RetryPolicy    `json:"retry" bson:"retry"`
	CreatedAt time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" bson:"updated_at"`
}

func NewSchedule() *Schedule {
	now := time.Now().UTC()
	return &Schedule{
		Status: ScheduleActive,
		Retry: RetryPolicy{
			MaxAttempts:    3,
			BackoffSeconds: 60,
			BackoffType:    BackoffExponential,
		},
		Target:    Target{Method: "POST"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (b BackoffType) Valid() bool {
	switch b {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		return true
	}
	return false
}
