package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sumit189/cronhook/common/models"
)

var (
	ErrNotFound = errors.New("repository: not found")
	// ErrStaleOccurrence means the schedule was advanced, paused or deleted since it was read.
	ErrStaleOccurrence = errors.New("repository: occurrence already advanced")
)

// StorageError is a transient persistence failure. The caller aborts the unit of work
// and retries it on the next tick.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleOccurrence) || errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Occurrence is one due instant being handed off by the poller.
type Occurrence struct {
	ScheduleID string
	Expected   time.Time  // next_run_at as observed by the poller
	NextRunAt  *time.Time // nil completes the schedule
	Run        models.Run // attempt 1, queued
}

// DispatchFunc is called inside the storage transaction; an error rolls it back.
type DispatchFunc func(ctx context.Context, run models.Run) error

// Resolution is the retry state machine's verdict on an outcome report.
type Resolution struct {
	Noop  bool
	Run   models.Run  // the reported attempt with its new status
	Retry *models.Run // next attempt, if any
}

type ResolveFunc func(run models.Run) (Resolution, error)

// Store persists schedules and the run ledger.
type Store interface {
	CreateSchedule(ctx context.Context, s models.Schedule) error
	GetSchedule(ctx context.Context, id string) (models.Schedule, error)
	ListSchedules(ctx context.Context, tenantID string, limit int) ([]models.Schedule, error)
	// UpdateDefinition changes trigger, target, retry policy and name. next_run_at is untouched.
	UpdateDefinition(ctx context.Context, s models.Schedule) error
	SetStatus(ctx context.Context, id string, status models.ScheduleStatus, nextRunAt *time.Time) error

	// FetchDue returns active schedules with next_run_at <= now, oldest first.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error)
	// CommitOccurrence advances next_run_at from occ.Expected, records last_run_at, inserts
	// occ.Run and dispatches it, all or nothing.
	CommitOccurrence(ctx context.Context, occ Occurrence, dispatch DispatchFunc) error

	TryLockSchedule(ctx context.Context, id, owner string, until, now time.Time) (bool, error)
	UnlockSchedule(ctx context.Context, id, owner string) error

	GetRun(ctx context.Context, id string) (models.Run, error)
	ListRuns(ctx context.Context, scheduleID string, limit int) ([]models.Run, error)
	ListRunsByStatus(ctx context.Context, tenantID string, status models.RunStatus, limit int) ([]models.Run, error)
	MarkRunning(ctx context.Context, runID, workerID string, now time.Time) (bool, error)
	// ApplyOutcome resolves an open run and stores the result plus an optional retry attempt,
	// dispatching the retry before commit.
	ApplyOutcome(ctx context.Context, runID string, resolve ResolveFunc, dispatch DispatchFunc) (Resolution, error)
	ListStaleRuns(ctx context.Context, before time.Time, limit int) ([]models.Run, error)
	TouchRun(ctx context.Context, runID string, now time.Time) error
}
