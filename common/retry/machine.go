// Package retry decides what happens to an occurrence after an attempt reports back.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/Sumit189/cronhook/common/models"
	"github.com/Sumit189/cronhook/common/queue"
	"github.com/Sumit189/cronhook/common/repository"
	"github.com/rs/zerolog"
)

var ErrInvalidOutcome = errors.New("retry: outcome status must be success, failed or timed_out")

type Ledger interface {
	MarkRunning(ctx context.Context, runID, workerID string, now time.Time) (bool, error)
	ApplyOutcome(ctx context.Context, runID string, resolve repository.ResolveFunc, dispatch repository.DispatchFunc) (repository.Resolution, error)
}

type Machine struct {
	ledger     Ledger
	dispatcher queue.Dispatcher
	log        zerolog.Logger
	now        func() time.Time
	newID      func() string
}

func NewMachine(ledger Ledger, dispatcher queue.Dispatcher, log zerolog.Logger) *Machine {
	return &Machine{
		ledger:     ledger,
		dispatcher: dispatcher,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      models.NewRunID,
	}
}

// MarkRunning claims a queued attempt for a worker. False means the attempt was
// already claimed or resolved and must not be executed again.
func (m *Machine) MarkRunning(ctx context.Context, runID, workerID string) (bool, error) {
	return m.ledger.MarkRunning(ctx, runID, workerID, m.now())
}

// Report applies an outcome. Reports for runs that are no longer open are no-ops.
func (m *Machine) Report(ctx context.Context, outcome models.Outcome) (repository.Resolution, error) {
	switch outcome.Status {
	case models.RunSuccess, models.RunFailed, models.RunTimedOut:
	default:
		return repository.Resolution{}, ErrInvalidOutcome
	}

	resolve := func(run models.Run) (repository.Resolution, error) {
		return m.resolve(run, outcome), nil
	}
	dispatch := func(ctx context.Context, run models.Run) error {
		return m.dispatcher.Dispatch(ctx, models.TaskFromRun(run))
	}

	res, err := m.ledger.ApplyOutcome(ctx, outcome.RunID, resolve, dispatch)
	if err != nil {
		return res, err
	}

	switch {
	case res.Noop:
		m.log.Debug().Str("run_id", outcome.RunID).Msg("duplicate outcome ignored")
	case res.Retry != nil:
		m.log.Info().Str("run_id", outcome.RunID).Str("status", string(res.Run.Status)).
			Str("retry_run_id", res.Retry.ID).Int("attempt", res.Retry.Attempt).
			Time("dispatch_at", res.Retry.DispatchAt).Msg("retry scheduled")
	case res.Run.Status == models.RunDeadLetter:
		m.log.Warn().Str("run_id", outcome.RunID).Str("schedule_id", res.Run.ScheduleID).
			Int("attempt", res.Run.Attempt).Msg("attempts exhausted, dead-lettered")
	default:
		m.log.Info().Str("run_id", outcome.RunID).Str("status", string(res.Run.Status)).Msg("run finished")
	}
	return res, nil
}

func (m *Machine) resolve(run models.Run, outcome models.Outcome) repository.Resolution {
	if !run.Status.Open() {
		return repository.Resolution{Noop: true, Run: run}
	}

	now := m.now()
	run.Status = outcome.Status
	if outcome.WorkerID != "" {
		run.WorkerID = outcome.WorkerID
	}
	run.DurationMs = outcome.DurationMs
	run.ResponseSummary = outcome.ResponseSummary
	run.ErrorMessage = outcome.ErrorMessage
	run.FinishedAt = &now
	run.UpdatedAt = now

	if run.Status == models.RunSuccess {
		return repository.Resolution{Run: run}
	}
	if run.Attempt >= run.Retry.MaxAttempts {
		run.Status = models.RunDeadLetter
		return repository.Resolution{Run: run}
	}

	delay := Delay(run.Retry.BackoffType, BaseDelay(run.Retry.BackoffSeconds), run.Attempt)
	next := models.Run{
		ID:         m.newID(),
		ScheduleID: run.ScheduleID,
		TenantID:   run.TenantID,
		RunAt:      run.RunAt,
		Attempt:    run.Attempt + 1,
		Status:     models.RunQueued,
		Target:     run.Target,
		Retry:      run.Retry,
		DispatchAt: now.Add(delay),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return repository.Resolution{Run: run, Retry: &next}
}
