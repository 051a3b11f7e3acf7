package services

import (
	"context"
	"time"

	"github.com/Sumit189/cronhook/common/models"
	"github.com/Sumit189/cronhook/common/queue"
	"github.com/Sumit189/cronhook/common/repository"
	"github.com/rs/zerolog"
)

type StaleLedger interface {
	ListStaleRuns(ctx context.Context, before time.Time, limit int) ([]models.Run, error)
	TouchRun(ctx context.Context, runID string, now time.Time) error
}

type Reporter interface {
	Report(ctx context.Context, outcome models.Outcome) (repository.Resolution, error)
}

const recoveryBatch = 100

// Recovery finds attempts that never reported back. Queued ones are re-dispatched
// (the broker lost them); running ones are timed out (the worker died).
type Recovery struct {
	ledger     StaleLedger
	dispatcher queue.Dispatcher
	reporter   Reporter
	staleAfter time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

func NewRecovery(ledger StaleLedger, dispatcher queue.Dispatcher, reporter Reporter, staleAfter time.Duration, log zerolog.Logger) *Recovery {
	return &Recovery{
		ledger:     ledger,
		dispatcher: dispatcher,
		reporter:   reporter,
		staleAfter: staleAfter,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type SweepReport struct {
	Requeued int
	TimedOut int
}

func (r *Recovery) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := r.now()
	stale, err := r.ledger.ListStaleRuns(ctx, now.Add(-r.staleAfter), recoveryBatch)
	if err != nil {
		return report, err
	}

	for _, run := range stale {
		log := r.log.With().Str("run_id", run.ID).Str("schedule_id", run.ScheduleID).Logger()
		switch run.Status {
		case models.RunQueued:
			if err := r.dispatcher.Dispatch(ctx, models.TaskFromRun(run)); err != nil {
				log.Warn().Err(err).Msg("re-dispatching stale run")
				continue
			}
			if err := r.ledger.TouchRun(ctx, run.ID, now); err != nil {
				log.Warn().Err(err).Msg("touching re-dispatched run")
			}
			report.Requeued++
		case models.RunRunning:
			_, err := r.reporter.Report(ctx, models.Outcome{
				RunID:        run.ID,
				Status:       models.RunTimedOut,
				WorkerID:     run.WorkerID,
				ErrorMessage: "no outcome reported within " + r.staleAfter.String(),
			})
			if err != nil {
				log.Warn().Err(err).Msg("timing out stale run")
				continue
			}
			report.TimedOut++
		}
	}
	if report.Requeued+report.TimedOut > 0 {
		r.log.Info().Int("requeued", report.Requeued).Int("timed_out", report.TimedOut).Msg("recovered stale runs")
	}
	return report, nil
}
