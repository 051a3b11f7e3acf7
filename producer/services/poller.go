package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Sumit189/cronhook/common/lock"
	"github.com/Sumit189/cronhook/common/models"
	"github.com/Sumit189/cronhook/common/nextrun"
	"github.com/Sumit189/cronhook/common/queue"
	"github.com/Sumit189/cronhook/common/repository"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type DueStore interface {
	FetchDue(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error)
	CommitOccurrence(ctx context.Context, occ repository.Occurrence, dispatch repository.DispatchFunc) error
}

type PollerConfig struct {
	Tick      time.Duration
	BatchSize int
	Workers   int
	LockTTL   time.Duration
	Missed    nextrun.MissedPolicy
}

// TickReport counts what happened to the candidates of one tick.
type TickReport struct {
	Due       int
	Enqueued  int
	Contended int // locked elsewhere or already advanced
	Skipped   int // cannot be advanced: no next_run_at or a trigger that no longer parses
	Failed    int // left due for the next tick
}

type result int

const (
	resultEnqueued result = iota
	resultContended
	resultSkipped
	resultFailed
)

type Poller struct {
	store      DueStore
	locks      lock.Coordinator
	dispatcher queue.Dispatcher
	cfg        PollerConfig
	log        zerolog.Logger
	now        func() time.Time
	newID      func() string
}

func NewPoller(store DueStore, locks lock.Coordinator, dispatcher queue.Dispatcher, cfg PollerConfig, log zerolog.Logger) *Poller {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Poller{
		store:      store,
		locks:      locks,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      models.NewRunID,
	}
}

// Run ticks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info().Dur("tick", p.cfg.Tick).Int("batch", p.cfg.BatchSize).Msg("starting poller")

	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("poller received context cancellation, exiting")
			return
		case <-ticker.C:
			report, err := p.Tick(ctx, p.now())
			if err != nil {
				p.log.Error().Err(err).Msg("fetching due schedules")
				continue
			}
			if report.Due > 0 {
				p.log.Info().Int("due", report.Due).Int("enqueued", report.Enqueued).
					Int("contended", report.Contended).Int("skipped", report.Skipped).Int("failed", report.Failed).Msg("tick")
			}
		}
	}
}

// Tick processes one batch of due schedules. Only the due query can fail the tick;
// per-schedule failures are counted and retried next tick.
func (p *Poller) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	due, err := p.store.FetchDue(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return TickReport{}, err
	}
	report := TickReport{Due: len(due)}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, s := range due {
		g.Go(func() error {
			r := p.process(ctx, s, now)
			mu.Lock()
			defer mu.Unlock()
			switch r {
			case resultEnqueued:
				report.Enqueued++
			case resultContended:
				report.Contended++
			case resultSkipped:
				report.Skipped++
			default:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

func (p *Poller) process(ctx context.Context, s models.Schedule, now time.Time) result {
	log := p.log.With().Str("schedule_id", s.ID).Str("tenant_id", s.TenantID).Logger()
	if s.NextRunAt == nil {
		return resultSkipped
	}

	ok, err := p.locks.TryAcquire(ctx, s.ID, p.cfg.LockTTL)
	if err != nil {
		log.Warn().Err(err).Msg("lock unavailable")
		return resultFailed
	}
	if !ok {
		log.Debug().Msg("schedule locked by another poller")
		return resultContended
	}
	defer func() {
		if err := p.locks.Release(context.WithoutCancel(ctx), s.ID); err != nil {
			log.Warn().Err(err).Msg("releasing lock")
		}
	}()

	spec, err := nextrun.Parse(s.Trigger)
	if err != nil {
		log.Error().Err(err).Msg("stored trigger no longer parses")
		return resultSkipped
	}

	current := *s.NextRunAt
	occ := repository.Occurrence{
		ScheduleID: s.ID,
		Expected:   current,
		NextRunAt:  nextrun.Advance(spec, current, now, p.cfg.Missed),
		Run: models.Run{
			ID:         p.newID(),
			ScheduleID: s.ID,
			TenantID:   s.TenantID,
			RunAt:      current,
			Attempt:    1,
			Status:     models.RunQueued,
			Target:     s.Target,
			Retry:      s.Retry,
			DispatchAt: current,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}

	err = p.store.CommitOccurrence(ctx, occ, func(ctx context.Context, run models.Run) error {
		return p.dispatcher.Dispatch(ctx, models.TaskFromRun(run))
	})
	var dispatchErr *queue.DispatchError
	switch {
	case err == nil:
		ev := log.Info().Str("run_id", occ.Run.ID).Time("run_at", current)
		if occ.NextRunAt != nil {
			ev = ev.Time("next_run_at", *occ.NextRunAt)
		}
		ev.Msg("occurrence enqueued")
		return resultEnqueued
	case errors.Is(err, repository.ErrStaleOccurrence):
		log.Debug().Msg("occurrence already advanced")
		return resultContended
	case errors.As(err, &dispatchErr):
		log.Warn().Err(err).Msg("dispatch failed, occurrence stays due")
		return resultFailed
	default:
		log.Error().Err(err).Msg("committing occurrence")
		return resultFailed
	}
}
