package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sumit189/cronhook/common/models"
	"github.com/Sumit189/cronhook/common/queue"
	"github.com/Sumit189/cronhook/common/repository"
	"github.com/rs/zerolog"
)

const (
	processChanBuffer = 1000
	reportTimeout     = 10 * time.Second
)

// Reporter is the retry state machine as seen by workers.
type Reporter interface {
	MarkRunning(ctx context.Context, runID, workerID string) (bool, error)
	Report(ctx context.Context, outcome models.Outcome) (repository.Resolution, error)
}

type Runner interface {
	Execute(ctx context.Context, task models.Task) models.Outcome
}

type Consumer struct {
	source   queue.Source
	runner   Runner
	reporter Reporter
	workers  int
	id       string
	log      zerolog.Logger
	delayed  *delayQueue
}

func NewConsumer(source queue.Source, runner Runner, reporter Reporter, workers int, instanceID string, log zerolog.Logger) *Consumer {
	if workers < 1 {
		workers = 1
	}
	return &Consumer{
		source:   source,
		runner:   runner,
		reporter: reporter,
		workers:  workers,
		id:       instanceID,
		log:      log,
		delayed:  newDelayQueue(),
	}
}

// Run blocks until ctx is cancelled and every worker has returned. Attempts left in
// the delay heap stay queued in the ledger and are recovered by the producer.
func (c *Consumer) Run(ctx context.Context) {
	c.log.Info().Int("workers", c.workers).Msg("starting consumer")
	processChan := make(chan models.Task, processChanBuffer)
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.receive(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.delayed.run(ctx, processChan)
	}()

	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.work(ctx, processChan, fmt.Sprintf("%s-%d", c.id, n))
		}(i)
	}

	wg.Wait()
	if pending := c.delayed.Len(); pending > 0 {
		c.log.Warn().Int("pending", pending).Msg("consumer stopped with delayed tasks")
	}
	c.log.Info().Msg("consumer stopped")
}

func (c *Consumer) receive(ctx context.Context) {
	for {
		d, err := c.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Msg("receiving task")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		c.delayed.Push(d.Task)
		if err := d.Ack(ctx); err != nil {
			c.log.Warn().Err(err).Str("run_id", d.Task.RunID).Msg("acknowledging task")
		}
	}
}

func (c *Consumer) work(ctx context.Context, tasks <-chan models.Task, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-tasks:
			c.process(ctx, task, workerID)
		}
	}
}

func (c *Consumer) process(ctx context.Context, task models.Task, workerID string) {
	log := c.log.With().Str("run_id", task.RunID).Str("schedule_id", task.ScheduleID).
		Int("attempt", task.Attempt).Str("worker_id", workerID).Logger()

	ok, err := c.reporter.MarkRunning(ctx, task.RunID, workerID)
	if err != nil {
		log.Error().Err(err).Msg("claiming run")
		return
	}
	if !ok {
		log.Debug().Msg("run already claimed or resolved")
		return
	}

	outcome := c.runner.Execute(ctx, task)
	outcome.RunID = task.RunID
	outcome.WorkerID = workerID

	// a call cut short by shutdown says nothing about the target; the run stays
	// running and stale recovery reports it
	if ctx.Err() != nil && outcome.Status != models.RunSuccess {
		log.Warn().Str("status", string(outcome.Status)).Msg("attempt interrupted by shutdown, left for recovery")
		return
	}

	// a success is recorded even when shutting down right after the call
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if _, err := c.reporter.Report(reportCtx, outcome); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn().Msg("run vanished before outcome")
			return
		}
		log.Error().Err(err).Str("status", string(outcome.Status)).Msg("reporting outcome")
		return
	}
	log.Info().Str("status", string(outcome.Status)).Int64("duration_ms", outcome.DurationMs).Msg("attempt finished")
}
