package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/Sumit189/cronhook/common/app"
	"github.com/Sumit189/cronhook/common/config"
	"github.com/Sumit189/cronhook/common/logger"
	"github.com/Sumit189/cronhook/common/retry"
	"github.com/Sumit189/cronhook/producer/services"
)

func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	l, closer, err := logger.Init("producer", cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatal().Err(err).Msg("init logger")
	}
	defer closer.Close()
	l = l.With().Str("instance_id", cfg.InstanceID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		l.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open store")
	}
	defer closeStore()

	rdb, err := app.OpenRedis(ctx, cfg, l)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	if rdb != nil {
		defer rdb.Close()
	}

	dispatcher, err := app.OpenDispatcher(ctx, cfg, rdb, l)
	if err != nil {
		l.Fatal().Err(err).Str("backend", cfg.QueueBackend).Msg("failed to open dispatcher")
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			l.Error().Err(err).Msg("closing dispatcher")
		}
	}()

	locks := app.NewLocks(cfg, rdb, store, l)
	poller := services.NewPoller(store, locks, dispatcher, services.PollerConfig{
		Tick:      cfg.PollTick,
		BatchSize: cfg.PollBatchSize,
		Workers:   cfg.PollWorkers,
		LockTTL:   cfg.LockTTL,
		Missed:    cfg.MissedPolicy,
	}, l)

	machine := retry.NewMachine(store, dispatcher, l)
	recovery := services.NewRecovery(store, dispatcher, machine, cfg.StaleAfter, l)
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 1m", func() {
		if _, err := recovery.Sweep(ctx); err != nil {
			l.Error().Err(err).Msg("stale run sweep")
		}
	}); err != nil {
		l.Fatal().Err(err).Msg("scheduling stale run sweep")
	}
	sweeper.Start()

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
	<-sigchan
	l.Info().Msg("shutdown signal received")

	cancel()
	<-sweeper.Stop().Done()
	wg.Wait()
	l.Info().Msg("all services stopped gracefully")
}
