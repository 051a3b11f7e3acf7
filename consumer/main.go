package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sumit189/cronhook/common/app"
	"github.com/Sumit189/cronhook/common/config"
	"github.com/Sumit189/cronhook/common/logger"
	"github.com/Sumit189/cronhook/common/retry"
	"github.com/Sumit189/cronhook/common/utils"
	"github.com/Sumit189/cronhook/consumer/services"
)

const shutdownTimeout = 30 * time.Second

func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	l, closer, err := logger.Init("consumer", cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatal().Err(err).Msg("init logger")
	}
	defer closer.Close()
	l = l.With().Str("instance_id", cfg.InstanceID).Logger()

	sealer, err := utils.NewSealer(cfg.EncryptionKey)
	if err != nil {
		l.Fatal().Err(err).Msg("invalid PAYLOAD_ENCRYPTION_KEY")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		l.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open store")
	}
	defer closeStore()

	// the consumer never locks schedules; Redis is only needed for the redis queue
	cfg.LockBackend = "store"
	rdb, err := app.OpenRedis(ctx, cfg, l)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	if rdb != nil {
		defer rdb.Close()
	}

	source, err := app.OpenSource(ctx, cfg, rdb, l)
	if err != nil {
		l.Fatal().Err(err).Str("backend", cfg.QueueBackend).Msg("failed to open task source")
	}
	defer func() {
		if err := source.Close(); err != nil {
			l.Error().Err(err).Msg("closing task source")
		}
	}()

	// retries are published from here
	dispatcher, err := app.OpenDispatcher(ctx, cfg, rdb, l)
	if err != nil {
		l.Fatal().Err(err).Str("backend", cfg.QueueBackend).Msg("failed to open dispatcher")
	}
	defer dispatcher.Close()

	machine := retry.NewMachine(store, dispatcher, l)
	executor := services.NewExecutor(cfg.WebhookTimeout, cfg.WebhookRate, sealer)
	consumer := services.NewConsumer(source, executor, machine, cfg.ConsumerWorkers, cfg.InstanceID, l)

	done := make(chan struct{})
	go func() {
		consumer.Run(ctx)
		close(done)
	}()

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
	<-sigchan
	l.Info().Msg("shutdown signal received")
	cancel()

	select {
	case <-done:
		l.Info().Msg("consumer service stopped gracefully")
	case <-time.After(shutdownTimeout):
		l.Warn().Msg("shutdown timed out, forcing exit")
	}
}
