package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/Sumit189/cronhook/common/app"
	"github.com/Sumit189/cronhook/common/config"
	"github.com/Sumit189/cronhook/common/logger"
	"github.com/Sumit189/cronhook/common/retry"
	"github.com/Sumit189/cronhook/webhook/controllers"
	"github.com/Sumit189/cronhook/webhook/routes"
)

// Outcome callback service for executors running outside the consumer.
func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	l, closer, err := logger.Init("webhook", cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatal().Err(err).Msg("init logger")
	}
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		l.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open store")
	}
	defer closeStore()

	// only retries are dispatched from here, so Redis is needed just for the redis queue
	cfg.LockBackend = "store"
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
	defer dispatcher.Close()

	machine := retry.NewMachine(store, dispatcher, l)

	router := mux.NewRouter()
	routes.WebhookRoutes(router, controllers.NewOutcomeController(machine, store, l))

	server := &http.Server{
		Addr:              cfg.CallbackAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Info().Str("addr", cfg.CallbackAddr).Msg("callback server running")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("ListenAndServe")
		}
	}()

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
	<-sigchan
	l.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("server shutdown failed")
	}

	cancel()
	wg.Wait()
	l.Info().Msg("all services stopped gracefully")
}
