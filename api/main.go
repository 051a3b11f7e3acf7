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

	"github.com/Sumit189/cronhook/api/controllers"
	"github.com/Sumit189/cronhook/api/routes"
	"github.com/Sumit189/cronhook/api/services"
	"github.com/Sumit189/cronhook/common/app"
	"github.com/Sumit189/cronhook/common/config"
	"github.com/Sumit189/cronhook/common/logger"
	"github.com/Sumit189/cronhook/common/utils"
)

func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	l, closer, err := logger.Init("api", cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatal().Err(err).Msg("init logger")
	}
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sealer, err := utils.NewSealer(cfg.EncryptionKey)
	if err != nil {
		l.Fatal().Err(err).Msg("invalid payload encryption key")
	}

	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		l.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open store")
	}
	defer closeStore()

	router := mux.NewRouter()
	svc := services.NewScheduleService(store, sealer, cfg.DefaultRetry)
	routes.ApiRoutes(router, controllers.NewScheduleController(svc, l))

	server := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Info().Str("addr", cfg.APIAddr).Msg("API server running")
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
	l.Info().Msg("API server stopped gracefully")
}
