package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/example/inventory-ledger/internal/admission"
	"github.com/example/inventory-ledger/internal/api"
	"github.com/example/inventory-ledger/internal/command"
	"github.com/example/inventory-ledger/internal/config"
	"github.com/example/inventory-ledger/internal/engine"
	redisstore "github.com/example/inventory-ledger/internal/infrastructure/redis"
	"github.com/example/inventory-ledger/internal/projection"
	"github.com/example/inventory-ledger/internal/query"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	log := cfg.NewLogger("api")

	log.WithFields(logrus.Fields{
		"backend":   cfg.StoreBackend,
		"threshold": cfg.LowAvailabilityThreshold,
	}).Info("Inventory ledger starting")

	stores, err := openStores(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open stores")
	}
	defer stores.Close()

	cmdHandler := command.NewHandler(
		engine.New(stores.sync, log),
		admission.NewController(stores.async, cfg.LowAvailabilityThreshold, log),
		stores.async,
		cfg.RequestTimeout,
		log,
	)
	queryHandler := query.NewHandler(stores.async, stores.sync)

	// The memory backend has no external feed, so it projects in process and
	// rebuilds every snapshot from an empty checkpoint on start.
	var wg sync.WaitGroup
	if stores.feed != nil {
		var quarantine projection.Quarantine
		if cfg.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			defer client.Close()
			quarantine = redisstore.NewQuarantine(client, "")
		}
		projector := projection.NewProjector(engine.New(stores.async, log), quarantine, cfg.ProjectorBatchSize, log)
		runner := projection.NewRunner(stores.feed, projector, projection.NewMemoryCheckpoints(),
			cfg.ProjectorBatchSize, cfg.ProjectorPollDelay, log)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("Projector stopped")
			}
		}()
	}

	handlers := api.NewHandlers(cmdHandler, queryHandler, log)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handlers, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("Server started")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server error")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server shutdown incomplete")
	}

	cancel()
	wg.Wait()
}
