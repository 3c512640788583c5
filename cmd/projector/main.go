package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/inventory-ledger/internal/config"
	"github.com/example/inventory-ledger/internal/engine"
	"github.com/example/inventory-ledger/internal/infrastructure/kafka"
	redisstore "github.com/example/inventory-ledger/internal/infrastructure/redis"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/example/inventory-ledger/internal/projection"
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
	log := cfg.NewLogger("projector")
	if cfg.StoreBackend != config.BackendPostgres {
		log.WithField("backend", cfg.StoreBackend).Fatal("The projector requires STORE_BACKEND=postgres")
	}

	log.WithFields(logrus.Fields{
		"feed":       cfg.ProjectorFeed,
		"topic":      cfg.KafkaTopic,
		"group":      cfg.KafkaConsumerGroup,
		"batch_size": cfg.ProjectorBatchSize,
	}).Info("Inventory projector starting")

	db, err := store.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to PostgreSQL")
	}
	defer db.Close()

	st := store.NewPostgresStore(db, store.AsyncTables)

	var (
		quarantine  projection.Quarantine
		checkpoints projection.CheckpointStore = projection.NewMemoryCheckpoints()
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		quarantine = redisstore.NewQuarantine(client, "")
		checkpoints = redisstore.NewCheckpointStore(client, "")
	} else {
		log.Warn("REDIS_ADDR not set, skipped events are only logged")
	}

	projector := projection.NewProjector(engine.New(st, log), quarantine, cfg.ProjectorBatchSize, log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var err error
		switch cfg.ProjectorFeed {
		case config.FeedKafka:
			// The topic is filled by cmd/relay in token order.
			consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaConsumerGroup, log)
			defer consumer.Close()
			err = consumer.Consume(ctx, projector.HandleEvent)
		default:
			// Without Redis the checkpoints start empty and the ledger is
			// replayed; the watermark turns the replay into duplicates.
			feed := store.NewPostgresFeed(db, cfg.ProjectorPollDelay, log)
			feed.OnUndecodable = projection.QuarantineUndecodable(quarantine)
			runner := projection.NewRunner(feed, projector, checkpoints, cfg.ProjectorBatchSize, cfg.ProjectorPollDelay, log)
			err = runner.Run(ctx)
		}
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Projector stopped")
			cancel()
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info("Shutting down...")
	cancel()
	<-done
}
