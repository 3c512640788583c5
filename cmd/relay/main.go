package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/inventory-ledger/internal/config"
	"github.com/example/inventory-ledger/internal/infrastructure/kafka"
	redisstore "github.com/example/inventory-ledger/internal/infrastructure/redis"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/example/inventory-ledger/internal/projection"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const checkpointKey = "inventory:relay:checkpoints"

// The relay publishes the async ledger to Kafka in token order per partition.
// Writers never publish, so a committed entry reaches the topic even when
// Kafka was down at commit time.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	log := cfg.NewLogger("relay")
	if cfg.StoreBackend != config.BackendPostgres {
		log.WithField("backend", cfg.StoreBackend).Fatal("The relay requires STORE_BACKEND=postgres")
	}

	log.WithFields(logrus.Fields{
		"topic":      cfg.KafkaTopic,
		"batch_size": cfg.ProjectorBatchSize,
	}).Info("Ledger relay starting")

	db, err := store.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to PostgreSQL")
	}
	defer db.Close()

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
		checkpoints = redisstore.NewCheckpointStore(client, checkpointKey)
	} else {
		log.Warn("REDIS_ADDR not set, the whole ledger is republished on start")
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()

	feed := store.NewPostgresFeed(db, cfg.ProjectorPollDelay, log)
	feed.OnUndecodable = projection.QuarantineUndecodable(quarantine)
	runner := projection.NewRunner(feed, projection.NewRelay(producer, log), checkpoints,
		cfg.ProjectorBatchSize, cfg.ProjectorPollDelay, log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Relay stopped")
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
