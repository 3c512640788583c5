package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/inventory-ledger/internal/config"
	"github.com/example/inventory-ledger/internal/email"
	"github.com/example/inventory-ledger/internal/infrastructure/kafka"
	redisstore "github.com/example/inventory-ledger/internal/infrastructure/redis"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/example/inventory-ledger/internal/notification"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Dedicated consumer group so alerts never compete with the projector.
// The topic is filled by cmd/relay.
const consumerGroup = "inventory-notifier"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	log := cfg.NewLogger("notifier")
	if cfg.StoreBackend != config.BackendPostgres {
		log.WithField("backend", cfg.StoreBackend).Fatal("The Kafka notifier requires STORE_BACKEND=postgres")
	}

	log.WithFields(logrus.Fields{
		"topic":     cfg.KafkaTopic,
		"group":     consumerGroup,
		"smtp":      cfg.SMTPHost + ":" + cfg.SMTPPort,
		"threshold": cfg.LowAvailabilityThreshold,
	}).Info("Low availability notifier starting")

	db, err := store.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to PostgreSQL")
	}
	defer db.Close()

	var throttle notification.Throttle
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		throttle = redisstore.NewAlertThrottle(client, cfg.AlertCooldown)
	}

	handler := notification.NewHandler(
		email.NewService(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom),
		store.NewPostgresStore(db, store.AsyncTables),
		throttle,
		cfg.AlertRecipient,
		cfg.LowAvailabilityThreshold,
		log,
	)

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, consumerGroup, log)
	defer consumer.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Consume(ctx, handler.HandleEvent); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Consumer stopped")
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
