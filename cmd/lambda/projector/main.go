package main

import (
	"context"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/example/inventory-ledger/internal/engine"
	redisstore "github.com/example/inventory-ledger/internal/infrastructure/redis"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/example/inventory-ledger/internal/projection"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// newHandler wires the projector once per Lambda container.
func newHandler() *kinesisHandler {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	log := logger.WithField("service", "lambda-projector")

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.WithError(err).Fatal("Failed to load AWS config")
	}

	dynamo := store.NewDynamoStore(
		dynamodb.NewFromConfig(awsCfg),
		getEnv("DYNAMO_LEDGER_TABLE", "inventory-ledger"),
		getEnv("DYNAMO_SNAPSHOT_TABLE", "inventory-snapshots"),
	)

	var quarantine projection.Quarantine
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		quarantine = redisstore.NewQuarantine(redis.NewClient(&redis.Options{Addr: addr}), "")
	} else {
		log.Warn("REDIS_ADDR not set, skipped events are only logged")
	}

	batchSize, err := strconv.Atoi(getEnv("PROJECTOR_BATCH_SIZE", strconv.Itoa(projection.DefaultBatchSize)))
	if err != nil {
		log.WithError(err).Fatal("Invalid PROJECTOR_BATCH_SIZE")
	}

	h := &kinesisHandler{
		projector:  projection.NewProjector(engine.New(dynamo, log), quarantine, batchSize, log),
		quarantine: quarantine,
		log:        log.WithField("component", "kinesis"),
	}

	log.Info("Initialized successfully")
	return h
}

func main() {
	lambda.Start(newHandler().Handle)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
