package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/example/inventory-ledger/internal/email"
	"github.com/example/inventory-ledger/internal/infrastructure/kinesis"
	redisstore "github.com/example/inventory-ledger/internal/infrastructure/redis"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/example/inventory-ledger/internal/notification"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	notificationHandler *notification.Handler
	log                 *logrus.Entry
)

func init() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	log = logger.WithField("service", "lambda-notifier")

	threshold, err := strconv.ParseInt(os.Getenv("LOW_AVAILABILITY_THRESHOLD"), 10, 64)
	if err != nil {
		log.WithError(err).Fatal("LOW_AVAILABILITY_THRESHOLD is required")
	}
	cooldown, err := time.ParseDuration(getEnv("ALERT_COOLDOWN", "1h"))
	if err != nil {
		log.WithError(err).Fatal("Invalid ALERT_COOLDOWN")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.WithError(err).Fatal("Failed to load AWS config")
	}
	reader := store.NewDynamoStore(
		dynamodb.NewFromConfig(awsCfg),
		getEnv("DYNAMO_LEDGER_TABLE", "inventory-ledger"),
		getEnv("DYNAMO_SNAPSHOT_TABLE", "inventory-snapshots"),
	)

	var throttle notification.Throttle
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		throttle = redisstore.NewAlertThrottle(redis.NewClient(&redis.Options{Addr: addr}), cooldown)
	}

	smtpHost := getEnv("SMTP_HOST", "localhost")
	smtpPort := getEnv("SMTP_PORT", "1025")
	emailSvc := email.NewService(smtpHost, smtpPort, getEnv("SMTP_FROM", "noreply@example.com"))
	notificationHandler = notification.NewHandler(emailSvc, reader, throttle,
		getEnv("ALERT_RECIPIENT", "inventory-ops@example.com"), threshold, log)

	log.WithField("smtp", smtpHost+":"+smtpPort).Info("Initialized successfully")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func handler(ctx context.Context, kinesisEvent events.KinesisEvent) (events.KinesisEventResponse, error) {
	var batchItemFailures []events.KinesisBatchItemFailure

	for _, record := range kinesisEvent.Records {
		event, err := kinesis.ConvertFromKinesisRecord(record)
		if err != nil {
			// The projector quarantines these; there is nothing to alert on.
			log.WithError(err).WithField("record", record.EventID).Warn("Skipping unconvertible record")
			continue
		}

		// Skip non-INSERT events
		if event == nil {
			continue
		}

		if err := notificationHandler.Notify(ctx, *event); err != nil {
			log.WithError(err).WithField("event_id", event.ID).Error("Failed to process event")
			batchItemFailures = append(batchItemFailures, events.KinesisBatchItemFailure{
				ItemIdentifier: record.Kinesis.SequenceNumber,
			})
		}
	}

	log.WithFields(logrus.Fields{
		"failed": len(batchItemFailures),
		"total":  len(kinesisEvent.Records),
	}).Info("Batch done")

	return events.KinesisEventResponse{
		BatchItemFailures: batchItemFailures,
	}, nil
}

func main() {
	lambda.Start(handler)
}
