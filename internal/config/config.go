package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
)

// Projector feeds for the postgres backend
const (
	FeedKafka = "kafka"
	FeedPoll  = "poll"
)

// Config is read once at startup and passed to the components that need it.
type Config struct {
	StoreBackend string
	// LowAvailabilityThreshold triggers the in-flight reservation check when
	// availability after a reservation would drop to or below it.
	LowAvailabilityThreshold int64
	HTTPAddr                 string
	RequestTimeout           time.Duration

	DynamoLedgerTable   string
	DynamoSnapshotTable string
	// The sync pipeline keeps its own tables so its commits never move the
	// projector's watermark.
	DynamoSyncLedgerTable   string
	DynamoSyncSnapshotTable string
	DatabaseURL             string

	KafkaBrokers       []string
	KafkaTopic         string
	KafkaConsumerGroup string
	RedisAddr          string

	ProjectorBatchSize int
	ProjectorPollDelay time.Duration
	// ProjectorFeed selects how cmd/projector reads the postgres ledger. The
	// kafka feed is only as complete as cmd/relay keeps it.
	ProjectorFeed string

	SMTPHost       string
	SMTPPort       string
	SMTPFrom       string
	AlertRecipient string
	AlertCooldown  time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		StoreBackend:            getEnv("STORE_BACKEND", BackendMemory),
		HTTPAddr:                getEnv("HTTP_ADDR", ":8080"),
		DynamoLedgerTable:       getEnv("DYNAMO_LEDGER_TABLE", "inventory-ledger"),
		DynamoSnapshotTable:     getEnv("DYNAMO_SNAPSHOT_TABLE", "inventory-snapshots"),
		DynamoSyncLedgerTable:   getEnv("DYNAMO_SYNC_LEDGER_TABLE", "inventory-sync-ledger"),
		DynamoSyncSnapshotTable: getEnv("DYNAMO_SYNC_SNAPSHOT_TABLE", "inventory-sync-snapshots"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		KafkaBrokers:            splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:              getEnv("KAFKA_TOPIC", "inventory-ledger"),
		KafkaConsumerGroup:      getEnv("KAFKA_CONSUMER_GROUP", "inventory-projector"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		ProjectorFeed:           getEnv("PROJECTOR_FEED", FeedPoll),
		SMTPHost:                getEnv("SMTP_HOST", "localhost"),
		SMTPPort:                getEnv("SMTP_PORT", "1025"),
		SMTPFrom:                getEnv("SMTP_FROM", "noreply@example.com"),
		AlertRecipient:          getEnv("ALERT_RECIPIENT", "inventory-ops@example.com"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFormat:               getEnv("LOG_FORMAT", "text"),
	}

	raw, ok := os.LookupEnv("LOW_AVAILABILITY_THRESHOLD")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, errors.New("LOW_AVAILABILITY_THRESHOLD is required")
	}
	threshold, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("LOW_AVAILABILITY_THRESHOLD: %w", err)
	}
	cfg.LowAvailabilityThreshold = threshold

	if cfg.RequestTimeout, err = getDuration("REQUEST_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProjectorPollDelay, err = getDuration("PROJECTOR_POLL_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.AlertCooldown, err = getDuration("ALERT_COOLDOWN", time.Hour); err != nil {
		return nil, err
	}
	if cfg.ProjectorBatchSize, err = strconv.Atoi(getEnv("PROJECTOR_BATCH_SIZE", "20")); err != nil {
		return nil, fmt.Errorf("PROJECTOR_BATCH_SIZE: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.LowAvailabilityThreshold < 0 {
		errs = append(errs, errors.New("LOW_AVAILABILITY_THRESHOLD must not be negative"))
	}
	if c.ProjectorBatchSize <= 0 {
		errs = append(errs, errors.New("PROJECTOR_BATCH_SIZE must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if c.ProjectorFeed != "" && c.ProjectorFeed != FeedKafka && c.ProjectorFeed != FeedPoll {
		errs = append(errs, fmt.Errorf("unknown PROJECTOR_FEED %q", c.ProjectorFeed))
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendDynamoDB:
		if c.DynamoLedgerTable == "" || c.DynamoSnapshotTable == "" {
			errs = append(errs, errors.New("DYNAMO_LEDGER_TABLE and DYNAMO_SNAPSHOT_TABLE are required"))
		}
		if c.DynamoSyncLedgerTable == "" || c.DynamoSyncSnapshotTable == "" {
			errs = append(errs, errors.New("DYNAMO_SYNC_LEDGER_TABLE and DYNAMO_SYNC_SNAPSHOT_TABLE are required"))
		}
		if c.DynamoSyncLedgerTable == c.DynamoLedgerTable || c.DynamoSyncSnapshotTable == c.DynamoSnapshotTable {
			errs = append(errs, errors.New("the sync pipeline must not share tables with the async pipeline"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
		if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" {
			errs = append(errs, errors.New("KAFKA_BROKERS and KAFKA_TOPIC are required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger(service string) *logrus.Entry {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger.WithField("service", service)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
