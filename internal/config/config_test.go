package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LOW_AVAILABILITY_THRESHOLD", "2")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, int64(2), cfg.LowAvailabilityThreshold)
	assert.Equal(t, 20, cfg.ProjectorBatchSize)
	assert.Equal(t, time.Second, cfg.ProjectorPollDelay)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, FeedPoll, cfg.ProjectorFeed)
	assert.Equal(t, "inventory-sync-ledger", cfg.DynamoSyncLedgerTable)
	assert.Equal(t, time.Hour, cfg.AlertCooldown)
	assert.Equal(t, "1025", cfg.SMTPPort)
}

func TestLoad_ThresholdRequired(t *testing.T) {
	t.Setenv("LOW_AVAILABILITY_THRESHOLD", "")

	_, err := Load()

	assert.ErrorContains(t, err, "LOW_AVAILABILITY_THRESHOLD is required")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"non-numeric threshold", "LOW_AVAILABILITY_THRESHOLD", "few"},
		{"negative threshold", "LOW_AVAILABILITY_THRESHOLD", "-1"},
		{"zero batch size", "PROJECTOR_BATCH_SIZE", "0"},
		{"bad timeout", "REQUEST_TIMEOUT", "soon"},
		{"unknown backend", "STORE_BACKEND", "cassandra"},
		{"unknown feed", "PROJECTOR_FEED", "carrier-pigeon"},
		{"bad alert cooldown", "ALERT_COOLDOWN", "later"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LOW_AVAILABILITY_THRESHOLD", "2")
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidate_BackendIdentity(t *testing.T) {
	base := Config{ProjectorBatchSize: 1, RequestTimeout: time.Second}

	pg := base
	pg.StoreBackend = BackendPostgres
	pg.KafkaBrokers = []string{"k:9092"}
	pg.KafkaTopic = "ledger"
	assert.ErrorContains(t, pg.Validate(), "DATABASE_URL")

	pg.DatabaseURL = "postgres://localhost/inventory"
	assert.NoError(t, pg.Validate())

	dynamo := base
	dynamo.StoreBackend = BackendDynamoDB
	assert.Error(t, dynamo.Validate())

	dynamo.DynamoLedgerTable = "ledger"
	dynamo.DynamoSnapshotTable = "snapshots"
	dynamo.DynamoSyncLedgerTable = "ledger"
	dynamo.DynamoSyncSnapshotTable = "sync-snapshots"
	assert.ErrorContains(t, dynamo.Validate(), "must not share tables")

	dynamo.DynamoSyncLedgerTable = "sync-ledger"
	assert.NoError(t, dynamo.Validate())
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, splitList(" a:1, ,b:2 "))
	assert.Nil(t, splitList(""))
}

func TestNewLogger(t *testing.T) {
	cfg := Config{LogLevel: "debug", LogFormat: "json"}

	log := cfg.NewLogger("api")

	assert.Equal(t, logrus.DebugLevel, log.Logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Logger.Formatter)
	assert.Equal(t, "api", log.Data["service"])
}
