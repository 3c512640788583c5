package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/example/inventory-ledger/internal/config"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/sirupsen/logrus"
)

// pipelineStores holds one namespace per pipeline. A sync commit must never
// advance the watermark the projector checks async entries against.
type pipelineStores struct {
	sync  store.Store
	async store.Store
	// feed is set when the async ledger has to be projected in process.
	feed    store.Feed
	closers []func() error
}

func (s *pipelineStores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*pipelineStores, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		async := store.NewMemoryStore()
		return &pipelineStores{
			sync:  store.NewMemoryStore(),
			async: async,
			feed:  async,
		}, nil

	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg)
		log.Info("Snapshots are projected by the Kinesis Lambda")
		return &pipelineStores{
			sync:  store.NewDynamoStore(client, cfg.DynamoSyncLedgerTable, cfg.DynamoSyncSnapshotTable),
			async: store.NewDynamoStore(client, cfg.DynamoLedgerTable, cfg.DynamoSnapshotTable),
		}, nil

	case config.BackendPostgres:
		db, err := store.ConnectPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		if err := store.MigratePostgres(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate PostgreSQL: %w", err)
		}
		log.Info("Snapshots are projected by cmd/projector")
		return &pipelineStores{
			sync:    store.NewPostgresStore(db, store.SyncTables),
			async:   store.NewPostgresStore(db, store.AsyncTables),
			closers: []func() error{db.Close},
		}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}
