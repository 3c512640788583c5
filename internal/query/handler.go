package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
)

// Handler reads the snapshots of both pipelines. They live in separate
// namespaces and never share a watermark.
type Handler struct {
	async store.SnapshotReader
	sync  store.SnapshotReader
}

func NewHandler(async, sync store.SnapshotReader) *Handler {
	return &Handler{async: async, sync: sync}
}

// GetAsyncSnapshot returns the projected snapshot, or ErrUnknownPartition.
// With pending set it also sums the reservations the projector has not caught up with.
func (h *Handler) GetAsyncSnapshot(ctx context.Context, partitionKey string, pending bool) (*SnapshotReadModel, error) {
	snap, err := getSnapshot(ctx, h.async, partitionKey)
	if err != nil {
		return nil, err
	}

	model := &SnapshotReadModel{Snapshot: snap}
	if pending {
		sum, err := h.async.InFlightReservations(ctx, partitionKey, snap.LastAppliedSequenceToken)
		if err != nil {
			return nil, err
		}
		model.PendingReservations = &sum
	}
	return model, nil
}

// GetSyncSnapshot returns the transactional pipeline's snapshot, which is
// current as of the last committed event.
func (h *Handler) GetSyncSnapshot(ctx context.Context, partitionKey string) (*SnapshotReadModel, error) {
	snap, err := getSnapshot(ctx, h.sync, partitionKey)
	if err != nil {
		return nil, err
	}
	return &SnapshotReadModel{Snapshot: snap}, nil
}

func getSnapshot(ctx context.Context, reader store.SnapshotReader, partitionKey string) (inventory.Snapshot, error) {
	snap, err := reader.GetSnapshot(ctx, partitionKey)
	if errors.Is(err, store.ErrNotFound) {
		return inventory.Snapshot{}, fmt.Errorf("%w: %s", inventory.ErrUnknownPartition, partitionKey)
	}
	return snap, err
}
