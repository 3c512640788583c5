package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/sirupsen/logrus"
)

// bootstrap creates the first snapshot of a partition from a recorded
// InventoryUpdated event. Losing the create race falls back to one ordered
// patch against the snapshot the winner created.
func (e *Engine) bootstrap(ctx context.Context, ev inventory.Event) (Outcome, error) {
	err := e.store.CreateSnapshot(ctx, inventory.NewSnapshot(ev, e.now()))
	switch {
	case err == nil:
		e.log.WithFields(logrus.Fields{
			"partition":      ev.PartitionKey,
			"sequence_token": ev.SequenceToken,
			"on_hand":        ev.Quantity(),
		}).Info("Snapshot created")
		return OutcomeBootstrapped, nil
	case !errors.Is(err, store.ErrConflict):
		return OutcomeBootstrapped, fmt.Errorf("failed to create snapshot for %s: %w", ev.PartitionKey, err)
	}

	m, err := inventory.NewMutation(ev, true, e.now())
	if err != nil {
		return OutcomeOrphaned, err
	}
	outcome, err := e.patch(ctx, m)
	if errors.Is(err, store.ErrNotFound) {
		return outcome, fmt.Errorf("snapshot for %s vanished after create conflict: %w", ev.PartitionKey, err)
	}
	return outcome, err
}

// commitBootstrap records the event together with the partition's first
// snapshot. A concurrent creator wins; the event is then committed as a patch.
func (e *Engine) commitBootstrap(ctx context.Context, ev inventory.Event) (inventory.Event, error) {
	stored, err := e.store.TransactionalWrite(ctx, ev.PartitionKey, []store.Operation{
		store.CreateSnapshot{Snapshot: inventory.NewSnapshot(ev, e.now())},
		store.AppendEvent{Event: ev},
	})
	switch {
	case err == nil:
		e.log.WithFields(logrus.Fields{
			"partition":      ev.PartitionKey,
			"sequence_token": stored.SequenceToken,
			"on_hand":        ev.Quantity(),
		}).Info("Snapshot created")
		return stored, nil
	case !errors.Is(err, store.ErrConflict):
		return inventory.Event{}, fmt.Errorf("failed to create snapshot for %s: %w", ev.PartitionKey, err)
	}

	stored, err = e.commitPatch(ctx, ev)
	if errors.Is(err, store.ErrNotFound) {
		return inventory.Event{}, fmt.Errorf("snapshot for %s vanished after create conflict: %w", ev.PartitionKey, err)
	}
	return stored, err
}
