package projection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/example/inventory-ledger/internal/infrastructure/store/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForSnapshot(t *testing.T, s store.SnapshotReader, pk string, cond func(inventory.Snapshot) bool) inventory.Snapshot {
	t.Helper()
	var snap inventory.Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = s.GetSnapshot(context.Background(), pk)
		return err == nil && cond(snap)
	}, 2*time.Second, 10*time.Millisecond)
	return snap
}

func TestRunner_ProjectsFeedAndCheckpoints(t *testing.T) {
	s := store.NewMemoryStore()
	p, _ := newTestProjector(s)
	checkpoints := NewMemoryCheckpoints()
	r := NewRunner(s, p, checkpoints, 10, 20*time.Millisecond, testLogger())
	r.NewBackOff = zeroBackOff

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	record(t, s, "a", inventory.InventoryUpdated{OnHandQuantity: 10})
	record(t, s, "a", inventory.ItemReserved{ReservedQuantity: 4})
	record(t, s, "b", inventory.InventoryUpdated{OnHandQuantity: 1})

	snap := waitForSnapshot(t, s, "a", func(s inventory.Snapshot) bool { return s.LastAppliedSequenceToken == 2 })
	assert.Equal(t, int64(6), snap.AvailableToSell)
	waitForSnapshot(t, s, "b", func(s inventory.Snapshot) bool { return s.LastAppliedSequenceToken == 1 })

	require.Eventually(t, func() bool {
		cp, _ := checkpoints.Load(context.Background())
		return cp["a"] == 2 && cp["b"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunner_ResumesFromCheckpoint(t *testing.T) {
	m := mocks.NewMockStore()
	p, _ := newTestProjector(m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := record(t, m, "a", inventory.InventoryUpdated{OnHandQuantity: 10})
	require.NoError(t, m.Backing().CreateSnapshot(ctx, inventory.NewSnapshot(first, time.Now())))
	record(t, m, "a", inventory.InventoryUpdated{OnHandQuantity: 5})

	checkpoints := NewMemoryCheckpoints()
	require.NoError(t, checkpoints.Save(ctx, store.Checkpoint{"a": 1}))

	r := NewRunner(m.Backing(), p, checkpoints, 10, 10*time.Millisecond, testLogger())
	r.NewBackOff = zeroBackOff
	go r.Run(ctx)

	snap := waitForSnapshot(t, m, "a", func(s inventory.Snapshot) bool { return s.LastAppliedSequenceToken == 2 })
	assert.Equal(t, int64(15), snap.OnHand)
	assert.Equal(t, 1, m.PatchCount())
}

func TestRunner_RetriesUntilStoreRecovers(t *testing.T) {
	m := mocks.NewMockStore()
	p, _ := newTestProjector(m)

	var failures atomic.Int32
	m.PatchCallback = func(ctx context.Context, mut inventory.Mutation) error {
		if failures.Add(1) <= 3 {
			return errors.New("throttled")
		}
		return m.Backing().ConditionalPatch(ctx, mut)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := record(t, m, "a", inventory.InventoryUpdated{OnHandQuantity: 10})
	require.NoError(t, m.Backing().CreateSnapshot(ctx, inventory.NewSnapshot(first, time.Now())))
	record(t, m, "a", inventory.ItemReserved{ReservedQuantity: 2})
	record(t, m, "a", inventory.ItemReserved{ReservedQuantity: 3})

	checkpoints := NewMemoryCheckpoints()
	require.NoError(t, checkpoints.Save(ctx, store.Checkpoint{"a": 1}))
	r := NewRunner(m.Backing(), p, checkpoints, 10, 10*time.Millisecond, testLogger())
	r.NewBackOff = zeroBackOff
	go r.Run(ctx)

	snap := waitForSnapshot(t, m, "a", func(s inventory.Snapshot) bool { return s.LastAppliedSequenceToken == 3 })
	assert.Equal(t, int64(5), snap.AvailableToSell)
	assert.Equal(t, int64(5), snap.ActiveCustomerReservations)
}

func TestMemoryCheckpoints_NeverMoveBackwards(t *testing.T) {
	c := NewMemoryCheckpoints()
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, store.Checkpoint{"a": 5, "b": 1}))
	require.NoError(t, c.Save(ctx, store.Checkpoint{"a": 3, "b": 2}))

	cp, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Checkpoint{"a": 5, "b": 2}, cp)
}
