package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/example/inventory-ledger/internal/infrastructure/store/mocks"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pk = "sku-1#node-1"

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func event(details inventory.EventDetails) inventory.Event {
	return inventory.Event{
		ID:           "ev",
		PartitionKey: pk,
		EventType:    details.Type(),
		Details:      details,
		EventTime:    time.Now().UTC(),
	}
}

// record appends an event to the ledger the way the async pipeline does.
func record(t *testing.T, s store.Store, details inventory.EventDetails) inventory.Event {
	t.Helper()
	ev, err := s.AppendLedgerEntry(context.Background(), event(details))
	require.NoError(t, err)
	return ev
}

func snapshot(t *testing.T, s store.Store) inventory.Snapshot {
	t.Helper()
	snap, err := s.GetSnapshot(context.Background(), pk)
	require.NoError(t, err)
	return snap
}

// ============================================
// Async projection tests
// ============================================

func TestProject_Scenario(t *testing.T) {
	s := store.NewMemoryStore()
	e := New(s, testLogger())
	ctx := context.Background()

	outcome, err := e.Project(ctx, record(t, s, inventory.InventoryUpdated{OnHandQuantity: 100}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBootstrapped, outcome)
	snap := snapshot(t, s)
	assert.Equal(t, int64(100), snap.OnHand)
	assert.Equal(t, int64(100), snap.AvailableToSell)
	assert.Zero(t, snap.ActiveCustomerReservations)
	assert.Equal(t, int64(1), snap.LastAppliedSequenceToken)

	outcome, err = e.Project(ctx, record(t, s, inventory.ItemReserved{ReservedQuantity: 30}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	snap = snapshot(t, s)
	assert.Equal(t, int64(30), snap.ActiveCustomerReservations)
	assert.Equal(t, int64(70), snap.AvailableToSell)

	outcome, err = e.Project(ctx, record(t, s, inventory.OrderShipped{ShippedQuantity: 30}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	snap = snapshot(t, s)
	assert.Zero(t, snap.ActiveCustomerReservations)
	assert.Equal(t, int64(70), snap.OnHand)

	outcome, err = e.Project(ctx, record(t, s, inventory.OrderCancelled{CancelledQuantity: 5}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRuleViolation, outcome)
	assert.Equal(t, snap, snapshot(t, s))

	outcome, err = e.Project(ctx, record(t, s, inventory.OrderReturned{ReturnedQuantity: 4}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	snap = snapshot(t, s)
	assert.Equal(t, int64(74), snap.OnHand)
	assert.Equal(t, int64(4), snap.Returned)
	assert.Equal(t, int64(5), snap.LastAppliedSequenceToken)
}

func TestProject_Idempotent(t *testing.T) {
	s := store.NewMemoryStore()
	e := New(s, testLogger())
	ctx := context.Background()

	_, err := e.Project(ctx, record(t, s, inventory.InventoryUpdated{OnHandQuantity: 10}))
	require.NoError(t, err)
	reserved := record(t, s, inventory.ItemReserved{ReservedQuantity: 3})

	outcome, err := e.Project(ctx, reserved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	once := snapshot(t, s)

	outcome, err = e.Project(ctx, reserved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, once, snapshot(t, s))
}

func TestProject_ReplayedPrefixIsNoOp(t *testing.T) {
	s := store.NewMemoryStore()
	e := New(s, testLogger())
	ctx := context.Background()

	applied := []inventory.Event{
		record(t, s, inventory.InventoryUpdated{OnHandQuantity: 50}),
		record(t, s, inventory.ItemReserved{ReservedQuantity: 10}),
		record(t, s, inventory.OrderCancelled{CancelledQuantity: 4}),
		record(t, s, inventory.InventoryUpdated{OnHandQuantity: 5}),
	}
	for _, ev := range applied {
		_, err := e.Project(ctx, ev)
		require.NoError(t, err)
	}
	want := snapshot(t, s)

	// Redeliver in reverse order, the first event included.
	for i := len(applied) - 1; i >= 0; i-- {
		outcome, err := e.Project(ctx, applied[i])
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
	}
	assert.Equal(t, want, snapshot(t, s))
}

func TestProject_OrphanedEvent(t *testing.T) {
	s := store.NewMemoryStore()
	e := New(s, testLogger())

	outcome, err := e.Project(context.Background(), record(t, s, inventory.OrderShipped{ShippedQuantity: 1}))

	require.NoError(t, err)
	assert.Equal(t, OutcomeOrphaned, outcome)
	_, err = s.GetSnapshot(context.Background(), pk)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProject_StoreErrorIsReturned(t *testing.T) {
	m := mocks.NewMockStore()
	m.PatchErr = errors.New("throughput exceeded")
	e := New(m, testLogger())

	ev := event(inventory.ItemReserved{ReservedQuantity: 1})
	ev.SequenceToken = 2
	_, err := e.Project(context.Background(), ev)

	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrPreconditionFailed)
}

func TestProject_BootstrapConflictFallsBackToPatch(t *testing.T) {
	m := mocks.NewMockStore()
	e := New(m, testLogger())
	ctx := context.Background()

	first := record(t, m, inventory.InventoryUpdated{OnHandQuantity: 10})
	second := record(t, m, inventory.InventoryUpdated{OnHandQuantity: 5})

	// Another projector created the snapshot from the first event between
	// our failed patch and our create.
	m.PatchCallback = func(ctx context.Context, mut inventory.Mutation) error {
		m.PatchCallback = nil
		require.NoError(t, m.Backing().CreateSnapshot(ctx, inventory.NewSnapshot(first, time.Now())))
		return store.ErrNotFound
	}

	outcome, err := e.Project(ctx, second)

	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	require.Len(t, m.CreateSnapshotCalls, 1)
	snap := snapshot(t, m)
	assert.Equal(t, int64(15), snap.OnHand)
	assert.Equal(t, int64(2), snap.LastAppliedSequenceToken)
}

func TestProject_ConcurrentReservationsNeverOversell(t *testing.T) {
	s := store.NewMemoryStore()
	e := New(s, testLogger())
	ctx := context.Background()

	_, err := e.Project(ctx, record(t, s, inventory.InventoryUpdated{OnHandQuantity: 100}))
	require.NoError(t, err)
	a := record(t, s, inventory.ItemReserved{ReservedQuantity: 60})
	b := record(t, s, inventory.ItemReserved{ReservedQuantity: 60})

	outcomes := make([]Outcome, 2)
	var wg sync.WaitGroup
	for i, ev := range []inventory.Event{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], _ = e.Project(ctx, ev)
		}()
	}
	wg.Wait()

	snap := snapshot(t, s)
	assert.Equal(t, int64(40), snap.AvailableToSell)
	assert.Equal(t, int64(60), snap.ActiveCustomerReservations)
	assert.Contains(t, outcomes, OutcomeApplied)
}

// ============================================
// Sync commit tests
// ============================================

func TestCommit_Scenario(t *testing.T) {
	s := store.NewMemoryStore()
	e := New(s, testLogger())
	ctx := context.Background()

	stored, err := e.Commit(ctx, event(inventory.InventoryUpdated{OnHandQuantity: 100}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.SequenceToken)

	_, err = e.Commit(ctx, event(inventory.ItemReserved{ReservedQuantity: 30}))
	require.NoError(t, err)
	_, err = e.Commit(ctx, event(inventory.OrderShipped{ShippedQuantity: 30}))
	require.NoError(t, err)

	snap := snapshot(t, s)
	assert.Equal(t, int64(70), snap.OnHand)
	assert.Equal(t, int64(70), snap.AvailableToSell)
	assert.Zero(t, snap.ActiveCustomerReservations)
	assert.Equal(t, int64(3), snap.LastAppliedSequenceToken)

	_, err = e.Commit(ctx, event(inventory.OrderCancelled{CancelledQuantity: 5}))
	assert.ErrorIs(t, err, inventory.ErrPreconditionFailed)
	assert.Len(t, s.Events(pk), 3)
}

func TestCommit_UnknownPartition(t *testing.T) {
	s := store.NewMemoryStore()
	e := New(s, testLogger())

	_, err := e.Commit(context.Background(), event(inventory.ItemReserved{ReservedQuantity: 1}))

	assert.ErrorIs(t, err, inventory.ErrUnknownPartition)
	assert.Empty(t, s.Events(pk))
}

func TestCommit_BootstrapConflictRetriesPatch(t *testing.T) {
	m := mocks.NewMockStore()
	e := New(m, testLogger())

	calls := 0
	m.TransactionalWriteCallback = func(ctx context.Context, partitionKey string, ops []store.Operation) (inventory.Event, error) {
		calls++
		if calls == 2 {
			// A concurrent writer bootstraps the partition first.
			_, err := m.Backing().TransactionalWrite(ctx, partitionKey, ops)
			require.NoError(t, err)
			return inventory.Event{}, store.ErrConflict
		}
		return m.Backing().TransactionalWrite(ctx, partitionKey, ops)
	}

	stored, err := e.Commit(context.Background(), event(inventory.InventoryUpdated{OnHandQuantity: 7}))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, int64(2), stored.SequenceToken)
	snap := snapshot(t, m)
	assert.Equal(t, int64(14), snap.OnHand)
	assert.Equal(t, int64(2), snap.LastAppliedSequenceToken)
}

func TestCommit_StoreErrorIsNotPrecondition(t *testing.T) {
	m := mocks.NewMockStore()
	m.TransactionalWriteErr = context.DeadlineExceeded
	e := New(m, testLogger())

	_, err := e.Commit(context.Background(), event(inventory.ItemReserved{ReservedQuantity: 1}))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, inventory.ErrPreconditionFailed)
}

func TestCommit_ConcurrentReservationsNeverOversell(t *testing.T) {
	s := store.NewMemoryStore()
	e := New(s, testLogger())
	ctx := context.Background()

	_, err := e.Commit(ctx, event(inventory.InventoryUpdated{OnHandQuantity: 100}))
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Commit(ctx, event(inventory.ItemReserved{ReservedQuantity: 60}))
		}()
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, inventory.ErrPreconditionFailed)
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, int64(40), snapshot(t, s).AvailableToSell)
}

func TestProject_NoOverselling(t *testing.T) {
	s := store.NewMemoryStore()
	e := New(s, testLogger())
	ctx := context.Background()

	steps := []inventory.EventDetails{
		inventory.InventoryUpdated{OnHandQuantity: 20},
		inventory.ItemReserved{ReservedQuantity: 15},
		inventory.ItemReserved{ReservedQuantity: 10},
		inventory.OrderCancelled{CancelledQuantity: 5},
		inventory.ItemReserved{ReservedQuantity: 10},
		inventory.OrderShipped{ShippedQuantity: 20},
		inventory.ItemReserved{ReservedQuantity: 1},
	}
	for _, d := range steps {
		_, err := e.Project(ctx, record(t, s, d))
		require.NoError(t, err)

		snap := snapshot(t, s)
		assert.GreaterOrEqual(t, snap.AvailableToSell, int64(0))
		assert.GreaterOrEqual(t, snap.ActiveCustomerReservations, int64(0))
		assert.LessOrEqual(t, snap.ActiveCustomerReservations, snap.OnHand)
	}
}

// ============================================
// Pipeline isolation tests
// ============================================

func TestPipelines_SyncCommitsDoNotMaskUnprojectedEntries(t *testing.T) {
	syncStore, asyncStore := store.NewMemoryStore(), store.NewMemoryStore()
	syncEngine := New(syncStore, testLogger())
	asyncEngine := New(asyncStore, testLogger())
	ctx := context.Background()

	_, err := syncEngine.Commit(ctx, event(inventory.InventoryUpdated{OnHandQuantity: 100}))
	require.NoError(t, err)
	seed := record(t, asyncStore, inventory.InventoryUpdated{OnHandQuantity: 100})
	reserved := record(t, asyncStore, inventory.ItemReserved{ReservedQuantity: 30})
	_, err = syncEngine.Commit(ctx, event(inventory.InventoryUpdated{OnHandQuantity: 5}))
	require.NoError(t, err)

	outcome, err := asyncEngine.Project(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBootstrapped, outcome)
	outcome, err = asyncEngine.Project(ctx, reserved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	async := snapshot(t, asyncStore)
	assert.Equal(t, int64(30), async.ActiveCustomerReservations)
	assert.Equal(t, int64(70), async.AvailableToSell)
	assert.Equal(t, int64(2), async.LastAppliedSequenceToken)

	synced := snapshot(t, syncStore)
	assert.Equal(t, int64(105), synced.OnHand)
	assert.Zero(t, synced.ActiveCustomerReservations)
	assert.Equal(t, int64(2), synced.LastAppliedSequenceToken)
}

func TestPipelines_InFlightSumIgnoresSyncCommits(t *testing.T) {
	syncStore, asyncStore := store.NewMemoryStore(), store.NewMemoryStore()
	syncEngine := New(syncStore, testLogger())
	asyncEngine := New(asyncStore, testLogger())
	ctx := context.Background()

	_, err := asyncEngine.Project(ctx, record(t, asyncStore, inventory.InventoryUpdated{OnHandQuantity: 10}))
	require.NoError(t, err)
	record(t, asyncStore, inventory.ItemReserved{ReservedQuantity: 4})

	_, err = syncEngine.Commit(ctx, event(inventory.InventoryUpdated{OnHandQuantity: 10}))
	require.NoError(t, err)
	_, err = syncEngine.Commit(ctx, event(inventory.ItemReserved{ReservedQuantity: 1}))
	require.NoError(t, err)

	watermark := snapshot(t, asyncStore).LastAppliedSequenceToken
	sum, err := asyncStore.InFlightReservations(ctx, pk, watermark)
	require.NoError(t, err)
	assert.Equal(t, int64(4), sum)
}
