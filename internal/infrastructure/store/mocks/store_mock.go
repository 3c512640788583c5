package mocks

import (
	"context"
	"sync"

	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
)

// MockStore is a mock implementation of store.Store for testing. Calls are
// recorded and, unless an error or callback is set, served by an in-memory store.
type MockStore struct {
	mu      sync.Mutex
	backing *store.MemoryStore

	// For tracking calls in tests
	GetSnapshotCalls        []string
	InFlightCalls           []InFlightCall
	PatchCalls              []inventory.Mutation
	CreateSnapshotCalls     []inventory.Snapshot
	TransactionalWriteCalls []TransactionalWriteCall
	AppendCalls             []inventory.Event

	GetSnapshotErr        error
	InFlightErr           error
	PatchErr              error
	CreateSnapshotErr     error
	TransactionalWriteErr error
	AppendErr             error

	PatchCallback              func(ctx context.Context, m inventory.Mutation) error
	TransactionalWriteCallback func(ctx context.Context, partitionKey string, ops []store.Operation) (inventory.Event, error)
}

// InFlightCall records parameters passed to InFlightReservations
type InFlightCall struct {
	PartitionKey string
	AfterToken   int64
}

// TransactionalWriteCall records parameters passed to TransactionalWrite
type TransactionalWriteCall struct {
	PartitionKey string
	Ops          []store.Operation
}

// NewMockStore creates a new MockStore
func NewMockStore() *MockStore {
	return &MockStore{
		backing: store.NewMemoryStore(),
	}
}

// Backing exposes the in-memory store that serves calls without injected errors.
func (m *MockStore) Backing() *store.MemoryStore {
	return m.backing
}

func (m *MockStore) GetSnapshot(ctx context.Context, partitionKey string) (inventory.Snapshot, error) {
	m.mu.Lock()
	m.GetSnapshotCalls = append(m.GetSnapshotCalls, partitionKey)
	err := m.GetSnapshotErr
	m.mu.Unlock()

	if err != nil {
		return inventory.Snapshot{}, err
	}
	return m.backing.GetSnapshot(ctx, partitionKey)
}

func (m *MockStore) InFlightReservations(ctx context.Context, partitionKey string, afterToken int64) (int64, error) {
	m.mu.Lock()
	m.InFlightCalls = append(m.InFlightCalls, InFlightCall{PartitionKey: partitionKey, AfterToken: afterToken})
	err := m.InFlightErr
	m.mu.Unlock()

	if err != nil {
		return 0, err
	}
	return m.backing.InFlightReservations(ctx, partitionKey, afterToken)
}

func (m *MockStore) ConditionalPatch(ctx context.Context, mut inventory.Mutation) error {
	m.mu.Lock()
	m.PatchCalls = append(m.PatchCalls, mut)
	err, callback := m.PatchErr, m.PatchCallback
	m.mu.Unlock()

	if callback != nil {
		return callback(ctx, mut)
	}
	if err != nil {
		return err
	}
	return m.backing.ConditionalPatch(ctx, mut)
}

func (m *MockStore) CreateSnapshot(ctx context.Context, snap inventory.Snapshot) error {
	m.mu.Lock()
	m.CreateSnapshotCalls = append(m.CreateSnapshotCalls, snap)
	err := m.CreateSnapshotErr
	m.mu.Unlock()

	if err != nil {
		return err
	}
	return m.backing.CreateSnapshot(ctx, snap)
}

func (m *MockStore) TransactionalWrite(ctx context.Context, partitionKey string, ops []store.Operation) (inventory.Event, error) {
	m.mu.Lock()
	m.TransactionalWriteCalls = append(m.TransactionalWriteCalls, TransactionalWriteCall{PartitionKey: partitionKey, Ops: ops})
	err, callback := m.TransactionalWriteErr, m.TransactionalWriteCallback
	m.mu.Unlock()

	if callback != nil {
		return callback(ctx, partitionKey, ops)
	}
	if err != nil {
		return inventory.Event{}, err
	}
	return m.backing.TransactionalWrite(ctx, partitionKey, ops)
}

func (m *MockStore) AppendLedgerEntry(ctx context.Context, ev inventory.Event) (inventory.Event, error) {
	m.mu.Lock()
	m.AppendCalls = append(m.AppendCalls, ev)
	err := m.AppendErr
	m.mu.Unlock()

	if err != nil {
		return inventory.Event{}, err
	}
	return m.backing.AppendLedgerEntry(ctx, ev)
}

// PatchCount returns how many conditional patches were attempted.
func (m *MockStore) PatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PatchCalls)
}

// Reset clears recorded calls and injected errors.
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetSnapshotCalls = nil
	m.InFlightCalls = nil
	m.PatchCalls = nil
	m.CreateSnapshotCalls = nil
	m.TransactionalWriteCalls = nil
	m.AppendCalls = nil
	m.GetSnapshotErr = nil
	m.InFlightErr = nil
	m.PatchErr = nil
	m.CreateSnapshotErr = nil
	m.TransactionalWriteErr = nil
	m.AppendErr = nil
	m.PatchCallback = nil
	m.TransactionalWriteCallback = nil
}
