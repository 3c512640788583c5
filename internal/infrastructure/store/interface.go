package store

import (
	"context"
	"errors"

	"github.com/example/inventory-ledger/internal/domain/inventory"
)

var (
	// ErrNotFound is returned when the partition has no snapshot yet.
	ErrNotFound = errors.New("snapshot not found")
	// ErrPreconditionFailed is returned when a write predicate did not hold.
	// Nothing was written.
	ErrPreconditionFailed = errors.New("write precondition failed")
	// ErrConflict is returned when creating a snapshot that already exists.
	ErrConflict = errors.New("snapshot already exists")
)

// SnapshotReader is the read side of the store used by admission and queries.
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, partitionKey string) (inventory.Snapshot, error)
	// InFlightReservations sums reservedQuantity over ItemReserved ledger
	// entries of the partition with a sequence token above afterToken.
	InFlightReservations(ctx context.Context, partitionKey string, afterToken int64) (int64, error)
}

// Store is the durable store the ledger and snapshots live in. All writes to
// one partition are serialized by the store.
type Store interface {
	SnapshotReader

	// ConditionalPatch applies the mutation only if its predicate holds.
	ConditionalPatch(ctx context.Context, m inventory.Mutation) error
	// CreateSnapshot inserts a new snapshot or fails with ErrConflict.
	CreateSnapshot(ctx context.Context, s inventory.Snapshot) error
	// TransactionalWrite applies all operations atomically within one partition.
	// The sequence token assigned to the AppendEvent operation is stamped into
	// the other operations before they run.
	TransactionalWrite(ctx context.Context, partitionKey string, ops []Operation) (inventory.Event, error)
	// AppendLedgerEntry records the event and returns it with its sequence token.
	AppendLedgerEntry(ctx context.Context, ev inventory.Event) (inventory.Event, error)
}

// Checkpoint maps a partition to the last sequence token it has consumed.
type Checkpoint map[string]int64

// Feed delivers ledger appends in commit order within each partition,
// at least once.
type Feed interface {
	Subscribe(ctx context.Context, from Checkpoint) (<-chan inventory.Event, error)
}

// Operation is one step of a TransactionalWrite.
type Operation interface {
	isOperation()
}

// PatchSnapshot is a conditional patch inside a transaction.
type PatchSnapshot struct {
	Mutation inventory.Mutation
}

// CreateSnapshot inserts a snapshot inside a transaction.
type CreateSnapshot struct {
	Snapshot inventory.Snapshot
}

// AppendEvent appends the ledger entry inside a transaction.
type AppendEvent struct {
	Event inventory.Event
}

func (PatchSnapshot) isOperation()  {}
func (CreateSnapshot) isOperation() {}
func (AppendEvent) isOperation()    {}

// appendOperation finds the single AppendEvent of a transaction.
func appendOperation(ops []Operation) (inventory.Event, error) {
	var found *inventory.Event
	for _, op := range ops {
		if a, ok := op.(AppendEvent); ok {
			if found != nil {
				return inventory.Event{}, errors.New("transaction has more than one ledger append")
			}
			ev := a.Event
			found = &ev
		}
	}
	if found == nil {
		return inventory.Event{}, errors.New("transaction has no ledger append")
	}
	return *found, nil
}
