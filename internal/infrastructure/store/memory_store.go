package store

import (
	"context"
	"sync"

	"github.com/example/inventory-ledger/internal/domain/inventory"
)

// MemoryStore keeps the ledger and snapshots in memory. A single mutex makes
// every patch and transaction atomic, standing in for the per-partition
// serialization of a real store.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string]inventory.Snapshot
	ledger    map[string][]inventory.Event // partitionKey -> events in token order
	heads     map[string]int64             // partitionKey -> last assigned token
	log       []inventory.Event            // all events in commit order
	appended  chan struct{}                // closed and replaced on every append
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]inventory.Snapshot),
		ledger:    make(map[string][]inventory.Event),
		heads:     make(map[string]int64),
		appended:  make(chan struct{}),
	}
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, partitionKey string) (inventory.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return inventory.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[partitionKey]
	if !ok {
		return inventory.Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) InFlightReservations(ctx context.Context, partitionKey string, afterToken int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum int64
	for _, ev := range s.ledger[partitionKey] {
		if ev.SequenceToken > afterToken && ev.EventType == inventory.EventItemReserved {
			sum += ev.ReservedQuantity()
		}
	}
	return sum, nil
}

func (s *MemoryStore) ConditionalPatch(ctx context.Context, m inventory.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[m.PartitionKey]
	if !ok {
		return ErrNotFound
	}
	if !m.Holds(snap) {
		return ErrPreconditionFailed
	}
	s.snapshots[m.PartitionKey] = m.Apply(snap)
	return nil
}

func (s *MemoryStore) CreateSnapshot(ctx context.Context, snap inventory.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[snap.PartitionKey]; ok {
		return ErrConflict
	}
	s.snapshots[snap.PartitionKey] = snap
	return nil
}

func (s *MemoryStore) TransactionalWrite(ctx context.Context, partitionKey string, ops []Operation) (inventory.Event, error) {
	if err := ctx.Err(); err != nil {
		return inventory.Event{}, err
	}
	ev, err := appendOperation(ops)
	if err != nil {
		return inventory.Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token := s.heads[partitionKey] + 1
	ev.PartitionKey = partitionKey
	ev.SequenceToken = token

	// Stage against a copy so a failing operation leaves nothing behind.
	snap, exists := s.snapshots[partitionKey]
	for _, op := range ops {
		switch op := op.(type) {
		case PatchSnapshot:
			if !exists {
				return inventory.Event{}, ErrNotFound
			}
			m := op.Mutation.WithSequenceToken(token)
			if !m.Holds(snap) {
				return inventory.Event{}, ErrPreconditionFailed
			}
			snap = m.Apply(snap)
		case CreateSnapshot:
			if exists {
				return inventory.Event{}, ErrConflict
			}
			snap = op.Snapshot
			snap.PartitionKey = partitionKey
			snap.LastAppliedSequenceToken = token
			exists = true
		}
	}

	s.snapshots[partitionKey] = snap
	s.appendLocked(ev)
	return ev, nil
}

func (s *MemoryStore) AppendLedgerEntry(ctx context.Context, ev inventory.Event) (inventory.Event, error) {
	if err := ctx.Err(); err != nil {
		return inventory.Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.SequenceToken = s.heads[ev.PartitionKey] + 1
	s.appendLocked(ev)
	return ev, nil
}

func (s *MemoryStore) appendLocked(ev inventory.Event) {
	s.heads[ev.PartitionKey] = ev.SequenceToken
	s.ledger[ev.PartitionKey] = append(s.ledger[ev.PartitionKey], ev)
	s.log = append(s.log, ev)
	close(s.appended)
	s.appended = make(chan struct{})
}

// Events returns the ledger of one partition in token order.
func (s *MemoryStore) Events(partitionKey string) []inventory.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inventory.Event(nil), s.ledger[partitionKey]...)
}

// AllEvents returns the whole ledger in commit order.
func (s *MemoryStore) AllEvents() []inventory.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inventory.Event(nil), s.log...)
}

// Subscribe streams the ledger in commit order, skipping events at or below
// the checkpoint of their partition. The channel closes when ctx is done.
func (s *MemoryStore) Subscribe(ctx context.Context, from Checkpoint) (<-chan inventory.Event, error) {
	out := make(chan inventory.Event)
	go func() {
		defer close(out)
		next := 0
		for {
			s.mu.Lock()
			pending := append([]inventory.Event(nil), s.log[next:]...)
			wait := s.appended
			s.mu.Unlock()

			for _, ev := range pending {
				next++
				if ev.SequenceToken <= from[ev.PartitionKey] {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}

			if len(pending) == 0 {
				select {
				case <-wait:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
