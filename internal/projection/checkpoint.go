package projection

import (
	"context"
	"sync"

	"github.com/example/inventory-ledger/internal/infrastructure/store"
)

// CheckpointStore persists how far each partition of the feed was consumed.
type CheckpointStore interface {
	Load(ctx context.Context) (store.Checkpoint, error)
	// Save merges the given positions. A partition never moves backwards.
	Save(ctx context.Context, cp store.Checkpoint) error
}

// MemoryCheckpoints keeps checkpoints for the lifetime of the process.
type MemoryCheckpoints struct {
	mu sync.Mutex
	cp store.Checkpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{cp: store.Checkpoint{}}
}

func (m *MemoryCheckpoints) Load(ctx context.Context) (store.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(store.Checkpoint, len(m.cp))
	for pk, token := range m.cp {
		out[pk] = token
	}
	return out, nil
}

func (m *MemoryCheckpoints) Save(ctx context.Context, cp store.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pk, token := range cp {
		if token > m.cp[pk] {
			m.cp[pk] = token
		}
	}
	return nil
}
