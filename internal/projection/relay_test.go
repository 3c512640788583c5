package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPublisher keeps every acknowledged event and fails the calls
// listed in failCalls.
type recordingPublisher struct {
	mu        sync.Mutex
	calls     int
	failCalls map[int]bool
	published []inventory.Event
}

func (p *recordingPublisher) PublishEvents(ctx context.Context, events []inventory.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failCalls[p.calls] {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, events...)
	return nil
}

func (p *recordingPublisher) snapshot() []inventory.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]inventory.Event(nil), p.published...)
}

// ============================================
// Relay tests
// ============================================

func TestRelay_FailedPublishLeavesBatchPending(t *testing.T) {
	pub := &recordingPublisher{failCalls: map[int]bool{1: true}}
	r := NewRelay(pub, testLogger())
	events := []inventory.Event{
		{ID: "a1", PartitionKey: "a", SequenceToken: 1},
		{ID: "b1", PartitionKey: "b", SequenceToken: 1},
		{ID: "a2", PartitionKey: "a", SequenceToken: 2},
	}

	result := r.ProcessBatch(context.Background(), events)
	require.Error(t, result.Err)
	assert.Empty(t, result.Completed)
	assert.Equal(t, events, result.Failed)

	result = r.ProcessBatch(context.Background(), events)
	require.NoError(t, result.Err)
	assert.Empty(t, result.Failed)
	assert.Equal(t, store.Checkpoint{"a": 2, "b": 1}, result.Completed)
}

func TestRelay_ConcurrentWritersArePublishedInTokenOrder(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &recordingPublisher{failCalls: map[int]bool{2: true, 3: true, 7: true}}
	checkpoints := NewMemoryCheckpoints()
	runner := NewRunner(s, NewRelay(pub, testLogger()), checkpoints, 5, 5*time.Millisecond, testLogger())
	runner.NewBackOff = zeroBackOff

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	const writers, perWriter = 8, 10
	partitions := []string{"a", "b"}
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				pk := partitions[(w+i)%len(partitions)]
				_, err := s.AppendLedgerEntry(context.Background(), inventory.Event{
					ID:           fmt.Sprintf("w%d-%d", w, i),
					PartitionKey: pk,
					EventType:    inventory.EventItemReserved,
					Details:      inventory.ItemReserved{ReservedQuantity: 1},
					EventTime:    time.Now().UTC(),
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	total := int64(writers * perWriter / len(partitions))
	require.Eventually(t, func() bool {
		cp, _ := checkpoints.Load(context.Background())
		return cp["a"] == total && cp["b"] == total
	}, 2*time.Second, 10*time.Millisecond)

	// The first time each token appears it follows every lower token of its
	// partition; later appearances are republished duplicates.
	seen := map[string]int64{}
	for _, ev := range pub.snapshot() {
		if ev.SequenceToken <= seen[ev.PartitionKey] {
			continue
		}
		require.Equal(t, seen[ev.PartitionKey]+1, ev.SequenceToken,
			fmt.Sprintf("partition %s skipped ahead", ev.PartitionKey))
		seen[ev.PartitionKey] = ev.SequenceToken
	}
	assert.Equal(t, map[string]int64{"a": total, "b": total}, seen)
}

func TestQuarantineUndecodable(t *testing.T) {
	q := &memoryQuarantine{}
	put := QuarantineUndecodable(q)

	err := put(context.Background(), "a", 7, []byte(`not json`), errors.New("bad details"))

	require.NoError(t, err)
	require.Len(t, q.entries, 1)
	assert.Equal(t, "undecodable", q.entries[0].Reason)
	assert.Equal(t, int64(7), q.entries[0].SequenceToken)
	assert.JSONEq(t, `"not json"`, string(q.entries[0].Payload))

	assert.NoError(t, QuarantineUndecodable(nil)(context.Background(), "a", 8, nil, nil))
}
