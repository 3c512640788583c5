package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/example/inventory-ledger/internal/engine"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize bounds the partitions processed in parallel per batch.
const DefaultBatchSize = 20

var outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "inventory_projection_outcomes_total",
	Help: "Projected ledger events by outcome",
}, []string{"outcome"})

var storeErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "inventory_projection_store_errors_total",
	Help: "Projection attempts that failed with a store error and will be redelivered",
})

// Applier folds one recorded event into its snapshot.
type Applier interface {
	Project(ctx context.Context, ev inventory.Event) (engine.Outcome, error)
}

// QuarantineEntry is an event the projector skipped and that needs reconciliation.
type QuarantineEntry struct {
	PartitionKey  string          `json:"partitionKey"`
	EventID       string          `json:"eventId"`
	SequenceToken int64           `json:"sequenceToken"`
	Reason        string          `json:"reason"`
	Payload       json.RawMessage `json:"payload"`
	QuarantinedAt time.Time       `json:"quarantinedAt"`
}

// Quarantine durably keeps skipped events for out-of-band reconciliation.
type Quarantine interface {
	Put(ctx context.Context, entry QuarantineEntry) error
}

// BatchResult reports how far each partition of a batch got.
type BatchResult struct {
	// Completed holds, per partition, the highest token applied or skipped.
	Completed store.Checkpoint
	// Failed holds the first failed event of each stopped partition followed
	// by every later event of that partition, in delivery order.
	Failed []inventory.Event
	Err    error
}

type Projector struct {
	applier    Applier
	quarantine Quarantine
	batchSize  int
	log        *logrus.Entry

	// NewBackOff builds the retry policy for HandleEvent.
	NewBackOff func() backoff.BackOff
}

func NewProjector(applier Applier, quarantine Quarantine, batchSize int, log *logrus.Entry) *Projector {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Projector{
		applier:    applier,
		quarantine: quarantine,
		batchSize:  batchSize,
		log:        log.WithField("component", "projector"),
		NewBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// ProcessBatch applies events one at a time within each partition and runs
// partitions in parallel. A store error stops only its own partition.
func (p *Projector) ProcessBatch(ctx context.Context, events []inventory.Event) BatchResult {
	partitions, order := groupByPartition(events)

	var (
		mu     sync.Mutex
		result = BatchResult{Completed: store.Checkpoint{}}
		errs   []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.batchSize)
	for _, pk := range order {
		batch := partitions[pk]
		g.Go(func() error {
			done, err := p.processPartition(gctx, batch)

			mu.Lock()
			defer mu.Unlock()
			for _, ev := range batch[:done] {
				result.Completed[pk] = max(result.Completed[pk], ev.SequenceToken)
			}
			if err != nil {
				result.Failed = append(result.Failed, batch[done:]...)
				errs = append(errs, err)
			}
			// Other partitions keep going.
			return nil
		})
	}
	g.Wait()

	result.Err = errors.Join(errs...)
	return result
}

// processPartition returns how many events were applied or skipped before
// the first store error.
func (p *Projector) processPartition(ctx context.Context, events []inventory.Event) (int, error) {
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := p.apply(ctx, ev); err != nil {
			return i, err
		}
	}
	return len(events), nil
}

func (p *Projector) apply(ctx context.Context, ev inventory.Event) error {
	outcome, err := p.applier.Project(ctx, ev)
	if err != nil {
		storeErrors.Inc()
		p.log.WithError(err).WithFields(logrus.Fields{
			"partition":      ev.PartitionKey,
			"event_id":       ev.ID,
			"sequence_token": ev.SequenceToken,
		}).Warn("Projection failed, event will be redelivered")
		return err
	}
	outcomes.WithLabelValues(outcome.String()).Inc()

	if outcome == engine.OutcomeRuleViolation || outcome == engine.OutcomeOrphaned {
		if err := p.quarantineEvent(ctx, ev, outcome.String()); err != nil {
			return err
		}
	}
	return nil
}

func (p *Projector) quarantineEvent(ctx context.Context, ev inventory.Event, reason string) error {
	if p.quarantine == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal quarantined event: %w", err)
	}
	entry := QuarantineEntry{
		PartitionKey:  ev.PartitionKey,
		EventID:       ev.ID,
		SequenceToken: ev.SequenceToken,
		Reason:        reason,
		Payload:       payload,
		QuarantinedAt: time.Now().UTC(),
	}
	if err := p.quarantine.Put(ctx, entry); err != nil {
		return fmt.Errorf("failed to quarantine event %s: %w", ev.ID, err)
	}
	return nil
}

// HandleEvent projects one feed message, retrying store errors until ctx is
// done. Its signature matches the Kafka consumer's MessageHandler.
func (p *Projector) HandleEvent(ctx context.Context, key, value []byte) error {
	var ev inventory.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		p.log.WithError(err).WithField("key", string(key)).Error("Undecodable ledger message")
		if p.quarantine == nil {
			return nil
		}
		return p.quarantine.Put(ctx, QuarantineEntry{
			PartitionKey:  string(key),
			Reason:        "undecodable",
			Payload:       rawOrQuoted(value),
			QuarantinedAt: time.Now().UTC(),
		})
	}

	return backoff.Retry(func() error {
		return p.apply(ctx, ev)
	}, backoff.WithContext(p.NewBackOff(), ctx))
}

// rawOrQuoted keeps valid JSON as is and stores anything else as a string.
func rawOrQuoted(value []byte) json.RawMessage {
	if json.Valid(value) {
		return value
	}
	quoted, _ := json.Marshal(string(value))
	return quoted
}

func groupByPartition(events []inventory.Event) (map[string][]inventory.Event, []string) {
	partitions := make(map[string][]inventory.Event)
	var order []string
	for _, ev := range events {
		if _, ok := partitions[ev.PartitionKey]; !ok {
			order = append(order, ev.PartitionKey)
		}
		partitions[ev.PartitionKey] = append(partitions[ev.PartitionKey], ev)
	}
	return partitions, order
}
