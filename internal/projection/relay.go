package projection

import (
	"context"
	"time"

	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var relayed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "inventory_relay_published_total",
	Help: "Ledger entries published to the change feed",
})

var relayErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "inventory_relay_publish_errors_total",
	Help: "Publish attempts that failed and will be retried",
})

// Publisher forwards ledger entries to the change feed, keeping their order.
type Publisher interface {
	PublishEvents(ctx context.Context, events []inventory.Event) error
}

// Relay publishes a ledger feed. Driven by a Runner, it checkpoints only what
// the publisher acknowledged, so a failed publish is retried in token order
// and a committed entry is never lost.
type Relay struct {
	publisher Publisher
	log       *logrus.Entry
}

func NewRelay(publisher Publisher, log *logrus.Entry) *Relay {
	return &Relay{
		publisher: publisher,
		log:       log.WithField("component", "relay"),
	}
}

// ProcessBatch publishes the whole batch in delivery order. A failure leaves
// the whole batch pending; republished entries are duplicates to consumers.
func (r *Relay) ProcessBatch(ctx context.Context, events []inventory.Event) BatchResult {
	if err := r.publisher.PublishEvents(ctx, events); err != nil {
		relayErrors.Inc()
		return BatchResult{Completed: store.Checkpoint{}, Failed: events, Err: err}
	}

	completed := store.Checkpoint{}
	for _, ev := range events {
		completed[ev.PartitionKey] = max(completed[ev.PartitionKey], ev.SequenceToken)
	}
	relayed.Add(float64(len(events)))
	r.log.WithField("events", len(events)).Debug("Ledger entries published")
	return BatchResult{Completed: completed}
}

// QuarantineUndecodable adapts a Quarantine to receive ledger rows a feed
// cannot decode. Without a quarantine the row is only logged by the feed.
func QuarantineUndecodable(q Quarantine) store.UndecodableFunc {
	return func(ctx context.Context, partitionKey string, sequenceToken int64, raw []byte, cause error) error {
		if q == nil {
			return nil
		}
		return q.Put(ctx, QuarantineEntry{
			PartitionKey:  partitionKey,
			SequenceToken: sequenceToken,
			Reason:        "undecodable",
			Payload:       rawOrQuoted(raw),
			QuarantinedAt: time.Now().UTC(),
		})
	}
}
