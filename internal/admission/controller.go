package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "inventory_admission_decisions_total",
	Help: "Reservation admission decisions by result",
}, []string{"result"})

const (
	resultAdmitted         = "admitted"
	resultRejected         = "rejected"
	resultRejectedInFlight = "rejected_inflight"
)

// Controller checks reservations against the current snapshot before they
// are recorded. It is advisory: the conditional write is the final authority.
type Controller struct {
	reader    store.SnapshotReader
	threshold int64
	log       *logrus.Entry
}

func NewController(reader store.SnapshotReader, threshold int64, log *logrus.Entry) *Controller {
	return &Controller{
		reader:    reader,
		threshold: threshold,
		log:       log.WithField("component", "admission"),
	}
}

// Admit returns ErrInsufficientInventory when a reservation cannot be covered.
// Other event types are always admitted.
func (c *Controller) Admit(ctx context.Context, ev inventory.Event) error {
	d, ok := ev.Details.(inventory.ItemReserved)
	if !ok {
		return nil
	}
	q := d.ReservedQuantity

	snap, err := c.reader.GetSnapshot(ctx, ev.PartitionKey)
	if errors.Is(err, store.ErrNotFound) {
		decisions.WithLabelValues(resultRejected).Inc()
		return fmt.Errorf("%w: partition %s has no stock", inventory.ErrInsufficientInventory, ev.PartitionKey)
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	if snap.AvailableToSell < q {
		decisions.WithLabelValues(resultRejected).Inc()
		return fmt.Errorf("%w: available %d, requested %d", inventory.ErrInsufficientInventory, snap.AvailableToSell, q)
	}

	// Near depletion the snapshot may lag the ledger; correct it with the
	// reservations recorded after its watermark.
	if snap.AvailableToSell-q <= c.threshold {
		inFlight, err := c.reader.InFlightReservations(ctx, ev.PartitionKey, snap.LastAppliedSequenceToken)
		if err != nil {
			return fmt.Errorf("failed to sum in-flight reservations: %w", err)
		}
		if snap.AvailableToSell-inFlight < q {
			decisions.WithLabelValues(resultRejectedInFlight).Inc()
			c.log.WithFields(logrus.Fields{
				"partition": ev.PartitionKey,
				"available": snap.AvailableToSell,
				"in_flight": inFlight,
				"requested": q,
			}).Info("Reservation rejected by in-flight reservations")
			return fmt.Errorf("%w: available %d with %d in flight, requested %d",
				inventory.ErrInsufficientInventory, snap.AvailableToSell, inFlight, q)
		}
	}

	decisions.WithLabelValues(resultAdmitted).Inc()
	return nil
}
