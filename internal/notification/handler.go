package notification

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/sirupsen/logrus"
)

// Mailer delivers low availability alerts.
type Mailer interface {
	SendLowAvailabilityAlert(to string, snap inventory.Snapshot, threshold int64) error
}

// Throttle limits how often one partition can alert.
type Throttle interface {
	Allow(ctx context.Context, partitionKey string) (bool, error)
}

// Handler watches ledger events and alerts when a partition's availability
// drops to or below the threshold.
type Handler struct {
	mailer    Mailer
	reader    store.SnapshotReader
	throttle  Throttle
	recipient string
	threshold int64
	log       *logrus.Entry
}

// NewHandler creates a new notification handler. A nil throttle alerts on
// every qualifying event.
func NewHandler(mailer Mailer, reader store.SnapshotReader, throttle Throttle, recipient string, threshold int64, log *logrus.Entry) *Handler {
	return &Handler{
		mailer:    mailer,
		reader:    reader,
		throttle:  throttle,
		recipient: recipient,
		threshold: threshold,
		log:       log.WithField("component", "notifier"),
	}
}

// HandleEvent processes an event from Kafka
func (h *Handler) HandleEvent(ctx context.Context, key, value []byte) error {
	var ev inventory.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		// Alerts are best effort; an undecodable message must not stall the feed.
		h.log.WithError(err).WithField("key", string(key)).Warn("Skipping undecodable ledger message")
		return nil
	}
	return h.Notify(ctx, ev)
}

// Notify checks the event's partition and sends an alert if it is low.
func (h *Handler) Notify(ctx context.Context, ev inventory.Event) error {
	// Only reservations lower availableToSell.
	if ev.EventType != inventory.EventItemReserved {
		return nil
	}

	snap, err := h.reader.GetSnapshot(ctx, ev.PartitionKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if snap.AvailableToSell > h.threshold {
		return nil
	}

	logger := h.log.WithFields(logrus.Fields{
		"partition":         snap.PartitionKey,
		"available_to_sell": snap.AvailableToSell,
		"event_id":          ev.ID,
	})

	if h.throttle != nil {
		ok, err := h.throttle.Allow(ctx, snap.PartitionKey)
		if err != nil {
			return err
		}
		if !ok {
			logger.Debug("Low availability already alerted")
			return nil
		}
	}

	if err := h.mailer.SendLowAvailabilityAlert(h.recipient, snap, h.threshold); err != nil {
		logger.WithError(err).Error("Failed to send low availability alert")
		return err
	}

	logger.Info("Low availability alert sent")
	return nil
}
