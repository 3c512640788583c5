package command

import (
	"context"
	"fmt"
	"time"

	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Committer writes an event and its snapshot mutation in one transaction.
type Committer interface {
	Commit(ctx context.Context, ev inventory.Event) (inventory.Event, error)
}

// Admitter checks an event against the current snapshot before it is recorded.
type Admitter interface {
	Admit(ctx context.Context, ev inventory.Event) error
}

// Recorder appends an event to the ledger without touching its snapshot.
type Recorder interface {
	AppendLedgerEntry(ctx context.Context, ev inventory.Event) (inventory.Event, error)
}

type Handler struct {
	committer Committer
	admitter  Admitter
	recorder  Recorder
	timeout   time.Duration
	log       *logrus.Entry

	newID func() string
	now   func() time.Time
}

func NewHandler(committer Committer, admitter Admitter, recorder Recorder, timeout time.Duration, log *logrus.Entry) *Handler {
	return &Handler{
		committer: committer,
		admitter:  admitter,
		recorder:  recorder,
		timeout:   timeout,
		log:       log.WithField("component", "command"),
		newID:     func() string { return uuid.New().String() },
		now:       time.Now,
	}
}

// SubmitSync records the event and applies it to its snapshot atomically
// (sync pipeline - the snapshot is current when this returns)
func (h *Handler) SubmitSync(ctx context.Context, cmd SubmitEvent) (inventory.Event, error) {
	ev, err := h.admit(cmd)
	if err != nil {
		return inventory.Event{}, err
	}

	ctx, cancel := h.withDeadline(ctx)
	defer cancel()

	stored, err := h.committer.Commit(ctx, ev)
	if err != nil {
		return inventory.Event{}, err
	}

	h.log.WithFields(logrus.Fields{
		"partition":      stored.PartitionKey,
		"event_id":       stored.ID,
		"event_type":     stored.EventType,
		"sequence_token": stored.SequenceToken,
	}).Debug("Event committed")
	return stored, nil
}

// SubmitAsync checks reservations and records the event in the ledger
// (async projection - the snapshot is updated by the projector)
func (h *Handler) SubmitAsync(ctx context.Context, cmd SubmitEvent) (inventory.Event, error) {
	ev, err := h.admit(cmd)
	if err != nil {
		return inventory.Event{}, err
	}

	ctx, cancel := h.withDeadline(ctx)
	defer cancel()

	if err := h.admitter.Admit(ctx, ev); err != nil {
		return inventory.Event{}, err
	}

	stored, err := h.recorder.AppendLedgerEntry(ctx, ev)
	if err != nil {
		return inventory.Event{}, fmt.Errorf("failed to record event: %w", err)
	}

	h.log.WithFields(logrus.Fields{
		"partition":      stored.PartitionKey,
		"event_id":       stored.ID,
		"event_type":     stored.EventType,
		"sequence_token": stored.SequenceToken,
	}).Debug("Event recorded")
	return stored, nil
}

// admit parses the payload and stamps the server-owned identity fields.
func (h *Handler) admit(cmd SubmitEvent) (inventory.Event, error) {
	ev, err := inventory.ParseEvent(cmd.Payload)
	if err != nil {
		return inventory.Event{}, err
	}
	return ev.Stamp(h.newID(), h.now()), nil
}

func (h *Handler) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.timeout)
}
