package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/sirupsen/logrus"
)

// Outcome is how an event ended up relative to its snapshot.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeBootstrapped
	// OutcomeDuplicate means the watermark already covers the event.
	OutcomeDuplicate
	// OutcomeRuleViolation means the business guard failed at apply time.
	OutcomeRuleViolation
	// OutcomeOrphaned means the event targets a partition without a snapshot
	// and cannot create one.
	OutcomeOrphaned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeBootstrapped:
		return "bootstrapped"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRuleViolation:
		return "rule_violation"
	case OutcomeOrphaned:
		return "orphaned"
	}
	return "unknown"
}

// Skipped reports whether the event was dropped without changing the snapshot.
func (o Outcome) Skipped() bool {
	return o == OutcomeDuplicate || o == OutcomeRuleViolation || o == OutcomeOrphaned
}

// Engine turns events into conditional writes. It never reads a snapshot to
// decide a write; the store evaluates every predicate.
type Engine struct {
	store store.Store
	log   *logrus.Entry
	now   func() time.Time
}

func New(s store.Store, log *logrus.Entry) *Engine {
	return &Engine{
		store: s,
		log:   log.WithField("component", "engine"),
		now:   time.Now,
	}
}

// Project folds a recorded ledger event into its snapshot, guarded by the
// watermark. Only store errors are returned; the caller must not advance past
// an event that failed with one.
func (e *Engine) Project(ctx context.Context, ev inventory.Event) (Outcome, error) {
	m, err := inventory.NewMutation(ev, true, e.now())
	if err != nil {
		// Redelivery cannot fix a malformed ledger entry.
		e.log.WithError(err).WithField("event_id", ev.ID).Error("Unprojectable event")
		return OutcomeOrphaned, nil
	}

	outcome, err := e.patch(ctx, m)
	if !errors.Is(err, store.ErrNotFound) {
		return outcome, err
	}

	if ev.EventType != inventory.EventInventoryUpdated {
		e.log.WithFields(logrus.Fields{
			"partition":      ev.PartitionKey,
			"event_id":       ev.ID,
			"event_type":     ev.EventType,
			"sequence_token": ev.SequenceToken,
		}).Warn("Event for partition without snapshot")
		return OutcomeOrphaned, nil
	}
	return e.bootstrap(ctx, ev)
}

// patch applies an ordered mutation and classifies a failed predicate.
// ErrNotFound is passed through for the caller to handle.
func (e *Engine) patch(ctx context.Context, m inventory.Mutation) (Outcome, error) {
	err := e.store.ConditionalPatch(ctx, m)
	switch {
	case err == nil:
		return OutcomeApplied, nil
	case errors.Is(err, store.ErrNotFound):
		return OutcomeOrphaned, err
	case errors.Is(err, store.ErrPreconditionFailed):
		return e.diagnose(ctx, m)
	default:
		return OutcomeApplied, fmt.Errorf("failed to apply %s to %s: %w", m.EventType, m.PartitionKey, err)
	}
}

// diagnose tells a replay from a guard failure after the store rejected a
// patch. The read happens after the rejection, so a watermark at or past the
// token proves the event was already applied.
func (e *Engine) diagnose(ctx context.Context, m inventory.Mutation) (Outcome, error) {
	snap, err := e.store.GetSnapshot(ctx, m.PartitionKey)
	if err != nil {
		return OutcomeRuleViolation, fmt.Errorf("failed to read snapshot after rejected patch: %w", err)
	}

	fields := logrus.Fields{
		"partition":      m.PartitionKey,
		"event_type":     m.EventType,
		"sequence_token": m.SequenceToken,
		"watermark":      snap.LastAppliedSequenceToken,
	}
	if snap.LastAppliedSequenceToken >= m.SequenceToken {
		e.log.WithFields(fields).Debug("Skipping already applied event")
		return OutcomeDuplicate, nil
	}

	fields["guard"] = m.Guard.String()
	fields["quantity"] = m.GuardQuantity
	e.log.WithFields(fields).Warn("Guard rejected event, flagged for reconciliation")
	return OutcomeRuleViolation, nil
}

// Commit appends the event and mutates its snapshot in one transaction.
// The returned event carries the assigned sequence token.
func (e *Engine) Commit(ctx context.Context, ev inventory.Event) (inventory.Event, error) {
	stored, err := e.commitPatch(ctx, ev)
	if !errors.Is(err, store.ErrNotFound) {
		return stored, err
	}

	if ev.EventType != inventory.EventInventoryUpdated {
		return inventory.Event{}, fmt.Errorf("%w: %s", inventory.ErrUnknownPartition, ev.PartitionKey)
	}
	return e.commitBootstrap(ctx, ev)
}

func (e *Engine) commitPatch(ctx context.Context, ev inventory.Event) (inventory.Event, error) {
	// Append and patch share one commit, so there is no watermark lag to guard.
	m, err := inventory.NewMutation(ev, false, e.now())
	if err != nil {
		return inventory.Event{}, err
	}

	stored, err := e.store.TransactionalWrite(ctx, ev.PartitionKey, []store.Operation{
		store.PatchSnapshot{Mutation: m},
		store.AppendEvent{Event: ev},
	})
	switch {
	case err == nil:
		return stored, nil
	case errors.Is(err, store.ErrNotFound):
		return inventory.Event{}, err
	case errors.Is(err, store.ErrPreconditionFailed):
		return inventory.Event{}, fmt.Errorf("%w: %s guard on %s", inventory.ErrPreconditionFailed, m.Guard, ev.PartitionKey)
	default:
		return inventory.Event{}, fmt.Errorf("failed to commit %s to %s: %w", ev.EventType, ev.PartitionKey, err)
	}
}
