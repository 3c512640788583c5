package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/sirupsen/logrus"
)

// DefaultPollDelay is how long a partial batch waits for more events.
const DefaultPollDelay = time.Second

// BatchProcessor handles one batch of feed events and reports how far each
// partition got.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, events []inventory.Event) BatchResult
}

// Runner drives a BatchProcessor from a feed, checkpointing per partition
// once the processor is done with its events.
type Runner struct {
	feed        store.Feed
	processor   BatchProcessor
	checkpoints CheckpointStore
	batchSize   int
	pollDelay   time.Duration
	log         *logrus.Entry

	// NewBackOff builds the retry policy for failed partitions.
	NewBackOff func() backoff.BackOff
}

func NewRunner(feed store.Feed, processor BatchProcessor, checkpoints CheckpointStore, batchSize int, pollDelay time.Duration, log *logrus.Entry) *Runner {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if pollDelay <= 0 {
		pollDelay = DefaultPollDelay
	}
	return &Runner{
		feed:        feed,
		processor:   processor,
		checkpoints: checkpoints,
		batchSize:   batchSize,
		pollDelay:   pollDelay,
		log:         log.WithField("component", "runner"),
		NewBackOff:  defaultBackOff,
	}
}

// Run consumes the feed until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	from, err := r.checkpoints.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load checkpoints: %w", err)
	}
	events, err := r.feed.Subscribe(ctx, from)
	if err != nil {
		return fmt.Errorf("failed to subscribe to feed: %w", err)
	}

	r.log.WithField("partitions", len(from)).Info("Runner started")
	for {
		batch, ok := r.nextBatch(ctx, events)
		if len(batch) > 0 {
			if err := r.process(ctx, batch); err != nil {
				return err
			}
		}
		if !ok {
			r.log.Info("Runner stopped")
			return ctx.Err()
		}
	}
}

// nextBatch blocks for the first event, then collects more until the batch is
// full or the poll delay passes. ok is false once the feed is closed.
func (r *Runner) nextBatch(ctx context.Context, events <-chan inventory.Event) (batch []inventory.Event, ok bool) {
	select {
	case ev, open := <-events:
		if !open {
			return nil, false
		}
		batch = append(batch, ev)
	case <-ctx.Done():
		return nil, false
	}

	timer := time.NewTimer(r.pollDelay)
	defer timer.Stop()
	for len(batch) < r.batchSize {
		select {
		case ev, open := <-events:
			if !open {
				return batch, false
			}
			batch = append(batch, ev)
		case <-timer.C:
			return batch, true
		case <-ctx.Done():
			return batch, false
		}
	}
	return batch, true
}

// process retries the unfinished remainder of a batch with backoff. Only
// events the processor reports as failed are retried.
func (r *Runner) process(ctx context.Context, batch []inventory.Event) error {
	pending := batch
	op := func() error {
		result := r.processor.ProcessBatch(ctx, pending)
		if len(result.Completed) > 0 {
			if err := r.checkpoints.Save(ctx, result.Completed); err != nil {
				// Redelivery after a restart is harmless for every processor.
				r.log.WithError(err).Warn("Failed to save checkpoints")
			}
		}
		pending = result.Failed
		if len(pending) == 0 {
			return nil
		}
		r.log.WithError(result.Err).WithField("pending", len(pending)).Warn("Retrying failed partitions")
		return result.Err
	}

	err := backoff.Retry(op, backoff.WithContext(r.NewBackOff(), ctx))
	if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return fmt.Errorf("runner gave up with %d events pending: %w", len(pending), err)
	}
	return nil
}
