package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type MessageHandler func(ctx context.Context, key, value []byte) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer delivers messages at least once: an offset is committed only
// after its handler returned nil.
type Consumer struct {
	reader messageReader
	log    *logrus.Entry

	// newBackOff paces retries of failed fetches.
	newBackOff func() backoff.BackOff
}

func NewConsumer(brokers []string, topic, groupID string, log *logrus.Entry) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{
		reader:     reader,
		log:        log.WithField("component", "kafka-consumer"),
		newBackOff: fetchBackOff,
	}
}

func fetchBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Consume runs until ctx is done or a handler fails. A failed message is not
// committed, so the group redelivers it after a restart.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	newBackOff := c.newBackOff
	if newBackOff == nil {
		newBackOff = fetchBackOff
	}
	retry := newBackOff()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := retry.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("fetching message: %w", err)
			}
			c.log.WithError(err).WithField("retry_in", wait).Warn("Error fetching message")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		retry.Reset()

		if err := handler(ctx, msg.Key, msg.Value); err != nil {
			return fmt.Errorf("handling message at partition %d offset %d: %w", msg.Partition, msg.Offset, err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Redelivery of an applied message is harmless.
			c.log.WithError(err).WithField("offset", msg.Offset).Warn("Error committing offset")
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
