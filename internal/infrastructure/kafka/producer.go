package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/segmentio/kafka-go"
)

// maxBatch caps the messages of one write. A write never spans two batches
// of one Kafka partition, so a failed batch is never overtaken by a later one.
const maxBatch = 100

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes ledger entries keyed by inventory partition. The hash
// balancer keeps every event of one partition on one Kafka partition.
type Producer struct {
	writer messageWriter
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    maxBatch,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Producer{writer: writer}
}

// PublishEvents writes events in the given order and returns once all of them
// are acknowledged or the first write fails.
func (p *Producer) PublishEvents(ctx context.Context, events []inventory.Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.PartitionKey),
			Value: data,
			Time:  time.Now(),
		})
	}

	for start := 0; start < len(msgs); start += maxBatch {
		end := min(start+maxBatch, len(msgs))
		if err := p.writer.WriteMessages(ctx, msgs[start:end]...); err != nil {
			return fmt.Errorf("failed to publish events %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
