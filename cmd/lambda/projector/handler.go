package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/example/inventory-ledger/internal/infrastructure/kinesis"
	"github.com/example/inventory-ledger/internal/projection"
	"github.com/sirupsen/logrus"
)

// batchProcessor is satisfied by *projection.Projector.
type batchProcessor interface {
	ProcessBatch(ctx context.Context, events []inventory.Event) projection.BatchResult
}

type kinesisHandler struct {
	projector  batchProcessor
	quarantine projection.Quarantine
	log        *logrus.Entry
}

// Handle projects one Kinesis batch and reports the records Lambda must redeliver.
func (h *kinesisHandler) Handle(ctx context.Context, kinesisEvent events.KinesisEvent) (events.KinesisEventResponse, error) {
	h.log.WithField("records", len(kinesisEvent.Records)).Info("Received batch")

	var batchItemFailures []events.KinesisBatchItemFailure

	records, failures := kinesis.BatchConvertFromKinesisEvent(kinesisEvent)
	for _, f := range failures {
		h.log.WithError(f.Err).WithField("record", f.EventID).Error("Failed to convert record")
		if h.quarantineRecord(ctx, f) {
			continue
		}
		batchItemFailures = append(batchItemFailures, events.KinesisBatchItemFailure{
			ItemIdentifier: f.SequenceNumber,
		})
	}

	batch := make([]inventory.Event, len(records))
	sequenceNumbers := make(map[string]string, len(records))
	for i, r := range records {
		batch[i] = r.Event
		sequenceNumbers[r.Event.ID] = r.SequenceNumber
	}

	result := h.projector.ProcessBatch(ctx, batch)
	if result.Err != nil {
		h.log.WithError(result.Err).WithField("failed", len(result.Failed)).Warn("Batch partially projected")
	}
	for _, ev := range result.Failed {
		batchItemFailures = append(batchItemFailures, events.KinesisBatchItemFailure{
			ItemIdentifier: sequenceNumbers[ev.ID],
		})
	}

	h.log.WithFields(logrus.Fields{
		"projected": len(batch) - len(result.Failed),
		"total":     len(kinesisEvent.Records),
	}).Info("Batch done")

	return events.KinesisEventResponse{
		BatchItemFailures: batchItemFailures,
	}, nil
}

// quarantineRecord reports whether the record was set aside for reconciliation.
func (h *kinesisHandler) quarantineRecord(ctx context.Context, f kinesis.Failure) bool {
	if h.quarantine == nil {
		return false
	}
	payload := json.RawMessage(f.Data)
	if !json.Valid(f.Data) {
		payload, _ = json.Marshal(string(f.Data))
	}
	err := h.quarantine.Put(ctx, projection.QuarantineEntry{
		EventID:       f.EventID,
		Reason:        "undecodable",
		Payload:       payload,
		QuarantinedAt: time.Now().UTC(),
	})
	if err != nil {
		h.log.WithError(err).WithField("record", f.EventID).Error("Failed to quarantine record")
		return false
	}
	return true
}
