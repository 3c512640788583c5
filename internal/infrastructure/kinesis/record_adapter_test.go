package kinesis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgerImage(id, eventType, details, token string) map[string]events.DynamoDBAttributeValue {
	return map[string]events.DynamoDBAttributeValue{
		"id":            events.NewStringAttribute(id),
		"partitionKey":  events.NewStringAttribute("sku-1#node-1"),
		"eventType":     events.NewStringAttribute(eventType),
		"eventDetails":  events.NewStringAttribute(details),
		"eventTime":     events.NewStringAttribute("2024-01-15T10:30:00.123456789Z"),
		"sequenceToken": events.NewNumberAttribute(token),
		"quantity":      events.NewNumberAttribute("3"),
	}
}

func TestConvertDynamoDBImage(t *testing.T) {
	tests := []struct {
		name    string
		image   map[string]events.DynamoDBAttributeValue
		wantErr bool
	}{
		{
			name:  "valid event",
			image: ledgerImage("event-123", "ItemReserved", `{"reservedQuantity":3,"productId":"sku-1"}`, "7"),
		},
		{
			name:    "nil image",
			image:   nil,
			wantErr: true,
		},
		{
			name: "missing required fields",
			image: map[string]events.DynamoDBAttributeValue{
				"id": events.NewStringAttribute("event-123"),
			},
			wantErr: true,
		},
		{
			name:    "unknown event type",
			image:   ledgerImage("event-123", "Restocked", `{}`, "7"),
			wantErr: true,
		},
		{
			name:    "malformed details",
			image:   ledgerImage("event-123", "ItemReserved", `not json`, "7"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := convertDynamoDBImage(tt.image)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, event)
			assert.Equal(t, "event-123", event.ID)
			assert.Equal(t, "sku-1#node-1", event.PartitionKey)
			assert.Equal(t, inventory.EventItemReserved, event.EventType)
			assert.Equal(t, int64(7), event.SequenceToken)
			assert.Equal(t, int64(3), event.Quantity())
			assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC), event.EventTime)

			details, ok := event.Details.(inventory.ItemReserved)
			require.True(t, ok)
			assert.Equal(t, "sku-1", details.ProductID)
		})
	}
}

func TestConvertFromDynamoDBStreamRecord(t *testing.T) {
	t.Run("INSERT event converts successfully", func(t *testing.T) {
		record := events.DynamoDBEventRecord{
			EventName: "INSERT",
			Change: events.DynamoDBStreamRecord{
				NewImage: ledgerImage("event-123", "InventoryUpdated", `{"onHandQuantity":10}`, "1"),
			},
		}

		event, err := ConvertFromDynamoDBStreamRecord(record)
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.Equal(t, "event-123", event.ID)
		assert.Equal(t, inventory.EventInventoryUpdated, event.EventType)
	})

	t.Run("MODIFY event returns nil", func(t *testing.T) {
		record := events.DynamoDBEventRecord{
			EventName: "MODIFY",
		}

		event, err := ConvertFromDynamoDBStreamRecord(record)
		require.NoError(t, err)
		assert.Nil(t, event)
	})

	t.Run("REMOVE event returns nil", func(t *testing.T) {
		record := events.DynamoDBEventRecord{
			EventName: "REMOVE",
		}

		event, err := ConvertFromDynamoDBStreamRecord(record)
		require.NoError(t, err)
		assert.Nil(t, event)
	})
}

func TestConvertFromKinesisRecord(t *testing.T) {
	t.Run("valid Kinesis record", func(t *testing.T) {
		dynamoRecord := events.DynamoDBEventRecord{
			EventName: "INSERT",
			Change: events.DynamoDBStreamRecord{
				NewImage: ledgerImage("event-123", "orderShipped", `{"shippedQuantity":2}`, "4"),
			},
		}

		dynamoRecordJSON, err := json.Marshal(dynamoRecord)
		require.NoError(t, err)

		kinesisRecord := events.KinesisEventRecord{
			EventID: "kinesis-event-1",
			Kinesis: events.KinesisRecord{
				Data: dynamoRecordJSON,
			},
		}

		event, err := ConvertFromKinesisRecord(kinesisRecord)
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.Equal(t, "event-123", event.ID)
		assert.Equal(t, inventory.EventOrderShipped, event.EventType)
	})
}

func TestBatchConvertFromKinesisEvent(t *testing.T) {
	t.Run("batch conversion with mixed results", func(t *testing.T) {
		validRecord := events.DynamoDBEventRecord{
			EventName: "INSERT",
			Change: events.DynamoDBStreamRecord{
				NewImage: ledgerImage("event-1", "OrderReturned", `{"returnedQuantity":1}`, "9"),
			},
		}
		validJSON, _ := json.Marshal(validRecord)

		modifyRecord := events.DynamoDBEventRecord{
			EventName: "MODIFY",
		}
		modifyJSON, _ := json.Marshal(modifyRecord)

		kinesisEvent := events.KinesisEvent{
			Records: []events.KinesisEventRecord{
				{EventID: "1", Kinesis: events.KinesisRecord{Data: validJSON, SequenceNumber: "100"}},
				{EventID: "2", Kinesis: events.KinesisRecord{Data: modifyJSON, SequenceNumber: "101"}},
				{EventID: "3", Kinesis: events.KinesisRecord{Data: []byte("invalid json"), SequenceNumber: "102"}},
			},
		}

		records, failures := BatchConvertFromKinesisEvent(kinesisEvent)

		require.Len(t, records, 1)
		require.Len(t, failures, 1)
		assert.Equal(t, "event-1", records[0].Event.ID)
		assert.Equal(t, "100", records[0].SequenceNumber)
		assert.Equal(t, "102", failures[0].SequenceNumber)
		assert.Equal(t, []byte("invalid json"), failures[0].Data)
		assert.Contains(t, failures[0].Error(), "record 3")
	})
}
