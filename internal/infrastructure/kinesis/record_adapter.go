package kinesis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/example/inventory-ledger/internal/domain/inventory"
)

// Record is a ledger event together with the Kinesis sequence number it was
// delivered under, used to report batch item failures.
type Record struct {
	Event          inventory.Event
	SequenceNumber string
}

// ConvertFromKinesisRecord converts a Kinesis record (DynamoDB Streams format) to an inventory.Event.
// DynamoDB Kinesis integration sends records in DynamoDB Streams format.
// Only ledger inserts carry events; other records return nil.
func ConvertFromKinesisRecord(record events.KinesisEventRecord) (*inventory.Event, error) {
	// Parse the DynamoDB stream record from Kinesis data
	var dynamoDBRecord events.DynamoDBEventRecord
	if err := json.Unmarshal(record.Kinesis.Data, &dynamoDBRecord); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DynamoDB record: %w", err)
	}

	return ConvertFromDynamoDBStreamRecord(dynamoDBRecord)
}

// ConvertFromDynamoDBStreamRecord converts a DynamoDB Stream record to an inventory.Event.
// The ledger is append-only, so MODIFY and REMOVE never describe new events.
func ConvertFromDynamoDBStreamRecord(record events.DynamoDBEventRecord) (*inventory.Event, error) {
	if record.EventName != "INSERT" {
		return nil, nil
	}

	return convertDynamoDBImage(record.Change.NewImage)
}

// convertDynamoDBImage extracts a ledger entry from DynamoDB attribute values.
func convertDynamoDBImage(image map[string]events.DynamoDBAttributeValue) (*inventory.Event, error) {
	if image == nil {
		return nil, fmt.Errorf("DynamoDB image is nil")
	}

	event := &inventory.Event{}
	var eventType, details string

	if v, ok := image["id"]; ok {
		event.ID = v.String()
	}
	if v, ok := image["partitionKey"]; ok {
		event.PartitionKey = v.String()
	}
	if v, ok := image["eventType"]; ok {
		eventType = v.String()
	}
	if v, ok := image["eventDetails"]; ok {
		details = v.String()
	}
	if v, ok := image["eventTime"]; ok {
		t, err := time.Parse(time.RFC3339Nano, v.String())
		if err != nil {
			return nil, fmt.Errorf("failed to parse eventTime: %w", err)
		}
		event.EventTime = t
	}
	if v, ok := image["sequenceToken"]; ok {
		token, err := v.Integer()
		if err != nil {
			return nil, fmt.Errorf("failed to parse sequenceToken: %w", err)
		}
		event.SequenceToken = token
	}

	// Validate required fields
	if event.ID == "" || event.PartitionKey == "" || eventType == "" || event.SequenceToken <= 0 {
		return nil, fmt.Errorf("missing required fields: id=%s, partitionKey=%s, eventType=%s, sequenceToken=%d",
			event.ID, event.PartitionKey, eventType, event.SequenceToken)
	}

	var err error
	event.EventType, event.Details, err = inventory.DecodeDetails(eventType, []byte(details))
	if err != nil {
		return nil, err
	}
	return event, nil
}

// Failure is a Kinesis record that could not be converted into an event.
type Failure struct {
	EventID        string
	SequenceNumber string
	Data           []byte
	Err            error
}

func (f Failure) Error() string {
	return fmt.Sprintf("record %s: %v", f.EventID, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// BatchConvertFromKinesisEvent converts all records from a Kinesis event.
// Returns successfully converted records and the records that failed.
func BatchConvertFromKinesisEvent(kinesisEvent events.KinesisEvent) ([]Record, []Failure) {
	var records []Record
	var failures []Failure

	for _, record := range kinesisEvent.Records {
		event, err := ConvertFromKinesisRecord(record)
		if err != nil {
			failures = append(failures, Failure{
				EventID:        record.EventID,
				SequenceNumber: record.Kinesis.SequenceNumber,
				Data:           record.Kinesis.Data,
				Err:            err,
			})
			continue
		}
		if event != nil {
			records = append(records, Record{Event: *event, SequenceNumber: record.Kinesis.SequenceNumber})
		}
	}

	return records, failures
}
