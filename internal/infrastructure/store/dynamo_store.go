package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/example/inventory-ledger/internal/domain/inventory"
)

// maxAppendAttempts bounds retries when two writers race for the same
// sequence token of a partition.
const maxAppendAttempts = 5

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps the ledger and snapshots in two DynamoDB tables.
// The ledger table is keyed by (partitionKey, sequenceToken) and its stream
// is routed to Kinesis, which feeds the projector.
type DynamoStore struct {
	client        DynamoAPI
	ledgerTable   string
	snapshotTable string
}

// dynamoLedgerEntry represents the DynamoDB item structure of a ledger event
type dynamoLedgerEntry struct {
	PartitionKey  string `dynamodbav:"partitionKey"`
	SequenceToken int64  `dynamodbav:"sequenceToken"`
	ID            string `dynamodbav:"id"`
	EventType     string `dynamodbav:"eventType"`
	Quantity      int64  `dynamodbav:"quantity"`
	Details       string `dynamodbav:"eventDetails"`
	EventTime     string `dynamodbav:"eventTime"`
}

// dynamoSnapshot represents the DynamoDB item structure of a snapshot
type dynamoSnapshot struct {
	PartitionKey               string `dynamodbav:"partitionKey"`
	OnHand                     int64  `dynamodbav:"onHand"`
	ActiveCustomerReservations int64  `dynamodbav:"activeCustomerReservations"`
	AvailableToSell            int64  `dynamodbav:"availableToSell"`
	Returned                   int64  `dynamodbav:"returned"`
	LastAppliedSequenceToken   int64  `dynamodbav:"lastAppliedSequenceToken"`
	LastUpdated                string `dynamodbav:"lastUpdated"`
}

func NewDynamoStore(client DynamoAPI, ledgerTable, snapshotTable string) *DynamoStore {
	return &DynamoStore{
		client:        client,
		ledgerTable:   ledgerTable,
		snapshotTable: snapshotTable,
	}
}

func (s *DynamoStore) GetSnapshot(ctx context.Context, partitionKey string) (inventory.Snapshot, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.snapshotTable),
		Key:            snapshotKey(partitionKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return inventory.Snapshot{}, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if result.Item == nil {
		return inventory.Snapshot{}, ErrNotFound
	}

	var ds dynamoSnapshot
	if err := attributevalue.UnmarshalMap(result.Item, &ds); err != nil {
		return inventory.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	lastUpdated, err := time.Parse(time.RFC3339Nano, ds.LastUpdated)
	if err != nil {
		return inventory.Snapshot{}, fmt.Errorf("invalid lastUpdated on snapshot %s: %w", partitionKey, err)
	}

	return inventory.Snapshot{
		PartitionKey:               ds.PartitionKey,
		OnHand:                     ds.OnHand,
		ActiveCustomerReservations: ds.ActiveCustomerReservations,
		AvailableToSell:            ds.AvailableToSell,
		Returned:                   ds.Returned,
		LastAppliedSequenceToken:   ds.LastAppliedSequenceToken,
		LastUpdated:                lastUpdated,
	}, nil
}

// InFlightReservations pages through the partition's ledger above afterToken.
// DynamoDB has no server-side SUM, so the filter runs server-side and the sum here.
func (s *DynamoStore) InFlightReservations(ctx context.Context, partitionKey string, afterToken int64) (int64, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.ledgerTable),
		KeyConditionExpression: aws.String("partitionKey = :pk AND sequenceToken > :token"),
		FilterExpression:       aws.String("eventType = :type"),
		ProjectionExpression:   aws.String("quantity"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: partitionKey},
			":token": numberAttr(afterToken),
			":type":  &types.AttributeValueMemberS{Value: string(inventory.EventItemReserved)},
		},
		ConsistentRead: aws.Bool(true),
	})

	var sum int64
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to query in-flight reservations: %w", err)
		}
		for _, item := range page.Items {
			var row struct {
				Quantity int64 `dynamodbav:"quantity"`
			}
			if err := attributevalue.UnmarshalMap(item, &row); err != nil {
				return 0, fmt.Errorf("failed to unmarshal ledger entry: %w", err)
			}
			sum += row.Quantity
		}
	}
	return sum, nil
}

func (s *DynamoStore) ConditionalPatch(ctx context.Context, m inventory.Mutation) error {
	expr := buildPatchExpression(m)
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.snapshotTable),
		Key:                                 snapshotKey(m.PartitionKey),
		UpdateExpression:                    aws.String(expr.update),
		ConditionExpression:                 aws.String(expr.condition),
		ExpressionAttributeNames:            expr.names,
		ExpressionAttributeValues:           expr.values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil
	}

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		// The old image is only absent when attribute_exists failed.
		if len(ccf.Item) == 0 {
			return ErrNotFound
		}
		return ErrPreconditionFailed
	}
	return fmt.Errorf("failed to patch snapshot: %w", err)
}

func (s *DynamoStore) CreateSnapshot(ctx context.Context, snap inventory.Snapshot) error {
	av, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.snapshotTable),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(partitionKey)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConflict
		}
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	return nil
}

// AppendLedgerEntry stores the event under the next sequence token.
// Use conditional write to prevent duplicate tokens (optimistic locking)
func (s *DynamoStore) AppendLedgerEntry(ctx context.Context, ev inventory.Event) (inventory.Event, error) {
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		token, err := s.nextSequenceToken(ctx, ev.PartitionKey)
		if err != nil {
			return inventory.Event{}, err
		}
		ev.SequenceToken = token

		av, err := marshalLedgerEntry(ev)
		if err != nil {
			return inventory.Event{}, err
		}
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.ledgerTable),
			Item:                av,
			ConditionExpression: aws.String("attribute_not_exists(sequenceToken)"),
		})
		if err == nil {
			return ev, nil
		}
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return inventory.Event{}, fmt.Errorf("failed to put ledger entry: %w", err)
		}
	}
	return inventory.Event{}, fmt.Errorf("failed to put ledger entry: sequence token contention on %s", ev.PartitionKey)
}

// TransactionalWrite runs all operations in one TransactWriteItems call.
func (s *DynamoStore) TransactionalWrite(ctx context.Context, partitionKey string, ops []Operation) (inventory.Event, error) {
	ev, err := appendOperation(ops)
	if err != nil {
		return inventory.Event{}, err
	}
	ev.PartitionKey = partitionKey

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		token, err := s.nextSequenceToken(ctx, partitionKey)
		if err != nil {
			return inventory.Event{}, err
		}
		ev.SequenceToken = token

		items, err := s.transactItems(partitionKey, token, ev, ops)
		if err != nil {
			return inventory.Event{}, err
		}
		_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		})
		if err == nil {
			return ev, nil
		}

		var tce *types.TransactionCanceledException
		if !errors.As(err, &tce) {
			return inventory.Event{}, fmt.Errorf("failed to write transaction: %w", err)
		}
		retry, err := cancellationCause(tce.CancellationReasons, ops)
		if !retry {
			return inventory.Event{}, err
		}
	}
	return inventory.Event{}, fmt.Errorf("failed to write transaction: sequence token contention on %s", partitionKey)
}

func (s *DynamoStore) transactItems(partitionKey string, token int64, ev inventory.Event, ops []Operation) ([]types.TransactWriteItem, error) {
	items := make([]types.TransactWriteItem, 0, len(ops))
	for _, op := range ops {
		switch op := op.(type) {
		case PatchSnapshot:
			m := op.Mutation.WithSequenceToken(token)
			m.PartitionKey = partitionKey
			expr := buildPatchExpression(m)
			items = append(items, types.TransactWriteItem{Update: &types.Update{
				TableName:                           aws.String(s.snapshotTable),
				Key:                                 snapshotKey(partitionKey),
				UpdateExpression:                    aws.String(expr.update),
				ConditionExpression:                 aws.String(expr.condition),
				ExpressionAttributeNames:            expr.names,
				ExpressionAttributeValues:           expr.values,
				ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
			}})
		case CreateSnapshot:
			snap := op.Snapshot
			snap.PartitionKey = partitionKey
			snap.LastAppliedSequenceToken = token
			av, err := marshalSnapshot(snap)
			if err != nil {
				return nil, err
			}
			items = append(items, types.TransactWriteItem{Put: &types.Put{
				TableName:           aws.String(s.snapshotTable),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(partitionKey)"),
			}})
		case AppendEvent:
			av, err := marshalLedgerEntry(ev)
			if err != nil {
				return nil, err
			}
			items = append(items, types.TransactWriteItem{Put: &types.Put{
				TableName:           aws.String(s.ledgerTable),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(sequenceToken)"),
			}})
		}
	}
	return items, nil
}

// cancellationCause maps the per-item reasons of a cancelled transaction back
// onto the operations. Reasons are index-aligned with the transaction items.
func cancellationCause(reasons []types.CancellationReason, ops []Operation) (retry bool, err error) {
	for i, reason := range reasons {
		if i >= len(ops) {
			break
		}
		code := aws.ToString(reason.Code)
		switch code {
		case "", "None":
			continue
		case "TransactionConflict":
			return true, nil
		case "ConditionalCheckFailed":
			switch ops[i].(type) {
			case AppendEvent:
				return true, nil
			case CreateSnapshot:
				return false, ErrConflict
			case PatchSnapshot:
				if len(reason.Item) == 0 {
					return false, ErrNotFound
				}
				return false, ErrPreconditionFailed
			}
		default:
			return false, fmt.Errorf("transaction cancelled: %s: %s", code, aws.ToString(reason.Message))
		}
	}
	return false, errors.New("transaction cancelled without a reason")
}

// nextSequenceToken reads the partition's highest token and returns the next one
func (s *DynamoStore) nextSequenceToken(ctx context.Context, partitionKey string) (int64, error) {
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.ledgerTable),
		KeyConditionExpression: aws.String("partitionKey = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: partitionKey},
		},
		ScanIndexForward:     aws.Bool(false), // Descending order
		Limit:                aws.Int32(1),
		ProjectionExpression: aws.String("sequenceToken"),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get next sequence token: %w", err)
	}
	if len(result.Items) == 0 {
		return 1, nil
	}

	var item struct {
		SequenceToken int64 `dynamodbav:"sequenceToken"`
	}
	if err := attributevalue.UnmarshalMap(result.Items[0], &item); err != nil {
		return 0, err
	}
	return item.SequenceToken + 1, nil
}

type patchExpression struct {
	update    string
	condition string
	names     map[string]string
	values    map[string]types.AttributeValue
}

// buildPatchExpression renders a mutation as an UpdateExpression and the
// ConditionExpression carrying its predicate.
func buildPatchExpression(m inventory.Mutation) patchExpression {
	expr := patchExpression{
		names: map[string]string{
			"#pk":          "partitionKey",
			"#lastApplied": "lastAppliedSequenceToken",
			"#lastUpdated": "lastUpdated",
		},
		values: map[string]types.AttributeValue{
			":token": numberAttr(m.SequenceToken),
			":now":   &types.AttributeValueMemberS{Value: m.AppliedAt.Format(time.RFC3339Nano)},
		},
	}

	add := ""
	for i, d := range m.Deltas {
		name := fmt.Sprintf("#f%d", i)
		value := fmt.Sprintf(":d%d", i)
		expr.names[name] = string(d.Field)
		expr.values[value] = numberAttr(d.Amount)
		if add != "" {
			add += ", "
		}
		add += name + " " + value
	}
	expr.update = "SET #lastApplied = :token, #lastUpdated = :now"
	if add != "" {
		expr.update += " ADD " + add
	}

	expr.condition = "attribute_exists(#pk)"
	switch m.Guard {
	case inventory.GuardAvailability:
		expr.names["#guard"] = string(inventory.FieldAvailableToSell)
		expr.values[":q"] = numberAttr(m.GuardQuantity)
		expr.condition += " AND #guard >= :q"
	case inventory.GuardReservations:
		expr.names["#guard"] = string(inventory.FieldActiveCustomerReservations)
		expr.values[":q"] = numberAttr(m.GuardQuantity)
		expr.condition += " AND #guard >= :q"
	}
	if m.Ordered {
		expr.condition += " AND #lastApplied < :token"
	}
	return expr
}

func snapshotKey(partitionKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"partitionKey": &types.AttributeValueMemberS{Value: partitionKey},
	}
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func marshalSnapshot(snap inventory.Snapshot) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(dynamoSnapshot{
		PartitionKey:               snap.PartitionKey,
		OnHand:                     snap.OnHand,
		ActiveCustomerReservations: snap.ActiveCustomerReservations,
		AvailableToSell:            snap.AvailableToSell,
		Returned:                   snap.Returned,
		LastAppliedSequenceToken:   snap.LastAppliedSequenceToken,
		LastUpdated:                snap.LastUpdated.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return av, nil
}

func marshalLedgerEntry(ev inventory.Event) (map[string]types.AttributeValue, error) {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event details: %w", err)
	}
	av, err := attributevalue.MarshalMap(dynamoLedgerEntry{
		PartitionKey:  ev.PartitionKey,
		SequenceToken: ev.SequenceToken,
		ID:            ev.ID,
		EventType:     string(ev.EventType),
		Quantity:      ev.Quantity(),
		Details:       string(details),
		EventTime:     ev.EventTime.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ledger entry: %w", err)
	}
	return av, nil
}
