package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/inventory-ledger/internal/admission"
	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/example/inventory-ledger/internal/engine"
	"github.com/example/inventory-ledger/internal/infrastructure/store"
	"github.com/example/inventory-ledger/internal/infrastructure/store/mocks"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newTestHandler(threshold int64) (*Handler, *mocks.MockStore) {
	s := mocks.NewMockStore()
	log := testLogger()
	h := NewHandler(engine.New(s, log), admission.NewController(s, threshold, log), s, time.Second, log)
	return h, s
}

func submit(payload string) SubmitEvent {
	return SubmitEvent{Payload: []byte(payload)}
}

// ============================================
// Sync pipeline tests
// ============================================

func TestHandler_SubmitSync_StampsIdentity(t *testing.T) {
	h, s := newTestHandler(0)
	ctx := context.Background()

	ev, err := h.SubmitSync(ctx, submit(`{
		"id": "client-chosen",
		"partitionKey": "sku-1#node-1",
		"eventType": "inventoryupdated",
		"eventTime": "2001-01-01T00:00:00Z",
		"sequenceToken": 99,
		"eventDetails": {"onHandQuantity": 25}
	}`))

	require.NoError(t, err)
	assert.NotEqual(t, "client-chosen", ev.ID)
	assert.NotEmpty(t, ev.ID)
	assert.True(t, ev.EventTime.After(time.Date(2001, 1, 2, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(1), ev.SequenceToken)
	assert.Equal(t, inventory.EventInventoryUpdated, ev.EventType)

	snap, err := s.GetSnapshot(ctx, "sku-1#node-1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), snap.AvailableToSell)
}

func TestHandler_SubmitSync_InvalidPayloadNeverReachesStore(t *testing.T) {
	h, s := newTestHandler(0)

	payloads := []string{
		``,
		`null`,
		`{"partitionKey":"p","eventType":"Restocked","eventDetails":{}}`,
		`{"partitionKey":"p","eventType":"ItemReserved"}`,
		`{"partitionKey":"","eventType":"ItemReserved","eventDetails":{"reservedQuantity":1}}`,
		`{"partitionKey":"p","eventType":"ItemReserved","eventDetails":{"reservedQuantity":0}}`,
	}
	for _, p := range payloads {
		_, err := h.SubmitSync(context.Background(), submit(p))
		assert.ErrorIs(t, err, inventory.ErrInvalidPayload, p)
	}
	assert.Empty(t, s.TransactionalWriteCalls)
}

func TestHandler_SubmitSync_PreconditionFailed(t *testing.T) {
	h, _ := newTestHandler(0)
	ctx := context.Background()

	_, err := h.SubmitSync(ctx, submit(`{"partitionKey":"p","eventType":"InventoryUpdated","eventDetails":{"onHandQuantity":5}}`))
	require.NoError(t, err)

	_, err = h.SubmitSync(ctx, submit(`{"partitionKey":"p","eventType":"ItemReserved","eventDetails":{"reservedQuantity":6}}`))

	assert.ErrorIs(t, err, inventory.ErrPreconditionFailed)
}

func TestHandler_SubmitSync_PropagatesDeadline(t *testing.T) {
	h, s := newTestHandler(0)
	s.TransactionalWriteCallback = func(ctx context.Context, partitionKey string, ops []store.Operation) (inventory.Event, error) {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return inventory.Event{}, context.DeadlineExceeded
	}

	_, err := h.SubmitSync(context.Background(), submit(`{"partitionKey":"p","eventType":"OrderReturned","eventDetails":{"returnedQuantity":1}}`))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ============================================
// Async pipeline tests
// ============================================

func TestHandler_SubmitAsync_RecordsWithoutProjecting(t *testing.T) {
	h, s := newTestHandler(0)
	ctx := context.Background()
	require.NoError(t, s.Backing().CreateSnapshot(ctx, inventory.Snapshot{PartitionKey: "p", OnHand: 10, AvailableToSell: 10}))

	ev, err := h.SubmitAsync(ctx, submit(`{"partitionKey":"p","eventType":"ITEMRESERVED","eventDetails":{"reservedQuantity":4}}`))

	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.SequenceToken)
	assert.Equal(t, inventory.EventItemReserved, ev.EventType)
	require.Len(t, s.AppendCalls, 1)
	assert.Empty(t, s.PatchCalls)

	snap, err := s.GetSnapshot(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.AvailableToSell)
}

func TestHandler_SubmitAsync_InFlightRejection(t *testing.T) {
	h, s := newTestHandler(2)
	ctx := context.Background()
	require.NoError(t, s.Backing().CreateSnapshot(ctx, inventory.Snapshot{PartitionKey: "p", OnHand: 10, AvailableToSell: 10}))

	_, err := h.SubmitAsync(ctx, submit(`{"partitionKey":"p","eventType":"ItemReserved","eventDetails":{"reservedQuantity":3}}`))
	require.NoError(t, err)

	_, err = h.SubmitAsync(ctx, submit(`{"partitionKey":"p","eventType":"ItemReserved","eventDetails":{"reservedQuantity":9}}`))

	assert.ErrorIs(t, err, inventory.ErrInsufficientInventory)
	assert.Len(t, s.AppendCalls, 1)
}

func TestHandler_SubmitAsync_StoreError(t *testing.T) {
	h, s := newTestHandler(0)
	s.AppendErr = errors.New("connection reset")

	_, err := h.SubmitAsync(context.Background(), submit(`{"partitionKey":"p","eventType":"InventoryUpdated","eventDetails":{"onHandQuantity":1}}`))

	require.Error(t, err)
	assert.NotErrorIs(t, err, inventory.ErrInvalidPayload)
}
