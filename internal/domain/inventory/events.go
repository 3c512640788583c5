package inventory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType discriminates the eventDetails variant of an Event.
type EventType string

const (
	EventInventoryUpdated EventType = "InventoryUpdated"
	EventItemReserved     EventType = "ItemReserved"
	EventOrderShipped     EventType = "OrderShipped"
	EventOrderCancelled   EventType = "OrderCancelled"
	EventOrderReturned    EventType = "OrderReturned"
)

// EventDetails is the closed set of payloads an Event can carry. Each variant
// holds exactly one quantity.
type EventDetails interface {
	Type() EventType
	Quantity() int64
	isEventDetails()
}

type Item struct {
	ProductID string `json:"productId,omitempty"`
	NodeID    string `json:"nodeId,omitempty"`
}

type InventoryUpdated struct {
	Item
	OnHandQuantity int64 `json:"onHandQuantity"`
}

type ItemReserved struct {
	Item
	ReservedQuantity int64 `json:"reservedQuantity"`
}

type OrderShipped struct {
	Item
	ShippedQuantity int64 `json:"shippedQuantity"`
}

type OrderCancelled struct {
	Item
	CancelledQuantity int64 `json:"cancelledQuantity"`
}

type OrderReturned struct {
	Item
	ReturnedQuantity int64 `json:"returnedQuantity"`
}

func (InventoryUpdated) Type() EventType { return EventInventoryUpdated }
func (ItemReserved) Type() EventType     { return EventItemReserved }
func (OrderShipped) Type() EventType     { return EventOrderShipped }
func (OrderCancelled) Type() EventType   { return EventOrderCancelled }
func (OrderReturned) Type() EventType    { return EventOrderReturned }

func (d InventoryUpdated) Quantity() int64 { return d.OnHandQuantity }
func (d ItemReserved) Quantity() int64     { return d.ReservedQuantity }
func (d OrderShipped) Quantity() int64     { return d.ShippedQuantity }
func (d OrderCancelled) Quantity() int64   { return d.CancelledQuantity }
func (d OrderReturned) Quantity() int64    { return d.ReturnedQuantity }

func (InventoryUpdated) isEventDetails() {}
func (ItemReserved) isEventDetails()     {}
func (OrderShipped) isEventDetails()     {}
func (OrderCancelled) isEventDetails()   {}
func (OrderReturned) isEventDetails()    {}

// Event is an immutable ledger entry.
type Event struct {
	ID            string       `json:"id"`
	PartitionKey  string       `json:"partitionKey"`
	EventType     EventType    `json:"eventType"`
	Details       EventDetails `json:"eventDetails"`
	EventTime     time.Time    `json:"eventTime"`
	SequenceToken int64        `json:"sequenceToken,omitempty"`
}

type detailsDecoder func(json.RawMessage) (EventDetails, error)

func decodeAs[T EventDetails](raw json.RawMessage) (EventDetails, error) {
	var d T
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// detailsByTag is keyed by the lower-cased eventType.
var detailsByTag = map[string]struct {
	canonical EventType
	decode    detailsDecoder
}{
	"inventoryupdated": {EventInventoryUpdated, decodeAs[InventoryUpdated]},
	"itemreserved":     {EventItemReserved, decodeAs[ItemReserved]},
	"ordershipped":     {EventOrderShipped, decodeAs[OrderShipped]},
	"ordercancelled":   {EventOrderCancelled, decodeAs[OrderCancelled]},
	"orderreturned":    {EventOrderReturned, decodeAs[OrderReturned]},
}

// ParseEventType matches a tag case-insensitively and returns its canonical form.
func ParseEventType(tag string) (EventType, bool) {
	entry, ok := detailsByTag[strings.ToLower(tag)]
	if !ok {
		return "", false
	}
	return entry.canonical, true
}

// UnmarshalJSON decodes the eventDetails variant selected by eventType.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID            string          `json:"id"`
		PartitionKey  string          `json:"partitionKey"`
		EventType     string          `json:"eventType"`
		Details       json.RawMessage `json:"eventDetails"`
		EventTime     time.Time       `json:"eventTime"`
		SequenceToken int64           `json:"sequenceToken"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	eventType, details, err := DecodeDetails(wire.EventType, wire.Details)
	if err != nil {
		return err
	}

	*e = Event{
		ID:            wire.ID,
		PartitionKey:  wire.PartitionKey,
		EventType:     eventType,
		Details:       details,
		EventTime:     wire.EventTime,
		SequenceToken: wire.SequenceToken,
	}
	return nil
}

// DecodeDetails decodes an eventDetails document using the variant selected
// by tag, which is matched case-insensitively.
func DecodeDetails(tag string, raw []byte) (EventType, EventDetails, error) {
	entry, ok := detailsByTag[strings.ToLower(tag)]
	if !ok {
		return "", nil, fmt.Errorf("unknown eventType %q", tag)
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil, fmt.Errorf("eventDetails missing for %s", entry.canonical)
	}
	details, err := entry.decode(raw)
	if err != nil {
		return "", nil, fmt.Errorf("eventDetails for %s: %w", entry.canonical, err)
	}
	return entry.canonical, details, nil
}

// ParseEvent decodes and validates a raw payload. Every failure wraps
// ErrInvalidPayload.
func ParseEvent(payload []byte) (Event, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Event{}, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}

	var ev Event
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate checks the invariants of an event that did not come through ParseEvent.
func (e Event) Validate() error {
	if e.PartitionKey == "" {
		return fmt.Errorf("%w: partitionKey is required", ErrInvalidPayload)
	}
	if e.Details == nil {
		return fmt.Errorf("%w: eventDetails is required", ErrInvalidPayload)
	}
	if e.Details.Type() != e.EventType {
		return fmt.Errorf("%w: eventDetails %s does not match eventType %s",
			ErrInvalidPayload, e.Details.Type(), e.EventType)
	}
	if e.Details.Quantity() <= 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, ErrInvalidQuantity)
	}
	return nil
}

// Stamp overwrites the identity fields a client must never control.
func (e Event) Stamp(id string, now time.Time) Event {
	e.ID = id
	e.EventTime = now.UTC()
	e.SequenceToken = 0
	return e
}

// Quantity is the signed-by-type amount carried in the details.
func (e Event) Quantity() int64 {
	if e.Details == nil {
		return 0
	}
	return e.Details.Quantity()
}

// ReservedQuantity returns the reservation amount of ItemReserved events and
// zero for every other type.
func (e Event) ReservedQuantity() int64 {
	if d, ok := e.Details.(ItemReserved); ok {
		return d.ReservedQuantity
	}
	return 0
}
