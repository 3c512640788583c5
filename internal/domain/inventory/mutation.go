package inventory

import (
	"fmt"
	"time"
)

// Field names a counter of the snapshot. The value doubles as the attribute
// name in document stores.
type Field string

const (
	FieldOnHand                     Field = "onHand"
	FieldActiveCustomerReservations Field = "activeCustomerReservations"
	FieldAvailableToSell            Field = "availableToSell"
	FieldReturned                   Field = "returned"
)

// Guard is the business clause of a mutation's predicate.
type Guard int

const (
	GuardNone Guard = iota
	// GuardAvailability requires availableToSell - q >= 0.
	GuardAvailability
	// GuardReservations requires activeCustomerReservations >= q.
	GuardReservations
)

func (g Guard) String() string {
	switch g {
	case GuardAvailability:
		return "availability"
	case GuardReservations:
		return "reservations"
	}
	return "none"
}

// Delta is a signed increment of one counter.
type Delta struct {
	Field  Field
	Amount int64
}

type fieldSign struct {
	field Field
	sign  int64
}

type rule struct {
	deltas []fieldSign
	guard  Guard
}

// mutationRules is the single table both pipelines derive their writes from.
var mutationRules = map[EventType]rule{
	EventInventoryUpdated: {
		deltas: []fieldSign{{FieldOnHand, +1}, {FieldAvailableToSell, +1}},
	},
	EventItemReserved: {
		deltas: []fieldSign{{FieldActiveCustomerReservations, +1}, {FieldAvailableToSell, -1}},
		guard:  GuardAvailability,
	},
	EventOrderShipped: {
		deltas: []fieldSign{{FieldOnHand, -1}, {FieldActiveCustomerReservations, -1}},
		guard:  GuardReservations,
	},
	EventOrderCancelled: {
		deltas: []fieldSign{{FieldActiveCustomerReservations, -1}, {FieldAvailableToSell, +1}},
		guard:  GuardReservations,
	},
	EventOrderReturned: {
		deltas: []fieldSign{{FieldOnHand, +1}, {FieldReturned, +1}},
	},
}

// Mutation is a conditional patch of one snapshot: a predicate evaluated by
// the store at apply time plus the increments to apply when it holds.
type Mutation struct {
	PartitionKey  string
	EventType     EventType
	Deltas        []Delta
	Guard         Guard
	GuardQuantity int64
	// SequenceToken is written to lastAppliedSequenceToken.
	SequenceToken int64
	// Ordered adds the watermark clause lastAppliedSequenceToken < SequenceToken.
	Ordered   bool
	AppliedAt time.Time
}

// NewMutation translates an event into its conditional patch.
func NewMutation(ev Event, ordered bool, now time.Time) (Mutation, error) {
	r, ok := mutationRules[ev.EventType]
	if !ok {
		return Mutation{}, fmt.Errorf("%w: no mutation for eventType %q", ErrInvalidPayload, ev.EventType)
	}
	q := ev.Quantity()

	deltas := make([]Delta, len(r.deltas))
	for i, fs := range r.deltas {
		deltas[i] = Delta{Field: fs.field, Amount: fs.sign * q}
	}

	return Mutation{
		PartitionKey:  ev.PartitionKey,
		EventType:     ev.EventType,
		Deltas:        deltas,
		Guard:         r.guard,
		GuardQuantity: q,
		SequenceToken: ev.SequenceToken,
		Ordered:       ordered,
		AppliedAt:     now.UTC(),
	}, nil
}

// GuardHolds evaluates only the business clause.
func (m Mutation) GuardHolds(s Snapshot) bool {
	switch m.Guard {
	case GuardAvailability:
		return s.AvailableToSell-m.GuardQuantity >= 0
	case GuardReservations:
		return s.ActiveCustomerReservations >= m.GuardQuantity
	}
	return true
}

// Holds evaluates the full predicate against the current snapshot.
func (m Mutation) Holds(s Snapshot) bool {
	if m.Ordered && s.LastAppliedSequenceToken >= m.SequenceToken {
		return false
	}
	return m.GuardHolds(s)
}

// Apply returns the snapshot after the mutation. It does not check the predicate.
func (m Mutation) Apply(s Snapshot) Snapshot {
	for _, d := range m.Deltas {
		s.add(d.Field, d.Amount)
	}
	s.LastAppliedSequenceToken = m.SequenceToken
	s.LastUpdated = m.AppliedAt
	return s
}

// WithSequenceToken returns a copy carrying the store-assigned token.
func (m Mutation) WithSequenceToken(token int64) Mutation {
	m.SequenceToken = token
	return m
}
