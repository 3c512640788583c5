package inventory

import "time"

// Snapshot is the materialized aggregate of one partition's ledger.
type Snapshot struct {
	PartitionKey               string    `json:"partitionKey"`
	OnHand                     int64     `json:"onHand"`
	ActiveCustomerReservations int64     `json:"activeCustomerReservations"`
	AvailableToSell            int64     `json:"availableToSell"`
	Returned                   int64     `json:"returned"`
	LastAppliedSequenceToken   int64     `json:"lastAppliedSequenceToken"`
	LastUpdated                time.Time `json:"lastUpdated"`
}

// NewSnapshot seeds the aggregate for a partition from its first InventoryUpdated event.
func NewSnapshot(ev Event, now time.Time) Snapshot {
	q := ev.Quantity()
	return Snapshot{
		PartitionKey:             ev.PartitionKey,
		OnHand:                   q,
		AvailableToSell:          q,
		LastAppliedSequenceToken: ev.SequenceToken,
		LastUpdated:              now.UTC(),
	}
}

// Get returns the value of a counter field.
func (s Snapshot) Get(f Field) int64 {
	switch f {
	case FieldOnHand:
		return s.OnHand
	case FieldActiveCustomerReservations:
		return s.ActiveCustomerReservations
	case FieldAvailableToSell:
		return s.AvailableToSell
	case FieldReturned:
		return s.Returned
	}
	return 0
}

func (s *Snapshot) add(f Field, delta int64) {
	switch f {
	case FieldOnHand:
		s.OnHand += delta
	case FieldActiveCustomerReservations:
		s.ActiveCustomerReservations += delta
	case FieldAvailableToSell:
		s.AvailableToSell += delta
	case FieldReturned:
		s.Returned += delta
	}
}
