package query

import "github.com/example/inventory-ledger/internal/domain/inventory"

// SnapshotReadModel is a snapshot as served to clients.
type SnapshotReadModel struct {
	inventory.Snapshot
	// PendingReservations is the reserved quantity recorded in the ledger but
	// not yet projected. Only filled when requested.
	PendingReservations *int64 `json:"pendingReservations,omitempty"`
}
