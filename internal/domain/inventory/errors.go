package inventory

import "errors"

var (
	ErrInvalidPayload        = errors.New("invalid payload")
	ErrInvalidQuantity       = errors.New("quantity must be positive")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrPreconditionFailed    = errors.New("precondition failed")
	ErrUnknownPartition      = errors.New("no snapshot for partition")
)
