package models

import "errors"

var (
	ErrChannelNotFound          = errors.New("channel not found")
	ErrInsufficientChannelStock = errors.New("insufficient channel stock")
	ErrInsufficientPoolStock    = errors.New("insufficient pool stock")
	ErrExceedsDeallocatable     = errors.New("quantity exceeds deallocatable stock")
	ErrReservationNotActive     = errors.New("reservation not active")
	ErrAdapterSyncFailure       = errors.New("marketplace sync failed")

	ErrAllocationNotFound        = errors.New("allocation not found")
	ErrReservationNotFound       = errors.New("reservation not found")
	ErrAllocationHasReservations = errors.New("allocation has reserved stock")
	ErrInvalidQuantity           = errors.New("invalid quantity")
	ErrPoolBelowAllocated        = errors.New("on-hand quantity below allocated quantity")

	// ErrInvariantViolation means a write would break allocated >= buffer + reserved.
	// Seeing it outside a rejected request is a bug.
	ErrInvariantViolation = errors.New("allocation invariant violated")
)
