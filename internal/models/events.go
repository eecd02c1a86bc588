package models

import "time"

// Event types published by this service
const (
	EventTypeAllocationChanged    = "ALLOCATION_CHANGED"
	EventTypeReservationCreated   = "RESERVATION_CREATED"
	EventTypeReservationConfirmed = "RESERVATION_CONFIRMED"
	EventTypeReservationReleased  = "RESERVATION_RELEASED"
	EventTypeStockReplenished     = "STOCK_REPLENISHED"
	EventTypeMarketplaceSynced    = "MARKETPLACE_SYNCED"
)

// Event types consumed from the fulfillment topic
const (
	EventTypeOrderShipped   = "ORDER_SHIPPED"
	EventTypeOrderCancelled = "ORDER_CANCELLED"
)

// Allocation change reasons
const (
	AllocationReasonAllocate   = "allocate"
	AllocationReasonDeallocate = "deallocate"
	AllocationReasonFulfill    = "fulfill"
	AllocationReasonUnreserve  = "unreserve"
	AllocationReasonDeactivate = "deactivate"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// AllocationChangedEvent published whenever a durable allocation row changes
type AllocationChangedEvent struct {
	BaseEvent
	ChannelCode string            `json:"channel_code"`
	Reason      string            `json:"reason"`
	Quantity    int               `json:"quantity"`
	Allocation  ChannelAllocation `json:"allocation"`
}

// ReservationCreatedEvent published when a soft hold is placed
type ReservationCreatedEvent struct {
	BaseEvent
	ReservationID string            `json:"reservation_id"`
	ChannelCode   string            `json:"channel_code"`
	Items         []ReservationItem `json:"items"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// ReservationConfirmedEvent published when a hold becomes reserved stock
type ReservationConfirmedEvent struct {
	BaseEvent
	ReservationID string         `json:"reservation_id"`
	ChannelID     int64          `json:"channel_id"`
	OrderID       string         `json:"order_id"`
	Lines         []ReservedLine `json:"lines"`
}

// ReservationReleasedEvent published when a hold is given back
type ReservationReleasedEvent struct {
	BaseEvent
	ReservationID string            `json:"reservation_id"`
	ChannelID     int64             `json:"channel_id"`
	Items         []ReservationItem `json:"items"`
}

// StockReplenishedEvent published when replenishment moved stock into a channel
type StockReplenishedEvent struct {
	BaseEvent
	ChannelCode         string `json:"channel_code"`
	ProductID           int64  `json:"product_id"`
	QuantityReplenished int    `json:"quantity_replenished"`
	QuantityNeeded      int    `json:"quantity_needed"`
	FullyMet            bool   `json:"fully_met"`
}

// MarketplaceSyncedEvent published after a channel sync cycle
type MarketplaceSyncedEvent struct {
	BaseEvent
	ChannelCode string `json:"channel_code"`
	Synced      int    `json:"synced"`
	Failed      int    `json:"failed"`
}

// OrderShippedEvent consumed from fulfillment: reserved units left the warehouse
type OrderShippedEvent struct {
	BaseEvent
	OrderID     string `json:"order_id"`
	ChannelCode string `json:"channel_code"`
	WarehouseID int64  `json:"warehouse_id"`
	ProductID   int64  `json:"product_id"`
	Quantity    int    `json:"quantity"`
}

// OrderCancelledEvent consumed from fulfillment: a confirmed order will not ship
type OrderCancelledEvent struct {
	BaseEvent
	OrderID     string `json:"order_id"`
	ChannelCode string `json:"channel_code"`
	WarehouseID int64  `json:"warehouse_id"`
	ProductID   int64  `json:"product_id"`
	Quantity    int    `json:"quantity"`
}
