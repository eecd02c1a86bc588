package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// ChannelType selects the marketplace adapter used to publish availability
type ChannelType string

const (
	ChannelTypeD2C                 ChannelType = "D2C"
	ChannelTypeDealer              ChannelType = "DEALER"
	ChannelTypeMarketplaceAmazon   ChannelType = "MARKETPLACE_AMAZON"
	ChannelTypeMarketplaceFlipkart ChannelType = "MARKETPLACE_FLIPKART"
)

// Channel is an independent outlet selling from the shared pool
type Channel struct {
	ID                int64               `db:"id" json:"id"`
	Code              string              `db:"code" json:"code"`
	Name              string              `db:"name" json:"name"`
	Type              ChannelType         `db:"type" json:"type"`
	IsActive          bool                `db:"is_active" json:"is_active"`
	SyncBufferPercent decimal.NullDecimal `db:"sync_buffer_percent" json:"sync_buffer_percent"`
	Credentials       types.JSONText      `db:"credentials" json:"-"`
	CreatedAt         time.Time           `db:"created_at" json:"created_at"`
}

// CredentialMap decodes the adapter credentials stored on the channel
func (c *Channel) CredentialMap() (map[string]string, error) {
	creds := map[string]string{}
	if len(c.Credentials) == 0 {
		return creds, nil
	}
	if err := json.Unmarshal(c.Credentials, &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials for channel %s: %w", c.Code, err)
	}
	return creds, nil
}

// ChannelAllocation is the stock a channel owns at one warehouse for one product
type ChannelAllocation struct {
	ID                   int64      `db:"id" json:"id"`
	ChannelID            int64      `db:"channel_id" json:"channel_id"`
	WarehouseID          int64      `db:"warehouse_id" json:"warehouse_id"`
	ProductID            int64      `db:"product_id" json:"product_id"`
	AllocatedQuantity    int        `db:"allocated_quantity" json:"allocated_quantity"`
	BufferQuantity       int        `db:"buffer_quantity" json:"buffer_quantity"`
	ReservedQuantity     int        `db:"reserved_quantity" json:"reserved_quantity"`
	MarketplaceQuantity  int        `db:"marketplace_quantity" json:"marketplace_quantity"`
	SafetyStock          int        `db:"safety_stock" json:"safety_stock"`
	ReorderPoint         int        `db:"reorder_point" json:"reorder_point"`
	AutoReplenishEnabled bool       `db:"auto_replenish_enabled" json:"auto_replenish_enabled"`
	IsActive             bool       `db:"is_active" json:"is_active"`
	LastSyncedAt         *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// AvailableQuantity is the sellable portion of the allocation, ignoring soft holds
func (a *ChannelAllocation) AvailableQuantity() int {
	return max0(a.AllocatedQuantity - a.BufferQuantity - a.ReservedQuantity)
}

// Deallocatable is how much allocated stock can go back to the pool
func (a *ChannelAllocation) Deallocatable() int {
	return max0(a.AllocatedQuantity - a.ReservedQuantity - a.BufferQuantity)
}

// Validate checks allocated >= buffer + reserved and that no quantity is negative.
// Every store write calls this before committing.
func (a *ChannelAllocation) Validate() error {
	if a.AllocatedQuantity < 0 || a.BufferQuantity < 0 || a.ReservedQuantity < 0 ||
		a.MarketplaceQuantity < 0 || a.SafetyStock < 0 || a.ReorderPoint < 0 {
		return fmt.Errorf("%w: negative quantity on channel=%d warehouse=%d product=%d",
			ErrInvariantViolation, a.ChannelID, a.WarehouseID, a.ProductID)
	}
	if a.AllocatedQuantity < a.BufferQuantity+a.ReservedQuantity {
		return fmt.Errorf("%w: allocated=%d < buffer=%d + reserved=%d",
			ErrInvariantViolation, a.AllocatedQuantity, a.BufferQuantity, a.ReservedQuantity)
	}
	return nil
}

// AllocationKey identifies one allocation row
type AllocationKey struct {
	ChannelID   int64
	WarehouseID int64
	ProductID   int64
}

func (a *ChannelAllocation) Key() AllocationKey {
	return AllocationKey{ChannelID: a.ChannelID, WarehouseID: a.WarehouseID, ProductID: a.ProductID}
}

// PoolEntry is the shared pool ledger line for one warehouse and product.
// AllocatedQuantity and UnallocatedQuantity are derived when read.
type PoolEntry struct {
	WarehouseID         int64     `db:"warehouse_id" json:"warehouse_id"`
	ProductID           int64     `db:"product_id" json:"product_id"`
	OnHandQuantity      int       `db:"on_hand_quantity" json:"on_hand_quantity"`
	AllocatedQuantity   int       `db:"allocated_quantity" json:"allocated_quantity"`
	UnallocatedQuantity int       `db:"unallocated_quantity" json:"unallocated_quantity"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// AllocateParams describes an allocate request against the pool
type AllocateParams struct {
	ChannelID   int64
	WarehouseID int64
	ProductID   int64
	Quantity    int
	// Buffer overwrites buffer_quantity when set
	Buffer *int
}

// AllocationSettings are the replenishment knobs of one allocation row
type AllocationSettings struct {
	SafetyStock          int
	ReorderPoint         int
	AutoReplenishEnabled bool
}

// AllocationTotals is the aggregate over a channel's active rows for one product
type AllocationTotals struct {
	ProductID int64 `db:"product_id"`
	Allocated int   `db:"allocated"`
	Buffer    int   `db:"buffer"`
	Reserved  int   `db:"reserved"`
}

// ReplenishTarget is a channel×product pair the periodic sweep should check
type ReplenishTarget struct {
	ChannelID    int64  `db:"channel_id"`
	ChannelCode  string `db:"channel_code"`
	ProductID    int64  `db:"product_id"`
	SafetyStock  int    `db:"safety_stock"`
	ReorderPoint int    `db:"reorder_point"`
}

// ReservedLine records how much of a confirmed item landed on which warehouse row
type ReservedLine struct {
	WarehouseID int64 `json:"warehouse_id"`
	ProductID   int64 `json:"product_id"`
	Quantity    int   `json:"quantity"`
}

// Availability is the sellable-now snapshot for a channel and product
type Availability struct {
	ChannelID         int64  `json:"channel_id"`
	ProductID         int64  `json:"product_id"`
	WarehouseID       *int64 `json:"warehouse_id,omitempty"`
	AvailableQuantity int    `json:"available_quantity"`
	Allocated         int    `json:"allocated"`
	Buffer            int    `json:"buffer"`
	Reserved          int    `json:"reserved"`
	SoftHeld          int    `json:"soft_held"`
}

// ComputeAvailability combines aggregated allocation totals with the current soft-held
// quantity. The result is floored at zero.
func ComputeAvailability(channelID int64, totals AllocationTotals, softHeld int, warehouseID *int64) Availability {
	return Availability{
		ChannelID:         channelID,
		ProductID:         totals.ProductID,
		WarehouseID:       warehouseID,
		AvailableQuantity: max0(totals.Allocated - totals.Buffer - totals.Reserved - softHeld),
		Allocated:         totals.Allocated,
		Buffer:            totals.Buffer,
		Reserved:          totals.Reserved,
		SoftHeld:          softHeld,
	}
}

// DurableAvailable is availability before soft holds are subtracted
func (t AllocationTotals) DurableAvailable() int {
	return max0(t.Allocated - t.Buffer - t.Reserved)
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
