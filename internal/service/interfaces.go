package service

import (
	"context"
	"time"

	"channel-inventory/internal/models"
	"channel-inventory/internal/redisclient"
)

// Store is the durable record store. Both the Postgres store and the in-memory store
// satisfy it.
type Store interface {
	Ping(ctx context.Context) error

	GetChannelByCode(ctx context.Context, code string) (*models.Channel, error)
	GetChannelByID(ctx context.Context, id int64) (*models.Channel, error)
	ListActiveChannels(ctx context.Context) ([]models.Channel, error)

	GetPoolEntry(ctx context.Context, warehouseID, productID int64) (*models.PoolEntry, error)
	SetOnHand(ctx context.Context, warehouseID, productID int64, onHand int) (*models.PoolEntry, error)

	Allocate(ctx context.Context, p models.AllocateParams) (*models.ChannelAllocation, error)
	Deallocate(ctx context.Context, key models.AllocationKey, qty int) (*models.ChannelAllocation, error)
	UpdateSettings(ctx context.Context, key models.AllocationKey, settings models.AllocationSettings) (*models.ChannelAllocation, error)
	Deactivate(ctx context.Context, key models.AllocationKey) (*models.ChannelAllocation, error)
	Unreserve(ctx context.Context, key models.AllocationKey, qty int) (*models.ChannelAllocation, error)
	Fulfill(ctx context.Context, key models.AllocationKey, qty int) (*models.ChannelAllocation, error)
	CommitReserved(ctx context.Context, channelID int64, items []models.ReservationItem) ([]models.ReservedLine, error)

	ListAllocations(ctx context.Context, channelID, productID int64) ([]models.ChannelAllocation, error)
	ListChannelProducts(ctx context.Context, channelID int64) ([]int64, error)
	SumAllocations(ctx context.Context, channelID int64, productIDs []int64, warehouseID *int64) (map[int64]models.AllocationTotals, error)
	ListReplenishTargets(ctx context.Context) ([]models.ReplenishTarget, error)
	MarkSynced(ctx context.Context, channelID, productID int64, qty int, at time.Time) error
}

// StockVersioner marks channel×products whose durable availability went down
type StockVersioner interface {
	BumpStockVersion(ctx context.Context, channelID int64, productIDs ...int64) error
}

// HoldStore keeps reservation records and soft holds
type HoldStore interface {
	StockVersioner
	StockVersions(ctx context.Context, channelID int64, productIDs []int64) (map[int64]int64, error)
	CreateReservation(ctx context.Context, res *models.Reservation, checks []redisclient.HoldCheck, now time.Time) ([]models.FailedItem, error)
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	MarkConfirmed(ctx context.Context, res *models.Reservation, orderID string, retention time.Duration, now time.Time) error
	RevertConfirm(ctx context.Context, res *models.Reservation, now time.Time) error
	DropHolds(ctx context.Context, res *models.Reservation) error
	ReleaseReservation(ctx context.Context, res *models.Reservation, now time.Time) (bool, error)
	SoftHeld(ctx context.Context, channelID int64, productIDs []int64, now time.Time) (map[int64]int, error)
}

// EventPublisher publishes inventory events
type EventPublisher interface {
	PublishAllocationChanged(ctx context.Context, event *models.AllocationChangedEvent) error
	PublishReservationCreated(ctx context.Context, event *models.ReservationCreatedEvent) error
	PublishReservationConfirmed(ctx context.Context, event *models.ReservationConfirmedEvent) error
	PublishReservationReleased(ctx context.Context, event *models.ReservationReleasedEvent) error
	PublishStockReplenished(ctx context.Context, event *models.StockReplenishedEvent) error
	PublishMarketplaceSynced(ctx context.Context, event *models.MarketplaceSyncedEvent) error
}

// NopPublisher drops every event, for runs without Kafka
type NopPublisher struct{}

func (NopPublisher) PublishAllocationChanged(context.Context, *models.AllocationChangedEvent) error {
	return nil
}

func (NopPublisher) PublishReservationCreated(context.Context, *models.ReservationCreatedEvent) error {
	return nil
}

func (NopPublisher) PublishReservationConfirmed(context.Context, *models.ReservationConfirmedEvent) error {
	return nil
}

func (NopPublisher) PublishReservationReleased(context.Context, *models.ReservationReleasedEvent) error {
	return nil
}

func (NopPublisher) PublishStockReplenished(context.Context, *models.StockReplenishedEvent) error {
	return nil
}

func (NopPublisher) PublishMarketplaceSynced(context.Context, *models.MarketplaceSyncedEvent) error {
	return nil
}
