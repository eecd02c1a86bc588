package service

import (
	"context"
	"fmt"

	"channel-inventory/internal/models"
	"channel-inventory/internal/util"

	"go.uber.org/zap"
)

// AllocationService moves stock between the shared pool and channel allocations
type AllocationService struct {
	store    Store
	versions StockVersioner
	events   EventPublisher
	logger   *zap.Logger
}

// NewAllocationService creates a new allocation service. Changes that lower a channel's
// availability move its stock version in versions.
func NewAllocationService(store Store, versions StockVersioner, events EventPublisher) *AllocationService {
	return &AllocationService{
		store:    store,
		versions: versions,
		events:   events,
		logger:   util.GetLogger(),
	}
}

// AllocateRequest represents a request to assign pool stock to a channel
type AllocateRequest struct {
	ChannelCode string `json:"channel_code" binding:"required"`
	WarehouseID int64  `json:"warehouse_id" binding:"required"`
	ProductID   int64  `json:"product_id" binding:"required"`
	Quantity    int    `json:"quantity" binding:"min=0"`
	Buffer      *int   `json:"buffer,omitempty" binding:"omitempty,min=0"`
}

// AllocationChangeRequest addresses one allocation row, with a quantity where the
// operation needs one
type AllocationChangeRequest struct {
	ChannelCode string `json:"channel_code" binding:"required"`
	WarehouseID int64  `json:"warehouse_id" binding:"required"`
	ProductID   int64  `json:"product_id" binding:"required"`
	Quantity    int    `json:"quantity" binding:"min=0"`
}

// SettingsRequest represents a change of replenishment settings on one row
type SettingsRequest struct {
	ChannelCode          string `json:"channel_code" binding:"required"`
	WarehouseID          int64  `json:"warehouse_id" binding:"required"`
	ProductID            int64  `json:"product_id" binding:"required"`
	SafetyStock          int    `json:"safety_stock" binding:"min=0"`
	ReorderPoint         int    `json:"reorder_point" binding:"min=0"`
	AutoReplenishEnabled bool   `json:"auto_replenish_enabled"`
}

// Allocate moves quantity from the warehouse's unallocated pool into the channel
func (s *AllocationService) Allocate(ctx context.Context, req *AllocateRequest) (*models.ChannelAllocation, error) {
	ctx, span := util.StartSpan(ctx, "AllocationService.Allocate")
	defer span.End()

	ch, err := activeChannel(ctx, s.store, req.ChannelCode)
	if err != nil {
		return nil, err
	}

	row, err := s.store.Allocate(ctx, models.AllocateParams{
		ChannelID:   ch.ID,
		WarehouseID: req.WarehouseID,
		ProductID:   req.ProductID,
		Quantity:    req.Quantity,
		Buffer:      req.Buffer,
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	s.changed(ctx, ch, models.AllocationReasonAllocate, req.Quantity, row)
	return row, nil
}

// Deallocate returns unreserved, unbuffered stock to the pool
func (s *AllocationService) Deallocate(ctx context.Context, req *AllocationChangeRequest) (*models.ChannelAllocation, error) {
	return s.apply(ctx, req, models.AllocationReasonDeallocate, func(key models.AllocationKey) (*models.ChannelAllocation, error) {
		row, err := s.store.Deallocate(ctx, key, req.Quantity)
		if err == nil {
			s.bumpVersion(ctx, key)
		}
		return row, err
	})
}

// Fulfill consumes reserved stock that has shipped
func (s *AllocationService) Fulfill(ctx context.Context, req *AllocationChangeRequest) (*models.ChannelAllocation, error) {
	return s.apply(ctx, req, models.AllocationReasonFulfill, func(key models.AllocationKey) (*models.ChannelAllocation, error) {
		return s.store.Fulfill(ctx, key, req.Quantity)
	})
}

// Unreserve hands reserved stock of a cancelled order back to the channel
func (s *AllocationService) Unreserve(ctx context.Context, req *AllocationChangeRequest) (*models.ChannelAllocation, error) {
	return s.apply(ctx, req, models.AllocationReasonUnreserve, func(key models.AllocationKey) (*models.ChannelAllocation, error) {
		return s.store.Unreserve(ctx, key, req.Quantity)
	})
}

// Deactivate soft-deletes a row, returning its allocation to the pool
func (s *AllocationService) Deactivate(ctx context.Context, req *AllocationChangeRequest) (*models.ChannelAllocation, error) {
	return s.apply(ctx, req, models.AllocationReasonDeactivate, func(key models.AllocationKey) (*models.ChannelAllocation, error) {
		row, err := s.store.Deactivate(ctx, key)
		if err == nil {
			s.bumpVersion(ctx, key)
		}
		return row, err
	})
}

// UpdateSettings changes safety stock, reorder point and auto replenishment of a row
func (s *AllocationService) UpdateSettings(ctx context.Context, req *SettingsRequest) (*models.ChannelAllocation, error) {
	ch, err := s.store.GetChannelByCode(ctx, req.ChannelCode)
	if err != nil {
		return nil, err
	}

	key := models.AllocationKey{ChannelID: ch.ID, WarehouseID: req.WarehouseID, ProductID: req.ProductID}
	row, err := s.store.UpdateSettings(ctx, key, models.AllocationSettings{
		SafetyStock:          req.SafetyStock,
		ReorderPoint:         req.ReorderPoint,
		AutoReplenishEnabled: req.AutoReplenishEnabled,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Allocation settings updated",
		zap.String("channel", ch.Code),
		zap.Int64("warehouse_id", req.WarehouseID),
		zap.Int64("product_id", req.ProductID),
		zap.Int("safety_stock", req.SafetyStock),
		zap.Int("reorder_point", req.ReorderPoint),
		zap.Bool("auto_replenish", req.AutoReplenishEnabled))
	return row, nil
}

// GetPool returns the pool ledger line
func (s *AllocationService) GetPool(ctx context.Context, warehouseID, productID int64) (*models.PoolEntry, error) {
	return s.store.GetPoolEntry(ctx, warehouseID, productID)
}

// SetPool records a stock count for the pool
func (s *AllocationService) SetPool(ctx context.Context, warehouseID, productID int64, onHand int) (*models.PoolEntry, error) {
	entry, err := s.store.SetOnHand(ctx, warehouseID, productID, onHand)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Pool on-hand set",
		zap.Int64("warehouse_id", warehouseID),
		zap.Int64("product_id", productID),
		zap.Int("on_hand", onHand))
	return entry, nil
}

func (s *AllocationService) apply(ctx context.Context, req *AllocationChangeRequest, reason string, fn func(models.AllocationKey) (*models.ChannelAllocation, error)) (*models.ChannelAllocation, error) {
	ctx, span := util.StartSpan(ctx, "AllocationService."+reason)
	defer span.End()

	ch, err := s.store.GetChannelByCode(ctx, req.ChannelCode)
	if err != nil {
		return nil, err
	}

	row, err := fn(models.AllocationKey{ChannelID: ch.ID, WarehouseID: req.WarehouseID, ProductID: req.ProductID})
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("%s failed: %w", reason, err)
	}

	s.changed(ctx, ch, reason, req.Quantity, row)
	return row, nil
}

// bumpVersion runs after the durable write so reservation checks that read the earlier
// figures retry. A failed bump is logged; the row change itself has committed.
func (s *AllocationService) bumpVersion(ctx context.Context, key models.AllocationKey) {
	if err := s.versions.BumpStockVersion(ctx, key.ChannelID, key.ProductID); err != nil {
		s.logger.Warn("Failed to bump stock version",
			zap.Int64("channel_id", key.ChannelID),
			zap.Int64("product_id", key.ProductID),
			zap.Error(err))
	}
}

// changed records metrics, logs and publishes a committed allocation change
func (s *AllocationService) changed(ctx context.Context, ch *models.Channel, reason string, qty int, row *models.ChannelAllocation) {
	util.AllocationChangesTotal.WithLabelValues(reason).Inc()
	util.AllocationUnitsTotal.WithLabelValues(reason).Add(float64(qty))

	util.LoggerWithContext(ctx).Info("Allocation changed",
		zap.String("channel", ch.Code),
		zap.String("reason", reason),
		zap.Int64("warehouse_id", row.WarehouseID),
		zap.Int64("product_id", row.ProductID),
		zap.Int("quantity", qty),
		zap.Int("allocated", row.AllocatedQuantity),
		zap.Int("reserved", row.ReservedQuantity))

	event := &models.AllocationChangedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeAllocationChanged),
		ChannelCode: ch.Code,
		Reason:      reason,
		Quantity:    qty,
		Allocation:  *row,
	}
	if err := s.events.PublishAllocationChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish AllocationChanged event", zap.Error(err))
	}
}
