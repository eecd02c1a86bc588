package service

import (
	"context"
	"errors"
	"fmt"

	"channel-inventory/internal/models"
	"channel-inventory/internal/util"

	"go.uber.org/zap"
)

// ReplenishmentService tops up channel allocations from the shared pool when they run low
type ReplenishmentService struct {
	store  Store
	events EventPublisher
	logger *zap.Logger
}

// NewReplenishmentService creates a new replenishment service
func NewReplenishmentService(store Store, events EventPublisher) *ReplenishmentService {
	return &ReplenishmentService{
		store:  store,
		events: events,
		logger: util.GetLogger(),
	}
}

// ReplenishRequest represents a replenishment check. Omitted thresholds fall back to the
// strictest values configured on the channel's rows for the product.
type ReplenishRequest struct {
	ChannelCode  string `json:"channel_code" binding:"required"`
	ProductID    int64  `json:"product_id" binding:"required"`
	SafetyStock  *int   `json:"safety_stock,omitempty" binding:"omitempty,min=0"`
	ReorderPoint *int   `json:"reorder_point,omitempty" binding:"omitempty,min=0"`
}

// ReplenishDetail is what one warehouse contributed
type ReplenishDetail struct {
	WarehouseID int64  `json:"warehouse_id"`
	Unallocated int    `json:"unallocated"`
	Quantity    int    `json:"quantity"`
	Error       string `json:"error,omitempty"`
}

// ReplenishResult reports one check. Partial replenishment is a successful outcome with
// FullyMet false.
type ReplenishResult struct {
	ChannelCode         string            `json:"channel_code"`
	ProductID           int64             `json:"product_id"`
	Replenished         bool              `json:"replenished"`
	Reason              string            `json:"reason,omitempty"`
	TotalAvailable      int               `json:"total_available"`
	SafetyStock         int               `json:"safety_stock"`
	ReorderPoint        int               `json:"reorder_point"`
	QuantityNeeded      int               `json:"quantity_needed"`
	QuantityReplenished int               `json:"quantity_replenished"`
	FullyMet            bool              `json:"fully_met"`
	Details             []ReplenishDetail `json:"details"`
}

// CheckAndReplenish pulls stock into the channel when its available total for the product
// is below the reorder point, aiming for the safety stock. Warehouses are drawn from in
// warehouse order, each giving at most its unallocated quantity.
func (s *ReplenishmentService) CheckAndReplenish(ctx context.Context, req *ReplenishRequest) (*ReplenishResult, error) {
	ctx, span := util.StartSpan(ctx, "ReplenishmentService.CheckAndReplenish")
	defer span.End()

	ch, err := activeChannel(ctx, s.store, req.ChannelCode)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.ListAllocations(ctx, ch.ID, req.ProductID)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}

	result := &ReplenishResult{
		ChannelCode: ch.Code,
		ProductID:   req.ProductID,
		Details:     []ReplenishDetail{},
	}
	if len(rows) == 0 {
		result.Reason = "channel has no active allocation for product"
		return result, nil
	}

	for _, row := range rows {
		result.TotalAvailable += row.AvailableQuantity()
		result.SafetyStock = maxInt(result.SafetyStock, row.SafetyStock)
		result.ReorderPoint = maxInt(result.ReorderPoint, row.ReorderPoint)
	}
	if req.SafetyStock != nil {
		result.SafetyStock = *req.SafetyStock
	}
	if req.ReorderPoint != nil {
		result.ReorderPoint = *req.ReorderPoint
	}

	if result.TotalAvailable >= result.ReorderPoint {
		result.Reason = "available stock at or above reorder point"
		result.FullyMet = true
		return result, nil
	}

	result.QuantityNeeded = result.SafetyStock - result.TotalAvailable
	if result.QuantityNeeded <= 0 {
		result.QuantityNeeded = 0
		result.Reason = "safety stock already met"
		result.FullyMet = true
		return result, nil
	}

	remaining := result.QuantityNeeded
	for _, row := range rows {
		if remaining == 0 {
			break
		}
		detail, err := s.pull(ctx, ch.ID, row.WarehouseID, req.ProductID, remaining)
		if err != nil {
			s.logger.Warn("Replenishment pull failed",
				zap.String("channel", ch.Code),
				zap.Int64("warehouse_id", row.WarehouseID),
				zap.Int64("product_id", req.ProductID),
				zap.Error(err))
			detail.Error = err.Error()
		}
		remaining -= detail.Quantity
		result.QuantityReplenished += detail.Quantity
		result.Details = append(result.Details, detail)
	}

	result.Replenished = result.QuantityReplenished > 0
	result.FullyMet = remaining == 0
	if !result.FullyMet {
		result.Reason = "shared pool could not cover the full need"
		util.ReplenishShortfallTotal.Add(float64(remaining))
	}

	if result.Replenished {
		util.ReplenishedUnitsTotal.Add(float64(result.QuantityReplenished))
		util.LoggerWithContext(ctx).Info("Channel replenished",
			zap.String("channel", ch.Code),
			zap.Int64("product_id", req.ProductID),
			zap.Int("needed", result.QuantityNeeded),
			zap.Int("replenished", result.QuantityReplenished),
			zap.Bool("fully_met", result.FullyMet))

		event := &models.StockReplenishedEvent{
			BaseEvent:           newBaseEvent(models.EventTypeStockReplenished),
			ChannelCode:         ch.Code,
			ProductID:           req.ProductID,
			QuantityReplenished: result.QuantityReplenished,
			QuantityNeeded:      result.QuantityNeeded,
			FullyMet:            result.FullyMet,
		}
		if err := s.events.PublishStockReplenished(ctx, event); err != nil {
			s.logger.Error("Failed to publish StockReplenished event", zap.Error(err))
		}
	}

	return result, nil
}

// pull allocates min(want, unallocated) at one warehouse. Losing a race for the pool
// stock counts as pulling nothing.
func (s *ReplenishmentService) pull(ctx context.Context, channelID, warehouseID, productID int64, want int) (ReplenishDetail, error) {
	detail := ReplenishDetail{WarehouseID: warehouseID}

	entry, err := s.store.GetPoolEntry(ctx, warehouseID, productID)
	if err != nil {
		return detail, err
	}
	detail.Unallocated = entry.UnallocatedQuantity

	qty := minInt(want, entry.UnallocatedQuantity)
	if qty <= 0 {
		return detail, nil
	}

	_, err = s.store.Allocate(ctx, models.AllocateParams{
		ChannelID:   channelID,
		WarehouseID: warehouseID,
		ProductID:   productID,
		Quantity:    qty,
	})
	if errors.Is(err, models.ErrInsufficientPoolStock) {
		return detail, nil
	}
	if err != nil {
		return detail, err
	}

	detail.Quantity = qty
	return detail, nil
}

// SweepFailure is a target the sweep could not check
type SweepFailure struct {
	ChannelCode string `json:"channel_code"`
	ProductID   int64  `json:"product_id"`
	Error       string `json:"error"`
}

// SweepReport aggregates one pass over every auto-replenish target
type SweepReport struct {
	Checked     int               `json:"checked"`
	Replenished int               `json:"replenished"`
	Units       int               `json:"units"`
	Results     []ReplenishResult `json:"results"`
	Failures    []SweepFailure    `json:"failures"`
}

// Sweep checks every active, auto-replenish channel×product. A failing target is
// reported and the sweep moves on.
func (s *ReplenishmentService) Sweep(ctx context.Context) (*SweepReport, error) {
	ctx, span := util.StartSpan(ctx, "ReplenishmentService.Sweep")
	defer span.End()

	targets, err := s.store.ListReplenishTargets(ctx)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list replenish targets: %w", err)
	}

	report := &SweepReport{Results: []ReplenishResult{}, Failures: []SweepFailure{}}
	for _, t := range targets {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		safety, reorder := t.SafetyStock, t.ReorderPoint
		result, err := s.CheckAndReplenish(ctx, &ReplenishRequest{
			ChannelCode:  t.ChannelCode,
			ProductID:    t.ProductID,
			SafetyStock:  &safety,
			ReorderPoint: &reorder,
		})
		report.Checked++
		if err != nil {
			s.logger.Error("Replenishment check failed",
				zap.String("channel", t.ChannelCode),
				zap.Int64("product_id", t.ProductID),
				zap.Error(err))
			report.Failures = append(report.Failures, SweepFailure{
				ChannelCode: t.ChannelCode,
				ProductID:   t.ProductID,
				Error:       err.Error(),
			})
			continue
		}
		if result.Replenished {
			report.Replenished++
			report.Units += result.QuantityReplenished
			report.Results = append(report.Results, *result)
		}
	}

	return report, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
