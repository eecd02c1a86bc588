package service

import (
	"context"
	"fmt"
	"time"

	"channel-inventory/internal/models"
	"channel-inventory/internal/util"
)

// AvailabilityService answers "how much can this channel sell right now"
type AvailabilityService struct {
	store Store
	holds HoldStore
	now   func() time.Time
}

// NewAvailabilityService creates a new availability service
func NewAvailabilityService(store Store, holds HoldStore) *AvailabilityService {
	return &AvailabilityService{
		store: store,
		holds: holds,
		now:   time.Now,
	}
}

// SetClock replaces the time source
func (s *AvailabilityService) SetClock(now func() time.Time) {
	s.now = now
}

// Get returns availability for one product, optionally restricted to one warehouse.
// Soft holds are channel-wide and are subtracted in either case.
func (s *AvailabilityService) Get(ctx context.Context, channelCode string, productID int64, warehouseID *int64) (*models.Availability, error) {
	ctx, span := util.StartSpan(ctx, "AvailabilityService.Get")
	defer span.End()

	ch, err := activeChannel(ctx, s.store, channelCode)
	if err != nil {
		return nil, err
	}

	result, err := s.forChannel(ctx, ch.ID, []int64{productID}, warehouseID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	av := result[productID]
	return &av, nil
}

// BulkRequest lists the products of one storefront page
type BulkRequest struct {
	ProductIDs []int64 `json:"product_ids" binding:"required,min=1"`
}

// Bulk returns availability for many products with one aggregate read and one pipelined
// soft hold read. Results follow the order of productIDs.
func (s *AvailabilityService) Bulk(ctx context.Context, channelCode string, productIDs []int64) ([]models.Availability, error) {
	ctx, span := util.StartSpan(ctx, "AvailabilityService.Bulk")
	defer span.End()

	ch, err := activeChannel(ctx, s.store, channelCode)
	if err != nil {
		return nil, err
	}

	result, err := s.forChannel(ctx, ch.ID, dedupe(productIDs), nil)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	out := make([]models.Availability, 0, len(productIDs))
	for _, pid := range productIDs {
		out = append(out, result[pid])
	}
	return out, nil
}

func (s *AvailabilityService) forChannel(ctx context.Context, channelID int64, productIDs []int64, warehouseID *int64) (map[int64]models.Availability, error) {
	totals, err := s.store.SumAllocations(ctx, channelID, productIDs, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate allocations: %w", err)
	}
	held, err := s.holds.SoftHeld(ctx, channelID, productIDs, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to read soft holds: %w", err)
	}

	result := make(map[int64]models.Availability, len(productIDs))
	for _, pid := range productIDs {
		t := totals[pid]
		t.ProductID = pid
		result[pid] = models.ComputeAvailability(channelID, t, held[pid], warehouseID)
	}
	return result, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// activeChannel resolves a channel that may still sell or take stock. An inactive channel
// reads as not found; winding down its rows goes through the plain lookup.
func activeChannel(ctx context.Context, store Store, code string) (*models.Channel, error) {
	ch, err := store.GetChannelByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !ch.IsActive {
		return nil, fmt.Errorf("%w: %s is inactive", models.ErrChannelNotFound, ch.Code)
	}
	return ch, nil
}
