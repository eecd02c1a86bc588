package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"channel-inventory/internal/models"
	"channel-inventory/internal/redisclient"
	"channel-inventory/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxCreateAttempts bounds how often Create re-reads availability that moved under it
const maxCreateAttempts = 5

// ReservationConfig holds reservation lifetimes
type ReservationConfig struct {
	DefaultTTL         time.Duration
	MaxTTL             time.Duration
	ConfirmedRetention time.Duration
}

// ReservationService runs the checkout hold lifecycle: create, confirm, release.
// Expiry needs no action; holds stop counting at the reservation's expiry instant.
type ReservationService struct {
	store  Store
	holds  HoldStore
	events EventPublisher
	cfg    ReservationConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewReservationService creates a new reservation service
func NewReservationService(store Store, holds HoldStore, events EventPublisher, cfg ReservationConfig) *ReservationService {
	return &ReservationService{
		store:  store,
		holds:  holds,
		events: events,
		cfg:    cfg,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// SetClock replaces the time source
func (s *ReservationService) SetClock(now func() time.Time) {
	s.now = now
}

// CreateReservationRequest represents a request to hold stock during checkout
type CreateReservationRequest struct {
	ChannelCode string                   `json:"channel_code" binding:"required"`
	Items       []models.ReservationItem `json:"items" binding:"required,min=1,dive"`
	TTLSeconds  int                      `json:"ttl_seconds,omitempty" binding:"min=0"`
}

// CreateReservationResponse represents the response after creating a reservation
type CreateReservationResponse struct {
	ReservationID string                   `json:"reservation_id"`
	ReservedItems []models.ReservationItem `json:"reserved_items"`
	FailedItems   []models.FailedItem      `json:"failed_items"`
	ExpiresAt     time.Time                `json:"expires_at"`
}

// ShortageError lists every item a reservation could not cover
type ShortageError struct {
	Items []models.FailedItem
}

func (e *ShortageError) Error() string {
	parts := make([]string, len(e.Items))
	for i, item := range e.Items {
		parts[i] = fmt.Sprintf("product %d requested %d available %d", item.ProductID, item.Requested, item.Available)
	}
	return fmt.Sprintf("%s: %s", models.ErrInsufficientChannelStock, strings.Join(parts, "; "))
}

func (e *ShortageError) Is(target error) bool {
	return target == models.ErrInsufficientChannelStock
}

// Create holds every requested item or none of them. A shortage returns *ShortageError
// naming each short item.
func (s *ReservationService) Create(ctx context.Context, req *CreateReservationRequest) (*CreateReservationResponse, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Create")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReservationLatency.WithLabelValues("create").Observe(time.Since(start).Seconds())
	}()

	items, err := models.MergeItems(req.Items)
	if err != nil {
		util.ReservationsRejectedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	ch, err := activeChannel(ctx, s.store, req.ChannelCode)
	if err != nil {
		util.ReservationsRejectedTotal.WithLabelValues("channel_not_found").Inc()
		return nil, err
	}

	now := s.now()
	res := &models.Reservation{
		ID:        uuid.New().String(),
		ChannelID: ch.ID,
		Items:     items,
		Status:    models.ReservationStatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl(req.TTLSeconds)),
	}

	var failed []models.FailedItem
	for attempt := 1; ; attempt++ {
		failed, err = s.placeHolds(ctx, res, now)
		if !errors.Is(err, redisclient.ErrStockChanged) || attempt == maxCreateAttempts {
			break
		}
		util.ReservationRetriesTotal.Inc()
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to place holds: %w", err)
	}
	if len(failed) > 0 {
		util.ReservationsRejectedTotal.WithLabelValues("insufficient_stock").Inc()
		s.logger.Info("Reservation rejected",
			zap.String("channel", ch.Code),
			zap.Int("short_items", len(failed)))
		return nil, &ShortageError{Items: failed}
	}

	util.ReservationsCreatedTotal.Inc()
	util.LoggerWithContext(ctx).Info("Reservation created",
		zap.String("reservation_id", res.ID),
		zap.String("channel", ch.Code),
		zap.Time("expires_at", res.ExpiresAt))

	event := &models.ReservationCreatedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeReservationCreated),
		ReservationID: res.ID,
		ChannelCode:   ch.Code,
		Items:         items,
		ExpiresAt:     res.ExpiresAt,
	}
	if err := s.events.PublishReservationCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish ReservationCreated event", zap.Error(err))
	}

	return &CreateReservationResponse{
		ReservationID: res.ID,
		ReservedItems: items,
		FailedItems:   []models.FailedItem{},
		ExpiresAt:     res.ExpiresAt,
	}, nil
}

// placeHolds reads stock versions, then durable availability, then runs the hold script
// against both. Reading the versions first means any drop in availability committed after
// the durable read shows up as ErrStockChanged.
func (s *ReservationService) placeHolds(ctx context.Context, res *models.Reservation, now time.Time) ([]models.FailedItem, error) {
	productIDs := make([]int64, len(res.Items))
	for i, item := range res.Items {
		productIDs[i] = item.ProductID
	}

	versions, err := s.holds.StockVersions(ctx, res.ChannelID, productIDs)
	if err != nil {
		return nil, err
	}
	totals, err := s.store.SumAllocations(ctx, res.ChannelID, productIDs, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate allocations: %w", err)
	}

	checks := make([]redisclient.HoldCheck, len(res.Items))
	for i, item := range res.Items {
		checks[i] = redisclient.HoldCheck{
			ProductID:        item.ProductID,
			Quantity:         item.Quantity,
			DurableAvailable: totals[item.ProductID].DurableAvailable(),
			Version:          versions[item.ProductID],
		}
	}
	return s.holds.CreateReservation(ctx, res, checks, now)
}

// ttl applies the default and clamps to the configured maximum
func (s *ReservationService) ttl(seconds int) time.Duration {
	ttl := time.Duration(seconds) * time.Second
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if s.cfg.MaxTTL > 0 && ttl > s.cfg.MaxTTL {
		ttl = s.cfg.MaxTTL
	}
	return ttl
}

// Get returns the reservation record
func (s *ReservationService) Get(ctx context.Context, id string) (*models.Reservation, error) {
	return s.holds.GetReservation(ctx, id)
}

// Confirm turns the held quantities into reserved stock on the channel's allocation rows.
// Only an ACTIVE, unexpired reservation can be confirmed; a second call fails with
// ErrReservationNotActive and changes nothing.
func (s *ReservationService) Confirm(ctx context.Context, id, orderID string) ([]models.ReservedLine, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Confirm")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReservationLatency.WithLabelValues("confirm").Observe(time.Since(start).Seconds())
	}()

	now := s.now()
	res, err := s.activeReservation(ctx, id, now)
	if err != nil {
		return nil, err
	}

	if err := s.holds.MarkConfirmed(ctx, res, orderID, s.cfg.ConfirmedRetention, now); err != nil {
		return nil, err
	}

	lines, err := s.store.CommitReserved(ctx, res.ChannelID, res.Items)
	if err != nil {
		util.RecordError(span, err)
		if rerr := s.holds.RevertConfirm(ctx, res, s.now()); rerr != nil {
			s.logger.Error("Failed to revert reservation confirmation",
				zap.String("reservation_id", id),
				zap.Error(rerr))
		}
		return nil, fmt.Errorf("failed to commit reservation %s: %w", id, err)
	}

	// holds left behind only under-report availability until the retention ends
	if err := s.holds.DropHolds(ctx, res); err != nil {
		s.logger.Warn("Failed to drop holds after confirmation",
			zap.String("reservation_id", id),
			zap.Error(err))
	}

	util.ReservationsConfirmedTotal.Inc()
	util.LoggerWithContext(ctx).Info("Reservation confirmed",
		zap.String("reservation_id", id),
		zap.String("order_id", orderID),
		zap.Int("lines", len(lines)))

	event := &models.ReservationConfirmedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeReservationConfirmed),
		ReservationID: id,
		ChannelID:     res.ChannelID,
		OrderID:       orderID,
		Lines:         lines,
	}
	if err := s.events.PublishReservationConfirmed(ctx, event); err != nil {
		s.logger.Error("Failed to publish ReservationConfirmed event", zap.Error(err))
	}

	return lines, nil
}

// Release gives the held quantities back and deletes the reservation
func (s *ReservationService) Release(ctx context.Context, id string) error {
	ctx, span := util.StartSpan(ctx, "ReservationService.Release")
	defer span.End()

	now := s.now()
	res, err := s.activeReservation(ctx, id, now)
	if err != nil {
		return err
	}

	released, err := s.holds.ReleaseReservation(ctx, res, now)
	if err != nil {
		util.RecordError(span, err)
		return err
	}
	if !released {
		return fmt.Errorf("%w: %s", models.ErrReservationNotActive, id)
	}

	util.ReservationsReleasedTotal.Inc()
	util.LoggerWithContext(ctx).Info("Reservation released", zap.String("reservation_id", id))

	event := &models.ReservationReleasedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeReservationReleased),
		ReservationID: id,
		ChannelID:     res.ChannelID,
		Items:         res.Items,
	}
	if err := s.events.PublishReservationReleased(ctx, event); err != nil {
		s.logger.Error("Failed to publish ReservationReleased event", zap.Error(err))
	}
	return nil
}

// activeReservation loads a reservation that can still be confirmed or released.
// A record the cache already evicted counts as not active.
func (s *ReservationService) activeReservation(ctx context.Context, id string, now time.Time) (*models.Reservation, error) {
	res, err := s.holds.GetReservation(ctx, id)
	if errors.Is(err, models.ErrReservationNotFound) {
		return nil, fmt.Errorf("%w: %s not found", models.ErrReservationNotActive, id)
	}
	if err != nil {
		return nil, err
	}
	if !res.IsActive(now) {
		return nil, fmt.Errorf("%w: %s status=%s expires_at=%s",
			models.ErrReservationNotActive, id, res.Status, res.ExpiresAt.Format(time.RFC3339))
	}
	return res, nil
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
