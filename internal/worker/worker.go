package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"channel-inventory/internal/broker"
	"channel-inventory/internal/models"
	"channel-inventory/internal/service"
	"channel-inventory/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Locker is a distributed lock so one replica runs each sweep
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// Idempotency remembers consumed event ids
type Idempotency interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Sweeper runs one replenishment pass
type Sweeper interface {
	Sweep(ctx context.Context) (*service.SweepReport, error)
}

// ChannelSyncer runs one marketplace sync cycle
type ChannelSyncer interface {
	SyncAll(ctx context.Context) ([]service.SyncReport, error)
}

// StockMover applies fulfillment outcomes to allocation rows
type StockMover interface {
	Fulfill(ctx context.Context, req *service.AllocationChangeRequest) (*models.ChannelAllocation, error)
	Unreserve(ctx context.Context, req *service.AllocationChangeRequest) (*models.ChannelAllocation, error)
}

const processedEventTTL = 7 * 24 * time.Hour

// ReplenishmentWorker runs the auto-replenishment sweep on a fixed interval
type ReplenishmentWorker struct {
	sweeper  Sweeper
	locker   Locker
	interval time.Duration
	logger   *zap.Logger
}

// NewReplenishmentWorker creates a new replenishment worker
func NewReplenishmentWorker(sweeper Sweeper, locker Locker, interval time.Duration) *ReplenishmentWorker {
	return &ReplenishmentWorker{
		sweeper:  sweeper,
		locker:   locker,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start runs sweeps until ctx is cancelled
func (w *ReplenishmentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting replenishment worker", zap.Duration("interval", w.interval))
	runEvery(ctx, w.interval, w.RunOnce)
	w.logger.Info("Replenishment worker stopped")
	return nil
}

// RunOnce runs a single sweep if no other replica holds the lock
func (w *ReplenishmentWorker) RunOnce(ctx context.Context) error {
	return runLocked(ctx, w.locker, "replenishment", w.interval, func(ctx context.Context) error {
		report, err := w.sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		w.logger.Info("Replenishment sweep finished",
			zap.Int("checked", report.Checked),
			zap.Int("replenished", report.Replenished),
			zap.Int("units", report.Units),
			zap.Int("failures", len(report.Failures)))
		return nil
	})
}

// SyncWorker pushes advertised quantities to marketplaces on a fixed interval
type SyncWorker struct {
	syncer   ChannelSyncer
	locker   Locker
	interval time.Duration
	logger   *zap.Logger
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(syncer ChannelSyncer, locker Locker, interval time.Duration) *SyncWorker {
	return &SyncWorker{
		syncer:   syncer,
		locker:   locker,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start runs sync cycles until ctx is cancelled
func (w *SyncWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting marketplace sync worker", zap.Duration("interval", w.interval))
	runEvery(ctx, w.interval, w.RunOnce)
	w.logger.Info("Marketplace sync worker stopped")
	return nil
}

// RunOnce runs a single sync cycle if no other replica holds the lock
func (w *SyncWorker) RunOnce(ctx context.Context) error {
	return runLocked(ctx, w.locker, "marketplace-sync", w.interval, func(ctx context.Context) error {
		reports, err := w.syncer.SyncAll(ctx)
		if err != nil {
			return err
		}
		failed := 0
		for _, r := range reports {
			if r.Error != "" {
				failed++
			}
		}
		w.logger.Info("Marketplace sync cycle finished",
			zap.Int("channels", len(reports)),
			zap.Int("failed_channels", failed))
		return nil
	})
}

func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				util.GetLogger().Error("Periodic run failed", zap.Error(err))
			}
		}
	}
}

// runLocked runs fn under the named lock. The lock expires after ttl so a crashed
// replica cannot block later cycles; a run that outlives ttl releases only its own lock.
func runLocked(ctx context.Context, locker Locker, name string, ttl time.Duration, fn func(context.Context) error) error {
	lockKey := "sweep:" + name
	token, acquired, err := locker.AcquireLock(ctx, lockKey, ttl)
	if err != nil {
		return fmt.Errorf("failed to acquire %s lock: %w", name, err)
	}
	if !acquired {
		util.GetLogger().Debug("Sweep already running elsewhere", zap.String("sweep", name))
		return nil
	}
	defer func() {
		if err := locker.ReleaseLock(context.Background(), lockKey, token); err != nil {
			util.GetLogger().Warn("Failed to release sweep lock", zap.String("sweep", name), zap.Error(err))
		}
	}()

	start := time.Now()
	err = fn(ctx)
	util.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return err
}

// FulfillmentWorker consumes shipment and cancellation events and settles reserved stock
type FulfillmentWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	allocations  StockMover
	idempotency  Idempotency
	logger       *zap.Logger
}

// NewFulfillmentWorker creates a new fulfillment worker
func NewFulfillmentWorker(consumer *broker.Consumer, allocations StockMover, idempotency Idempotency) *FulfillmentWorker {
	w := &FulfillmentWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		allocations:  allocations,
		idempotency:  idempotency,
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnOrderShipped(w.handleShipped)
	w.eventHandler.OnOrderCancelled(w.handleCancelled)
	return w
}

// Start starts the worker
func (w *FulfillmentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting fulfillment worker")
	return w.consumer.StartConsuming(ctx, w.HandleMessage)
}

// Stop stops the worker
func (w *FulfillmentWorker) Stop() error {
	w.logger.Info("Stopping fulfillment worker")
	return w.consumer.Close()
}

// HandleMessage processes one fulfillment message
func (w *FulfillmentWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return w.eventHandler.HandleMessage(ctx, msg)
}

func (w *FulfillmentWorker) handleShipped(ctx context.Context, event *models.OrderShippedEvent) error {
	req := &service.AllocationChangeRequest{
		ChannelCode: event.ChannelCode,
		WarehouseID: event.WarehouseID,
		ProductID:   event.ProductID,
		Quantity:    event.Quantity,
	}
	return w.settle(ctx, event.BaseEvent, event.OrderID, func(ctx context.Context) error {
		_, err := w.allocations.Fulfill(ctx, req)
		return err
	})
}

func (w *FulfillmentWorker) handleCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	req := &service.AllocationChangeRequest{
		ChannelCode: event.ChannelCode,
		WarehouseID: event.WarehouseID,
		ProductID:   event.ProductID,
		Quantity:    event.Quantity,
	}
	return w.settle(ctx, event.BaseEvent, event.OrderID, func(ctx context.Context) error {
		_, err := w.allocations.Unreserve(ctx, req)
		return err
	})
}

// settle applies an event once. Events the rows can never accept are logged and dropped;
// anything else is returned and the consumer retries the message in place.
func (w *FulfillmentWorker) settle(ctx context.Context, base models.BaseEvent, orderID string, apply func(context.Context) error) error {
	key := "fulfillment:" + base.EventID
	if base.EventID != "" {
		seen, err := w.idempotency.CheckIdempotencyKey(ctx, key)
		if err != nil {
			util.FulfillmentEventsTotal.WithLabelValues(base.EventType, "error").Inc()
			return fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if seen {
			util.FulfillmentEventsTotal.WithLabelValues(base.EventType, "duplicate").Inc()
			w.logger.Info("Skipping duplicate fulfillment event",
				zap.String("event_id", base.EventID),
				zap.String("order_id", orderID))
			return nil
		}
	}

	outcome := "applied"
	if err := apply(ctx); err != nil {
		if !permanent(err) {
			util.FulfillmentEventsTotal.WithLabelValues(base.EventType, "error").Inc()
			return err
		}
		outcome = "rejected"
		w.logger.Error("Dropping fulfillment event",
			zap.String("event_type", base.EventType),
			zap.String("event_id", base.EventID),
			zap.String("order_id", orderID),
			zap.Error(err))
	}

	if base.EventID != "" {
		if err := w.idempotency.SetIdempotencyKey(ctx, key, orderID, processedEventTTL); err != nil {
			w.logger.Warn("Failed to record processed event", zap.String("event_id", base.EventID), zap.Error(err))
		}
	}
	util.FulfillmentEventsTotal.WithLabelValues(base.EventType, outcome).Inc()
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, models.ErrInvalidQuantity) ||
		errors.Is(err, models.ErrAllocationNotFound) ||
		errors.Is(err, models.ErrChannelNotFound) ||
		errors.Is(err, models.ErrInvariantViolation)
}
