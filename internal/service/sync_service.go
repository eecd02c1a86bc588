package service

import (
	"context"
	"fmt"
	"time"

	"channel-inventory/internal/marketplace"
	"channel-inventory/internal/models"
	"channel-inventory/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// SyncService publishes each channel's sellable quantities to its marketplace
type SyncService struct {
	store         Store
	availability  *AvailabilityService
	adapters      *marketplace.Registry
	events        EventPublisher
	defaultBuffer decimal.Decimal
	now           func() time.Time
	logger        *zap.Logger
}

// NewSyncService creates a new sync service. defaultBuffer is the percentage withheld
// from marketplaces for channels that do not set their own.
func NewSyncService(store Store, availability *AvailabilityService, adapters *marketplace.Registry, events EventPublisher, defaultBuffer decimal.Decimal) *SyncService {
	return &SyncService{
		store:         store,
		availability:  availability,
		adapters:      adapters,
		events:        events,
		defaultBuffer: defaultBuffer,
		now:           time.Now,
		logger:        util.GetLogger(),
	}
}

// SyncReport is the outcome of one channel's sync cycle
type SyncReport struct {
	ChannelCode string                  `json:"channel_code"`
	Adapter     string                  `json:"adapter"`
	Attempted   int                     `json:"attempted"`
	Synced      int                     `json:"synced"`
	Failed      []marketplace.ItemError `json:"failed"`
	Error       string                  `json:"error,omitempty"`
}

// AdvertisedQuantity withholds bufferPercent of available, rounding down.
// The percentage is clamped to [0, 100].
func AdvertisedQuantity(available int, bufferPercent decimal.Decimal) int {
	if available <= 0 {
		return 0
	}
	if bufferPercent.IsNegative() {
		bufferPercent = decimal.Zero
	}
	if bufferPercent.GreaterThan(hundred) {
		bufferPercent = hundred
	}
	return int(decimal.NewFromInt(int64(available)).
		Mul(hundred.Sub(bufferPercent)).
		Div(hundred).
		Floor().
		IntPart())
}

// SyncChannel pushes the advertised quantity of every allocated product of one channel.
// Refused items are reported and do not stop the others from being recorded.
func (s *SyncService) SyncChannel(ctx context.Context, channelCode string) (*SyncReport, error) {
	ch, err := activeChannel(ctx, s.store, channelCode)
	if err != nil {
		return nil, err
	}
	return s.syncChannel(ctx, ch)
}

// SyncAll runs one sync cycle over every active channel. A failing channel is reported
// and the cycle continues.
func (s *SyncService) SyncAll(ctx context.Context) ([]SyncReport, error) {
	ctx, span := util.StartSpan(ctx, "SyncService.SyncAll")
	defer span.End()

	channels, err := s.store.ListActiveChannels(ctx)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	reports := make([]SyncReport, 0, len(channels))
	for i := range channels {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		report, err := s.syncChannel(ctx, &channels[i])
		if err != nil {
			s.logger.Error("Marketplace sync failed",
				zap.String("channel", channels[i].Code),
				zap.Error(err))
			if report == nil {
				report = &SyncReport{ChannelCode: channels[i].Code}
			}
			report.Error = err.Error()
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

func (s *SyncService) syncChannel(ctx context.Context, ch *models.Channel) (*SyncReport, error) {
	ctx, span := util.StartSpan(ctx, "SyncService.SyncChannel")
	defer span.End()

	adapter := s.adapters.For(ch.Type)
	report := &SyncReport{ChannelCode: ch.Code, Adapter: adapter.Name(), Failed: []marketplace.ItemError{}}

	productIDs, err := s.store.ListChannelProducts(ctx, ch.ID)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to list channel products: %w", err)
	}
	if len(productIDs) == 0 {
		return report, nil
	}

	availability, err := s.availability.forChannel(ctx, ch.ID, productIDs, nil)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	buffer := s.defaultBuffer
	if ch.SyncBufferPercent.Valid {
		buffer = ch.SyncBufferPercent.Decimal
	}

	items := make([]marketplace.Item, 0, len(productIDs))
	quantities := make(map[int64]int, len(productIDs))
	for _, pid := range productIDs {
		qty := AdvertisedQuantity(availability[pid].AvailableQuantity, buffer)
		items = append(items, marketplace.Item{ProductID: pid, Quantity: qty})
		quantities[pid] = qty
	}
	report.Attempted = len(items)

	credentials, err := ch.CredentialMap()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAdapterSyncFailure, err)
	}

	result, err := adapter.Push(ctx, items, credentials)
	if err != nil {
		util.RecordError(span, err)
		for _, item := range items {
			report.Failed = append(report.Failed, marketplace.ItemError{ProductID: item.ProductID, Error: err.Error()})
		}
		util.MarketplaceSyncItemsTotal.WithLabelValues(ch.Code, "failed").Add(float64(len(items)))
		s.publish(ctx, report)
		return report, fmt.Errorf("%w: %s: %v", models.ErrAdapterSyncFailure, ch.Code, err)
	}

	report.Failed = append(report.Failed, result.Failed...)
	syncedAt := s.now()
	for _, pid := range result.Synced {
		if err := s.store.MarkSynced(ctx, ch.ID, pid, quantities[pid], syncedAt); err != nil {
			s.logger.Error("Failed to record marketplace quantity",
				zap.String("channel", ch.Code),
				zap.Int64("product_id", pid),
				zap.Error(err))
			report.Failed = append(report.Failed, marketplace.ItemError{ProductID: pid, Error: err.Error()})
			continue
		}
		report.Synced++
	}

	util.MarketplaceSyncItemsTotal.WithLabelValues(ch.Code, "synced").Add(float64(report.Synced))
	util.MarketplaceSyncItemsTotal.WithLabelValues(ch.Code, "failed").Add(float64(len(report.Failed)))
	util.LoggerWithContext(ctx).Info("Marketplace sync finished",
		zap.String("channel", ch.Code),
		zap.String("adapter", adapter.Name()),
		zap.Int("synced", report.Synced),
		zap.Int("failed", len(report.Failed)))

	s.publish(ctx, report)
	return report, nil
}

func (s *SyncService) publish(ctx context.Context, report *SyncReport) {
	event := &models.MarketplaceSyncedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeMarketplaceSynced),
		ChannelCode: report.ChannelCode,
		Synced:      report.Synced,
		Failed:      len(report.Failed),
	}
	if err := s.events.PublishMarketplaceSynced(ctx, event); err != nil {
		s.logger.Error("Failed to publish MarketplaceSynced event", zap.Error(err))
	}
}
