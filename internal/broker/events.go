package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"channel-inventory/internal/models"
	"channel-inventory/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing inventory events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func stockKey(channelCode string, productID int64) string {
	return fmt.Sprintf("channel-%s-product-%d", channelCode, productID)
}

// PublishAllocationChanged publishes AllocationChanged event
func (ep *EventPublisher) PublishAllocationChanged(ctx context.Context, event *models.AllocationChangedEvent) error {
	return ep.producer.PublishEvent(ctx, stockKey(event.ChannelCode, event.Allocation.ProductID), event)
}

// PublishReservationCreated publishes ReservationCreated event
func (ep *EventPublisher) PublishReservationCreated(ctx context.Context, event *models.ReservationCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, "reservation-"+event.ReservationID, event)
}

// PublishReservationConfirmed publishes ReservationConfirmed event
func (ep *EventPublisher) PublishReservationConfirmed(ctx context.Context, event *models.ReservationConfirmedEvent) error {
	return ep.producer.PublishEvent(ctx, "reservation-"+event.ReservationID, event)
}

// PublishReservationReleased publishes ReservationReleased event
func (ep *EventPublisher) PublishReservationReleased(ctx context.Context, event *models.ReservationReleasedEvent) error {
	return ep.producer.PublishEvent(ctx, "reservation-"+event.ReservationID, event)
}

// PublishStockReplenished publishes StockReplenished event
func (ep *EventPublisher) PublishStockReplenished(ctx context.Context, event *models.StockReplenishedEvent) error {
	return ep.producer.PublishEvent(ctx, stockKey(event.ChannelCode, event.ProductID), event)
}

// PublishMarketplaceSynced publishes MarketplaceSynced event
func (ep *EventPublisher) PublishMarketplaceSynced(ctx context.Context, event *models.MarketplaceSyncedEvent) error {
	return ep.producer.PublishEvent(ctx, "channel-"+event.ChannelCode, event)
}

// EventHandler handles incoming fulfillment events
type EventHandler struct {
	onOrderShipped   func(context.Context, *models.OrderShippedEvent) error
	onOrderCancelled func(context.Context, *models.OrderCancelledEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnOrderShipped registers a handler for OrderShipped events
func (eh *EventHandler) OnOrderShipped(handler func(context.Context, *models.OrderShippedEvent) error) {
	eh.onOrderShipped = handler
}

// OnOrderCancelled registers a handler for OrderCancelled events
func (eh *EventHandler) OnOrderCancelled(handler func(context.Context, *models.OrderCancelledEvent) error) {
	eh.onOrderCancelled = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	log := util.LoggerWithContext(ctx)
	log.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeOrderShipped:
		if eh.onOrderShipped != nil {
			var event models.OrderShippedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderShipped event: %w", err)
			}
			return eh.onOrderShipped(ctx, &event)
		}

	case models.EventTypeOrderCancelled:
		if eh.onOrderCancelled != nil {
			var event models.OrderCancelledEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderCancelled event: %w", err)
			}
			return eh.onOrderCancelled(ctx, &event)
		}

	default:
		log.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
