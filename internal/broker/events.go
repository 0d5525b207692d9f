package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"btc-order-service/internal/models"
	"btc-order-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes order lifecycle events with the common envelope
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func baseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, order *models.Order) error {
	event := &models.OrderCreatedEvent{
		BaseEvent:        baseEvent(models.EventTypeOrderCreated),
		OrderID:          order.ID,
		UserID:           order.UserID,
		ProductID:        order.ProductID,
		PaymentAmountSat: order.PaymentAmountSat,
		BitcoinAddress:   order.BitcoinAddress,
		ExpiresAt:        order.ExpiresAt.Format(time.RFC3339),
	}
	return ep.producer.PublishEvent(ctx, orderKey(order.ID), event)
}

func (ep *EventPublisher) PublishOrderCompleted(ctx context.Context, order *models.Order, txHash string) error {
	event := &models.OrderCompletedEvent{
		BaseEvent:       baseEvent(models.EventTypeOrderCompleted),
		OrderID:         order.ID,
		UserID:          order.UserID,
		TransactionHash: txHash,
		AmountSat:       order.PaymentAmountSat,
	}
	return ep.producer.PublishEvent(ctx, orderKey(order.ID), event)
}

func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, order *models.Order) error {
	event := &models.OrderCancelledEvent{
		BaseEvent: baseEvent(models.EventTypeOrderCancelled),
		OrderID:   order.ID,
		UserID:    order.UserID,
	}
	return ep.producer.PublishEvent(ctx, orderKey(order.ID), event)
}

func (ep *EventPublisher) PublishOrderExpired(ctx context.Context, order *models.Order) error {
	event := &models.OrderExpiredEvent{
		BaseEvent: baseEvent(models.EventTypeOrderExpired),
		OrderID:   order.ID,
		UserID:    order.UserID,
	}
	return ep.producer.PublishEvent(ctx, orderKey(order.ID), event)
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// EventHandler routes consumed messages to per-type callbacks
type EventHandler struct {
	logger           *zap.Logger
	onOrderCompleted func(context.Context, *models.OrderCompletedEvent) error
	onOrderExpired   func(context.Context, *models.OrderExpiredEvent) error
	onOrderCancelled func(context.Context, *models.OrderCancelledEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

func (eh *EventHandler) OnOrderCompleted(handler func(context.Context, *models.OrderCompletedEvent) error) {
	eh.onOrderCompleted = handler
}

func (eh *EventHandler) OnOrderExpired(handler func(context.Context, *models.OrderExpiredEvent) error) {
	eh.onOrderExpired = handler
}

func (eh *EventHandler) OnOrderCancelled(handler func(context.Context, *models.OrderCancelledEvent) error) {
	eh.onOrderCancelled = handler
}

// HandleMessage routes a message to the handler registered for its type
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch base.EventType {
	case models.EventTypeOrderCompleted:
		if eh.onOrderCompleted != nil {
			var event models.OrderCompletedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderCompleted event: %w", err)
			}
			return eh.onOrderCompleted(ctx, &event)
		}

	case models.EventTypeOrderExpired:
		if eh.onOrderExpired != nil {
			var event models.OrderExpiredEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderExpired event: %w", err)
			}
			return eh.onOrderExpired(ctx, &event)
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
		eh.logger.Debug("Unhandled event type", zap.String("event_type", base.EventType))
	}

	return nil
}
