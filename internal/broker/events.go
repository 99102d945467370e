package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"restaurant-order-service/internal/ledger"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// EventWriter publishes one keyed event.
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher writes every committed order change to the order events topic,
// keyed by order id so one order's changes stay ordered.
type EventPublisher struct {
	producer EventWriter
	logger   *zap.Logger
}

var _ ledger.Publisher = (*EventPublisher)(nil)

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer EventWriter) *EventPublisher {
	return &EventPublisher{producer: producer, logger: util.GetLogger()}
}

// Publish implements ledger.Publisher. The change is already committed, so a failed
// write is logged and not returned. The write outlives the caller's request.
func (ep *EventPublisher) Publish(ctx context.Context, change *models.OrderChange) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := ep.producer.PublishEvent(ctx, OrderKey(change.OrderID), change); err != nil {
		ep.logger.Error("Failed to publish order change",
			zap.String("order_id", change.OrderID),
			zap.String("event_type", change.EventType),
			zap.Int64("version", change.Version),
			zap.Error(err))
	}
}

// OrderKey is the partition key of an order.
func OrderKey(orderID string) string {
	return fmt.Sprintf("order-%s", orderID)
}

// CallbackQueue hands raw provider callbacks to the callback worker.
type CallbackQueue struct {
	producer EventWriter
}

// NewCallbackQueue creates a callback queue
func NewCallbackQueue(producer EventWriter) *CallbackQueue {
	return &CallbackQueue{producer: producer}
}

// Enqueue stamps and publishes a callback keyed by its method.
func (q *CallbackQueue) Enqueue(ctx context.Context, event *models.PaymentCallbackEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	event.EventType = models.EventTypePaymentCallback
	if event.Timestamp.IsZero() {
		event.Timestamp = event.ReceivedAt
	}
	return q.producer.PublishEvent(ctx, "callback-"+event.Method, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onPaymentCallback func(context.Context, *models.PaymentCallbackEvent) error
	logger            *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentCallback registers a handler for queued provider callbacks
func (eh *EventHandler) OnPaymentCallback(handler func(context.Context, *models.PaymentCallbackEvent) error) {
	eh.onPaymentCallback = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentCallback:
		if eh.onPaymentCallback != nil {
			var event models.PaymentCallbackEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentCallback event: %w", err)
			}
			return eh.onPaymentCallback(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
