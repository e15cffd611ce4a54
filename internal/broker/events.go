package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"rental-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// Publisher is the part of the producer the event publisher needs.
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer Publisher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func rentalKey(rentalID int64) string {
	return fmt.Sprintf("rental-%d", rentalID)
}

// PublishRentalEvent publishes a rental state change
func (ep *EventPublisher) PublishRentalEvent(ctx context.Context, event *models.RentalStateEvent) error {
	return ep.producer.PublishEvent(ctx, rentalKey(event.RentalID), event)
}

// PublishPaymentResolved publishes a payment attempt's terminal status
func (ep *EventPublisher) PublishPaymentResolved(ctx context.Context, event *models.PaymentResolvedEvent) error {
	key := fmt.Sprintf("payment-%d", event.AttemptID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishRefundRequired publishes a refund request for a rental
func (ep *EventPublisher) PublishRefundRequired(ctx context.Context, event *models.RefundRequiredEvent) error {
	return ep.producer.PublishEvent(ctx, rentalKey(event.RentalID), event)
}

// EventHandler handles incoming signal events
type EventHandler struct {
	onVerificationDecided  func(context.Context, *models.VerificationDecidedEvent) error
	onMaintenanceCompleted func(context.Context, *models.MaintenanceCompletedEvent) error
	onGatewayCallback      func(context.Context, *models.GatewayCallbackEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnVerificationDecided registers a handler for VerificationDecided events
func (eh *EventHandler) OnVerificationDecided(handler func(context.Context, *models.VerificationDecidedEvent) error) {
	eh.onVerificationDecided = handler
}

// OnMaintenanceCompleted registers a handler for MaintenanceCompleted events
func (eh *EventHandler) OnMaintenanceCompleted(handler func(context.Context, *models.MaintenanceCompletedEvent) error) {
	eh.onMaintenanceCompleted = handler
}

// OnGatewayCallback registers a handler for relayed gateway callbacks
func (eh *EventHandler) OnGatewayCallback(handler func(context.Context, *models.GatewayCallbackEvent) error) {
	eh.onGatewayCallback = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("%w: failed to unmarshal base event: %v", ErrPermanent, err)
	}

	log.Printf("Handling event: type=%s, id=%s", baseEvent.EventType, baseEvent.EventID)

	switch baseEvent.EventType {
	case models.EventTypeVerificationDecided:
		if eh.onVerificationDecided != nil {
			var event models.VerificationDecidedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("%w: failed to unmarshal VerificationDecided event: %v", ErrPermanent, err)
			}
			return eh.onVerificationDecided(ctx, &event)
		}

	case models.EventTypeMaintenanceCompleted:
		if eh.onMaintenanceCompleted != nil {
			var event models.MaintenanceCompletedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("%w: failed to unmarshal MaintenanceCompleted event: %v", ErrPermanent, err)
			}
			return eh.onMaintenanceCompleted(ctx, &event)
		}

	case models.EventTypeGatewayCallback:
		if eh.onGatewayCallback != nil {
			var event models.GatewayCallbackEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("%w: failed to unmarshal GatewayCallback event: %v", ErrPermanent, err)
			}
			return eh.onGatewayCallback(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
