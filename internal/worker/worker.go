package worker

import (
	"context"
	"fmt"

	"rental-service/internal/broker"
	"rental-service/internal/gateway"
	"rental-service/internal/models"
	"rental-service/internal/service"
	"rental-service/internal/util"

	"go.uber.org/zap"
)

// MessageSource delivers signal messages to a handler until ctx ends.
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// SignalWorker applies external signals from Kafka: verification decisions,
// maintenance completions and relayed gateway callbacks.
type SignalWorker struct {
	source       MessageSource
	eventHandler *broker.EventHandler
	events       service.EventLog
	engine       *service.Engine
	logger       *zap.Logger
}

// NewSignalWorker creates a new signal worker
func NewSignalWorker(source MessageSource, events service.EventLog, engine *service.Engine) *SignalWorker {
	w := &SignalWorker{
		source:       source,
		eventHandler: broker.NewEventHandler(),
		events:       events,
		engine:       engine,
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnVerificationDecided(w.handleVerificationDecided)
	w.eventHandler.OnMaintenanceCompleted(w.handleMaintenanceCompleted)
	w.eventHandler.OnGatewayCallback(w.handleGatewayCallback)
	return w
}

// Start starts the worker
func (w *SignalWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting signal worker...")
	return w.source.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *SignalWorker) Stop() error {
	w.logger.Info("Stopping signal worker...")
	return w.source.Close()
}

func (w *SignalWorker) handleVerificationDecided(ctx context.Context, event *models.VerificationDecidedEvent) error {
	return w.once(ctx, event.BaseEvent, func() error {
		transitions, err := w.engine.Verification.ApplyDecision(ctx, service.Decision{
			RenterID:   event.RenterID,
			Status:     event.Status,
			ReviewerID: event.ReviewerID,
			Note:       event.Note,
		})
		w.logger.Info("Verification signal applied",
			zap.Int64("renter_id", event.RenterID),
			zap.String("status", string(event.Status)),
			zap.Int("rentals", len(transitions)))
		return err
	})
}

func (w *SignalWorker) handleMaintenanceCompleted(ctx context.Context, event *models.MaintenanceCompletedEvent) error {
	return w.once(ctx, event.BaseEvent, func() error {
		return w.engine.Ledger.CompleteMaintenance(ctx, event.UnitID)
	})
}

func (w *SignalWorker) handleGatewayCallback(ctx context.Context, event *models.GatewayCallbackEvent) error {
	return w.once(ctx, event.BaseEvent, func() error {
		outcome := service.Outcome{
			Status: gateway.MapOutcome(event.Code, event.Status, event.Cancelled),
			Reason: event.Reason,
		}
		result, err := w.engine.Payments.ReportGatewayOutcome(ctx, gateway.Reference(event.OrderCode), outcome)
		if err != nil {
			return err
		}
		return result.Err()
	})
}

// once runs fn unless the event was already processed. Permanent failures are
// recorded as processed and surfaced as broker.ErrPermanent so the consumer
// commits past them.
func (w *SignalWorker) once(ctx context.Context, base models.BaseEvent, fn func() error) error {
	if base.EventID != "" {
		processed, err := w.events.IsEventProcessed(ctx, base.EventID)
		if err != nil {
			return fmt.Errorf("failed to check processed event: %w", err)
		}
		if processed {
			util.SignalsTotal.WithLabelValues(base.EventType, "duplicate").Inc()
			w.logger.Debug("Event already processed",
				zap.String("event_id", base.EventID),
				zap.String("type", base.EventType))
			return nil
		}
	}

	if err := fn(); err != nil {
		if service.IsRetryable(err) {
			util.SignalsTotal.WithLabelValues(base.EventType, "error").Inc()
			return err
		}
		util.SignalsTotal.WithLabelValues(base.EventType, "rejected").Inc()
		w.logger.Warn("Signal rejected",
			zap.String("event_id", base.EventID),
			zap.String("type", base.EventType),
			zap.Error(err))
		w.markProcessed(ctx, base)
		return fmt.Errorf("%w: %v", broker.ErrPermanent, err)
	}

	util.SignalsTotal.WithLabelValues(base.EventType, "applied").Inc()
	w.markProcessed(ctx, base)
	return nil
}

func (w *SignalWorker) markProcessed(ctx context.Context, base models.BaseEvent) {
	if base.EventID == "" {
		return
	}
	if err := w.events.MarkEventProcessed(ctx, base.EventID, base.EventType); err != nil {
		w.logger.Error("Failed to mark event processed",
			zap.String("event_id", base.EventID),
			zap.Error(err))
	}
}

