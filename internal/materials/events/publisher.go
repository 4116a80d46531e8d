package events

import (
	"context"

	"github.com/qualitrace/qualitrace-backend/pkg/logger"
	"github.com/qualitrace/qualitrace-backend/pkg/messaging"
	"github.com/qualitrace/qualitrace-backend/pkg/metrics"
)

// EventPublisher is the publishing surface this package needs. Satisfied by
// *messaging.Publisher in production and by testutil.MockPublisher in tests.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// Publisher publishes materials domain events. A nil inner publisher turns
// every method into a no-op so the service runs without a broker in
// development. Publish failures are logged and counted, never returned:
// the business operation already committed.
type Publisher struct {
	publisher EventPublisher
	logger    *logger.Logger
}

// NewPublisher creates a new domain event publisher
func NewPublisher(publisher EventPublisher, log *logger.Logger) *Publisher {
	return &Publisher{
		publisher: publisher,
		logger:    log.WithComponent("events"),
	}
}

func (p *Publisher) publish(ctx context.Context, eventType string, data interface{}) {
	if p == nil || p.publisher == nil {
		return
	}

	if err := p.publisher.Publish(ctx, eventType, data); err != nil {
		metrics.EventPublishFailures.Inc()
		p.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to publish event")
		return
	}
	metrics.EventsPublished.WithLabelValues(eventType).Inc()
}

// LotReceived publishes a materials.lot.received event
func (p *Publisher) LotReceived(ctx context.Context, event messaging.LotReceivedEvent) {
	p.publish(ctx, messaging.EventLotReceived, event)
}

// LotEvaluated publishes a materials.lot.evaluated event
func (p *Publisher) LotEvaluated(ctx context.Context, event messaging.LotEvaluatedEvent) {
	p.publish(ctx, messaging.EventLotEvaluated, event)
}

// LotConsumed publishes a materials.lot.consumed event
func (p *Publisher) LotConsumed(ctx context.Context, event messaging.LotConsumedEvent) {
	p.publish(ctx, messaging.EventLotConsumed, event)
}

// StockInsufficient publishes a materials.stock.insufficient event
func (p *Publisher) StockInsufficient(ctx context.Context, event messaging.StockInsufficientEvent) {
	p.publish(ctx, messaging.EventStockInsufficient, event)
}

// ReagentConsumed publishes a materials.reagent.consumed event
func (p *Publisher) ReagentConsumed(ctx context.Context, event messaging.ReagentConsumedEvent) {
	p.publish(ctx, messaging.EventReagentConsumed, event)
}

// PackagingConsumed publishes a materials.packaging.consumed event
func (p *Publisher) PackagingConsumed(ctx context.Context, event messaging.PackagingConsumedEvent) {
	p.publish(ctx, messaging.EventPackagingConsumed, event)
}

// BatchExpiring publishes a materials.batch.expiring event
func (p *Publisher) BatchExpiring(ctx context.Context, event messaging.BatchExpiringEvent) {
	p.publish(ctx, messaging.EventBatchExpiring, event)
}
