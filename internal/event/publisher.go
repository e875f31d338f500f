package event

import (
	"context"
	"fmt"

	"github.com/DamienDrash/webshop-product-search/internal/domain"
	pkgkafka "github.com/DamienDrash/webshop-product-search/pkg/kafka"
	"github.com/DamienDrash/webshop-product-search/pkg/logger"
)

// TopicSyncCompleted receives one event per finished sync run.
const TopicSyncCompleted = "search.sync.completed"

// EventSource identifies this service in published events.
const EventSource = "product-search"

// EventPublisher is satisfied by *pkgkafka.Producer.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Publisher announces finished sync runs.
type Publisher struct {
	producer EventPublisher
}

// NewPublisher creates a publisher on top of producer.
func NewPublisher(producer EventPublisher) *Publisher {
	return &Publisher{producer: producer}
}

// SyncCompleted publishes report keyed by its run id.
func (p *Publisher) SyncCompleted(ctx context.Context, report *domain.SyncReport) error {
	evt, err := pkgkafka.NewEvent(TopicSyncCompleted, report.RunID, EventSource, report)
	if err != nil {
		return fmt.Errorf("build sync completed event: %w", err)
	}
	evt.WithMetadata("mode", string(report.Mode)).WithMetadata("outcome", string(report.Outcome))
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		evt.WithCorrelationID(id)
	}

	if err := p.producer.Publish(ctx, TopicSyncCompleted, evt); err != nil {
		return fmt.Errorf("publish sync completed event: %w", err)
	}
	return nil
}
