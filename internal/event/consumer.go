package event

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/DamienDrash/webshop-product-search/internal/domain"
	apperrors "github.com/DamienDrash/webshop-product-search/pkg/errors"
	pkgkafka "github.com/DamienDrash/webshop-product-search/pkg/kafka"
	"github.com/DamienDrash/webshop-product-search/pkg/logger"
)

// Kafka topics carrying warehouse product notifications. The event type
// of each message equals its topic.
const (
	TopicProductChanged = "dwh.product.changed"
	TopicProductDeleted = "dwh.product.deleted"
)

// Topics lists every topic the consumer subscribes to.
var Topics = []string{TopicProductChanged, TopicProductDeleted}

// ProductChangedData is the optional payload of a product.changed event.
// The warehouse is re-read regardless, so the id only serves logging.
type ProductChangedData struct {
	ID int64 `json:"id"`
}

// ProductDeletedData represents the payload from a product.deleted event.
type ProductDeletedData struct {
	ID int64 `json:"id"`
}

// Syncer is the part of the sync coordinator driven by events.
type Syncer interface {
	IncrementalUpdate(ctx context.Context) (*domain.SyncReport, error)
	Remove(ctx context.Context, id int64) (*domain.SyncReport, error)
}

// Consumer turns warehouse notifications into sync runs.
type Consumer struct {
	syncer Syncer
	logger *slog.Logger
}

// NewConsumer creates a new event consumer.
func NewConsumer(syncer Syncer, logger *slog.Logger) *Consumer {
	return &Consumer{
		syncer: syncer,
		logger: logger,
	}
}

// Handle processes a Kafka event based on its type. Returning an error
// makes the transport retry and eventually dead-letter the message.
func (c *Consumer) Handle(ctx context.Context, event *pkgkafka.Event) error {
	if event.CorrelationID != "" {
		ctx = logger.WithCorrelationID(ctx, event.CorrelationID)
	}

	switch event.Type {
	case TopicProductChanged:
		return c.handleProductChanged(ctx, event)
	case TopicProductDeleted:
		return c.handleProductDeleted(ctx, event)
	default:
		c.logger.WarnContext(ctx, "unknown event type received",
			slog.String("event_type", event.Type),
			slog.String("event_id", event.ID),
		)
		return nil
	}
}

// handleProductChanged runs an incremental update, which picks up the
// changed row along with anything else modified since the last run.
func (c *Consumer) handleProductChanged(ctx context.Context, event *pkgkafka.Event) error {
	var data ProductChangedData
	if len(event.Data) > 0 {
		if err := event.UnmarshalData(&data); err != nil {
			return fmt.Errorf("unmarshal product.changed data: %w", err)
		}
	}

	report, err := c.syncer.IncrementalUpdate(ctx)
	if err != nil {
		return fmt.Errorf("incremental update from changed event: %w", err)
	}

	c.log(ctx, report, "incremental update from changed event",
		slog.String("event_id", event.ID),
		slog.Int64("product_id", data.ID),
	)
	return nil
}

// handleProductDeleted removes a deleted product from the index and cache.
func (c *Consumer) handleProductDeleted(ctx context.Context, event *pkgkafka.Event) error {
	var data ProductDeletedData
	if err := event.UnmarshalData(&data); err != nil {
		return fmt.Errorf("unmarshal product.deleted data: %w", err)
	}
	if data.ID <= 0 {
		if id, err := strconv.ParseInt(event.Key, 10, 64); err == nil {
			data.ID = id
		}
	}

	report, err := c.syncer.Remove(ctx, data.ID)
	if err != nil {
		if apperrors.IsRetryable(err) {
			return fmt.Errorf("remove product from deleted event: %w", err)
		}
		// Redelivery cannot fix a bad id.
		c.logger.ErrorContext(ctx, "dropping unprocessable deleted event",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	c.log(ctx, report, "removed product from deleted event",
		slog.String("event_id", event.ID),
		slog.Int64("product_id", data.ID),
	)
	return nil
}

func (c *Consumer) log(ctx context.Context, report *domain.SyncReport, msg string, attrs ...slog.Attr) {
	level := slog.LevelInfo
	if report.Outcome == domain.OutcomePartial || report.Outcome == domain.OutcomeFailed {
		level = slog.LevelWarn
	}
	attrs = append(attrs,
		slog.String("sync_run_id", report.RunID),
		slog.String("outcome", string(report.Outcome)),
		slog.Int("indexed", report.Indexed),
		slog.Int("failed", report.Failed),
	)
	logger.WithContext(ctx, c.logger).LogAttrs(ctx, level, msg, attrs...)
}
