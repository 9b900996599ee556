package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/config"
)

// Catalog event types. Anything that mutates a product row is expected
// to land on the catalog-events topic so cached search pages and
// product snapshots do not outlive the data they were built from.
const (
	EventProductUpdated = "product_updated"
	EventProductDeleted = "product_deleted"
	EventStockChanged   = "stock_changed"
	EventCatalogReload  = "catalog_reload"
)

// CatalogEvent is the wire format on the catalog-events topic.
type CatalogEvent struct {
	EventID   uuid.UUID `json:"event_id"`
	Type      string    `json:"type"`
	ProductID string    `json:"product_id,omitempty"`
	Category  string    `json:"category,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CatalogInvalidator is the cache surface the consumer drives.
// CatalogService implements it.
type CatalogInvalidator interface {
	InvalidateProduct(ctx context.Context, productID string) error
	InvalidateSearches(ctx context.Context) error
}

// CatalogConsumer reads catalog mutation events and evicts the affected
// cache entries. Invalidation is idempotent and every key carries a
// TTL, so failed events are retried a few times and then dropped rather
// than dead-lettered.
type CatalogConsumer struct {
	reader  *kafka.Reader
	catalog CatalogInvalidator
	logger  *logrus.Logger
}

func NewCatalogConsumer(cfg *config.KafkaConfig, catalog CatalogInvalidator, logger *logrus.Logger) *CatalogConsumer {
	topic := cfg.Topics.CatalogEvents
	if topic == "" {
		topic = "catalog-events"
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "cartwright-catalog"
	}

	return &CatalogConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: time.Second,
			StartOffset:    kafka.LastOffset,
		}),
		catalog: catalog,
		logger:  logger,
	}
}

// Run consumes until the context is cancelled. Call it on its own
// goroutine.
func (c *CatalogConsumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.WithError(err).Error("Failed to read catalog event")
				continue
			}

			var event CatalogEvent
			if err := json.Unmarshal(message.Value, &event); err != nil {
				c.logger.WithError(err).Error("Failed to unmarshal catalog event")
				continue
			}

			if err := c.processWithRetry(ctx, event); err != nil {
				c.logger.WithError(err).WithFields(logrus.Fields{
					"event_id":   event.EventID,
					"event_type": event.Type,
				}).Error("Dropping catalog event after retries")
			}
		}
	}
}

func (c *CatalogConsumer) processWithRetry(ctx context.Context, event CatalogEvent) error {
	maxRetries := 3
	baseDelay := time.Second

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			delay := baseDelay * time.Duration(1<<uint(attempt-1))
			c.logger.WithFields(logrus.Fields{
				"event_id": event.EventID,
				"attempt":  attempt,
				"delay":    delay,
			}).Info("Retrying catalog event")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.handle(ctx, event); err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"event_id": event.EventID,
				"attempt":  attempt,
			}).Warn("Catalog event handling failed")

			if attempt == maxRetries {
				return fmt.Errorf("max retries exceeded: %w", err)
			}
			continue
		}

		return nil
	}

	return fmt.Errorf("unexpected retry loop exit")
}

// handle maps one event onto cache evictions. Every mutation flushes
// the search-page cache: a changed product can enter or leave any
// number of cached result pages.
func (c *CatalogConsumer) handle(ctx context.Context, event CatalogEvent) error {
	switch event.Type {
	case EventProductUpdated, EventProductDeleted, EventStockChanged:
		if event.ProductID != "" {
			if err := c.catalog.InvalidateProduct(ctx, event.ProductID); err != nil {
				return fmt.Errorf("product invalidation: %w", err)
			}
		}
		if err := c.catalog.InvalidateSearches(ctx); err != nil {
			return fmt.Errorf("search invalidation: %w", err)
		}
	case EventCatalogReload:
		if err := c.catalog.InvalidateSearches(ctx); err != nil {
			return fmt.Errorf("search invalidation: %w", err)
		}
	default:
		c.logger.WithFields(logrus.Fields{
			"event_id":   event.EventID,
			"event_type": event.Type,
		}).Warn("Unknown catalog event type")
		return nil
	}

	c.logger.WithFields(logrus.Fields{
		"event_id":   event.EventID,
		"event_type": event.Type,
		"product_id": event.ProductID,
	}).Info("Catalog caches invalidated")

	return nil
}

func (c *CatalogConsumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close catalog consumer: %w", err)
	}
	return nil
}

// Stats exposes consumer lag counters for monitoring.
func (c *CatalogConsumer) Stats() map[string]interface{} {
	stats := c.reader.Stats()
	return map[string]interface{}{
		"consumer_lag":    stats.Lag,
		"consumer_offset": stats.Offset,
		"messages_read":   stats.Messages,
		"bytes_read":      stats.Bytes,
		"rebalances":      stats.Rebalances,
		"timeouts":        stats.Timeouts,
		"errors":          stats.Errors,
	}
}
