package messaging

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvalidator struct {
	productIDs    []string
	searchFlushes int
	productErr    error
	searchErr     error
}

func (f *fakeInvalidator) InvalidateProduct(_ context.Context, productID string) error {
	if f.productErr != nil {
		return f.productErr
	}
	f.productIDs = append(f.productIDs, productID)
	return nil
}

func (f *fakeInvalidator) InvalidateSearches(_ context.Context) error {
	if f.searchErr != nil {
		return f.searchErr
	}
	f.searchFlushes++
	return nil
}

func testConsumer(catalog CatalogInvalidator) *CatalogConsumer {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &CatalogConsumer{catalog: catalog, logger: logger}
}

func TestCatalogEvent_Serialization(t *testing.T) {
	event := CatalogEvent{
		EventID:   uuid.New(),
		Type:      EventProductUpdated,
		ProductID: "prod-123",
		Category:  "Electronics",
		Timestamp: time.Now().UTC(),
	}

	eventBytes, err := json.Marshal(event)
	require.NoError(t, err)
	assert.NotEmpty(t, eventBytes)

	var decoded CatalogEvent
	err = json.Unmarshal(eventBytes, &decoded)
	require.NoError(t, err)

	assert.Equal(t, event.EventID, decoded.EventID)
	assert.Equal(t, event.Type, decoded.Type)
	assert.Equal(t, event.ProductID, decoded.ProductID)
	assert.Equal(t, event.Category, decoded.Category)
}

func TestCatalogConsumer_Handle(t *testing.T) {
	tests := []struct {
		name            string
		event           CatalogEvent
		wantProductIDs  []string
		wantSearchFlush int
	}{
		{
			name: "product update invalidates product and searches",
			event: CatalogEvent{
				EventID:   uuid.New(),
				Type:      EventProductUpdated,
				ProductID: "prod-1",
			},
			wantProductIDs:  []string{"prod-1"},
			wantSearchFlush: 1,
		},
		{
			name: "stock change invalidates product and searches",
			event: CatalogEvent{
				EventID:   uuid.New(),
				Type:      EventStockChanged,
				ProductID: "prod-2",
			},
			wantProductIDs:  []string{"prod-2"},
			wantSearchFlush: 1,
		},
		{
			name: "delete without product id still flushes searches",
			event: CatalogEvent{
				EventID: uuid.New(),
				Type:    EventProductDeleted,
			},
			wantProductIDs:  nil,
			wantSearchFlush: 1,
		},
		{
			name: "catalog reload only flushes searches",
			event: CatalogEvent{
				EventID: uuid.New(),
				Type:    EventCatalogReload,
			},
			wantProductIDs:  nil,
			wantSearchFlush: 1,
		},
		{
			name: "unknown event type is ignored",
			event: CatalogEvent{
				EventID: uuid.New(),
				Type:    "price_audit",
			},
			wantProductIDs:  nil,
			wantSearchFlush: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeInvalidator{}
			consumer := testConsumer(fake)

			err := consumer.handle(context.Background(), tt.event)
			require.NoError(t, err)

			assert.Equal(t, tt.wantProductIDs, fake.productIDs)
			assert.Equal(t, tt.wantSearchFlush, fake.searchFlushes)
		})
	}
}

func TestCatalogConsumer_HandleErrors(t *testing.T) {
	t.Run("product invalidation failure propagates", func(t *testing.T) {
		fake := &fakeInvalidator{productErr: assert.AnError}
		consumer := testConsumer(fake)

		err := consumer.handle(context.Background(), CatalogEvent{
			EventID:   uuid.New(),
			Type:      EventProductUpdated,
			ProductID: "prod-1",
		})
		assert.Error(t, err)
	})

	t.Run("search invalidation failure propagates", func(t *testing.T) {
		fake := &fakeInvalidator{searchErr: assert.AnError}
		consumer := testConsumer(fake)

		err := consumer.handle(context.Background(), CatalogEvent{
			EventID: uuid.New(),
			Type:    EventCatalogReload,
		})
		assert.Error(t, err)
	})
}

func TestCatalogConsumer_ProcessWithRetry(t *testing.T) {
	t.Run("cancelled context stops retries", func(t *testing.T) {
		fake := &fakeInvalidator{searchErr: assert.AnError}
		consumer := testConsumer(fake)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := consumer.processWithRetry(ctx, CatalogEvent{
			EventID: uuid.New(),
			Type:    EventCatalogReload,
		})
		assert.Error(t, err)
	})

	t.Run("success on first attempt", func(t *testing.T) {
		fake := &fakeInvalidator{}
		consumer := testConsumer(fake)

		err := consumer.processWithRetry(context.Background(), CatalogEvent{
			EventID:   uuid.New(),
			Type:      EventProductUpdated,
			ProductID: "prod-9",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"prod-9"}, fake.productIDs)
	})
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		name          string
		attempt       int
		expectedDelay time.Duration
	}{
		{name: "first retry", attempt: 1, expectedDelay: 1 * time.Second},
		{name: "second retry", attempt: 2, expectedDelay: 2 * time.Second},
		{name: "third retry", attempt: 3, expectedDelay: 4 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseDelay := time.Second
			delay := baseDelay * time.Duration(1<<uint(tt.attempt-1))
			assert.Equal(t, tt.expectedDelay, delay)
		})
	}
}
