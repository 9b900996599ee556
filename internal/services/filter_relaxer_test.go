package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessira/cartwright/pkg/models"
)

// countingQuery returns zero results until the given filter keys are
// all gone, then yields one product.
func countingQuery(calls *int, until ...string) RelaxationQueryFunc {
	return func(_ context.Context, filters map[string]interface{}) ([]models.Product, int, error) {
		*calls++
		for _, key := range until {
			if _, present := filters[key]; present {
				return nil, 0, nil
			}
		}
		return []models.Product{{ID: "p1", Name: "Match", Category: "Electronics"}}, 1, nil
	}
}

func TestFilterRelaxer(t *testing.T) {
	fr := NewFilterRelaxer(silentLogger())
	ctx := context.Background()

	t.Run("StrictHitNeedsNoRelaxation", func(t *testing.T) {
		calls := 0
		products, total, state, err := fr.Search(ctx,
			map[string]interface{}{"brand": "Dell"}, nil, countingQuery(&calls))

		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, total)
		assert.Len(t, products, 1)
		assert.False(t, state.Relaxed)
		assert.Empty(t, state.Dropped)
	})

	t.Run("DropsLeastEssentialFirst", func(t *testing.T) {
		calls := 0
		filters := map[string]interface{}{
			"interior_color": "Beige",
			"price":          "0-20000",
			"make":           "Toyota",
		}
		products, total, state, err := fr.Search(ctx, filters, nil,
			countingQuery(&calls, "interior_color", "price"))

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, 1, total)
		assert.Len(t, products, 1)
		assert.True(t, state.Relaxed)
		assert.Equal(t, 2, state.Rounds)
		require.Len(t, state.Dropped, 2)
		assert.Equal(t, "interior_color", state.Dropped[0].Key)
		assert.Equal(t, "price", state.Dropped[1].Key)

		// Original map stays intact for messaging.
		assert.Contains(t, filters, "interior_color")
	})

	t.Run("InferredTierDropsBeforeRegular", func(t *testing.T) {
		calls := 0
		filters := map[string]interface{}{
			"color":        "Pink",
			"product_type": "desktop",
		}
		tiers := map[string]models.FilterTier{
			"product_type": models.TierInferred,
			"color":        models.TierRegular,
		}
		_, _, state, err := fr.Search(ctx, filters, tiers, countingQuery(&calls, "product_type", "color"))

		require.NoError(t, err)
		require.Len(t, state.Dropped, 2)
		assert.Equal(t, "product_type", state.Dropped[0].Key)
		assert.Equal(t, models.TierInferred, state.Dropped[0].Tier)
		assert.Equal(t, "color", state.Dropped[1].Key)
	})

	t.Run("MustHavesNeverDropped", func(t *testing.T) {
		calls := 0
		filters := map[string]interface{}{
			"body_style": "SUV",
			"fuel_type":  "Electric",
		}
		products, total, state, err := fr.Search(ctx, filters, nil, countingQuery(&calls, "body_style"))

		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Zero(t, total)
		assert.Empty(t, products)
		assert.False(t, state.Relaxed)
	})

	t.Run("AtMostThreeQueries", func(t *testing.T) {
		calls := 0
		filters := map[string]interface{}{
			"interior_color": "Beige",
			"exterior_color": "Red",
			"color":          "Red",
			"year":           2020,
			"price":          "0-15000",
		}
		_, total, state, err := fr.Search(ctx, filters, nil,
			countingQuery(&calls, "interior_color", "exterior_color", "color", "year", "price"))

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Zero(t, total)
		assert.Equal(t, 2, state.Rounds)
		assert.Len(t, state.Dropped, 2)
	})

	t.Run("ColorThenBrandLadder", func(t *testing.T) {
		calls := 0
		filters := map[string]interface{}{
			"color":           "Pink",
			"brand":           "Pink",
			"price_max_cents": 100000,
		}
		tiers := map[string]models.FilterTier{"color": models.TierInferred}

		products, total, state, err := fr.Search(ctx, filters, tiers,
			countingQuery(&calls, "color", "brand"))

		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Len(t, products, 1)
		assert.True(t, state.Relaxed)
		assert.Equal(t, []string{"color", "brand"}, state.DroppedKeys())
	})
}
