package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessira/cartwright/pkg/models"
)

func TestQueryParser_Parse(t *testing.T) {
	qp := NewQueryParser(silentLogger())

	t.Run("TypoCorrectionAndSynonyms", func(t *testing.T) {
		pq := qp.Parse("  Gamming   LABTOP ")

		assert.Equal(t, "gaming laptop", pq.Normalized)
		assert.Contains(t, pq.ExpandedTerms, "notebook")
		assert.Contains(t, pq.ExpandedTerms, "gamer")
	})

	t.Run("ConstraintExtraction", func(t *testing.T) {
		pq := qp.Parse("pink dell gaming laptop with nvidia rtx under $1500")

		assert.Equal(t, "Dell", pq.Brand)
		assert.Equal(t, "NVIDIA", pq.GPUVendor)
		assert.Equal(t, "Pink", pq.Color)
		assert.Equal(t, "gaming", pq.UseCase)
		assert.Equal(t, "laptop", pq.TypeHint)
		require.NotNil(t, pq.Price)
		assert.Equal(t, 0.0, pq.Price.MinDollars)
		assert.Equal(t, 1500.0, pq.Price.MaxDollars)
		assert.True(t, pq.Specific())
	})

	t.Run("SingleSignalIsNotSpecific", func(t *testing.T) {
		pq := qp.Parse("I want a laptop")
		assert.Equal(t, 1, pq.SignalCount)
		assert.False(t, pq.Specific())
	})

	t.Run("GreetingDetection", func(t *testing.T) {
		assert.True(t, qp.Parse("hello there").IsGreeting)
		assert.True(t, qp.Parse("Hi!").IsGreeting)
		assert.False(t, qp.Parse("hi i need a car").IsGreeting)
	})

	t.Run("TooShort", func(t *testing.T) {
		assert.True(t, qp.Parse("x").TooShort())
		assert.True(t, qp.Parse("??").TooShort())
		assert.False(t, qp.Parse("tv").TooShort())
	})

	t.Run("BrandAliasCanonicalised", func(t *testing.T) {
		assert.Equal(t, "Apple", qp.Parse("a macbook for school").Brand)
		assert.Equal(t, "Chevrolet", qp.Parse("used chevy truck").Brand)
	})
}

func TestParseBudgetText(t *testing.T) {
	cases := []struct {
		in       string
		min, max float64
		ok       bool
	}{
		{"under 1500", 0, 1500, true},
		{"below $2,000", 0, 2000, true},
		{"over 35k", 35000, 0, true},
		{"800-1500", 800, 1500, true},
		{"$800 to $1500", 800, 1500, true},
		{"1.5k", 0, 1500, true},
		{"1500", 0, 1500, true},
		{"about fifty", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tc := range cases {
		min, max, ok := ParseBudgetText(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.Equal(t, tc.min, min, tc.in)
			assert.Equal(t, tc.max, max, tc.in)
		}
	}
}

func TestParsedQuery_ToFilters(t *testing.T) {
	qp := NewQueryParser(silentLogger())

	t.Run("LaptopFiltersUseCents", func(t *testing.T) {
		pq := qp.Parse("dell gaming laptop under 1500")
		filters, tiers := pq.ToFilters("laptops", false)

		assert.Equal(t, "Dell", filters["brand"])
		assert.Equal(t, "gaming", filters["use_case"])
		assert.Equal(t, int64(150000), filters["price_max_cents"])
		assert.Equal(t, models.TierInferred, tiers["product_type"])
		assert.NotContains(t, filters, "price_min_cents")
	})

	t.Run("VehicleFiltersUseDollarStrings", func(t *testing.T) {
		pq := qp.Parse("toyota suv 20000-35000")
		filters, _ := pq.ToFilters("vehicles", false)

		assert.Equal(t, "Toyota", filters["make"])
		assert.Equal(t, "20000-35000", filters["price"])
		assert.NotContains(t, filters, "brand")
	})

	t.Run("CentsEverywhereFlagMigratesVehicles", func(t *testing.T) {
		pq := qp.Parse("toyota under 30k")
		filters, _ := pq.ToFilters("vehicles", true)

		assert.Equal(t, int64(3000000), filters["price_max_cents"])
		assert.NotContains(t, filters, "price")
	})

	t.Run("ColorIsInferredTier", func(t *testing.T) {
		pq := qp.Parse("pink laptop")
		filters, tiers := pq.ToFilters("laptops", false)

		assert.Equal(t, "Pink", filters["color"])
		assert.Equal(t, models.TierInferred, tiers["color"])
	})
}
