package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessira/cartwright/pkg/models"
)

func TestSchemaRegistry(t *testing.T) {
	reg := NewSchemaRegistry(silentLogger())

	t.Run("AllDomainsRegistered", func(t *testing.T) {
		assert.Equal(t, []string{"vehicles", "laptops", "books"}, reg.Domains())

		for _, id := range reg.Domains() {
			schema, err := reg.Get(id)
			require.NoError(t, err)
			assert.NotEmpty(t, schema.Category)
			assert.NotEmpty(t, schema.SlotsByPriority(models.PriorityHigh))
		}
	})

	t.Run("UnknownDomain", func(t *testing.T) {
		_, err := reg.Get("furniture")
		assert.ErrorIs(t, err, ErrUnknownDomain)
	})

	t.Run("LaptopInterviewOrder", func(t *testing.T) {
		schema, err := reg.Get("laptops")
		require.NoError(t, err)

		high := schema.SlotsByPriority(models.PriorityHigh)
		require.Len(t, high, 2)
		assert.Equal(t, "use_case", high[0].Key)
		assert.Equal(t, "price", high[1].Key)

		medium := schema.SlotsByPriority(models.PriorityMedium)
		require.NotEmpty(t, medium)
		assert.Equal(t, "brand", medium[0].Key)
	})

	t.Run("DetectDomainKeywords", func(t *testing.T) {
		assert.Equal(t, "laptops", reg.DetectDomain("I want a laptop for gaming"))
		assert.Equal(t, "vehicles", reg.DetectDomain("looking for a used SUV"))
		assert.Equal(t, "books", reg.DetectDomain("recommend me a good novel"))
		assert.Equal(t, "", reg.DetectDomain("hello there"))
	})

	t.Run("DetectDomainPrefersMoreCues", func(t *testing.T) {
		// "book" alone vs two laptop cues.
		assert.Equal(t, "laptops", reg.DetectDomain("a laptop or gaming pc, not a book"))
	})

	t.Run("CategoryMapping", func(t *testing.T) {
		assert.Equal(t, "Electronics", reg.CategoryFor("laptops"))
		assert.Equal(t, "Vehicles", reg.CategoryFor("vehicles"))
		assert.Equal(t, "", reg.CategoryFor("unknown"))

		assert.Equal(t, "laptops", reg.DomainForCategory("electronics"))
		assert.Equal(t, "books", reg.DomainForCategory("Books"))
	})

	t.Run("QuickRepliesStayShort", func(t *testing.T) {
		for _, id := range reg.Domains() {
			schema, err := reg.Get(id)
			require.NoError(t, err)
			for _, slot := range schema.Slots {
				if len(slot.QuickReplies) == 0 {
					continue
				}
				assert.GreaterOrEqual(t, len(slot.QuickReplies), 2, "%s/%s", id, slot.Key)
				assert.LessOrEqual(t, len(slot.QuickReplies), 4, "%s/%s", id, slot.Key)
			}
		}
	})
}
