package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidator(t *testing.T) {
	sv, err := NewSchemaValidator()
	require.NoError(t, err)

	t.Run("AllBuiltinSchemasCompile", func(t *testing.T) {
		for _, name := range []string{
			SchemaDomainClassification,
			SchemaCriteriaExtraction,
			SchemaGeneratedQuestion,
			SchemaRefinementClassification,
			SchemaComparisonNarrative,
		} {
			assert.True(t, sv.SchemaExists(name), "schema %s missing", name)
		}
	})

	t.Run("CriteriaExtraction", func(t *testing.T) {
		valid := `{"extracted": {"use_case": "gaming", "budget": "1500"}, "is_impatient": false, "wants_recommendations": true}`
		result := sv.Validate(SchemaCriteriaExtraction, valid)
		assert.True(t, result.Valid, "errors: %v", result.Errors)

		missingFlags := `{"extracted": {}}`
		result = sv.Validate(SchemaCriteriaExtraction, missingFlags)
		assert.False(t, result.Valid)
	})

	t.Run("GeneratedQuestion", func(t *testing.T) {
		valid := `{"question": "What will you use it for?", "quick_replies": ["Gaming", "Work"], "invite": "Feel free to mention a budget too."}`
		result := sv.Validate(SchemaGeneratedQuestion, valid)
		assert.True(t, result.Valid, "errors: %v", result.Errors)

		tooManyReplies := `{"question": "q", "quick_replies": ["a", "b", "c", "d", "e"]}`
		result = sv.Validate(SchemaGeneratedQuestion, tooManyReplies)
		assert.False(t, result.Valid)
	})

	t.Run("RefinementClassification", func(t *testing.T) {
		valid := `{"intent": "domain_switch", "new_domain": "books"}`
		result := sv.Validate(SchemaRefinementClassification, valid)
		assert.True(t, result.Valid, "errors: %v", result.Errors)

		badIntent := `{"intent": "purchase"}`
		result = sv.Validate(SchemaRefinementClassification, badIntent)
		assert.False(t, result.Valid)
	})

	t.Run("ComparisonNarrative", func(t *testing.T) {
		valid := `{"narrative": "• **Dell XPS** ...", "selected_ids": ["p1", "p2"]}`
		result := sv.Validate(SchemaComparisonNarrative, valid)
		assert.True(t, result.Valid, "errors: %v", result.Errors)

		empty := `{"narrative": "", "selected_ids": []}`
		result = sv.Validate(SchemaComparisonNarrative, empty)
		assert.False(t, result.Valid)
	})

	t.Run("UnknownSchema", func(t *testing.T) {
		result := sv.Validate("nope", `{}`)
		assert.False(t, result.Valid)
		assert.Equal(t, "SCHEMA_NOT_FOUND", result.Errors[0].Code)
	})

	t.Run("StructInput", func(t *testing.T) {
		doc := map[string]interface{}{
			"domain":     "vehicles",
			"confidence": 0.8,
		}
		result := sv.Validate(SchemaDomainClassification, doc)
		assert.True(t, result.Valid, "errors: %v", result.Errors)
	})
}
