package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessira/cartwright/internal/validation"
	"github.com/tessira/cartwright/pkg/models"
)

func newTestRouter(llm StructuredLLM) *IntentRouter {
	return NewIntentRouter(NewSchemaRegistry(silentLogger()), llm, silentLogger())
}

func sessionInDomain(domain string) *models.SessionState {
	session := models.NewSessionState("s1")
	session.ActiveDomain = domain
	return session
}

func TestIntentRouter_FastPath(t *testing.T) {
	ctx := context.Background()
	router := newTestRouter(nil)

	t.Run("DomainSwitch", func(t *testing.T) {
		decision := router.Classify(ctx, "actually I want a car instead", sessionInDomain("laptops"))

		assert.Equal(t, RefineDomainSwitch, decision.Intent)
		assert.Equal(t, "vehicles", decision.NewDomain)
	})

	t.Run("SameDomainMentionIsNoSwitch", func(t *testing.T) {
		decision := router.Classify(ctx, "I'd like to schedule a test drive", sessionInDomain("vehicles"))

		assert.Equal(t, RefineAction, decision.Intent)
	})

	t.Run("Compare", func(t *testing.T) {
		decision := router.Classify(ctx, "how do the first two compare?", sessionInDomain("laptops"))
		assert.Equal(t, RefineCompare, decision.Intent)

		decision = router.Classify(ctx, "the dell vs the lenovo", sessionInDomain("laptops"))
		assert.Equal(t, RefineCompare, decision.Intent)
	})

	t.Run("NewSearchCollectsCriteria", func(t *testing.T) {
		decision := router.Classify(ctx, "let's start over, something under $900 in silver", sessionInDomain("laptops"))

		assert.Equal(t, RefineNewSearch, decision.Intent)
		assert.Equal(t, "Silver", decision.UpdatedCriteria["color"])
		assert.Contains(t, decision.UpdatedCriteria, "price")
	})

	t.Run("RefineCueWithoutSlots", func(t *testing.T) {
		decision := router.Classify(ctx, "anything cheaper?", sessionInDomain("laptops"))

		assert.Equal(t, RefineFilters, decision.Intent)
		assert.Empty(t, decision.UpdatedCriteria)
	})

	t.Run("BareCriteriaIsDecisive", func(t *testing.T) {
		decision := router.Classify(ctx, "in blue please", sessionInDomain("laptops"))

		assert.Equal(t, RefineFilters, decision.Intent)
		assert.Equal(t, "Blue", decision.UpdatedCriteria["color"])
	})

	t.Run("BrandKeyFollowsDomain", func(t *testing.T) {
		decision := router.Classify(ctx, "show toyota only", sessionInDomain("vehicles"))
		assert.Equal(t, RefineFilters, decision.Intent)
		assert.Equal(t, "Toyota", decision.UpdatedCriteria["make"])

		decision = router.Classify(ctx, "prefer dell", sessionInDomain("laptops"))
		assert.Equal(t, RefineFilters, decision.Intent)
		assert.Equal(t, "Dell", decision.UpdatedCriteria["brand"])
	})

	t.Run("UndecidedWithoutLLM", func(t *testing.T) {
		decision := router.Classify(ctx, "tell me more about the second one", sessionInDomain("laptops"))
		assert.Equal(t, RefineOther, decision.Intent)
	})
}

func TestIntentRouter_LLM(t *testing.T) {
	ctx := context.Background()

	t.Run("ClassifiesUndecidedMessages", func(t *testing.T) {
		llm := &stubLLM{completions: map[string]interface{}{
			validation.SchemaRefinementClassification: map[string]interface{}{
				"intent": "refine_filters",
				"updated_criteria": []map[string]interface{}{
					{"slot_name": "ram_gb", "value": 32},
				},
			},
		}}
		router := newTestRouter(llm)

		decision := router.Classify(ctx, "tell me more about the second one", sessionInDomain("laptops"))
		require.Equal(t, RefineFilters, decision.Intent)
		assert.EqualValues(t, 32, decision.UpdatedCriteria["ram_gb"])
	})

	t.Run("BackfillsSwitchDomain", func(t *testing.T) {
		llm := &stubLLM{completions: map[string]interface{}{
			validation.SchemaRefinementClassification: map[string]interface{}{"intent": "domain_switch"},
		}}
		router := newTestRouter(llm)

		decision := router.Classify(ctx, "maybe novels would be nicer", sessionInDomain("laptops"))
		require.Equal(t, RefineDomainSwitch, decision.Intent)
		assert.Equal(t, "books", decision.NewDomain)
	})

	t.Run("ErrorFallsBackToGuess", func(t *testing.T) {
		llm := &stubLLM{err: fmt.Errorf("provider down")}
		router := newTestRouter(llm)

		decision := router.Classify(ctx, "tell me more about the second one", sessionInDomain("laptops"))
		assert.Equal(t, RefineOther, decision.Intent)
	})

	t.Run("DecisiveCueSkipsLLM", func(t *testing.T) {
		llm := &stubLLM{completions: map[string]interface{}{}}
		router := newTestRouter(llm)

		decision := router.Classify(ctx, "compare the top two", sessionInDomain("laptops"))
		assert.Equal(t, RefineCompare, decision.Intent)
		assert.Zero(t, llm.calls)
	})
}
