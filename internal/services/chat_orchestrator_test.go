package services

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessira/cartwright/internal/config"
	"github.com/tessira/cartwright/pkg/models"
)

// newTestOrchestrator wires the full chat pipeline against a pgxmock
// catalog. The LLM, knowledge graph, vector index, and Redis tiers are
// absent, so every path under test is the deterministic fallback.
func newTestOrchestrator(t *testing.T, llm StructuredLLM, recCfg config.RecommendationConfig) (*ChatOrchestrator, pgxmock.PgxPoolIface) {
	t.Helper()
	logger := silentLogger()
	registry := NewSchemaRegistry(logger)
	parser := NewQueryParser(logger)
	entropy := NewEntropyAnalyzer(3, logger)
	catalog, mockDB := newTestCatalog(t)
	chatCfg := &config.ChatConfig{}

	sessions := NewSessionManager(chatCfg, logger, nil, nil)
	t.Cleanup(sessions.Stop)
	search := NewHybridSearchService(parser, registry, catalog, nil, nil,
		NewFilterRelaxer(logger), sessions, nil, &recCfg, chatCfg, logger)

	orch := NewChatOrchestrator(
		sessions,
		NewUniversalAgent(registry, llm, entropy, chatCfg, &recCfg, logger),
		NewIntentRouter(registry, llm, logger),
		NewComparisonNarrator(llm, logger),
		search,
		NewCoverageRiskRanker(stubPhrases{}, stubEncoder{}, recCfg.CoverageRisk, logger),
		NewEmbeddingSimilarityRanker(nil, recCfg.EmbeddingSimilarity, recCfg.Ablation.UseMMRDiversification, logger),
		entropy,
		NewBucketer(logger),
		registry,
		parser,
		NewPipelineMetrics(logger),
		chatCfg,
		&recCfg,
		logger,
	)
	return orch, mockDB
}

func gridCount(rows [][]models.RankedProduct) int {
	n := 0
	for _, row := range rows {
		n += len(row)
	}
	return n
}

func TestChatOrchestrator_EmptyMessage(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, config.RecommendationConfig{})

	reply, err := orch.Chat(context.Background(), models.ChatRequest{Message: "   "})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseError, reply.ResponseType)
	assert.Equal(t, "Say a few words about what you're shopping for and I'll take it from there.", reply.Message)
	assert.NotEmpty(t, reply.SessionID)
}

func TestChatOrchestrator_CategoryPick(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, config.RecommendationConfig{})

	reply, err := orch.Chat(context.Background(), models.ChatRequest{Message: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseQuestion, reply.ResponseType)
	assert.Equal(t, "What are you shopping for today?", reply.Message)
	assert.Equal(t, []string{"Books", "Electronics", "Vehicles"}, reply.QuickReplies)
	assert.Equal(t, "category", reply.Topic)
	assert.Equal(t, 0, reply.QuestionCount)
}

// TestChatOrchestrator_VehiclesInterviewFlow walks a vehicles session
// from the opening message through three questions to the
// recommendation grid, checking the question order, the accumulated
// filters, and the final session snapshot.
func TestChatOrchestrator_VehiclesInterviewFlow(t *testing.T) {
	orch, mockDB := newTestOrchestrator(t, nil, config.RecommendationConfig{})
	ctx := context.Background()

	r1, err := orch.Chat(ctx, models.ChatRequest{Message: "I need a car"})
	require.NoError(t, err)
	sid := r1.SessionID
	require.NotEmpty(t, sid)
	assert.Equal(t, models.ResponseQuestion, r1.ResponseType)
	assert.Equal(t, "q_body_style_1", r1.QuestionID)
	assert.Equal(t, "body_style", r1.Topic)
	assert.Equal(t, "What type of vehicle are you looking for? Feel free to also mention your preferred budget, make or fuel type.", r1.Message)
	assert.Equal(t, []string{"SUV", "Sedan", "Truck", "Coupe"}, r1.QuickReplies)
	assert.Equal(t, 1, r1.QuestionCount)
	assert.Empty(t, r1.Filters)

	r2, err := orch.Chat(ctx, models.ChatRequest{Message: "an SUV please", SessionID: sid})
	require.NoError(t, err)
	assert.Equal(t, "q_price_2", r2.QuestionID)
	assert.Equal(t, "price", r2.Topic)
	assert.Equal(t, "What's your budget? Feel free to also mention your preferred make or fuel type.", r2.Message)
	assert.Equal(t, 2, r2.QuestionCount)
	assert.Equal(t, "SUV", r2.Filters["body_style"])

	r3, err := orch.Chat(ctx, models.ChatRequest{Message: "under $25k", SessionID: sid})
	require.NoError(t, err)
	assert.Equal(t, "q_make_3", r3.QuestionID)
	assert.Equal(t, "make", r3.Topic)
	assert.Equal(t, "Any preferred make? Feel free to also mention your preferred fuel type.", r3.Message)
	assert.Equal(t, 3, r3.QuestionCount)
	assert.Equal(t, "0-25000", r3.Filters["price"])

	// Sorted filter keys reach SQL as body_style, make, price; the open
	// lower price bound is skipped and the pool limit rides along.
	rows := searchRows().
		AddRow(append(vehicleRowValues("v1", "VIN100", 2350000), 2)...).
		AddRow(append(vehicleRowValues("v2", "VIN200", 2490000), 2)...)
	mockDB.ExpectQuery("SELECT").
		WithArgs("Vehicles", "SUV", "Toyota", int64(2500000), 100).
		WillReturnRows(rows)

	r4, err := orch.Chat(ctx, models.ChatRequest{Message: "toyota works", SessionID: sid})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseRecommendations, r4.ResponseType)
	assert.Equal(t, "Found 2 Vehicles matches. Here are the top picks.", r4.Message)
	require.Len(t, r4.Recommendations, 3)
	assert.Len(t, r4.BucketLabels, 3)
	assert.Equal(t, "price", r4.DiversificationDimension)
	assert.Equal(t, 2, gridCount(r4.Recommendations))
	assert.Equal(t, 3, r4.QuestionCount)

	snap, err := orch.Snapshot(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, models.StageRecommendations, snap.Stage)
	assert.Equal(t, "vehicles", snap.ActiveDomain)
	assert.Equal(t, "SUV", snap.Filters["body_style"])
	assert.Equal(t, "0-25000", snap.Filters["price"])
	assert.Equal(t, "Toyota", snap.Filters["make"])

	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestChatOrchestrator_ZeroBudgetRecommendsImmediately(t *testing.T) {
	orch, mockDB := newTestOrchestrator(t, nil, config.RecommendationConfig{})

	rows := searchRows().AddRow(append(vehicleRowValues("v1", "VIN100", 2350000), 1)...)
	mockDB.ExpectQuery("SELECT").WillReturnRows(rows)

	k := 0
	reply, err := orch.Chat(context.Background(), models.ChatRequest{Message: "show me toyota suvs", K: &k})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseRecommendations, reply.ResponseType)
	assert.Equal(t, 0, reply.QuestionCount)
	assert.Equal(t, "Toyota", reply.Filters["make"])
	assert.Equal(t, "SUV", reply.Filters["body_style"])
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestChatOrchestrator_SpecificQuerySkipsInterview(t *testing.T) {
	orch, mockDB := newTestOrchestrator(t, nil, config.RecommendationConfig{})

	rows := searchRows().
		AddRow(append(laptopRowValues("e1", 89900, `{"use_case":"gaming","gpu_vendor":"NVIDIA"}`), 1)...)
	mockDB.ExpectQuery("SELECT").WillReturnRows(rows)

	reply, err := orch.Chat(context.Background(), models.ChatRequest{Message: "dell gaming laptop under $1000"})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseRecommendations, reply.ResponseType)
	assert.Equal(t, "Found 1 Electronics matches. Here are the top picks.", reply.Message)
	assert.Equal(t, 0, reply.QuestionCount)
	assert.Equal(t, "Dell", reply.Filters["brand"])
	assert.Equal(t, "gaming", reply.Filters["use_case"])
	assert.EqualValues(t, 100000, reply.Filters["price_max_cents"])
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestChatOrchestrator_NoMatchesKeepsInterviewStage(t *testing.T) {
	orch, mockDB := newTestOrchestrator(t, nil, config.RecommendationConfig{})
	ctx := context.Background()

	mockDB.ExpectQuery("SELECT").WillReturnRows(searchRows())

	k := 0
	reply, err := orch.Chat(ctx, models.ChatRequest{Message: "toyota suv under 30k", K: &k})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseError, reply.ResponseType)
	assert.Equal(t, "No Vehicles products matched every filter.", reply.Message)
	assert.NotEmpty(t, reply.QuickReplies)

	snap, err := orch.Snapshot(ctx, reply.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StageInterview, snap.Stage)
}

func TestChatOrchestrator_CatalogErrorDegrades(t *testing.T) {
	orch, mockDB := newTestOrchestrator(t, nil, config.RecommendationConfig{})

	// One retry inside the catalog, so the failure needs two queries.
	mockDB.ExpectQuery("SELECT").WillReturnError(assert.AnError)
	mockDB.ExpectQuery("SELECT").WillReturnError(assert.AnError)

	k := 0
	reply, err := orch.Chat(context.Background(), models.ChatRequest{Message: "toyota suv", K: &k})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseRecommendationsReady, reply.ResponseType)
	assert.Contains(t, reply.Message, "catalog is slow")
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestChatOrchestrator_RefinementCompare(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, config.RecommendationConfig{})
	ctx := context.Background()
	sid := "compare-session"

	_, err := orch.sessions.Update(ctx, sid, func(s *models.SessionState) error {
		s.ActiveDomain = "laptops"
		s.MarkStage(models.StageRecommendations)
		s.LastRecommendationData = []models.SlimProduct{
			{ID: "e1", Name: "ProBook 14", Brand: "Dell", PriceCents: 129900, Rank: 1},
			{ID: "e2", Name: "ZenBook", Brand: "ASUS", PriceCents: 99900, Rank: 2},
		}
		return nil
	})
	require.NoError(t, err)

	reply, err := orch.Chat(ctx, models.ChatRequest{Message: "how do the first two compare?", SessionID: sid})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseComparison, reply.ResponseType)
	assert.Equal(t, []string{"e1", "e2"}, reply.SelectedIDs)
	assert.Contains(t, reply.Message, "Best pick: ProBook 14")
}

func TestChatOrchestrator_RefinementNewSearch(t *testing.T) {
	orch, mockDB := newTestOrchestrator(t, nil, config.RecommendationConfig{})
	ctx := context.Background()
	sid := "restart-session"

	_, err := orch.sessions.Update(ctx, sid, func(s *models.SessionState) error {
		s.ActiveDomain = "vehicles"
		s.MarkStage(models.StageRecommendations)
		s.SetFilter("body_style", "SUV")
		s.QuestionCount = 3
		return nil
	})
	require.NoError(t, err)

	rows := searchRows().AddRow(append(vehicleRowValues("v9", "VIN900", 2790000), 1)...)
	mockDB.ExpectQuery("SELECT").WillReturnRows(rows)

	reply, err := orch.Chat(ctx, models.ChatRequest{Message: "start over, toyota under $30k", SessionID: sid})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseRecommendations, reply.ResponseType)
	assert.Equal(t, 0, reply.QuestionCount)
	assert.Equal(t, "Toyota", reply.Filters["make"])
	assert.Equal(t, "0-30000", reply.Filters["price"])
	assert.NotContains(t, reply.Filters, "body_style")
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestChatOrchestrator_RefinementAction(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, config.RecommendationConfig{})
	ctx := context.Background()
	sid := "action-session"

	_, err := orch.sessions.Update(ctx, sid, func(s *models.SessionState) error {
		s.ActiveDomain = "vehicles"
		s.MarkStage(models.StageRecommendations)
		return nil
	})
	require.NoError(t, err)

	reply, err := orch.Chat(ctx, models.ChatRequest{Message: "schedule a test drive", SessionID: sid})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseQuestion, reply.ResponseType)
	assert.Equal(t, "I can't complete purchases here yet. Want to compare the picks or adjust the filters?", reply.Message)
	assert.Equal(t, []string{"Compare top picks", "Refine filters", "New search"}, reply.QuickReplies)
	assert.Equal(t, "next_action", reply.Topic)
}

func TestChatOrchestrator_DomainSwitchRestartsInterview(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, config.RecommendationConfig{})
	ctx := context.Background()
	sid := "switch-session"

	_, err := orch.sessions.Update(ctx, sid, func(s *models.SessionState) error {
		s.ActiveDomain = "laptops"
		s.MarkStage(models.StageRecommendations)
		s.SetFilter("brand", "Dell")
		s.QuestionCount = 2
		return nil
	})
	require.NoError(t, err)

	reply, err := orch.Chat(ctx, models.ChatRequest{Message: "actually i want a car instead", SessionID: sid})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseQuestion, reply.ResponseType)
	assert.Equal(t, "q_body_style_1", reply.QuestionID)
	assert.Equal(t, 1, reply.QuestionCount)
	assert.Empty(t, reply.Filters)

	snap, err := orch.Snapshot(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, "vehicles", snap.ActiveDomain)
	assert.Equal(t, models.StageInterview, snap.Stage)
}

func TestChatOrchestrator_CheckoutStageClarifies(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, config.RecommendationConfig{})
	ctx := context.Background()
	sid := "checkout-session"

	_, err := orch.sessions.Update(ctx, sid, func(s *models.SessionState) error {
		s.MarkStage(models.StageCheckout)
		return nil
	})
	require.NoError(t, err)

	reply, err := orch.Chat(ctx, models.ChatRequest{Message: "what now", SessionID: sid})
	require.NoError(t, err)
	assert.Equal(t, models.ResponseQuestion, reply.ResponseType)
	assert.Equal(t, "This conversation already went to checkout. Start a new search?", reply.Message)
	assert.Equal(t, []string{"New search", "Reset session"}, reply.QuickReplies)
}

func TestChatOrchestrator_Recommend(t *testing.T) {
	ctx := context.Background()

	t.Run("InfersDomainFromFilterCues", func(t *testing.T) {
		orch, mockDB := newTestOrchestrator(t, nil, config.RecommendationConfig{})
		rows := searchRows().AddRow(append(vehicleRowValues("v1", "VIN100", 2350000), 1)...)
		mockDB.ExpectQuery("SELECT").WillReturnRows(rows)

		resp, err := orch.Recommend(ctx, models.RecommendRequest{
			Filters: map[string]interface{}{"body_style": "SUV"},
		})
		require.NoError(t, err)
		assert.Equal(t, MethodCoverageRisk, resp.MethodUsed)
		assert.Equal(t, 1, resp.TotalCandidates)
		assert.Equal(t, "price", resp.DiversificationDimension)
		require.Len(t, resp.Recommendations, 3)
		assert.Equal(t, 1, gridCount(resp.Recommendations))
		assert.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("UnknownFiltersRejected", func(t *testing.T) {
		orch, _ := newTestOrchestrator(t, nil, config.RecommendationConfig{})

		_, err := orch.Recommend(ctx, models.RecommendRequest{
			Filters: map[string]interface{}{"wingspan": 3},
		})
		var iq *InvalidQueryError
		require.ErrorAs(t, err, &iq)
		assert.Equal(t, "filters fit no known category", iq.Reason)
	})

	t.Run("CategoryFilterRoutesDomain", func(t *testing.T) {
		orch, mockDB := newTestOrchestrator(t, nil, config.RecommendationConfig{})
		rows := searchRows().AddRow(append(laptopRowValues("e1", 99900, `{}`), 1)...)
		mockDB.ExpectQuery("SELECT").WillReturnRows(rows)

		resp, err := orch.Recommend(ctx, models.RecommendRequest{
			Filters: map[string]interface{}{"category": "Electronics", "brand": "Dell"},
			Method:  MethodEmbeddingSimilarity,
		})
		require.NoError(t, err)
		assert.Equal(t, MethodEmbeddingSimilarity, resp.MethodUsed)
		assert.Equal(t, 1, resp.TotalCandidates)
		assert.NoError(t, mockDB.ExpectationsWereMet())
	})

	t.Run("SessionContributesFilters", func(t *testing.T) {
		orch, mockDB := newTestOrchestrator(t, nil, config.RecommendationConfig{})
		_, err := orch.sessions.Update(ctx, "rec-sess", func(s *models.SessionState) error {
			s.ActiveDomain = "vehicles"
			s.SetFilter("make", "Toyota")
			return nil
		})
		require.NoError(t, err)

		rows := searchRows().AddRow(append(vehicleRowValues("v2", "VIN200", 2600000), 1)...)
		mockDB.ExpectQuery("SELECT").
			WithArgs("Vehicles", "SUV", "Toyota", 100).
			WillReturnRows(rows)

		_, err = orch.Recommend(ctx, models.RecommendRequest{
			SessionID: "rec-sess",
			Filters:   map[string]interface{}{"body_style": "SUV"},
		})
		require.NoError(t, err)
		assert.NoError(t, mockDB.ExpectationsWereMet())
	})
}

func TestChatOrchestrator_CompareMethods(t *testing.T) {
	orch, mockDB := newTestOrchestrator(t, nil, config.RecommendationConfig{})

	// No Redis cache in the fixture, so each method fetches its own pool.
	for i := 0; i < 2; i++ {
		rows := searchRows().AddRow(append(vehicleRowValues("v1", "VIN100", 2350000), 1)...)
		mockDB.ExpectQuery("SELECT").WillReturnRows(rows)
	}

	out, err := orch.CompareMethods(context.Background(), models.RecommendRequest{
		Filters: map[string]interface{}{"make": "Toyota"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.CoverageRisk)
	require.NotNil(t, out.EmbeddingSimilarity)
	assert.Equal(t, MethodCoverageRisk, out.CoverageRisk.MethodUsed)
	assert.Equal(t, MethodEmbeddingSimilarity, out.EmbeddingSimilarity.MethodUsed)
	assert.Equal(t, 1, out.TotalCandidates)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestChatOrchestrator_GridShape(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, config.RecommendationConfig{NRows: 2, NPerRow: 4})

	rows, per := orch.gridShape(nil, nil)
	assert.Equal(t, 2, rows)
	assert.Equal(t, 4, per)

	three := 3
	rows, per = orch.gridShape(&three, nil)
	assert.Equal(t, 3, rows)
	assert.Equal(t, 4, per)

	fallback, _ := newTestOrchestrator(t, nil, config.RecommendationConfig{})
	rows, per = fallback.gridShape(nil, nil)
	assert.Equal(t, 3, rows)
	assert.Equal(t, 3, per)
}

func TestChatOrchestrator_InferDomain(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, config.RecommendationConfig{})

	t.Run("SortedKeyOrderBreaksTies", func(t *testing.T) {
		domain := orch.inferDomain(nil, map[string]interface{}{
			"make":  "Toyota",
			"genre": "Fantasy",
		})
		assert.Equal(t, "books", domain)
	})

	t.Run("SessionDomainWins", func(t *testing.T) {
		session := models.NewSessionState("s1")
		session.ActiveDomain = "laptops"
		domain := orch.inferDomain(session, map[string]interface{}{"make": "Toyota"})
		assert.Equal(t, "laptops", domain)
	})
}
