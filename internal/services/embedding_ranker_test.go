package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessira/cartwright/internal/config"
	"github.com/tessira/cartwright/pkg/models"
)

// stubScorer returns canned relevance scores and records the feature
// strings it was queried with.
type stubScorer struct {
	ready    bool
	scores   map[string]float64
	err      error
	features []string
}

func (s *stubScorer) Ready() bool { return s.ready }

func (s *stubScorer) ScoreCandidates(_ context.Context, _ []models.Product, features []string, _ string) (map[string]float64, error) {
	s.features = features
	return s.scores, s.err
}

func rankedIDs(ranked []models.RankedProduct) []string {
	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.ID
	}
	return ids
}

func TestEmbeddingSimilarityRanker_Rank(t *testing.T) {
	ctx := context.Background()

	t.Run("NeutralWithoutScorer", func(t *testing.T) {
		ranker := NewEmbeddingSimilarityRanker(nil, config.EmbeddingSimilarityConfig{}, false, silentLogger())

		candidates := []models.Product{
			vehicleProductMMY("a", "Toyota", "RAV4", 2021),
			vehicleProductMMY("b", "Honda", "Civic", 2020),
			vehicleProductMMY("c", "Tesla", "Model 3", 2022),
		}

		ranked, err := ranker.Rank(ctx, candidates, map[string]interface{}{"make": "Toyota"}, models.UserPreferences{}, 0)
		require.NoError(t, err)
		require.Len(t, ranked, 3)

		// Equal neutral scores keep caller order.
		assert.Equal(t, []string{"a", "b", "c"}, rankedIDs(ranked))
		for i, item := range ranked {
			assert.Equal(t, i+1, item.Rank)
			assert.InDelta(t, 0.5, item.Score, 1e-9)
			require.NotNil(t, item.DenseScore)
			assert.InDelta(t, 0.5, *item.DenseScore, 1e-9)
		}
	})

	t.Run("ScorerOrdersByRelevance", func(t *testing.T) {
		scorer := &stubScorer{
			ready:  true,
			scores: map[string]float64{"a": 0.2, "b": 0.9, "c": 0.6},
		}
		ranker := NewEmbeddingSimilarityRanker(scorer, config.EmbeddingSimilarityConfig{}, false, silentLogger())

		candidates := []models.Product{
			vehicleProductMMY("a", "Toyota", "RAV4", 2021),
			vehicleProductMMY("b", "Honda", "Civic", 2020),
			vehicleProductMMY("c", "Tesla", "Model 3", 2022),
		}
		filters := map[string]interface{}{
			"body_style": "SUV",
			"category":   "Vehicles",
			"_hint":      "internal",
		}
		prefs := models.UserPreferences{LikedFeatures: []string{"panoramic sunroof"}}

		ranked, err := ranker.Rank(ctx, candidates, filters, prefs, 2)
		require.NoError(t, err)

		assert.Equal(t, []string{"b", "c"}, rankedIDs(ranked))
		assert.Equal(t, 1, ranked[0].Rank)
		assert.Equal(t, 2, ranked[1].Rank)

		// Reserved keys stay out of the query; liked features go last.
		assert.Equal(t, []string{"body_style SUV", "panoramic sunroof"}, scorer.features)
	})

	t.Run("ScorerErrorFallsBackToNeutral", func(t *testing.T) {
		scorer := &stubScorer{ready: true, err: errors.New("index offline")}
		ranker := NewEmbeddingSimilarityRanker(scorer, config.EmbeddingSimilarityConfig{}, false, silentLogger())

		candidates := []models.Product{
			vehicleProductMMY("a", "Toyota", "RAV4", 2021),
			vehicleProductMMY("b", "Honda", "Civic", 2020),
		}

		ranked, err := ranker.Rank(ctx, candidates, map[string]interface{}{"make": "Toyota"}, models.UserPreferences{}, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, rankedIDs(ranked))
		assert.InDelta(t, 0.5, ranked[0].Score, 1e-9)
	})

	t.Run("EmptyCandidates", func(t *testing.T) {
		ranker := NewEmbeddingSimilarityRanker(nil, config.EmbeddingSimilarityConfig{}, true, silentLogger())

		ranked, err := ranker.Rank(ctx, nil, nil, models.UserPreferences{}, 5)
		require.NoError(t, err)
		assert.Nil(t, ranked)
	})
}

func TestEmbeddingSimilarityRanker_ClusteredMMR(t *testing.T) {
	ctx := context.Background()

	t.Run("AnchorsPullStructuralTwins", func(t *testing.T) {
		scorer := &stubScorer{
			ready: true,
			scores: map[string]float64{
				"rav4-a":  1.0,
				"civic":   0.95,
				"rav4-b":  0.9,
				"corolla": 0.85,
				"model3":  0.8,
			},
		}
		cfg := config.EmbeddingSimilarityConfig{LambdaParam: 0.85, ClusterSize: 2, MinSimilarity: 0.5}
		ranker := NewEmbeddingSimilarityRanker(scorer, cfg, true, silentLogger())

		candidates := []models.Product{
			vehicleProductMMY("rav4-a", "Toyota", "RAV4", 2021),
			vehicleProductMMY("civic", "Honda", "Civic", 2020),
			vehicleProductMMY("rav4-b", "Toyota", "RAV4", 2019),
			vehicleProductMMY("corolla", "Toyota", "Corolla", 2022),
			vehicleProductMMY("model3", "Tesla", "Model 3", 2022),
		}

		ranked, err := ranker.Rank(ctx, candidates, map[string]interface{}{"make": "Toyota"}, models.UserPreferences{}, 3)
		require.NoError(t, err)
		require.Len(t, ranked, 3)

		// The second RAV4 rides along with its anchor even though the
		// Civic scores higher on relevance alone.
		assert.Equal(t, []string{"rav4-a", "rav4-b", "civic"}, rankedIDs(ranked))

		require.NotNil(t, ranked[1].SimilarityScore)
		assert.InDelta(t, 0.9, *ranked[1].SimilarityScore, 1e-9)

		// The Civic anchor's MMR score: no structural overlap with the
		// Toyotas, so pure weighted relevance.
		require.NotNil(t, ranked[2].SimilarityScore)
		assert.InDelta(t, 0.85*0.95, *ranked[2].SimilarityScore, 1e-9)
	})

	t.Run("MinSimilarityKeepsLooseMatchesOut", func(t *testing.T) {
		scorer := &stubScorer{
			ready: true,
			scores: map[string]float64{
				"rav4":    1.0,
				"corolla": 0.9,
				"model3":  0.8,
				"civic":   0.7,
			},
		}
		cfg := config.EmbeddingSimilarityConfig{LambdaParam: 0.85, ClusterSize: 3, MinSimilarity: 0.7}
		ranker := NewEmbeddingSimilarityRanker(scorer, cfg, true, silentLogger())

		candidates := []models.Product{
			vehicleProductMMY("rav4", "Toyota", "RAV4", 2021),
			vehicleProductMMY("corolla", "Toyota", "Corolla", 2022),
			vehicleProductMMY("model3", "Tesla", "Model 3", 2022),
			vehicleProductMMY("civic", "Honda", "Civic", 2020),
		}

		ranked, err := ranker.Rank(ctx, candidates, map[string]interface{}{"make": "Toyota"}, models.UserPreferences{}, 3)
		require.NoError(t, err)
		require.Len(t, ranked, 3)

		// Same-make-different-model similarity (0.65) sits below the
		// cutoff, so the Corolla is not clustered with the RAV4 and the
		// diversity term lets the Tesla jump ahead of it.
		assert.Equal(t, []string{"rav4", "model3", "corolla"}, rankedIDs(ranked))
	})

	t.Run("NoTrimNoMMR", func(t *testing.T) {
		scorer := &stubScorer{
			ready:  true,
			scores: map[string]float64{"rav4-a": 0.9, "rav4-b": 0.8, "civic": 0.7},
		}
		ranker := NewEmbeddingSimilarityRanker(scorer, config.EmbeddingSimilarityConfig{}, true, silentLogger())

		candidates := []models.Product{
			vehicleProductMMY("rav4-a", "Toyota", "RAV4", 2021),
			vehicleProductMMY("rav4-b", "Toyota", "RAV4", 2019),
			vehicleProductMMY("civic", "Honda", "Civic", 2020),
		}

		// k equals the pool size, so the ordering is plain relevance.
		ranked, err := ranker.Rank(ctx, candidates, map[string]interface{}{"make": "Toyota"}, models.UserPreferences{}, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"rav4-a", "rav4-b", "civic"}, rankedIDs(ranked))
		for _, item := range ranked {
			assert.Nil(t, item.SimilarityScore)
		}
	})
}

func TestStructuralSimilarity(t *testing.T) {
	t.Run("Vehicles", func(t *testing.T) {
		rav4a := vehicleProductMMY("a", "Toyota", "RAV4", 2021)
		rav4b := vehicleProductMMY("b", "Toyota", "RAV4", 2019)
		corolla := vehicleProductMMY("c", "Toyota", "Corolla", 2022)
		civic := vehicleProductMMY("d", "Honda", "Civic", 2020)

		assert.InDelta(t, 1.0, structuralSimilarity(rav4a, rav4a), 1e-9)
		assert.InDelta(t, 0.9, structuralSimilarity(rav4a, rav4b), 1e-9)
		assert.InDelta(t, 0.65, structuralSimilarity(rav4a, corolla), 1e-9)
		assert.Zero(t, structuralSimilarity(rav4a, civic))
	})

	t.Run("SharedBodyStyle", func(t *testing.T) {
		suvA := vehicleProduct("a", 30000, "SUV", "Gas", 2021)
		suvB := vehicleProduct("b", 32000, "SUV", "Hybrid", 2022)
		suvB.Vehicle.Make = "Honda"

		assert.InDelta(t, 0.4, structuralSimilarity(suvA, suvB), 1e-9)
	})

	t.Run("Books", func(t *testing.T) {
		a := models.Product{ID: "a", Category: "Books", Book: &models.BookAttributes{Author: "Le Guin", Genre: "Sci-Fi"}}
		b := models.Product{ID: "b", Category: "Books", Book: &models.BookAttributes{Author: "Le Guin", Genre: "Essays"}}
		c := models.Product{ID: "c", Category: "Books", Book: &models.BookAttributes{Author: "Herbert", Genre: "Sci-Fi"}}

		assert.InDelta(t, 0.65, structuralSimilarity(a, b), 1e-9)
		assert.InDelta(t, 0.4, structuralSimilarity(a, c), 1e-9)
	})

	t.Run("BrandAndType", func(t *testing.T) {
		a := models.Product{ID: "a", Brand: "Dell", ProductType: "laptop"}
		b := models.Product{ID: "b", Brand: "Dell", ProductType: "laptop"}
		c := models.Product{ID: "c", Brand: "Dell", ProductType: "monitor"}
		d := models.Product{ID: "d", Brand: "HP", ProductType: "laptop"}

		assert.InDelta(t, 0.9, structuralSimilarity(a, b), 1e-9)
		assert.InDelta(t, 0.6, structuralSimilarity(a, c), 1e-9)
		assert.InDelta(t, 0.4, structuralSimilarity(a, d), 1e-9)
	})
}

func TestRankingFeatures(t *testing.T) {
	filters := map[string]interface{}{
		"price":     map[string]interface{}{"min": 500, "max": 1500},
		"brand":     "Dell",
		"backlit":   true,
		"ports":     []string{"hdmi", "usb-c"},
		"category":  "Electronics",
		"in_stock":  true,
		"_internal": "skip me",
	}
	prefs := models.UserPreferences{LikedFeatures: []string{"lightweight"}}

	features := rankingFeatures(filters, prefs)
	assert.Equal(t, []string{
		"backlit",
		"brand Dell",
		"ports hdmi usb-c",
		"price 500 to 1500",
		"lightweight",
	}, features)
}
