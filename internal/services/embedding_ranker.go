package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/config"
	"github.com/tessira/cartwright/pkg/models"
)

// CandidateScorer produces a dense relevance score per candidate for a
// query built from feature strings. DenseEmbeddingStore implements it;
// tests substitute a fixture.
type CandidateScorer interface {
	Ready() bool
	ScoreCandidates(ctx context.Context, candidates []models.Product, features []string, method string) (map[string]float64, error)
}

// EmbeddingSimilarityRanker orders candidates by dense query-product
// similarity and optionally diversifies the top-k with clustered MMR:
// each greedy MMR pick anchors a mini-cluster of up to cluster_size
// structurally similar items, so the output interleaves small groups of
// comparable products instead of a monoculture.
type EmbeddingSimilarityRanker struct {
	scorer CandidateScorer
	config config.EmbeddingSimilarityConfig
	useMMR bool
	logger *logrus.Logger
}

const neutralRelevance = 0.5

func NewEmbeddingSimilarityRanker(scorer CandidateScorer, cfg config.EmbeddingSimilarityConfig, useMMR bool, logger *logrus.Logger) *EmbeddingSimilarityRanker {
	if cfg.LambdaParam <= 0 || cfg.LambdaParam > 1 {
		cfg.LambdaParam = 0.85
	}
	if cfg.ClusterSize <= 0 {
		cfg.ClusterSize = 3
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = 0.4
	}
	return &EmbeddingSimilarityRanker{
		scorer: scorer,
		config: cfg,
		useMMR: useMMR,
		logger: logger,
	}
}

// Rank scores candidates against a sum-of-features query built from the
// explicit filters and soft preferences, then returns the top k. When
// the embedding store is unavailable every candidate gets a neutral
// score and caller order is preserved, so diversification still works.
func (r *EmbeddingSimilarityRanker) Rank(ctx context.Context, candidates []models.Product, filters map[string]interface{}, prefs models.UserPreferences, k int) ([]models.RankedProduct, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}

	features := rankingFeatures(filters, prefs)
	scores := r.denseScores(ctx, candidates, features)

	ranked := make([]models.RankedProduct, len(candidates))
	for i, p := range candidates {
		score := scores[p.ID]
		dense := score
		ranked[i] = models.RankedProduct{
			Product:    p,
			Score:      score,
			DenseScore: &dense,
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	if r.useMMR && len(ranked) > k {
		ranked = r.clusteredMMR(ranked, k)
	} else if len(ranked) > k {
		ranked = ranked[:k]
	}

	for i := range ranked {
		ranked[i].Rank = i + 1
	}

	r.logger.WithFields(logrus.Fields{
		"candidates": len(candidates),
		"selected":   len(ranked),
		"mmr":        r.useMMR,
	}).Debug("Embedding similarity ranking complete")

	return ranked, nil
}

func (r *EmbeddingSimilarityRanker) denseScores(ctx context.Context, candidates []models.Product, features []string) map[string]float64 {
	scores := make(map[string]float64, len(candidates))
	for _, p := range candidates {
		scores[p.ID] = neutralRelevance
	}

	if r.scorer == nil || !r.scorer.Ready() || len(features) == 0 {
		return scores
	}

	dense, err := r.scorer.ScoreCandidates(ctx, candidates, features, QueryMethodSum)
	if err != nil {
		r.logger.WithError(err).Warn("Dense scoring failed, using neutral relevance")
		return scores
	}
	for id, score := range dense {
		scores[id] = score
	}
	return scores
}

// clusteredMMR greedily selects anchors by the MMR objective
// lambda*relevance - (1-lambda)*maxSim(candidate, selected), then pads
// each anchor with its closest structural neighbours above
// min_similarity. Selection order is the final order.
func (r *EmbeddingSimilarityRanker) clusteredMMR(ranked []models.RankedProduct, k int) []models.RankedProduct {
	lambda := r.config.LambdaParam
	selected := make([]models.RankedProduct, 0, k)
	used := make([]bool, len(ranked))

	takeAnchor := func(idx int) {
		item := ranked[idx]
		mmrScore := lambda * item.Score
		if len(selected) > 0 {
			mmrScore = lambda*item.Score - (1-lambda)*maxStructuralSim(item.Product, selected)
		}
		item.SimilarityScore = &mmrScore
		selected = append(selected, item)
		used[idx] = true
	}

	// Top-scored item seeds the first cluster.
	takeAnchor(0)

	for len(selected) < k {
		anchor := selected[len(selected)-1].Product

		// Fill the anchor's cluster with its nearest structural
		// neighbours, most relevant first.
		mates := 0
		for mates < r.config.ClusterSize-1 && len(selected) < k {
			bestIdx, bestSim := -1, 0.0
			for i, item := range ranked {
				if used[i] {
					continue
				}
				sim := structuralSimilarity(anchor, item.Product)
				if sim < r.config.MinSimilarity {
					continue
				}
				if sim > bestSim || (sim == bestSim && bestIdx == -1) {
					bestIdx, bestSim = i, sim
				}
			}
			if bestIdx == -1 {
				break
			}
			mate := ranked[bestIdx]
			sim := bestSim
			mate.SimilarityScore = &sim
			selected = append(selected, mate)
			used[bestIdx] = true
			mates++
		}
		if len(selected) >= k {
			break
		}

		// Next anchor by MMR over the remaining pool.
		bestIdx, bestMMR := -1, 0.0
		for i, item := range ranked {
			if used[i] {
				continue
			}
			mmr := lambda*item.Score - (1-lambda)*maxStructuralSim(item.Product, selected)
			if bestIdx == -1 || mmr > bestMMR {
				bestIdx, bestMMR = i, mmr
			}
		}
		if bestIdx == -1 {
			break
		}
		takeAnchor(bestIdx)
	}

	return selected
}

func maxStructuralSim(candidate models.Product, selected []models.RankedProduct) float64 {
	max := 0.0
	for _, s := range selected {
		if sim := structuralSimilarity(candidate, s.Product); sim > max {
			max = sim
		}
	}
	return max
}

// structuralSimilarity is a rule-based notion of "these are the same
// kind of thing": identical make+model (or author, or brand+type) is
// near-duplicate, shared make/brand is close, shared body style or
// product type is loosely related.
func structuralSimilarity(a, b models.Product) float64 {
	if a.ID == b.ID {
		return 1.0
	}

	if a.Vehicle != nil && b.Vehicle != nil {
		sameMake := equalFold(a.Vehicle.Make, b.Vehicle.Make)
		if sameMake && equalFold(a.Vehicle.Model, b.Vehicle.Model) {
			return 0.9
		}
		if sameMake {
			return 0.65
		}
		if equalFold(a.Vehicle.BodyStyle, b.Vehicle.BodyStyle) {
			return 0.4
		}
		return 0
	}

	if a.Book != nil && b.Book != nil {
		sameAuthor := equalFold(a.Book.Author, b.Book.Author)
		if sameAuthor && equalFold(a.Book.Genre, b.Book.Genre) {
			return 0.9
		}
		if sameAuthor {
			return 0.65
		}
		if equalFold(a.Book.Genre, b.Book.Genre) {
			return 0.4
		}
		return 0
	}

	sameBrand := a.Brand != "" && equalFold(a.Brand, b.Brand)
	if sameBrand && equalFold(a.ProductType, b.ProductType) {
		return 0.9
	}
	if sameBrand {
		return 0.6
	}
	if a.ProductType != "" && equalFold(a.ProductType, b.ProductType) {
		return 0.4
	}
	return 0
}

func equalFold(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// rankingFeatures flattens filters and liked features into the feature
// strings the query embedding is built from. Reserved keys and
// non-semantic filters are skipped.
func rankingFeatures(filters map[string]interface{}, prefs models.UserPreferences) []string {
	skip := map[string]bool{
		"category": true,
		"in_stock": true,
	}

	keys := make([]string, 0, len(filters))
	for key := range filters {
		if strings.HasPrefix(key, "_") || skip[key] {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	features := make([]string, 0, len(keys)+len(prefs.LikedFeatures))
	for _, key := range keys {
		if f := renderFeature(key, filters[key]); f != "" {
			features = append(features, f)
		}
	}
	features = append(features, prefs.LikedFeatures...)
	return features
}

func renderFeature(key string, value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case bool:
		if v {
			return key
		}
		return ""
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, stringify(item))
		}
		return key + " " + strings.Join(parts, " ")
	case []string:
		return key + " " + strings.Join(v, " ")
	case map[string]interface{}:
		if min, okMin := v["min"]; okMin {
			if max, okMax := v["max"]; okMax {
				return fmt.Sprintf("%s %v to %v", key, min, max)
			}
			return fmt.Sprintf("%s from %v", key, min)
		}
		if max, ok := v["max"]; ok {
			return fmt.Sprintf("%s up to %v", key, max)
		}
		return ""
	default:
		s := strings.TrimSpace(stringify(v))
		if s == "" {
			return ""
		}
		return key + " " + s
	}
}
