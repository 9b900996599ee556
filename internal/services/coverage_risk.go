package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/config"
	"github.com/tessira/cartwright/internal/ml"
	"github.com/tessira/cartwright/pkg/models"
)

// Soft constraint weights by the tier the filter held before relaxation.
const (
	softWeightMustHave = 2.0
	softWeightRegular  = 1.0
	softWeightInferred = 0.5

	muEpsilon = 1e-9
)

// PhraseVectorSource supplies per-product review phrase embeddings.
// Products without review coverage report ok=false and contribute zero
// coverage and zero risk.
type PhraseVectorSource interface {
	PhraseVectors(product models.Product) (pros [][]float32, cons [][]float32, ok bool)
}

// FeatureEncoder turns user preference phrases into dense vectors.
type FeatureEncoder interface {
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// CoverageRiskRanker selects k products that together cover as many liked
// features as possible, penalised by matches between disliked features and
// review cons. Relaxed filters re-enter the objective as weighted soft
// bonuses so that products still honouring a dropped constraint are
// preferred over those that do not.
type CoverageRiskRanker struct {
	phrases PhraseVectorSource
	encoder FeatureEncoder
	config  config.CoverageRiskConfig
	logger  *logrus.Logger
}

func NewCoverageRiskRanker(phrases PhraseVectorSource, encoder FeatureEncoder, cfg config.CoverageRiskConfig, logger *logrus.Logger) *CoverageRiskRanker {
	return &CoverageRiskRanker{
		phrases: phrases,
		encoder: encoder,
		config:  cfg,
		logger:  logger,
	}
}

// candidateScores holds the per-candidate phrase alignment consumed by the
// greedy loop. pos and neg are indexed by liked/disliked feature.
type candidateScores struct {
	pos       []float64
	neg       []float64
	posTotal  float64
	negTotal  float64
	softBonus float64
}

// Rank greedily selects up to k candidates maximising
// Coverage(S) - lambda*Risk(S) + mu*SoftBonus(S). The returned items carry
// the marginal gain at selection time as their score, plus aggregate
// positive and negative phrase alignment.
func (r *CoverageRiskRanker) Rank(ctx context.Context, candidates []models.Product, prefs models.UserPreferences, relaxed []models.DroppedFilter, k int) ([]models.RankedProduct, error) {
	if len(candidates) == 0 {
		return []models.RankedProduct{}, nil
	}
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}

	liked, err := r.encodeFeatures(ctx, prefs.LikedFeatures)
	if err != nil {
		return nil, fmt.Errorf("failed to encode liked features: %w", err)
	}
	disliked, err := r.encodeFeatures(ctx, prefs.DislikedFeatures)
	if err != nil {
		return nil, fmt.Errorf("failed to encode disliked features: %w", err)
	}

	scores := make([]candidateScores, len(candidates))
	for i, product := range candidates {
		scores[i] = r.scoreCandidate(product, liked, disliked, relaxed)
	}

	mu := r.calibrateMu(scores)
	order, gains := r.greedySelect(scores, k, mu)

	ranked := make([]models.RankedProduct, 0, len(order))
	for position, idx := range order {
		pos := scores[idx].posTotal
		neg := scores[idx].negTotal
		ranked = append(ranked, models.RankedProduct{
			Product:  candidates[idx],
			Score:    gains[position],
			Rank:     position + 1,
			PosScore: &pos,
			NegScore: &neg,
		})
	}

	r.logger.WithFields(logrus.Fields{
		"candidates": len(candidates),
		"selected":   len(ranked),
		"mode":       r.config.Mode,
		"mu":         mu,
	}).Debug("Coverage-risk selection complete")

	return ranked, nil
}

func (r *CoverageRiskRanker) encodeFeatures(ctx context.Context, features []string) ([][]float32, error) {
	cleaned := make([]string, 0, len(features))
	for _, f := range features {
		if s := strings.TrimSpace(f); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return nil, nil
	}
	return r.encoder.EncodeBatch(ctx, cleaned)
}

func (r *CoverageRiskRanker) scoreCandidate(product models.Product, liked, disliked [][]float32, relaxed []models.DroppedFilter) candidateScores {
	cs := candidateScores{
		pos: make([]float64, len(liked)),
		neg: make([]float64, len(disliked)),
	}

	pros, cons, ok := r.phrases.PhraseVectors(product)
	if ok {
		for j, pref := range liked {
			cs.pos[j] = r.phraseAffinity(pref, pros)
			cs.posTotal += cs.pos[j]
		}
		for j, pref := range disliked {
			cs.neg[j] = r.phraseAffinity(pref, cons)
			cs.negTotal += cs.neg[j]
		}
	}

	cs.softBonus = softBonus(product, relaxed)
	return cs
}

// phraseAffinity aggregates thresholded cosine similarity between one
// preference vector and a phrase embedding matrix. Similarities at or below
// tau do not count.
func (r *CoverageRiskRanker) phraseAffinity(pref []float32, phrases [][]float32) float64 {
	var sum, best float64
	for _, phrase := range phrases {
		t := ml.CosineSimilarity(pref, phrase) - r.config.Tau
		if t <= 0 {
			continue
		}
		sum += t
		if t > best {
			best = t
		}
	}
	if r.maxMode() {
		return best
	}
	return sum
}

// calibrateMu scales the soft bonus so it competes with, but does not
// dominate, typical first-pick coverage gains. Returns 0 when no candidate
// earns any bonus.
func (r *CoverageRiskRanker) calibrateMu(scores []candidateScores) float64 {
	bonuses := make([]float64, 0, len(scores))
	for _, cs := range scores {
		if cs.softBonus > 0 {
			bonuses = append(bonuses, cs.softBonus)
		}
	}
	if len(bonuses) == 0 {
		return 0
	}

	gains := make([]float64, len(scores))
	for i, cs := range scores {
		gains[i] = r.singletonGain(cs)
	}
	return r.config.Rho * median(gains) / (median(bonuses) + muEpsilon)
}

// singletonGain is the coverage a candidate would add to an empty selection.
func (r *CoverageRiskRanker) singletonGain(cs candidateScores) float64 {
	var total float64
	for _, p := range cs.pos {
		if r.maxMode() {
			total += p
		} else {
			total += r.saturate(p)
		}
	}
	return total
}

func (r *CoverageRiskRanker) greedySelect(scores []candidateScores, k int, mu float64) ([]int, []float64) {
	var nLiked, nDisliked int
	if len(scores) > 0 {
		nLiked = len(scores[0].pos)
		nDisliked = len(scores[0].neg)
	}

	// Running per-feature state: residual not-yet-covered probability in sum
	// mode, best score seen so far in max mode.
	qPos := make([]float64, nLiked)
	for j := range qPos {
		qPos[j] = 1
	}
	bestPos := make([]float64, nLiked)
	bestNeg := make([]float64, nDisliked)

	selected := make([]bool, len(scores))
	order := make([]int, 0, k)
	gains := make([]float64, 0, k)

	for len(order) < k {
		bestIdx := -1
		bestGain := math.Inf(-1)
		for i := range scores {
			if selected[i] {
				continue
			}
			gain := r.marginalGain(scores[i], qPos, bestPos, bestNeg, mu)
			if gain > bestGain {
				bestGain = gain
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			break
		}

		selected[bestIdx] = true
		order = append(order, bestIdx)
		gains = append(gains, bestGain)

		cs := scores[bestIdx]
		if r.maxMode() {
			for j, p := range cs.pos {
				if p > bestPos[j] {
					bestPos[j] = p
				}
			}
			for j, n := range cs.neg {
				if n > bestNeg[j] {
					bestNeg[j] = n
				}
			}
		} else {
			for j, p := range cs.pos {
				qPos[j] *= 1 - r.saturate(p)
			}
		}
	}

	return order, gains
}

func (r *CoverageRiskRanker) marginalGain(cs candidateScores, qPos, bestPos, bestNeg []float64, mu float64) float64 {
	var coverage, risk float64
	if r.maxMode() {
		for j, p := range cs.pos {
			if d := p - bestPos[j]; d > 0 {
				coverage += d
			}
		}
		for j, n := range cs.neg {
			if d := n - bestNeg[j]; d > 0 {
				risk += d
			}
		}
	} else {
		for j, p := range cs.pos {
			coverage += qPos[j] * r.saturate(p)
		}
		risk = cs.negTotal
	}
	return coverage - r.config.LambdaRisk*risk + mu*cs.softBonus
}

// saturate maps a raw phrase score into (0,1) so repeated evidence for the
// same feature has diminishing returns.
func (r *CoverageRiskRanker) saturate(x float64) float64 {
	return 1 - math.Exp(-r.config.Alpha*x)
}

func (r *CoverageRiskRanker) maxMode() bool {
	return r.config.Mode == "max"
}

func softBonus(product models.Product, relaxed []models.DroppedFilter) float64 {
	var bonus float64
	for _, f := range relaxed {
		if !satisfiesFilter(product, f.Key, f.Value) {
			continue
		}
		switch f.Tier {
		case models.TierMustHave:
			bonus += softWeightMustHave
		case models.TierRegular:
			bonus += softWeightRegular
		default:
			bonus += softWeightInferred
		}
	}
	return bonus
}

// satisfiesFilter reports whether a product meets a single filter value.
// Understands range strings ("0-35000"), _min/_max bound keys, cents keys,
// and categorical equality. Vehicle price bounds arrive in whole dollars
// while products store cents.
func satisfiesFilter(product models.Product, key string, value interface{}) bool {
	switch key {
	case "price_min_cents":
		bound, ok := toFloat(value)
		return ok && float64(product.PriceCents) >= bound
	case "price_max_cents":
		bound, ok := toFloat(value)
		return ok && float64(product.PriceCents) <= bound
	}

	base := key
	boundKind := ""
	if strings.HasSuffix(key, "_min") {
		base, boundKind = strings.TrimSuffix(key, "_min"), "min"
	} else if strings.HasSuffix(key, "_max") {
		base, boundKind = strings.TrimSuffix(key, "_max"), "max"
	}
	if base == "price_cents" {
		base = "price"
	}

	actual := product.DimensionValue(base)
	if actual == nil {
		return false
	}

	switch current := actual.(type) {
	case float64:
		scale := 1.0
		if base == "price" {
			scale = 100
		}
		switch boundKind {
		case "min":
			bound, ok := toFloat(value)
			return ok && current >= bound*scale
		case "max":
			bound, ok := toFloat(value)
			return ok && current <= bound*scale
		}
		if lo, hi, ok := parseRange(value); ok {
			return current >= lo*scale && current <= hi*scale
		}
		want, ok := toFloat(value)
		return ok && math.Abs(current-want*scale) < 1e-6
	case string:
		want, ok := value.(string)
		return ok && strings.EqualFold(strings.TrimSpace(current), strings.TrimSpace(want))
	}
	return false
}

// parseRange accepts "lo-hi" strings, two-element lists, and {min, max}
// maps. Open bounds in maps default to +/- infinity.
func parseRange(value interface{}) (float64, float64, bool) {
	switch v := value.(type) {
	case string:
		parts := strings.SplitN(strings.TrimSpace(v), "-", 2)
		if len(parts) != 2 {
			return 0, 0, false
		}
		lo, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		hi, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
		return lo, hi, true
	case []interface{}:
		if len(v) != 2 {
			return 0, 0, false
		}
		lo, ok1 := toFloat(v[0])
		hi, ok2 := toFloat(v[1])
		if !ok1 || !ok2 {
			return 0, 0, false
		}
		return lo, hi, true
	case map[string]interface{}:
		lo, ok1 := toFloat(v["min"])
		hi, ok2 := toFloat(v["max"])
		if !ok1 && !ok2 {
			return 0, 0, false
		}
		if !ok1 {
			lo = math.Inf(-1)
		}
		if !ok2 {
			hi = math.Inf(1)
		}
		return lo, hi, true
	}
	return 0, 0, false
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
