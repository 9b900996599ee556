package services

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/tessira/cartwright/pkg/models"
)

// Dimensions whose values are bucketed before entropy is computed.
var numericalDimensions = map[string]bool{
	"price":       true,
	"price_cents": true,
	"mileage":     true,
	"year":        true,
	"ram_gb":      true,
	"storage_gb":  true,
	"screen_size": true,
	"pages":       true,
}

const (
	defaultEntropyBuckets  = 3
	minDimensionCoverage   = 0.5
	defaultQuestionEntropy = 0.3
	fallbackDimension      = "price"
)

// EntropyAnalyzer picks the dimension along which a candidate set is
// most spread out. The same machinery drives both grid
// diversification and interview question selection.
type EntropyAnalyzer struct {
	nBuckets int
	logger   *logrus.Logger
}

func NewEntropyAnalyzer(nBuckets int, logger *logrus.Logger) *EntropyAnalyzer {
	if nBuckets <= 0 {
		nBuckets = defaultEntropyBuckets
	}
	return &EntropyAnalyzer{nBuckets: nBuckets, logger: logger}
}

// Entropy computes Shannon entropy in bits of a dimension's value
// distribution over the products. Numerical dimensions are quantile
// bucketed first.
func (ea *EntropyAnalyzer) Entropy(products []models.Product, dimension string) float64 {
	values := collectValues(products, dimension)
	if len(values) == 0 {
		return 0
	}

	var counts map[string]int
	if numericalDimensions[dimension] {
		nums := toFloats(values)
		if len(nums) == 0 {
			return 0
		}
		boundaries := quantileBoundaries(nums, ea.nBuckets)
		counts = make(map[string]int)
		for _, v := range nums {
			counts[fmt.Sprintf("b%d", bucketFor(v, boundaries))]++
		}
	} else {
		counts = make(map[string]int)
		for _, v := range values {
			counts[fmt.Sprintf("%v", v)]++
		}
	}

	total := 0
	for _, c := range counts {
		total += c
	}

	var h float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

// SelectDimension returns the highest-entropy dimension among those
// with at least 50% coverage, skipping anything the user already
// constrained or the caller excluded. Falls back to price when every
// candidate is constrained.
func (ea *EntropyAnalyzer) SelectDimension(
	products []models.Product,
	dimensions []string,
	explicitFilters map[string]interface{},
	exclude []string,
) string {
	excluded := make(map[string]bool, len(exclude))
	for _, d := range exclude {
		excluded[d] = true
	}

	best := ""
	bestH := -1.0
	for _, dim := range dimensions {
		if excluded[dim] || filterConstrains(explicitFilters, dim) {
			continue
		}
		if coverage(products, dim) < minDimensionCoverage {
			continue
		}
		if h := ea.Entropy(products, dim); h > bestH {
			best, bestH = dim, h
		}
	}

	if best == "" {
		return fallbackDimension
	}
	return best
}

// SelectQuestionDimension is the interview variant: among dimensions
// neither asked about nor constrained, pick the highest entropy above
// a floor. Returns false when nothing is worth asking.
func (ea *EntropyAnalyzer) SelectQuestionDimension(
	products []models.Product,
	dimensions []string,
	asked map[string]bool,
	explicitFilters map[string]interface{},
	threshold float64,
) (string, bool) {
	if threshold <= 0 {
		threshold = defaultQuestionEntropy
	}

	best := ""
	bestH := threshold
	for _, dim := range dimensions {
		if asked[dim] || filterConstrains(explicitFilters, dim) {
			continue
		}
		if h := ea.Entropy(products, dim); h > bestH {
			best, bestH = dim, h
		}
	}

	return best, best != ""
}

// filterConstrains reports whether the filter map already pins a
// dimension, including the price range aliases.
func filterConstrains(filters map[string]interface{}, dimension string) bool {
	if filters == nil {
		return false
	}
	if _, ok := filters[dimension]; ok {
		return true
	}
	if dimension == "price" || dimension == "price_cents" {
		for _, key := range []string{"price", "price_cents", "price_min_cents", "price_max_cents"} {
			if _, ok := filters[key]; ok {
				return true
			}
		}
	}
	return false
}

func collectValues(products []models.Product, dimension string) []interface{} {
	values := make([]interface{}, 0, len(products))
	for _, p := range products {
		if v := p.DimensionValue(dimension); v != nil {
			values = append(values, v)
		}
	}
	return values
}

func coverage(products []models.Product, dimension string) float64 {
	if len(products) == 0 {
		return 0
	}
	return float64(len(collectValues(products, dimension))) / float64(len(products))
}

func toFloats(values []interface{}) []float64 {
	nums := make([]float64, 0, len(values))
	for _, v := range values {
		switch n := v.(type) {
		case float64:
			nums = append(nums, n)
		case int:
			nums = append(nums, float64(n))
		case int64:
			nums = append(nums, float64(n))
		}
	}
	return nums
}

// quantileBoundaries returns nBuckets-1 empirical quantile cut points
// over the values.
func quantileBoundaries(values []float64, nBuckets int) []float64 {
	if nBuckets <= 1 || len(values) == 0 {
		return nil
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	boundaries := make([]float64, 0, nBuckets-1)
	for i := 1; i < nBuckets; i++ {
		p := float64(i) / float64(nBuckets)
		boundaries = append(boundaries, stat.Quantile(p, stat.Empirical, sorted, nil))
	}
	return boundaries
}

// bucketFor assigns a value to its half-open interval, inclusive on
// each upper boundary.
func bucketFor(value float64, boundaries []float64) int {
	for i, b := range boundaries {
		if value <= b {
			return i
		}
	}
	return len(boundaries)
}
