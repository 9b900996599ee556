package services

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/pkg/models"
)

// Bucketer spreads a ranked list into a labelled 2-D grid along a
// diversification dimension.
type Bucketer struct {
	logger *logrus.Logger
}

func NewBucketer(logger *logrus.Logger) *Bucketer {
	return &Bucketer{logger: logger}
}

// Bucket dispatches on the dimension kind. The output always has
// nBuckets rows; rows hold at most nPerBucket items each, in ranking
// order, and no item appears twice.
func (b *Bucketer) Bucket(ranked []models.RankedProduct, dimension string, nBuckets, nPerBucket int) ([][]models.RankedProduct, []string) {
	if nBuckets <= 0 {
		nBuckets = defaultEntropyBuckets
	}
	if nPerBucket <= 0 {
		nPerBucket = defaultEntropyBuckets
	}

	if len(ranked) == 0 {
		buckets := make([][]models.RankedProduct, nBuckets)
		labels := make([]string, nBuckets)
		for i := range buckets {
			buckets[i] = []models.RankedProduct{}
			labels[i] = "No data"
		}
		return buckets, labels
	}

	if numericalDimensions[dimension] {
		return b.bucketNumerical(ranked, dimension, nBuckets, nPerBucket)
	}
	return b.bucketCategorical(ranked, dimension, nBuckets, nPerBucket)
}

// BuildGrid wraps Bucket into the grid shape handed to clients.
func (b *Bucketer) BuildGrid(ranked []models.RankedProduct, dimension string, nRows, nPerRow int) models.RecommendationGrid {
	rows, labels := b.Bucket(ranked, dimension, nRows, nPerRow)
	return models.RecommendationGrid{
		Rows:         rows,
		BucketLabels: labels,
		Dimension:    dimension,
	}
}

func (b *Bucketer) bucketNumerical(ranked []models.RankedProduct, dimension string, nBuckets, nPerBucket int) ([][]models.RankedProduct, []string) {
	values := make([]float64, 0, len(ranked))
	for _, rp := range ranked {
		if v, ok := numericValue(rp.Product, dimension); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return b.bucketCategorical(ranked, dimension, nBuckets, nPerBucket)
	}

	boundaries := quantileBoundaries(values, nBuckets)

	buckets := make([][]models.RankedProduct, nBuckets)
	for i := range buckets {
		buckets[i] = []models.RankedProduct{}
	}

	// Items keep their ranking order inside each interval; items with
	// no value on the dimension are skipped rather than misfiled.
	for _, rp := range ranked {
		v, ok := numericValue(rp.Product, dimension)
		if !ok {
			continue
		}
		idx := bucketFor(v, boundaries)
		if len(buckets[idx]) < nPerBucket {
			buckets[idx] = append(buckets[idx], rp)
		}
	}

	min, max := minMax(values)
	labels := make([]string, nBuckets)
	for i := range buckets {
		labels[i] = b.numericLabel(dimension, buckets[i], boundaries, i, min, max)
	}

	return buckets, labels
}

func (b *Bucketer) bucketCategorical(ranked []models.RankedProduct, dimension string, nBuckets, nPerBucket int) ([][]models.RankedProduct, []string) {
	groups := make(map[string][]models.RankedProduct)
	order := []string{}
	for _, rp := range ranked {
		v := rp.Product.DimensionValue(dimension)
		if v == nil {
			continue
		}
		key := fmt.Sprintf("%v", v)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rp)
	}

	// Largest groups first; first-seen order breaks ties so the output
	// is stable for equal counts.
	sort.SliceStable(order, func(i, j int) bool {
		return len(groups[order[i]]) > len(groups[order[j]])
	})

	buckets := make([][]models.RankedProduct, nBuckets)
	labels := make([]string, nBuckets)
	for i := 0; i < nBuckets; i++ {
		if i < len(order) {
			group := groups[order[i]]
			if len(group) > nPerBucket {
				group = group[:nPerBucket]
			}
			buckets[i] = group
			labels[i] = order[i]
		} else {
			buckets[i] = []models.RankedProduct{}
			labels[i] = "Other"
		}
	}

	return buckets, labels
}

// numericLabel renders "min – max" over the items actually in the
// bucket. Empty buckets fall back to the interval bounds so the label
// row stays meaningful.
func (b *Bucketer) numericLabel(dimension string, bucket []models.RankedProduct, boundaries []float64, idx int, globalMin, globalMax float64) string {
	var lo, hi float64
	if len(bucket) > 0 {
		first := true
		for _, rp := range bucket {
			v, ok := numericValue(rp.Product, dimension)
			if !ok {
				continue
			}
			if first {
				lo, hi = v, v
				first = false
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	} else {
		lo = globalMin
		if idx > 0 {
			lo = boundaries[idx-1]
		}
		hi = globalMax
		if idx < len(boundaries) {
			hi = boundaries[idx]
		}
	}

	return formatRangeLabel(dimension, lo, hi)
}

func formatRangeLabel(dimension string, lo, hi float64) string {
	switch dimension {
	case "price", "price_cents":
		return fmt.Sprintf("%s – %s", formatDollars(lo), formatDollars(hi))
	case "mileage":
		return fmt.Sprintf("%s – %s miles", formatThousands(lo), formatThousands(hi))
	case "year":
		return fmt.Sprintf("%.0f – %.0f", lo, hi)
	default:
		return fmt.Sprintf("%s – %s", trimFloat(lo), trimFloat(hi))
	}
}

// formatDollars renders a cent amount the way the storefront shows
// prices: "$12K" above a thousand dollars, plain dollars below.
func formatDollars(cents float64) string {
	dollars := cents / 100.0
	if dollars >= 1000 {
		return "$" + trimFloat(dollars/1000.0) + "K"
	}
	return "$" + trimFloat(dollars)
}

func formatThousands(v float64) string {
	return trimFloat(v/1000.0) + "K"
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.1f", v)
	s = strings.TrimSuffix(s, ".0")
	return s
}

func numericValue(p models.Product, dimension string) (float64, bool) {
	v := p.DimensionValue(dimension)
	if v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func minMax(values []float64) (float64, float64) {
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	return min, max
}
