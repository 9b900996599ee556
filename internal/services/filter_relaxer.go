package services

import (
	"context"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/pkg/models"
)

// maxFilterAttempts caps total DB hits per search: one strict attempt
// plus at most two relaxation rounds.
const maxFilterAttempts = 3

// relaxPriority orders filter keys from least to most essential. Keys
// not listed relax between colour and search radius. body_style and
// fuel_type are inviolable and also forced to the must-have tier.
var relaxPriority = map[string]int{
	"interior_color":  10,
	"exterior_color":  20,
	"color":           30,
	"product_type":    42,
	"gpu_vendor":      44,
	"cpu_vendor":      44,
	"brand":           45,
	"search_radius":   46,
	"use_case":        50,
	"year":            52,
	"mileage_max":     54,
	"price":           60,
	"price_min_cents": 60,
	"price_max_cents": 62,
	"model":           70,
	"make":            80,
	"body_style":      90,
	"fuel_type":       95,
}

const defaultRelaxPriority = 35

// RelaxationQueryFunc runs one filtered catalog query and reports the
// match count alongside the page.
type RelaxationQueryFunc func(ctx context.Context, filters map[string]interface{}) ([]models.Product, int, error)

// FilterRelaxer walks the relaxation ladder: when a strict query finds
// nothing, it drops the least essential filter from the lowest
// surviving tier and retries, never touching must-haves.
type FilterRelaxer struct {
	logger *logrus.Logger
}

func NewFilterRelaxer(logger *logrus.Logger) *FilterRelaxer {
	return &FilterRelaxer{logger: logger}
}

// Search runs query with progressively relaxed filters. tiers may be
// sparse; unlisted keys default to the regular tier. The returned state
// records every dropped filter for messaging and for the soft-bonus
// term of the coverage-risk objective.
func (fr *FilterRelaxer) Search(
	ctx context.Context,
	filters map[string]interface{},
	tiers map[string]models.FilterTier,
	query RelaxationQueryFunc,
) ([]models.Product, int, models.RelaxationState, error) {
	state := models.RelaxationState{}
	active := copyFilters(filters)

	var (
		products []models.Product
		total    int
		err      error
	)

	for attempt := 1; attempt <= maxFilterAttempts; attempt++ {
		products, total, err = query(ctx, active)
		if err != nil {
			return nil, 0, state, err
		}
		if total > 0 {
			return products, total, state, nil
		}

		key, ok := fr.nextDroppable(active, tiers)
		if !ok || attempt == maxFilterAttempts {
			break
		}

		state.Relaxed = true
		state.Rounds++
		state.Dropped = append(state.Dropped, models.DroppedFilter{
			Key:   key,
			Value: active[key],
			Tier:  effectiveTier(key, tiers),
		})
		fr.logger.WithFields(logrus.Fields{
			"filter": key,
			"round":  state.Rounds,
		}).Info("Relaxing filter")
		delete(active, key)
	}

	return products, total, state, nil
}

// nextDroppable picks the least essential filter in the lowest
// surviving tier. Must-haves and internal hints are never candidates.
func (fr *FilterRelaxer) nextDroppable(active map[string]interface{}, tiers map[string]models.FilterTier) (string, bool) {
	type candidate struct {
		key      string
		tier     models.FilterTier
		priority int
	}

	var candidates []candidate
	for key := range active {
		if strings.HasPrefix(key, "_") || key == "category" {
			continue
		}
		tier := effectiveTier(key, tiers)
		if tier == models.TierMustHave {
			continue
		}
		candidates = append(candidates, candidate{key: key, tier: tier, priority: priorityOf(key)})
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].tier != candidates[j].tier {
			return candidates[i].tier < candidates[j].tier
		}
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].key < candidates[j].key
	})
	return candidates[0].key, true
}

func effectiveTier(key string, tiers map[string]models.FilterTier) models.FilterTier {
	if key == "body_style" || key == "fuel_type" {
		return models.TierMustHave
	}
	if tier, ok := tiers[key]; ok {
		return tier
	}
	return models.TierRegular
}

func priorityOf(key string) int {
	if p, ok := relaxPriority[key]; ok {
		return p
	}
	return defaultRelaxPriority
}

func copyFilters(filters map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(filters))
	for k, v := range filters {
		out[k] = v
	}
	return out
}
