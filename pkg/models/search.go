package models

import "time"

type EnvelopeStatus string

const (
	StatusOK         EnvelopeStatus = "OK"
	StatusInvalid    EnvelopeStatus = "INVALID"
	StatusNotFound   EnvelopeStatus = "NOT_FOUND"
	StatusOutOfStock EnvelopeStatus = "OUT_OF_STOCK"
)

// Constraint codes carried in the generic envelope.
const (
	ConstraintInvalidQuery             = "INVALID_QUERY"
	ConstraintNoMatchingProducts       = "NO_MATCHING_PRODUCTS"
	ConstraintFollowupQuestionRequired = "FOLLOWUP_QUESTION_REQUIRED"
	ConstraintProductNotFound          = "PRODUCT_NOT_FOUND"
	ConstraintRateLimited              = "RATE_LIMITED"
)

// Constraint is a machine-readable business outcome attached to an
// otherwise well-formed response. FOLLOWUP_QUESTION_REQUIRED carries
// the question payload in Details.
type Constraint struct {
	Code             string                 `json:"code"`
	Message          string                 `json:"message"`
	Details          map[string]interface{} `json:"details,omitempty"`
	SuggestedActions []string               `json:"suggested_actions,omitempty"`
}

type EnvelopeTrace struct {
	RequestID string             `json:"request_id"`
	CacheHit  bool               `json:"cache_hit"`
	TimingsMS map[string]float64 `json:"timings_ms,omitempty"`
	Sources   []string           `json:"sources,omitempty"`
}

type EnvelopeVersion struct {
	CatalogVersion string    `json:"catalog_version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Envelope is the generic response wrapper shared by the search and
// recommendation endpoints.
type Envelope struct {
	Status      EnvelopeStatus  `json:"status"`
	Data        interface{}     `json:"data,omitempty"`
	Constraints []Constraint    `json:"constraints,omitempty"`
	Trace       EnvelopeTrace   `json:"trace"`
	Version     EnvelopeVersion `json:"version"`
}

type SearchRequest struct {
	Query     string                 `json:"query"`
	Filters   map[string]interface{} `json:"filters,omitempty"`
	Limit     int                    `json:"limit,omitempty" validate:"omitempty,min=1,max=100"`
	Cursor    string                 `json:"cursor,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
}

// SearchTrace records which narrowing paths ran and what the
// relaxation ladder dropped, so callers can explain the result set.
type SearchTrace struct {
	RequestID      string                 `json:"request_id"`
	ChosenCategory string                 `json:"chosen_category,omitempty"`
	AppliedFilters map[string]interface{} `json:"applied_filters,omitempty"`
	UsedCache      bool                   `json:"used_cache"`
	UsedKG         bool                   `json:"used_kg"`
	UsedVector     bool                   `json:"used_vector"`
	UsedKeyword    bool                   `json:"used_keyword"`
	Relaxed        bool                   `json:"relaxed"`
	DroppedFilters []string               `json:"dropped_filters,omitempty"`
	LatencyMS      float64                `json:"latency_ms"`
	UnderTarget    bool                   `json:"under_target"`
}

type SearchResult struct {
	Products   []Product   `json:"products"`
	TotalCount int         `json:"total_count"`
	NextCursor *string     `json:"next_cursor,omitempty"`
	Trace      SearchTrace `json:"trace"`
}

// FilterTier orders filters for the relaxation ladder. Inferred
// filters are dropped first, must-haves never.
type FilterTier int

const (
	TierInferred FilterTier = iota
	TierRegular
	TierMustHave
)

func (t FilterTier) String() string {
	switch t {
	case TierInferred:
		return "inferred"
	case TierRegular:
		return "regular"
	case TierMustHave:
		return "must_have"
	}
	return "unknown"
}

type DroppedFilter struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
	Tier  FilterTier  `json:"tier"`
}

// RelaxationState enumerates what the ladder gave up to find results.
// The dropped filters feed both user messaging and the soft-bonus term
// of the coverage-risk ranker.
type RelaxationState struct {
	Relaxed bool            `json:"relaxed"`
	Rounds  int             `json:"rounds"`
	Dropped []DroppedFilter `json:"dropped,omitempty"`
}

func (r RelaxationState) DroppedKeys() []string {
	keys := make([]string, 0, len(r.Dropped))
	for _, d := range r.Dropped {
		keys = append(keys, d.Key)
	}
	return keys
}

// UserPreferences carries the soft preference lists consumed by the
// rankers.
type UserPreferences struct {
	LikedFeatures    []string `json:"liked_features,omitempty"`
	DislikedFeatures []string `json:"disliked_features,omitempty"`
}

type RecommendRequest struct {
	SessionID   string                 `json:"session_id,omitempty"`
	Filters     map[string]interface{} `json:"filters" validate:"required"`
	Preferences UserPreferences        `json:"preferences"`
	Method      string                 `json:"method,omitempty" validate:"omitempty,oneof=coverage_risk embedding_similarity"`
	K           int                    `json:"k,omitempty" validate:"omitempty,min=1,max=50"`
	NRows       int                    `json:"n_rows,omitempty" validate:"omitempty,min=1,max=5"`
	NPerRow     int                    `json:"n_per_row,omitempty" validate:"omitempty,min=1,max=10"`
}

type RecommendResponse struct {
	Recommendations          [][]RankedProduct `json:"recommendations"`
	BucketLabels             []string          `json:"bucket_labels"`
	DiversificationDimension string            `json:"diversification_dimension"`
	TotalCandidates          int               `json:"total_candidates"`
	MethodUsed               string            `json:"method_used"`
}

// CompareMethodsResponse returns both ranking methods side by side for
// offline comparison.
type CompareMethodsResponse struct {
	CoverageRisk        *RecommendResponse `json:"coverage_risk"`
	EmbeddingSimilarity *RecommendResponse `json:"embedding_similarity"`
	TotalCandidates     int                `json:"total_candidates"`
}
