package services

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/config"
	"github.com/tessira/cartwright/pkg/models"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100

	// candidateFanout widens the KG/vector narrowing window so the SQL
	// filters still have enough rows to page over.
	candidateFanout = 2
)

// gateSlots is the fixed interview order for laptop-like queries that
// arrive without enough structure: use_case, then price, then brand.
var gateSlots = []string{"use_case", "price", "brand"}

var demoURLMarkers = []string{"demo.", "test.", "example.com", "localhost"}

// HybridSearchService turns free text plus structured filters into a
// paged product listing. It normalises and parses the query, routes it
// to a domain, gates under-specified laptop queries behind a follow-up
// question, narrows candidates through the knowledge graph or the
// vector index, applies hard SQL constraints with a relaxation ladder,
// and annotates the result with a trace. When the request names a
// session, that session's active domain breaks routing ties and gate
// questions are charged to its interview budget.
type HybridSearchService struct {
	parser   *QueryParser
	registry *SchemaRegistry
	catalog  *CatalogService
	kg       *KGCandidateService
	vectors  *DenseEmbeddingStore
	relaxer  *FilterRelaxer
	sessions *SessionManager
	redis    *redis.Client
	recCfg   *config.RecommendationConfig
	chatCfg  *config.ChatConfig
	logger   *logrus.Logger
}

func NewHybridSearchService(
	parser *QueryParser,
	registry *SchemaRegistry,
	catalog *CatalogService,
	kg *KGCandidateService,
	vectors *DenseEmbeddingStore,
	relaxer *FilterRelaxer,
	sessions *SessionManager,
	redisClient *redis.Client,
	recCfg *config.RecommendationConfig,
	chatCfg *config.ChatConfig,
	logger *logrus.Logger,
) *HybridSearchService {
	return &HybridSearchService{
		parser:   parser,
		registry: registry,
		catalog:  catalog,
		kg:       kg,
		vectors:  vectors,
		relaxer:  relaxer,
		sessions: sessions,
		redis:    redisClient,
		recCfg:   recCfg,
		chatCfg:  chatCfg,
		logger:   logger,
	}
}

// Search runs the full pipeline including the interview gate. Business
// outcomes surface as typed errors: *FollowupQuestionError,
// *InvalidQueryError, *NoMatchesError.
func (s *HybridSearchService) Search(ctx context.Context, req models.SearchRequest) (*models.SearchResult, error) {
	return s.search(ctx, req, true)
}

func (s *HybridSearchService) search(ctx context.Context, req models.SearchRequest, gate bool) (*models.SearchResult, error) {
	start := time.Now()
	requestID := uuid.New().String()

	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	offset := 0
	if req.Cursor != "" {
		if n, err := strconv.Atoi(req.Cursor); err == nil && n > 0 {
			offset = n
		}
	}

	parsed := s.parser.Parse(req.Query)

	category := stringify(req.Filters["category"])
	domain := ""
	if category != "" {
		domain = s.registry.DomainForCategory(category)
	}
	if domain == "" {
		domain = s.registry.DetectDomain(parsed.Normalized)
	}
	if domain == "" {
		domain = s.sessionDomain(ctx, req.SessionID)
	}

	if parsed.TooShort() && category == "" {
		return nil, &InvalidQueryError{
			Query:            req.Query,
			Reason:           "too short to search without a category",
			SuggestedActions: s.categoryPicks(),
		}
	}
	if domain == "" {
		return nil, &InvalidQueryError{
			Query:            req.Query,
			Reason:           "could not route the query to a category",
			SuggestedActions: s.categoryPicks(),
		}
	}
	chosenCategory := s.registry.CategoryFor(domain)

	filters, tiers := parsed.ToFilters(domain, s.chatCfg.CentsEverywhere)
	for k, v := range req.Filters {
		if k == "category" || strings.HasPrefix(k, "_") {
			continue
		}
		filters[k] = v
		if _, ok := tiers[k]; !ok {
			tiers[k] = models.TierRegular
		}
	}

	if gate {
		if fq := s.interviewGate(domain, parsed, filters); fq != nil {
			s.recordGateQuestion(ctx, req.SessionID, fq.Topic)
			return nil, fq
		}
	}

	cacheKey := searchCacheKey(filters, chosenCategory, offset, limit)
	if cached := s.cacheLookup(ctx, cacheKey); cached != nil {
		cached.Trace.RequestID = requestID
		cached.Trace.UsedCache = true
		cached.Trace.LatencyMS = elapsedMS(start)
		cached.Trace.UnderTarget = cached.Trace.LatencyMS < float64(s.latencyTargetMS())
		return cached, nil
	}

	candidateIDs, textTerms, narrowing := s.narrowCandidates(ctx, parsed, chosenCategory, limit)

	queryFn := func(ctx context.Context, active map[string]interface{}) ([]models.Product, int, error) {
		return s.catalog.Search(ctx, CatalogQuery{
			Category: chosenCategory,
			Filters:  active,
			IDs:      candidateIDs,
			TextAny:  textTerms,
			Limit:    limit,
			Offset:   offset,
		})
	}

	var (
		products []models.Product
		total    int
		relax    models.RelaxationState
		err      error
	)
	if s.recCfg.Ablation.UseProgressiveRelaxation {
		products, total, relax, err = s.relaxer.Search(ctx, filters, tiers, queryFn)
	} else {
		products, total, err = queryFn(ctx, filters)
	}
	if err != nil {
		return nil, fmt.Errorf("hybrid search query: %w", err)
	}

	if total == 0 {
		return nil, s.noMatches(chosenCategory, parsed, relax)
	}

	kept := make([]models.Product, 0, len(products))
	for _, p := range products {
		if p.Category != "" && !strings.EqualFold(p.Category, chosenCategory) {
			total--
			continue
		}
		if isDemoRow(p) {
			total--
			continue
		}
		kept = append(kept, p)
	}

	applied := copyFilters(filters)
	for _, key := range relax.DroppedKeys() {
		delete(applied, key)
	}

	latency := elapsedMS(start)
	result := &models.SearchResult{
		Products:   kept,
		TotalCount: total,
		Trace: models.SearchTrace{
			RequestID:      requestID,
			ChosenCategory: chosenCategory,
			AppliedFilters: applied,
			UsedKG:         narrowing.usedKG,
			UsedVector:     narrowing.usedVector,
			UsedKeyword:    narrowing.usedKeyword,
			Relaxed:        relax.Relaxed,
			DroppedFilters: relax.DroppedKeys(),
			LatencyMS:      latency,
			UnderTarget:    latency < float64(s.latencyTargetMS()),
		},
	}
	if offset+limit < total {
		cursor := strconv.Itoa(offset + limit)
		result.NextCursor = &cursor
	}

	s.cacheStore(ctx, cacheKey, result)

	s.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"category":   chosenCategory,
		"total":      total,
		"relaxed":    relax.Relaxed,
		"latency_ms": latency,
	}).Info("Hybrid search completed")

	return result, nil
}

// FetchCandidates runs the guardrailed catalog fetch with the
// relaxation ladder but without the gate, pagination, or caching. The
// ranking pipeline uses it to build its candidate pool.
func (s *HybridSearchService) FetchCandidates(
	ctx context.Context,
	domain string,
	filters map[string]interface{},
	tiers map[string]models.FilterTier,
	limit int,
) ([]models.Product, int, models.RelaxationState, error) {
	category := s.registry.CategoryFor(domain)
	if category == "" {
		return nil, 0, models.RelaxationState{}, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	if limit <= 0 {
		limit = maxSearchLimit
	}

	queryFn := func(ctx context.Context, active map[string]interface{}) ([]models.Product, int, error) {
		return s.catalog.Search(ctx, CatalogQuery{
			Category: category,
			Filters:  active,
			Limit:    limit,
		})
	}

	var (
		products []models.Product
		total    int
		relax    models.RelaxationState
		err      error
	)
	if s.recCfg.Ablation.UseProgressiveRelaxation {
		products, total, relax, err = s.relaxer.Search(ctx, filters, tiers, queryFn)
	} else {
		products, total, err = queryFn(ctx, filters)
	}
	if err != nil {
		return nil, 0, relax, fmt.Errorf("candidate fetch: %w", err)
	}

	kept := make([]models.Product, 0, len(products))
	for _, p := range products {
		if p.Category != "" && !strings.EqualFold(p.Category, category) {
			total--
			continue
		}
		if isDemoRow(p) {
			total--
			continue
		}
		kept = append(kept, p)
	}
	return kept, total, relax, nil
}

type narrowingTrace struct {
	usedKG      bool
	usedVector  bool
	usedKeyword bool
}

// narrowCandidates picks exactly one primary narrowing path: KG ids
// when the graph is reachable and the text is non-trivial, vector ids
// when the index is ready, keyword terms otherwise. The hard SQL
// filters apply regardless.
func (s *HybridSearchService) narrowCandidates(ctx context.Context, parsed ParsedQuery, category string, limit int) ([]string, []string, narrowingTrace) {
	var trace narrowingTrace
	if len(parsed.Tokens) == 0 || parsed.IsGreeting {
		return nil, nil, trace
	}

	if s.kg != nil && s.kg.Available() && len(parsed.Tokens) >= 2 {
		ids, err := s.kg.FindCandidates(ctx, category, parsed.ExpandedTerms, limit*candidateFanout)
		if err != nil {
			s.logger.WithError(err).Warn("KG candidate lookup failed, falling through")
		} else if len(ids) > 0 {
			trace.usedKG = true
			return ids, nil, trace
		}
	}

	if s.vectors != nil && s.vectors.Ready() {
		ids, _, err := s.vectors.Search(ctx, parsed.Normalized, limit*candidateFanout)
		if err != nil {
			s.logger.WithError(err).Warn("Vector candidate lookup failed, falling through")
		} else if len(ids) > 0 {
			trace.usedVector = true
			return ids, nil, trace
		}
	}

	terms := keywordTerms(parsed)
	trace.usedKeyword = len(terms) > 0
	return nil, terms, trace
}

// interviewGate returns a follow-up question for laptop-like queries
// that satisfy fewer than all of {use_case, price, brand} and are not
// already specific. The slot order is fixed.
func (s *HybridSearchService) interviewGate(domain string, parsed ParsedQuery, filters map[string]interface{}) *FollowupQuestionError {
	if domain != "laptops" || parsed.Specific() {
		return nil
	}

	missing := ""
	for _, slot := range gateSlots {
		if !gateSlotFilled(slot, filters) {
			missing = slot
			break
		}
	}
	if missing == "" {
		return nil
	}

	schema, err := s.registry.Get(domain)
	if err != nil {
		return nil
	}
	slot, ok := schema.Slot(missing)
	if !ok {
		return nil
	}
	return &FollowupQuestionError{
		Question:     slot.ExampleQuestion,
		QuickReplies: slot.QuickReplies,
		QuestionID:   "gate_" + missing,
		Topic:        missing,
		Domain:       domain,
	}
}

func gateSlotFilled(slot string, filters map[string]interface{}) bool {
	if slot == "price" {
		for _, key := range []string{"price", "price_min_cents", "price_max_cents"} {
			if _, ok := filters[key]; ok {
				return true
			}
		}
		return false
	}
	_, ok := filters[slot]
	return ok
}

// sessionDomain reads the caller's session for a domain when neither
// the category filter nor the query text decides one.
func (s *HybridSearchService) sessionDomain(ctx context.Context, sessionID string) string {
	if sessionID == "" || s.sessions == nil {
		return ""
	}
	state, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Debug("Session lookup for domain routing failed")
		return ""
	}
	return state.ActiveDomain
}

// recordGateQuestion charges a gate question to the caller's interview
// budget. Write failures are logged and the question returned anyway.
func (s *HybridSearchService) recordGateQuestion(ctx context.Context, sessionID, topic string) {
	if sessionID == "" || s.sessions == nil {
		return
	}
	_, err := s.sessions.Update(ctx, sessionID, func(state *models.SessionState) error {
		state.QuestionsAsked = append(state.QuestionsAsked, topic)
		state.QuestionCount++
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Warn("Failed to record gate question on session")
	}
}

func (s *HybridSearchService) noMatches(category string, parsed ParsedQuery, relax models.RelaxationState) *NoMatchesError {
	summary := "no relaxation attempted"
	if relax.Relaxed {
		summary = "dropped " + strings.Join(relax.DroppedKeys(), ", ")
	}

	switch {
	case parsed.Color != "":
		return &NoMatchesError{
			Category: category,
			Message:  fmt.Sprintf("Nothing in %s matched that colour family.", category),
			SuggestedActions: []string{
				"Try a nearby colour like silver or black",
				"Search without the colour",
				"Broaden the price range",
			},
			Relaxation: summary,
		}
	case parsed.GPUVendor != "":
		return &NoMatchesError{
			Category: category,
			Message:  fmt.Sprintf("No %s machines with %s graphics matched every filter.", category, parsed.GPUVendor),
			SuggestedActions: []string{
				fmt.Sprintf("Try \"gaming PC with %s graphics\"", parsed.GPUVendor),
				"Raise the budget ceiling",
				"Drop the brand filter",
			},
			Relaxation: summary,
		}
	default:
		return &NoMatchesError{
			Category: category,
			Message:  fmt.Sprintf("No %s products matched every filter.", category),
			SuggestedActions: []string{
				"Broaden the price range",
				"Remove the brand filter",
				"Switch to another category",
			},
			Relaxation: summary,
		}
	}
}

func (s *HybridSearchService) categoryPicks() []string {
	domains := s.registry.Domains()
	picks := make([]string, 0, len(domains))
	for _, d := range domains {
		if cat := s.registry.CategoryFor(d); cat != "" {
			picks = append(picks, "Search in "+cat)
		}
	}
	sort.Strings(picks)
	return picks
}

func (s *HybridSearchService) cacheLookup(ctx context.Context, key string) *models.SearchResult {
	if s.redis == nil {
		return nil
	}
	raw, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.WithError(err).Debug("Search cache read failed")
		}
		return nil
	}
	var result models.SearchResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil
	}
	return &result
}

func (s *HybridSearchService) cacheStore(ctx context.Context, key string, result *models.SearchResult) {
	if s.redis == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, key, payload, s.searchTTL()).Err(); err != nil {
		s.logger.WithError(err).Debug("Search cache write failed")
	}
}

func (s *HybridSearchService) searchTTL() time.Duration {
	if s.recCfg.Caching.SearchTTL > 0 {
		return s.recCfg.Caching.SearchTTL
	}
	return time.Hour
}

func (s *HybridSearchService) latencyTargetMS() int {
	if s.recCfg.LatencyTargetMS > 0 {
		return s.recCfg.LatencyTargetMS
	}
	return 400
}

// searchCacheKey hashes the sorted filters, category, page, and limit.
// Internal hint keys and the category filter never contribute.
func searchCacheKey(filters map[string]interface{}, category string, page, limit int) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		if k == "category" || strings.HasPrefix(k, "_") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(stringify(filters[k]))
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%d|%d", sb.String(), category, page, limit)))
	return "search:" + hex.EncodeToString(sum[:])
}

// keywordTerms builds the fallback text-match list: the normalised
// query plus at most five expanded synonyms.
func keywordTerms(parsed ParsedQuery) []string {
	terms := make([]string, 0, 6)
	if parsed.Normalized != "" {
		terms = append(terms, parsed.Normalized)
	}
	for i, t := range parsed.ExpandedTerms {
		if i >= 5 {
			break
		}
		if t == parsed.Normalized {
			continue
		}
		terms = append(terms, t)
	}
	return terms
}

func isDemoRow(p models.Product) bool {
	for _, key := range []string{"image_url", "source_url", "product_url"} {
		raw := attrString(p.Attributes, key)
		if raw == "" {
			continue
		}
		lower := strings.ToLower(raw)
		for _, marker := range demoURLMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Nanoseconds()) / 1e6
}
