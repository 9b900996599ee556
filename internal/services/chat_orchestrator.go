package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/config"
	"github.com/tessira/cartwright/pkg/models"
)

// Ranking method names accepted by the chat and recommend surfaces.
const (
	MethodCoverageRisk        = "coverage_risk"
	MethodEmbeddingSimilarity = "embedding_similarity"
)

const (
	// rankingPoolLimit bounds the candidate pool handed to the rankers.
	rankingPoolLimit = 100
	// entropyPoolLimit bounds the pool used for entropy-driven question
	// selection during the interview.
	entropyPoolLimit = 50
)

// diversificationDims lists, per domain, the dimensions the entropy
// selector may spread the recommendation grid over.
var diversificationDims = map[string][]string{
	"vehicles": {"price", "mileage", "year", "body_style", "make"},
	"laptops":  {"price", "brand", "ram_gb", "storage_gb", "screen_size"},
	"books":    {"price", "genre", "author", "format"},
}

// filterDomainCues maps characteristic filter keys to a domain, for
// recommend requests that carry neither a category nor a session.
var filterDomainCues = map[string]string{
	"body_style":  "vehicles",
	"make":        "vehicles",
	"fuel_type":   "vehicles",
	"mileage_max": "vehicles",
	"use_case":    "laptops",
	"gpu_vendor":  "laptops",
	"cpu_vendor":  "laptops",
	"genre":       "books",
	"author":      "books",
	"format":      "books",
}

// ChatOrchestrator owns the conversation state machine. One public
// chat operation drives the interview, the search-and-rank pipeline,
// and the post-recommendation refinement loop; the recommend entry
// points expose the same pipeline without conversation state.
type ChatOrchestrator struct {
	sessions  *SessionManager
	agent     *UniversalAgent
	router    *IntentRouter
	narrator  *ComparisonNarrator
	search    *HybridSearchService
	coverage  *CoverageRiskRanker
	embedding *EmbeddingSimilarityRanker
	entropy   *EntropyAnalyzer
	bucketer  *Bucketer
	registry  *SchemaRegistry
	parser    *QueryParser
	metrics   *PipelineMetrics
	chatCfg   *config.ChatConfig
	recCfg    *config.RecommendationConfig
	logger    *logrus.Logger
}

func NewChatOrchestrator(
	sessions *SessionManager,
	agent *UniversalAgent,
	router *IntentRouter,
	narrator *ComparisonNarrator,
	search *HybridSearchService,
	coverage *CoverageRiskRanker,
	embedding *EmbeddingSimilarityRanker,
	entropy *EntropyAnalyzer,
	bucketer *Bucketer,
	registry *SchemaRegistry,
	parser *QueryParser,
	metrics *PipelineMetrics,
	chatCfg *config.ChatConfig,
	recCfg *config.RecommendationConfig,
	logger *logrus.Logger,
) *ChatOrchestrator {
	return &ChatOrchestrator{
		sessions:  sessions,
		agent:     agent,
		router:    router,
		narrator:  narrator,
		search:    search,
		coverage:  coverage,
		embedding: embedding,
		entropy:   entropy,
		bucketer:  bucketer,
		registry:  registry,
		parser:    parser,
		metrics:   metrics,
		chatCfg:   chatCfg,
		recCfg:    recCfg,
		logger:    logger,
	}
}

// Chat handles one conversation turn. The whole turn runs inside the
// session manager's per-session write path, so messages within one
// session are serialised in arrival order.
func (o *ChatOrchestrator) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatReply, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	start := time.Now()
	var reply *models.ChatReply
	_, err := o.sessions.Update(ctx, sessionID, func(state *models.SessionState) error {
		r, err := o.turn(ctx, state, req)
		if err != nil {
			return err
		}
		r.SessionID = sessionID
		reply = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.metrics.ObserveTurn(string(reply.ResponseType), time.Since(start))
	return reply, nil
}

func (o *ChatOrchestrator) turn(ctx context.Context, state *models.SessionState, req models.ChatRequest) (*models.ChatReply, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return o.errorReply(state, "Say a few words about what you're shopping for and I'll take it from there."), nil
	}

	switch state.Stage {
	case models.StageRecommendations:
		return o.refinementTurn(ctx, state, req, message)
	case models.StageCheckout:
		state.AppendMessage("user", message)
		return o.clarifyReply(state,
			"This conversation already went to checkout. Start a new search?",
			[]string{"New search", "Reset session"}), nil
	default:
		return o.interviewTurn(ctx, state, req, message)
	}
}

// interviewTurn detects the domain, extracts criteria, merges them
// into the session, then either asks the next question or hands off to
// the pipeline.
func (o *ChatOrchestrator) interviewTurn(ctx context.Context, state *models.SessionState, req models.ChatRequest, message string) (*models.ChatReply, error) {
	domain := state.ActiveDomain
	if domain == "" {
		domain = o.agent.DetectDomain(ctx, message)
		if domain == "" {
			state.AppendMessage("user", message)
			return o.categoryPickReply(state), nil
		}
		state.ActiveDomain = domain
	}

	extraction := o.agent.ExtractCriteria(ctx, domain, message, state)
	o.agent.ApplyExtraction(state, domain, extraction.Extracted)
	state.AppendMessage("user", message)

	// An explicit zero budget skips the interview entirely.
	budget := o.maxQuestions(req)
	shouldRecommend := budget == 0 || o.agent.ShouldRecommend(extraction, state, budget)
	if !shouldRecommend && o.parser.Parse(message).Specific() {
		// Multi-constraint queries skip the interview.
		shouldRecommend = true
	}

	if !shouldRecommend {
		question, err := o.agent.NextQuestion(ctx, domain, state, o.entropyPool(ctx, domain, state))
		if err != nil {
			return nil, fmt.Errorf("question selection: %w", err)
		}
		if question != nil {
			state.QuestionsAsked = append(state.QuestionsAsked, question.Topic)
			state.QuestionCount++
			state.AppendMessage("assistant", question.Question)
			o.metrics.ObserveQuestion(domain, question.Topic)
			return &models.ChatReply{
				ResponseType:  models.ResponseQuestion,
				Message:       question.Question,
				QuickReplies:  question.QuickReplies,
				QuestionID:    question.QuestionID,
				Topic:         question.Topic,
				Filters:       publicFilters(state),
				QuestionCount: state.QuestionCount,
			}, nil
		}
		// Every slot is filled; nothing left to ask.
	}

	return o.recommendTurn(ctx, state, req)
}

// recommendTurn fetches candidates, ranks them, buckets them into the
// grid, snapshots the result on the session, and moves the session to
// the RECOMMENDATIONS stage.
func (o *ChatOrchestrator) recommendTurn(ctx context.Context, state *models.SessionState, req models.ChatRequest) (*models.ChatReply, error) {
	domain := state.ActiveDomain
	filters, tiers := o.agent.BuildSearchFilters(state)
	prefs := state.SoftPreferences()

	candidates, total, relax, err := o.search.FetchCandidates(ctx, domain, filters, tiers, rankingPoolLimit)
	if err != nil {
		o.logger.WithError(err).Error("Candidate fetch failed during chat turn")
		reply := &models.ChatReply{
			ResponseType:  models.ResponseRecommendationsReady,
			Message:       "I have everything I need, but the catalog is slow right now. Ask me to show options again in a moment.",
			Filters:       publicFilters(state),
			QuestionCount: state.QuestionCount,
		}
		return reply, nil
	}
	if len(candidates) == 0 {
		nm := o.search.noMatches(o.registry.CategoryFor(domain), o.parser.Parse(req.Message), relax)
		state.AppendMessage("assistant", nm.Message)
		return &models.ChatReply{
			ResponseType:  models.ResponseError,
			Message:       nm.Message,
			QuickReplies:  nm.SuggestedActions,
			Filters:       publicFilters(state),
			QuestionCount: state.QuestionCount,
		}, nil
	}

	nRows, nPerRow := o.gridShape(req.NRows, req.NPerRow)
	ranked, methodUsed, err := o.rank(ctx, req.Method, candidates, filters, prefs, relax.Dropped, nRows*nPerRow)
	if err != nil {
		o.logger.WithError(err).Error("Ranking failed during chat turn")
		return &models.ChatReply{
			ResponseType:  models.ResponseRecommendationsReady,
			Message:       "I have everything I need. Ask me to show options again in a moment.",
			Filters:       publicFilters(state),
			QuestionCount: state.QuestionCount,
		}, nil
	}

	dimension := o.selectDimension(domain, ranked, state.ExplicitFilters)
	rows, labels := o.bucketer.Bucket(ranked, dimension, nRows, nPerRow)

	state.SetRecommendations(ranked)
	state.MarkStage(models.StageRecommendations)
	summary := recommendationSummary(o.registry.CategoryFor(domain), total, relax)
	state.AppendMessage("assistant", summary)
	o.metrics.ObserveRecommendation(domain, methodUsed)

	return &models.ChatReply{
		ResponseType:             models.ResponseRecommendations,
		Message:                  summary,
		Recommendations:          rows,
		BucketLabels:             labels,
		DiversificationDimension: dimension,
		Filters:                  publicFilters(state),
		QuestionCount:            state.QuestionCount,
	}, nil
}

// refinementTurn classifies the message against the current picks and
// re-enters the pipeline accordingly.
func (o *ChatOrchestrator) refinementTurn(ctx context.Context, state *models.SessionState, req models.ChatRequest, message string) (*models.ChatReply, error) {
	decision := o.router.Classify(ctx, message, state)
	state.AppendMessage("user", message)
	o.metrics.ObserveIntent(string(decision.Intent))

	switch decision.Intent {
	case RefineCompare:
		result := o.narrator.Compare(ctx, state.ActiveDomain, message, state.LastRecommendationData)
		state.AppendMessage("assistant", result.Narrative)
		return &models.ChatReply{
			ResponseType:  models.ResponseComparison,
			Message:       result.Narrative,
			SelectedIDs:   result.SelectedIDs,
			Filters:       publicFilters(state),
			QuestionCount: state.QuestionCount,
		}, nil

	case RefineFilters:
		o.agent.ApplyExtraction(state, state.ActiveDomain, decision.UpdatedCriteria)
		return o.recommendTurn(ctx, state, req)

	case RefineNewSearch:
		state.ExplicitFilters = make(map[string]interface{})
		state.AgentFilters = make(map[string]interface{})
		state.QuestionsAsked = []string{}
		state.QuestionCount = 0
		o.agent.ApplyExtraction(state, state.ActiveDomain, decision.UpdatedCriteria)
		return o.recommendTurn(ctx, state, req)

	case RefineDomainSwitch:
		state.Reset()
		if decision.NewDomain != "" {
			state.ActiveDomain = decision.NewDomain
		}
		return o.interviewTurn(ctx, state, req, message)

	case RefineAction:
		return o.clarifyReply(state,
			"I can't complete purchases here yet. Want to compare the picks or adjust the filters?",
			[]string{"Compare top picks", "Refine filters", "New search"}), nil

	default:
		return o.clarifyReply(state,
			"I can compare the current picks, tweak the filters, or start a fresh search. What would you like?",
			[]string{"Compare top picks", "Refine filters", "New search"}), nil
	}
}

// Recommend is the stateless ranking entry point behind POST
// /recommend. A session id, when given, contributes stored filters and
// soft preferences; request fields win on conflict.
func (o *ChatOrchestrator) Recommend(ctx context.Context, req models.RecommendRequest) (*models.RecommendResponse, error) {
	filters := copyFilters(req.Filters)
	prefs := req.Preferences

	var session *models.SessionState
	if req.SessionID != "" {
		if s, err := o.sessions.Get(ctx, req.SessionID); err == nil {
			session = s
			for k, v := range s.ExplicitFilters {
				if strings.HasPrefix(k, "_") {
					continue
				}
				if _, ok := filters[k]; !ok {
					filters[k] = v
				}
			}
			if len(prefs.LikedFeatures) == 0 && len(prefs.DislikedFeatures) == 0 {
				prefs = s.SoftPreferences()
			}
		}
	}

	domain := o.inferDomain(session, filters)
	if domain == "" {
		return nil, &InvalidQueryError{
			Reason:           "filters fit no known category",
			SuggestedActions: []string{"Add a category filter", "Start a chat session first"},
		}
	}
	delete(filters, "category")

	tiers := make(map[string]models.FilterTier, len(filters))
	for k := range filters {
		tiers[k] = models.TierRegular
	}

	candidates, total, relax, err := o.search.FetchCandidates(ctx, domain, filters, tiers, rankingPoolLimit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, o.search.noMatches(o.registry.CategoryFor(domain), ParsedQuery{}, relax)
	}

	nRows, nPerRow := o.gridShape(intPtr(req.NRows), intPtr(req.NPerRow))
	k := req.K
	if k <= 0 {
		k = nRows * nPerRow
	}

	ranked, methodUsed, err := o.rank(ctx, req.Method, candidates, filters, prefs, relax.Dropped, k)
	if err != nil {
		return nil, err
	}

	explicit := filters
	if session != nil {
		explicit = session.ExplicitFilters
	}
	dimension := o.selectDimension(domain, ranked, explicit)
	rows, labels := o.bucketer.Bucket(ranked, dimension, nRows, nPerRow)
	o.metrics.ObserveRecommendation(domain, methodUsed)

	return &models.RecommendResponse{
		Recommendations:          rows,
		BucketLabels:             labels,
		DiversificationDimension: dimension,
		TotalCandidates:          total,
		MethodUsed:               methodUsed,
	}, nil
}

// CompareMethods runs both rankers over the same candidate pool so the
// two methods can be inspected side by side.
func (o *ChatOrchestrator) CompareMethods(ctx context.Context, req models.RecommendRequest) (*models.CompareMethodsResponse, error) {
	out := &models.CompareMethodsResponse{}

	coverageReq := req
	coverageReq.Method = MethodCoverageRisk
	coverage, err := o.Recommend(ctx, coverageReq)
	if err != nil {
		return nil, err
	}
	out.CoverageRisk = coverage
	out.TotalCandidates = coverage.TotalCandidates

	embeddingReq := req
	embeddingReq.Method = MethodEmbeddingSimilarity
	embedding, err := o.Recommend(ctx, embeddingReq)
	if err != nil {
		return nil, err
	}
	out.EmbeddingSimilarity = embedding

	return out, nil
}

// Snapshot returns the read-only session view.
func (o *ChatOrchestrator) Snapshot(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	state, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &models.SessionSnapshot{
		SessionID:     state.ID,
		ActiveDomain:  state.ActiveDomain,
		Stage:         state.Stage,
		Filters:       publicFilters(state),
		AgentFilters:  state.AgentFilters,
		QuestionCount: state.QuestionCount,
		History:       state.History,
		Favorites:     state.Favorites,
		SessionIntent: state.SessionIntent,
		StepIntent:    state.StepIntent,
	}, nil
}

// ResetSession clears a session back to a fresh interview.
func (o *ChatOrchestrator) ResetSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	return o.sessions.Reset(ctx, sessionID)
}

// AddFavorite records a favourited product on the session.
func (o *ChatOrchestrator) AddFavorite(ctx context.Context, sessionID, productID string) (*models.SessionState, error) {
	return o.sessions.AddFavorite(ctx, sessionID, productID)
}

// rank dispatches to the configured ranking method, falling back to
// the other method when the first fails.
func (o *ChatOrchestrator) rank(
	ctx context.Context,
	method string,
	candidates []models.Product,
	filters map[string]interface{},
	prefs models.UserPreferences,
	dropped []models.DroppedFilter,
	k int,
) ([]models.RankedProduct, string, error) {
	if method == "" {
		method = o.recCfg.Method
	}
	if method == "" {
		method = MethodCoverageRisk
	}

	primary := func() ([]models.RankedProduct, error) {
		return o.coverage.Rank(ctx, candidates, prefs, dropped, k)
	}
	secondary := func() ([]models.RankedProduct, error) {
		return o.embedding.Rank(ctx, candidates, filters, prefs, k)
	}
	used, fallbackName := MethodCoverageRisk, MethodEmbeddingSimilarity
	if method == MethodEmbeddingSimilarity {
		primary, secondary = secondary, primary
		used, fallbackName = MethodEmbeddingSimilarity, MethodCoverageRisk
	}

	ranked, err := primary()
	if err == nil {
		return ranked, used, nil
	}
	o.logger.WithError(err).WithField("method", used).Warn("Ranking method failed, trying fallback")

	ranked, fallbackErr := secondary()
	if fallbackErr != nil {
		return nil, "", fmt.Errorf("both ranking methods failed: %w", err)
	}
	return ranked, fallbackName, nil
}

// selectDimension picks the grid's diversification dimension by
// entropy, honouring the bucketing ablation flag.
func (o *ChatOrchestrator) selectDimension(domain string, ranked []models.RankedProduct, explicitFilters map[string]interface{}) string {
	if !o.recCfg.Ablation.UseEntropyBucketing {
		return fallbackDimension
	}
	dims, ok := diversificationDims[domain]
	if !ok {
		return fallbackDimension
	}
	products := make([]models.Product, len(ranked))
	for i, rp := range ranked {
		products[i] = rp.Product
	}
	return o.entropy.SelectDimension(products, dims, explicitFilters, nil)
}

// entropyPool lazily fetches a candidate sample for question
// selection. Failures degrade to priority-order questions.
func (o *ChatOrchestrator) entropyPool(ctx context.Context, domain string, state *models.SessionState) CandidatePool {
	if !o.recCfg.Ablation.UseEntropyQuestions {
		return nil
	}
	return func() []models.Product {
		filters, tiers := o.agent.BuildSearchFilters(state)
		candidates, _, _, err := o.search.FetchCandidates(ctx, domain, filters, tiers, entropyPoolLimit)
		if err != nil {
			o.logger.WithError(err).Debug("Entropy pool fetch failed")
			return nil
		}
		return candidates
	}
}

func (o *ChatOrchestrator) inferDomain(session *models.SessionState, filters map[string]interface{}) string {
	if cat := stringify(filters["category"]); cat != "" {
		if d := o.registry.DomainForCategory(cat); d != "" {
			return d
		}
	}
	if session != nil && session.ActiveDomain != "" {
		return session.ActiveDomain
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if domain, ok := filterDomainCues[k]; ok {
			return domain
		}
	}
	return ""
}

func (o *ChatOrchestrator) maxQuestions(req models.ChatRequest) int {
	if req.K != nil && *req.K >= 0 {
		return *req.K
	}
	return o.agent.MaxQuestions()
}

func (o *ChatOrchestrator) gridShape(nRows, nPerRow *int) (int, int) {
	rows := o.recCfg.NRows
	if nRows != nil && *nRows > 0 {
		rows = *nRows
	}
	if rows <= 0 {
		rows = 3
	}
	per := o.recCfg.NPerRow
	if nPerRow != nil && *nPerRow > 0 {
		per = *nPerRow
	}
	if per <= 0 {
		per = 3
	}
	return rows, per
}

func (o *ChatOrchestrator) categoryPickReply(state *models.SessionState) *models.ChatReply {
	categories := make([]string, 0, 3)
	for _, d := range o.registry.Domains() {
		if cat := o.registry.CategoryFor(d); cat != "" {
			categories = append(categories, cat)
		}
	}
	sort.Strings(categories)
	message := "What are you shopping for today?"
	state.AppendMessage("assistant", message)
	return &models.ChatReply{
		ResponseType:  models.ResponseQuestion,
		Message:       message,
		QuickReplies:  categories,
		Topic:         "category",
		Filters:       publicFilters(state),
		QuestionCount: state.QuestionCount,
	}
}

func (o *ChatOrchestrator) clarifyReply(state *models.SessionState, message string, replies []string) *models.ChatReply {
	state.AppendMessage("assistant", message)
	return &models.ChatReply{
		ResponseType:  models.ResponseQuestion,
		Message:       message,
		QuickReplies:  replies,
		Topic:         "next_action",
		Filters:       publicFilters(state),
		QuestionCount: state.QuestionCount,
	}
}

func (o *ChatOrchestrator) errorReply(state *models.SessionState, message string) *models.ChatReply {
	return &models.ChatReply{
		ResponseType:  models.ResponseError,
		Message:       message,
		Filters:       publicFilters(state),
		QuestionCount: state.QuestionCount,
	}
}

func recommendationSummary(category string, total int, relax models.RelaxationState) string {
	summary := fmt.Sprintf("Found %d %s matches. Here are the top picks.", total, category)
	if relax.Relaxed {
		summary = fmt.Sprintf("Found %d %s matches after loosening %s. Here are the top picks.",
			total, category, strings.Join(relax.DroppedKeys(), " and "))
	}
	return summary
}

// publicFilters copies the session filters without internal hint keys.
func publicFilters(state *models.SessionState) map[string]interface{} {
	out := make(map[string]interface{}, len(state.ExplicitFilters))
	for k, v := range state.ExplicitFilters {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

func intPtr(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}
