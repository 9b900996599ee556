package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tessira/cartwright/internal/config"
	"github.com/tessira/cartwright/internal/validation"
	"github.com/tessira/cartwright/pkg/models"
)

// StructuredLLM is the slice of the LLM client the interview services
// consume. Tests substitute a canned implementation.
type StructuredLLM interface {
	Complete(ctx context.Context, system, user string) (string, error)
	CompleteJSON(ctx context.Context, system, user, schemaName string, out interface{}) error
}

// ExtractionResult is what one interview turn yielded: slot values plus
// the two flags that can short-circuit the interview.
type ExtractionResult struct {
	Extracted            map[string]interface{}
	IsImpatient          bool
	WantsRecommendations bool
}

// InterviewQuestion is the next question to put to the user.
type InterviewQuestion struct {
	Topic        string
	QuestionID   string
	Question     string
	QuickReplies []string
}

type domainClassification struct {
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence,omitempty"`
}

type criteriaExtraction struct {
	Extracted            map[string]interface{} `json:"extracted"`
	IsImpatient          bool                   `json:"is_impatient"`
	WantsRecommendations bool                   `json:"wants_recommendations"`
}

type generatedQuestion struct {
	Question     string   `json:"question"`
	QuickReplies []string `json:"quick_replies"`
	Invite       string   `json:"invite,omitempty"`
}

const domainSystemPrompt = `Classify which shopping domain a user message belongs to.
Reply with JSON: {"domain": "vehicles" | "laptops" | "books" | "none"}.
Use "none" when the message fits no domain.`

const criteriaSystemPrompt = `You extract shopping preferences from one user message.
Reply with JSON: {"extracted": {<slot_key>: <value>}, "is_impatient": bool, "wants_recommendations": bool}.
Only use the slot keys listed below. Respect allowed values where given.
Omit slots the message does not mention. Never invent values.
is_impatient is true when the user wants to skip further questions ("just show me", "whatever works").
wants_recommendations is true when the user explicitly asks to see options.`

const questionSystemPrompt = `You write one short interview question for a shopping assistant.
Reply with JSON: {"question": "...", "quick_replies": ["...", ...], "invite": "..."}.
quick_replies holds 2 to 4 options of at most five words each.
invite is one sentence encouraging the user to also mention the listed related topics.`

var impatienceCues = []string{
	"just show", "skip the questions", "stop asking", "whatever works",
	"anything is fine", "don't care", "dont care", "surprise me", "just pick",
}

var wantsCues = []string{
	"show me options", "show me some", "see options", "recommend",
	"recommendation", "what do you have", "what have you got", "show options",
}

var titleCaser = cases.Title(language.English)

// UniversalAgent drives the interview: domain detection, criteria
// extraction, the should-recommend predicate, and question selection.
// Every LLM call has a rule-based fallback so a provider outage slows
// the interview down without breaking it.
type UniversalAgent struct {
	registry *SchemaRegistry
	llm      StructuredLLM
	entropy  *EntropyAnalyzer
	chatCfg  *config.ChatConfig
	recCfg   *config.RecommendationConfig
	logger   *logrus.Logger
}

func NewUniversalAgent(
	registry *SchemaRegistry,
	llmClient StructuredLLM,
	entropy *EntropyAnalyzer,
	chatCfg *config.ChatConfig,
	recCfg *config.RecommendationConfig,
	logger *logrus.Logger,
) *UniversalAgent {
	return &UniversalAgent{
		registry: registry,
		llm:      llmClient,
		entropy:  entropy,
		chatCfg:  chatCfg,
		recCfg:   recCfg,
		logger:   logger,
	}
}

// DetectDomain routes a message to a domain: keyword fast-path first,
// then the LLM with a closed-set schema. Empty string means no domain.
func (a *UniversalAgent) DetectDomain(ctx context.Context, message string) string {
	if domain := a.registry.DetectDomain(message); domain != "" {
		return domain
	}
	if a.llm == nil {
		return ""
	}

	var out domainClassification
	user := fmt.Sprintf("Domains: %s\nMessage: %s", strings.Join(a.registry.Domains(), ", "), message)
	if err := a.llm.CompleteJSON(ctx, domainSystemPrompt, user, validation.SchemaDomainClassification, &out); err != nil {
		a.logger.WithError(err).Warn("Domain classification LLM call failed")
		return ""
	}
	if out.Domain == "none" {
		return ""
	}
	if _, err := a.registry.Get(out.Domain); err != nil {
		return ""
	}
	return out.Domain
}

// ExtractCriteria pulls slot values and the impatience flags out of one
// user message. The schema slots are serialised as bullet lines so the
// model sees keys, labels, and allowed values.
func (a *UniversalAgent) ExtractCriteria(ctx context.Context, domain, message string, session *models.SessionState) *ExtractionResult {
	schema, err := a.registry.Get(domain)
	if err != nil {
		return &ExtractionResult{Extracted: map[string]interface{}{}}
	}

	if a.llm != nil {
		var out criteriaExtraction
		user := fmt.Sprintf("Slots:\n%s\nRecent conversation:\n%s\nUser message: %s",
			slotBullets(schema), historyLines(session, 4), message)
		if err := a.llm.CompleteJSON(ctx, criteriaSystemPrompt, user, validation.SchemaCriteriaExtraction, &out); err == nil {
			return &ExtractionResult{
				Extracted:            out.Extracted,
				IsImpatient:          out.IsImpatient,
				WantsRecommendations: out.WantsRecommendations,
			}
		} else {
			a.logger.WithError(err).Warn("Criteria extraction LLM call failed, using rule fallback")
		}
	}

	return a.fallbackExtraction(schema, message, session)
}

// fallbackExtraction is the rule-based path: budget regexes, allowed
// value and quick-reply matching, brand dictionary, cue phrases.
func (a *UniversalAgent) fallbackExtraction(schema *models.DomainSchema, message string, session *models.SessionState) *ExtractionResult {
	lower := strings.ToLower(message)
	result := &ExtractionResult{Extracted: map[string]interface{}{}}

	for _, cue := range impatienceCues {
		if strings.Contains(lower, cue) {
			result.IsImpatient = true
			break
		}
	}
	for _, cue := range wantsCues {
		if strings.Contains(lower, cue) {
			result.WantsRecommendations = true
			break
		}
	}

	for _, slot := range schema.Slots {
		if _, done := result.Extracted[slot.Key]; done {
			continue
		}
		switch {
		case slot.Key == "price" || slot.Key == "budget":
			if _, _, ok := ParseBudgetText(lower); ok {
				result.Extracted[slot.Key] = strings.TrimSpace(message)
			}
		case len(slot.AllowedValues) > 0:
			for _, allowed := range slot.AllowedValues {
				if strings.Contains(lower, strings.ToLower(allowed)) {
					result.Extracted[slot.Key] = allowed
					break
				}
			}
		case slot.Key == "brand" || slot.Key == "make":
			if brand := matchBrand(lower, slot); brand != "" {
				result.Extracted[slot.Key] = brand
			}
		default:
			for _, reply := range slot.QuickReplies {
				if strings.Contains(lower, strings.ToLower(reply)) {
					result.Extracted[slot.Key] = reply
					break
				}
			}
		}
	}

	// A bare quick-reply answer ("gaming", "Dell") to the question we
	// just asked fills that slot even without a keyword match.
	if len(result.Extracted) == 0 && len(session.QuestionsAsked) > 0 {
		lastTopic := session.QuestionsAsked[len(session.QuestionsAsked)-1]
		if slot, ok := schema.Slot(lastTopic); ok {
			if answer := directAnswer(slot, message); answer != nil {
				result.Extracted[slot.Key] = answer
			}
		}
	}

	return result
}

// directAnswer interprets a short free-text reply as the value of the
// slot that was just asked about.
func directAnswer(slot models.PreferenceSlot, message string) interface{} {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" || len(strings.Fields(trimmed)) > 4 {
		return nil
	}
	lower := strings.ToLower(trimmed)

	if slot.Key == "price" || slot.Key == "budget" {
		if _, _, ok := ParseBudgetText(lower); ok {
			return trimmed
		}
		return nil
	}
	for _, allowed := range slot.AllowedValues {
		if strings.Contains(lower, strings.ToLower(allowed)) {
			return allowed
		}
	}
	if len(slot.AllowedValues) > 0 {
		return nil
	}
	return trimmed
}

func matchBrand(lower string, slot models.PreferenceSlot) string {
	for alias, brand := range brandAliases {
		if strings.Contains(lower, alias) {
			return brand
		}
	}
	for _, reply := range slot.QuickReplies {
		if strings.Contains(lower, strings.ToLower(reply)) {
			return reply
		}
	}
	return ""
}

// ApplyExtraction merges extracted slot values into the session
// filters. Later writes win. Conversion rules: budget text becomes a
// price filter in domain units, brands go through the alias dictionary,
// the features slot feeds the soft preference lists, and closed-set
// slots are validated against their allowed values.
func (a *UniversalAgent) ApplyExtraction(session *models.SessionState, domain string, extracted map[string]interface{}) {
	schema, err := a.registry.Get(domain)
	if err != nil || len(extracted) == 0 {
		return
	}
	if session.AgentFilters == nil {
		session.AgentFilters = make(map[string]interface{})
	}

	keys := make([]string, 0, len(extracted))
	for k := range extracted {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := extracted[key]
		slot, ok := schema.Slot(key)
		if !ok {
			slot, ok = slotByFilterKey(schema, key)
			if !ok {
				continue
			}
		}
		value := strings.TrimSpace(stringify(raw))
		if value == "" {
			continue
		}

		switch {
		case slot.Key == "price" || slot.Key == "budget":
			a.applyBudget(session, domain, value)
		case slot.Key == "features":
			session.AddLikedFeatures(splitFeatureList(value)...)
		case slot.Key == "brand" || slot.Key == "make":
			session.SetFilter(slot.EffectiveFilterKey(), canonicalBrand(value))
		default:
			if len(slot.AllowedValues) > 0 {
				canonical, ok := matchAllowedValue(slot.AllowedValues, value)
				if !ok {
					continue
				}
				value = canonical
			}
			session.SetFilter(slot.EffectiveFilterKey(), value)
		}
		session.AgentFilters[slot.Key] = raw
	}
}

func (a *UniversalAgent) applyBudget(session *models.SessionState, domain, text string) {
	minD, maxD, ok := ParseBudgetText(text)
	if !ok {
		return
	}
	tmp := make(map[string]interface{}, 2)
	applyPriceFilter(tmp, domain, a.chatCfg.CentsEverywhere, minD, maxD)
	for k, v := range tmp {
		session.SetFilter(k, v)
	}
}

// ShouldRecommend is the interview exit predicate. HIGH-slot completion
// alone never ends the interview; only impatience, an explicit ask, or
// the question budget does. maxQuestions <= 0 falls back to the
// configured budget.
func (a *UniversalAgent) ShouldRecommend(res *ExtractionResult, session *models.SessionState, maxQuestions int) bool {
	if res != nil && (res.IsImpatient || res.WantsRecommendations) {
		return true
	}
	if maxQuestions <= 0 {
		maxQuestions = a.MaxQuestions()
	}
	return session.QuestionCount >= maxQuestions
}

// MaxQuestions is the configured interview budget k.
func (a *UniversalAgent) MaxQuestions() int {
	if a.chatCfg.MaxQuestions > 0 {
		return a.chatCfg.MaxQuestions
	}
	return 3
}

// CandidatePool produces products for entropy-driven slot selection.
// It is a func so the catalog is only hit when a MEDIUM slot is
// actually up for selection.
type CandidatePool func() []models.Product

// NextQuestion picks the next missing slot and phrases a question for
// it. HIGH slots go first in registered order. Among MEDIUM slots the
// price slot is always asked when unfilled; otherwise the entropy
// selector proposes the most informative dimension over the candidate
// pool. Returns nil when nothing is left to ask.
func (a *UniversalAgent) NextQuestion(ctx context.Context, domain string, session *models.SessionState, pool CandidatePool) (*InterviewQuestion, error) {
	schema, err := a.registry.Get(domain)
	if err != nil {
		return nil, err
	}

	slot, remaining := a.pickSlot(schema, session, pool)
	if slot == nil {
		return nil, nil
	}

	question := a.generateQuestion(ctx, domain, *slot, remaining, session)
	question.Topic = slot.Key
	question.QuestionID = fmt.Sprintf("q_%s_%d", slot.Key, session.QuestionCount+1)
	return question, nil
}

// pickSlot returns the next slot to ask about plus the labels of the
// other slots worth volunteering, for the invite sentence.
func (a *UniversalAgent) pickSlot(schema *models.DomainSchema, session *models.SessionState, pool CandidatePool) (*models.PreferenceSlot, []string) {
	asked := make(map[string]bool, len(session.QuestionsAsked))
	for _, t := range session.QuestionsAsked {
		asked[t] = true
	}

	var open []models.PreferenceSlot
	for _, priority := range []models.SlotPriority{models.PriorityHigh, models.PriorityMedium} {
		for _, slot := range schema.SlotsByPriority(priority) {
			if asked[slot.Key] || a.slotFilled(session, slot) {
				continue
			}
			open = append(open, slot)
		}
	}
	if len(open) == 0 {
		return nil, nil
	}

	chosen := open[0]
	if chosen.Priority == models.PriorityMedium {
		chosen = a.pickMediumSlot(open, session, pool, asked)
	}

	var remaining []string
	for _, slot := range open {
		if slot.Key == chosen.Key {
			continue
		}
		remaining = append(remaining, strings.ToLower(slot.Label))
	}
	return &chosen, remaining
}

// pickMediumSlot applies the price override, then entropy. The override
// keeps the interview deterministic: whenever price is the unfilled
// gate slot it is asked next, even if another dimension carries more
// entropy.
func (a *UniversalAgent) pickMediumSlot(open []models.PreferenceSlot, session *models.SessionState, pool CandidatePool, asked map[string]bool) models.PreferenceSlot {
	for _, slot := range open {
		if slot.Key == "price" || slot.Key == "budget" {
			return slot
		}
	}

	if a.recCfg.Ablation.UseEntropyQuestions && pool != nil {
		candidates := pool()
		if len(candidates) > 0 {
			dims := make([]string, 0, len(open))
			byDim := make(map[string]models.PreferenceSlot, len(open))
			for _, slot := range open {
				dim := slot.EffectiveFilterKey()
				dims = append(dims, dim)
				byDim[dim] = slot
			}
			if dim, ok := a.entropy.SelectQuestionDimension(candidates, dims, asked, session.ExplicitFilters, 0); ok {
				return byDim[dim]
			}
		}
	}

	return open[0]
}

func (a *UniversalAgent) slotFilled(session *models.SessionState, slot models.PreferenceSlot) bool {
	if slot.Key == "price" || slot.Key == "budget" {
		for _, key := range []string{"price", "price_min_cents", "price_max_cents"} {
			if _, ok := session.ExplicitFilters[key]; ok {
				return true
			}
		}
	}
	if _, ok := session.ExplicitFilters[slot.EffectiveFilterKey()]; ok {
		return true
	}
	_, ok := session.AgentFilters[slot.Key]
	return ok
}

// generateQuestion phrases the question via the LLM, falling back to
// the schema's example question verbatim.
func (a *UniversalAgent) generateQuestion(ctx context.Context, domain string, slot models.PreferenceSlot, remaining []string, session *models.SessionState) *InterviewQuestion {
	if a.llm != nil {
		var out generatedQuestion
		user := fmt.Sprintf("Domain: %s\nSlot: %s (%s): %s\nSuggested replies: %s\nInvite topics: %s\nRecent conversation:\n%s",
			domain, slot.Key, slot.Label, slot.Description,
			strings.Join(slot.QuickReplies, ", "),
			strings.Join(remaining, ", "),
			historyLines(session, 4))
		if err := a.llm.CompleteJSON(ctx, questionSystemPrompt, user, validation.SchemaGeneratedQuestion, &out); err == nil {
			replies := shortReplies(out.QuickReplies)
			if len(replies) >= 2 {
				text := out.Question
				if out.Invite != "" {
					text = text + " " + out.Invite
				}
				return &InterviewQuestion{Question: text, QuickReplies: replies}
			}
		} else {
			a.logger.WithError(err).Warn("Question generation LLM call failed, using schema question")
		}
	}

	text := slot.ExampleQuestion
	if text == "" {
		text = fmt.Sprintf("What %s are you looking for?", strings.ToLower(slot.Label))
	}
	if invite := inviteSentence(remaining); invite != "" {
		text = text + " " + invite
	}
	return &InterviewQuestion{Question: text, QuickReplies: slot.QuickReplies}
}

// BuildSearchFilters projects the session's accumulated filters into a
// search-ready map plus ladder tiers. Internal hint keys stay behind.
func (a *UniversalAgent) BuildSearchFilters(session *models.SessionState) (map[string]interface{}, map[string]models.FilterTier) {
	filters := make(map[string]interface{}, len(session.ExplicitFilters))
	tiers := make(map[string]models.FilterTier, len(session.ExplicitFilters))
	for k, v := range session.ExplicitFilters {
		if strings.HasPrefix(k, "_") || k == "category" {
			continue
		}
		filters[k] = v
		tiers[k] = models.TierRegular
	}
	return filters, tiers
}

func slotBullets(schema *models.DomainSchema) string {
	var sb strings.Builder
	for _, slot := range schema.Slots {
		sb.WriteString("- ")
		sb.WriteString(slot.Key)
		sb.WriteString(" (")
		sb.WriteString(slot.Label)
		sb.WriteString(")")
		if slot.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(slot.Description)
		}
		if len(slot.AllowedValues) > 0 {
			sb.WriteString(". Allowed values: ")
			sb.WriteString(strings.Join(slot.AllowedValues, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func historyLines(session *models.SessionState, last int) string {
	if session == nil || len(session.History) == 0 {
		return "(none)"
	}
	start := len(session.History) - last
	if start < 0 {
		start = 0
	}
	var sb strings.Builder
	for _, msg := range session.History[start:] {
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func inviteSentence(remaining []string) string {
	if len(remaining) == 0 {
		return ""
	}
	if len(remaining) == 1 {
		return fmt.Sprintf("Feel free to also mention your preferred %s.", remaining[0])
	}
	head := strings.Join(remaining[:len(remaining)-1], ", ")
	return fmt.Sprintf("Feel free to also mention your preferred %s or %s.", head, remaining[len(remaining)-1])
}

func shortReplies(replies []string) []string {
	out := make([]string, 0, len(replies))
	for _, r := range replies {
		r = strings.TrimSpace(r)
		if r == "" || len(strings.Fields(r)) > 5 {
			continue
		}
		out = append(out, r)
		if len(out) == 4 {
			break
		}
	}
	return out
}

// canonicalBrand maps a lowercase alias to its catalog brand name and
// title-cases anything unknown.
func canonicalBrand(value string) string {
	lower := strings.ToLower(strings.TrimSpace(value))
	if brand, ok := brandAliases[lower]; ok {
		return brand
	}
	return titleCaser.String(lower)
}

func splitFeatureList(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), "and "))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func slotByFilterKey(schema *models.DomainSchema, key string) (models.PreferenceSlot, bool) {
	for _, slot := range schema.Slots {
		if slot.EffectiveFilterKey() == key {
			return slot, true
		}
	}
	return models.PreferenceSlot{}, false
}

// matchAllowedValue resolves a value against a closed set, returning
// the schema's canonical casing.
func matchAllowedValue(list []string, value string) (string, bool) {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return item, true
		}
	}
	return "", false
}
