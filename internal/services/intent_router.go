package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/validation"
	"github.com/tessira/cartwright/pkg/models"
)

// RefinementIntent classifies a message that arrives while the session
// is showing recommendations.
type RefinementIntent string

const (
	RefineCompare      RefinementIntent = "compare"
	RefineFilters      RefinementIntent = "refine_filters"
	RefineDomainSwitch RefinementIntent = "domain_switch"
	RefineNewSearch    RefinementIntent = "new_search"
	RefineAction       RefinementIntent = "action"
	RefineOther        RefinementIntent = "other"
)

// RefinementDecision is the router's verdict plus the slot updates the
// orchestrator should apply before re-entering the pipeline.
type RefinementDecision struct {
	Intent          RefinementIntent
	NewDomain       string
	UpdatedCriteria map[string]interface{}
}

type refinementClassification struct {
	Intent          string `json:"intent"`
	NewDomain       string `json:"new_domain,omitempty"`
	UpdatedCriteria []struct {
		SlotName string      `json:"slot_name"`
		Value    interface{} `json:"value"`
	} `json:"updated_criteria,omitempty"`
}

const refinementSystemPrompt = `Classify what a shopper wants to do after seeing recommendations.
Reply with JSON: {"intent": "compare" | "refine_filters" | "domain_switch" | "new_search" | "action" | "other", "new_domain": "...", "updated_criteria": [{"slot_name": "...", "value": ...}]}.
Set new_domain only for domain_switch. Provide updated_criteria only for refine_filters and new_search.`

var compareCues = []string{
	"compare", "difference", " vs ", "versus", "which one", "which is better",
	"better between", "side by side",
}

var newSearchCues = []string{
	"start over", "new search", "start again", "something completely",
	"forget all that", "from scratch", "restart",
}

var actionCues = []string{
	"buy", "purchase", "add to cart", "checkout", "check out", "order it",
	"reserve", "test drive", "schedule", "book a",
}

var switchCues = []string{
	"actually", "instead", "switch", "rather have", "i want", "changed my mind",
}

var refineCues = []string{
	"cheaper", "more expensive", " under ", " over ", "bigger", "smaller",
	"newer", "older", "lighter", "faster", "without", "less than", "more than",
}

// IntentRouter decides how a post-recommendation message re-enters the
// pipeline. A keyword fast-path handles decisive phrasings; everything
// else goes to the LLM, with the fast-path guess as the outage
// fallback.
type IntentRouter struct {
	registry *SchemaRegistry
	llm      StructuredLLM
	logger   *logrus.Logger
}

func NewIntentRouter(registry *SchemaRegistry, llmClient StructuredLLM, logger *logrus.Logger) *IntentRouter {
	return &IntentRouter{registry: registry, llm: llmClient, logger: logger}
}

// Classify routes the message. session carries the active domain so a
// mention of another domain can be read as a switch.
func (r *IntentRouter) Classify(ctx context.Context, message string, session *models.SessionState) *RefinementDecision {
	guess, decisive := r.fastPath(message, session)
	if decisive {
		return guess
	}
	if r.llm == nil {
		return guess
	}

	var out refinementClassification
	user := fmt.Sprintf("Active domain: %s\nCurrent filters: %s\nMessage: %s",
		session.ActiveDomain, filtersLine(session.ExplicitFilters), message)
	if err := r.llm.CompleteJSON(ctx, refinementSystemPrompt, user, validation.SchemaRefinementClassification, &out); err != nil {
		r.logger.WithError(err).Warn("Refinement classification LLM call failed, using fast-path guess")
		return guess
	}

	decision := &RefinementDecision{
		Intent:          RefinementIntent(out.Intent),
		NewDomain:       out.NewDomain,
		UpdatedCriteria: make(map[string]interface{}, len(out.UpdatedCriteria)),
	}
	for _, c := range out.UpdatedCriteria {
		if c.SlotName != "" {
			decision.UpdatedCriteria[c.SlotName] = c.Value
		}
	}
	if decision.Intent == RefineDomainSwitch && decision.NewDomain == "" {
		decision.NewDomain = r.registry.DetectDomain(message)
	}
	return decision
}

// fastPath matches the closed cue vocabularies. The bool reports
// whether the guess is decisive enough to skip the LLM. The message is
// space-padded so bounded cues like " under " match at the edges too.
func (r *IntentRouter) fastPath(message string, session *models.SessionState) (*RefinementDecision, bool) {
	lower := " " + strings.ToLower(message) + " "

	if detected := r.registry.DetectDomain(lower); detected != "" && detected != session.ActiveDomain {
		for _, cue := range switchCues {
			if strings.Contains(lower, cue) {
				return &RefinementDecision{Intent: RefineDomainSwitch, NewDomain: detected}, true
			}
		}
	}

	for _, cue := range compareCues {
		if strings.Contains(lower, cue) {
			return &RefinementDecision{Intent: RefineCompare}, true
		}
	}
	for _, cue := range actionCues {
		if strings.Contains(lower, cue) {
			return &RefinementDecision{Intent: RefineAction}, true
		}
	}
	for _, cue := range newSearchCues {
		if strings.Contains(lower, cue) {
			return &RefinementDecision{Intent: RefineNewSearch, UpdatedCriteria: r.ruleCriteria(lower, session)}, true
		}
	}
	for _, cue := range refineCues {
		if strings.Contains(lower, cue) {
			return &RefinementDecision{Intent: RefineFilters, UpdatedCriteria: r.ruleCriteria(lower, session)}, true
		}
	}
	if criteria := r.ruleCriteria(lower, session); len(criteria) > 0 {
		return &RefinementDecision{Intent: RefineFilters, UpdatedCriteria: criteria}, true
	}

	return &RefinementDecision{Intent: RefineOther}, false
}

// ruleCriteria pulls obvious slot updates out of the text: a budget
// phrase, a colour, a brand mention.
func (r *IntentRouter) ruleCriteria(lower string, session *models.SessionState) map[string]interface{} {
	criteria := make(map[string]interface{})

	if _, _, ok := ParseBudgetText(lower); ok {
		criteria["price"] = lower
	}
	for _, color := range colorTerms {
		if strings.Contains(lower, color) {
			criteria["color"] = canonicalColor(color)
			break
		}
	}
	for alias, brand := range brandAliases {
		if strings.Contains(lower, alias) {
			key := "brand"
			if session.ActiveDomain == "vehicles" {
				key = "make"
			}
			criteria[key] = brand
			break
		}
	}

	if len(criteria) == 0 {
		return nil
	}
	return criteria
}

func filtersLine(filters map[string]interface{}) string {
	if len(filters) == 0 {
		return "(none)"
	}
	parts := make([]string, 0, len(filters))
	for k, v := range filters {
		if strings.HasPrefix(k, "_") {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, stringify(v)))
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, ", ")
}
