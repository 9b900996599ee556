package models

import (
	"strings"
	"time"
)

type SessionStage string

const (
	StageInterview       SessionStage = "INTERVIEW"
	StageRecommendations SessionStage = "RECOMMENDATIONS"
	StageCheckout        SessionStage = "CHECKOUT"
)

// SessionIntent captures the user's overall buying posture for the
// session; StepIntent captures what the current turn is trying to do.
type SessionIntent string

const (
	IntentExplore         SessionIntent = "explore"
	IntentDecideToday     SessionIntent = "decide_today"
	IntentExecutePurchase SessionIntent = "execute_purchase"
)

type StepIntent string

const (
	StepResearch  StepIntent = "research"
	StepCompare   StepIntent = "compare"
	StepNegotiate StepIntent = "negotiate"
	StepSchedule  StepIntent = "schedule"
	StepReturn    StepIntent = "return"
)

// Session state bounds. History is trimmed on every append and the
// slim recommendation snapshot is capped so a serialised session stays
// a few KB at most.
const (
	MaxHistoryMessages       = 10
	MaxStoredRecommendations = 12
)

type ConversationMessage struct {
	Role      string    `json:"role" validate:"required,oneof=user assistant"`
	Content   string    `json:"content" validate:"required"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// SessionState is the per-conversation value object. It is mutated
// only through the session manager, which serialises writes per
// session id.
type SessionState struct {
	ID           string       `json:"session_id"`
	ActiveDomain string       `json:"active_domain,omitempty"`
	Stage        SessionStage `json:"stage"`

	// ExplicitFilters are search-ready filter keys; AgentFilters are
	// raw slot values extracted during the interview. Keys starting
	// with "_" are reserved for internal hints and are rejected from
	// user input.
	ExplicitFilters map[string]interface{} `json:"explicit_filters"`
	AgentFilters    map[string]interface{} `json:"agent_filters"`

	QuestionsAsked []string `json:"questions_asked"`
	QuestionCount  int      `json:"question_count"`

	History []ConversationMessage `json:"conversation_history"`

	LastRecommendationIDs  []string      `json:"last_recommendation_ids,omitempty"`
	LastRecommendationData []SlimProduct `json:"last_recommendation_data,omitempty"`

	Favorites []string `json:"favorites,omitempty"`

	SessionIntent SessionIntent `json:"session_intent,omitempty"`
	StepIntent    StepIntent    `json:"step_intent,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSessionState returns a fresh interview-stage session.
func NewSessionState(id string) *SessionState {
	now := time.Now().UTC()
	return &SessionState{
		ID:              id,
		Stage:           StageInterview,
		ExplicitFilters: make(map[string]interface{}),
		AgentFilters:    make(map[string]interface{}),
		QuestionsAsked:  []string{},
		History:         []ConversationMessage{},
		SessionIntent:   IntentExplore,
		StepIntent:      StepResearch,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// AppendMessage adds a turn to the conversation history and trims it
// to the last MaxHistoryMessages entries.
func (s *SessionState) AppendMessage(role, content string) {
	s.History = append(s.History, ConversationMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if len(s.History) > MaxHistoryMessages {
		s.History = s.History[len(s.History)-MaxHistoryMessages:]
	}
}

// SetRecommendations snapshots the latest ranked results, capped at
// MaxStoredRecommendations slim records.
func (s *SessionState) SetRecommendations(ranked []RankedProduct) {
	n := len(ranked)
	if n > MaxStoredRecommendations {
		n = MaxStoredRecommendations
	}
	s.LastRecommendationIDs = make([]string, 0, n)
	s.LastRecommendationData = make([]SlimProduct, 0, n)
	for _, rp := range ranked[:n] {
		s.LastRecommendationIDs = append(s.LastRecommendationIDs, rp.ID)
		s.LastRecommendationData = append(s.LastRecommendationData, rp.Slim())
	}
}

// SetFilter stores a search-ready filter value, silently dropping
// reserved keys so user input can never inject internal hints.
func (s *SessionState) SetFilter(key string, value interface{}) {
	if strings.HasPrefix(key, "_") {
		return
	}
	if s.ExplicitFilters == nil {
		s.ExplicitFilters = make(map[string]interface{})
	}
	s.ExplicitFilters[key] = value
}

// SoftPreferencesKey is the reserved filter key holding agent-derived
// liked/disliked feature lists. It never reaches SQL; search and the
// rankers read it through SoftPreferences.
const SoftPreferencesKey = "_soft_preferences"

// SetInternalHint stores an agent-derived hint under a reserved key.
// This is the only write path for "_"-prefixed filter entries.
func (s *SessionState) SetInternalHint(key string, value interface{}) {
	if !strings.HasPrefix(key, "_") {
		key = "_" + key
	}
	if s.ExplicitFilters == nil {
		s.ExplicitFilters = make(map[string]interface{})
	}
	s.ExplicitFilters[key] = value
}

// AddLikedFeatures merges free-text feature preferences into the soft
// preference hint, deduplicated case-insensitively.
func (s *SessionState) AddLikedFeatures(features ...string) {
	prefs := s.SoftPreferences()
	seen := make(map[string]bool, len(prefs.LikedFeatures))
	for _, f := range prefs.LikedFeatures {
		seen[strings.ToLower(f)] = true
	}
	for _, f := range features {
		f = strings.TrimSpace(f)
		if f == "" || seen[strings.ToLower(f)] {
			continue
		}
		prefs.LikedFeatures = append(prefs.LikedFeatures, f)
		seen[strings.ToLower(f)] = true
	}
	s.SetInternalHint(SoftPreferencesKey, map[string]interface{}{
		"liked_features":    prefs.LikedFeatures,
		"disliked_features": prefs.DislikedFeatures,
	})
}

// SoftPreferences extracts the stored feature lists, tolerating the
// map/[]interface{} shapes a JSON round trip produces.
func (s *SessionState) SoftPreferences() UserPreferences {
	var prefs UserPreferences
	raw, ok := s.ExplicitFilters[SoftPreferencesKey]
	if !ok {
		return prefs
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return prefs
	}
	prefs.LikedFeatures = toStringList(m["liked_features"])
	prefs.DislikedFeatures = toStringList(m["disliked_features"])
	return prefs
}

func toStringList(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// AddFavorite records a favourited product id, deduplicated.
func (s *SessionState) AddFavorite(productID string) {
	for _, id := range s.Favorites {
		if id == productID {
			return
		}
	}
	s.Favorites = append(s.Favorites, productID)
}

// Reset clears everything except the session id, returning the
// session to a fresh interview state. Used on domain switch and on
// the explicit reset operation.
func (s *SessionState) Reset() {
	fresh := NewSessionState(s.ID)
	fresh.CreatedAt = s.CreatedAt
	*s = *fresh
}

// MarkStage advances the stage. Transitions inside a search cycle only
// move forward; moving back to INTERVIEW is allowed as part of Reset.
func (s *SessionState) MarkStage(stage SessionStage) {
	rank := func(st SessionStage) int {
		switch st {
		case StageInterview:
			return 0
		case StageRecommendations:
			return 1
		case StageCheckout:
			return 2
		}
		return -1
	}
	if rank(stage) >= rank(s.Stage) {
		s.Stage = stage
	}
}
