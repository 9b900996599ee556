package models

type ChatResponseType string

const (
	ResponseQuestion             ChatResponseType = "question"
	ResponseRecommendationsReady ChatResponseType = "recommendations_ready"
	ResponseRecommendations      ChatResponseType = "recommendations"
	ResponseComparison           ChatResponseType = "comparison"
	ResponseError                ChatResponseType = "error"
)

type ChatRequest struct {
	Message   string `json:"message" validate:"required,max=4000"`
	SessionID string `json:"session_id,omitempty" validate:"omitempty,uuid"`
	K         *int   `json:"k,omitempty" validate:"omitempty,min=0,max=10"`
	NRows     *int   `json:"n_rows,omitempty" validate:"omitempty,min=1,max=5"`
	NPerRow   *int   `json:"n_per_row,omitempty" validate:"omitempty,min=1,max=10"`
	Method    string `json:"method,omitempty" validate:"omitempty,oneof=coverage_risk embedding_similarity"`
}

// ChatReply is the uniform chat envelope. ResponseType decides which
// optional fields are populated:
//
//	question               -> Message, QuickReplies, QuestionID, Topic
//	recommendations_ready  -> Message only (grid follows on next call)
//	recommendations        -> Recommendations, BucketLabels, DiversificationDimension
//	comparison             -> Message (the narrative), SelectedIDs
//	error                  -> Message
type ChatReply struct {
	ResponseType ChatResponseType `json:"response_type"`
	Message      string           `json:"message"`
	SessionID    string           `json:"session_id"`

	QuickReplies []string `json:"quick_replies,omitempty"`
	QuestionID   string   `json:"question_id,omitempty"`
	Topic        string   `json:"topic,omitempty"`

	Recommendations          [][]RankedProduct `json:"recommendations,omitempty"`
	BucketLabels             []string          `json:"bucket_labels,omitempty"`
	DiversificationDimension string            `json:"diversification_dimension,omitempty"`

	SelectedIDs []string `json:"selected_ids,omitempty"`

	Filters       map[string]interface{} `json:"filters"`
	QuestionCount int                    `json:"question_count"`
}

// SessionSnapshot is the read-only view returned by the session GET
// endpoint.
type SessionSnapshot struct {
	SessionID     string                 `json:"session_id"`
	ActiveDomain  string                 `json:"active_domain,omitempty"`
	Stage         SessionStage           `json:"stage"`
	Filters       map[string]interface{} `json:"filters"`
	AgentFilters  map[string]interface{} `json:"agent_filters"`
	QuestionCount int                    `json:"question_count"`
	History       []ConversationMessage  `json:"conversation_history"`
	Favorites     []string               `json:"favorites,omitempty"`
	SessionIntent SessionIntent          `json:"session_intent,omitempty"`
	StepIntent    StepIntent             `json:"step_intent,omitempty"`
}

type SessionResetRequest struct {
	SessionID string `json:"session_id" validate:"required,uuid"`
}

type SessionFavoriteRequest struct {
	SessionID string `json:"session_id" validate:"required,uuid"`
	ProductID string `json:"product_id" validate:"required"`
}
