package services

import (
	"errors"
	"fmt"
)

// Sentinel errors for preload and lookup failures.
var (
	ErrPhraseStoreNotReady = errors.New("phrase store not ready")
	ErrMissingEncoder      = errors.New("text encoder unavailable")
	ErrProductNotFound     = errors.New("product not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrUnknownDomain       = errors.New("unknown product domain")
)

// InvalidQueryError signals free text too short or meaningless to
// search. It surfaces as an INVALID envelope, not a transport error.
type InvalidQueryError struct {
	Query            string
	Reason           string
	SuggestedActions []string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query %q: %s", e.Query, e.Reason)
}

// NoMatchesError signals zero results after the relaxation ladder. The
// message and suggested actions are domain-aware.
type NoMatchesError struct {
	Category         string
	Message          string
	SuggestedActions []string
	Relaxation       string
}

func (e *NoMatchesError) Error() string {
	return fmt.Sprintf("no matching products in %s: %s", e.Category, e.Message)
}

// FollowupQuestionError carries an interview question out of the
// search pipeline. It is a business outcome: the caller renders it as
// a question reply, never as a failure.
type FollowupQuestionError struct {
	Question     string
	QuickReplies []string
	QuestionID   string
	Topic        string
	Domain       string
}

func (e *FollowupQuestionError) Error() string {
	return fmt.Sprintf("follow-up question required on %s", e.Topic)
}

// AsFollowup unwraps a FollowupQuestionError if err carries one.
func AsFollowup(err error) (*FollowupQuestionError, bool) {
	var fq *FollowupQuestionError
	if errors.As(err, &fq) {
		return fq, true
	}
	return nil, false
}

// AsInvalidQuery unwraps an InvalidQueryError if err carries one.
func AsInvalidQuery(err error) (*InvalidQueryError, bool) {
	var iq *InvalidQueryError
	if errors.As(err, &iq) {
		return iq, true
	}
	return nil, false
}

// AsNoMatches unwraps a NoMatchesError if err carries one.
func AsNoMatches(err error) (*NoMatchesError, bool) {
	var nm *NoMatchesError
	if errors.As(err, &nm) {
		return nm, true
	}
	return nil, false
}
