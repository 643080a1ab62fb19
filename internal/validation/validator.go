// Package validation talks to the remote scoring service: one validate call
// per requirement node, plus clarification answers for suspended nodes.
//
// Client is the HTTP implementation. Retrying and Limited wrap any Validator
// to add the shared retry policy and a global in-flight cap.
package validation

import (
	"context"

	"github.com/Iron-Ham/reqtree/internal/requirement"
)

// Validator validates a single node. Implementations issue exactly one
// logical request per call and return a CancelledError if ctx is cancelled
// before the response arrives.
type Validator interface {
	Validate(ctx context.Context, node requirement.Node, sessionID string, threshold float64, maxIterations int) (requirement.NodeResult, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, node requirement.Node, sessionID string, threshold float64, maxIterations int) (requirement.NodeResult, error)

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, node requirement.Node, sessionID string, threshold float64, maxIterations int) (requirement.NodeResult, error) {
	return f(ctx, node, sessionID, threshold, maxIterations)
}

// Answerer submits clarification answers for a node awaiting input.
type Answerer interface {
	SubmitAnswers(ctx context.Context, req AnswerRequest) error
}

// AnswererFunc adapts a function to the Answerer interface.
type AnswererFunc func(ctx context.Context, req AnswerRequest) error

// SubmitAnswers calls f.
func (f AnswererFunc) SubmitAnswers(ctx context.Context, req AnswerRequest) error {
	return f(ctx, req)
}

// Answer is the reply to one pending question. Skipped answers carry no text.
type Answer struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
}

// AnswerRequest is the body of a clarification answer submission.
type AnswerRequest struct {
	RequirementID       string   `json:"requirement_id"`
	Answers             []Answer `json:"answers"`
	SessionID           string   `json:"session_id"`
	TriggerRevalidation bool     `json:"trigger_revalidation"`
}
