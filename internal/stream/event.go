package stream

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/Iron-Ham/reqtree/internal/requirement"
)

// Kind identifies a progress notification.
type Kind string

// Event kinds delivered by the service.
const (
	KindConnected            Kind = "connected"
	KindUpdated              Kind = "requirement_updated"
	KindSplit                Kind = "requirement_split"
	KindCompleted            Kind = "validation_complete"
	KindError                Kind = "validation_error"
	KindNeedsInput           Kind = "needs_user_input"
	KindRevalidationComplete Kind = "revalidation_complete"
)

// Kinds returns every known kind.
func Kinds() []Kind {
	return []Kind{KindConnected, KindUpdated, KindSplit, KindCompleted, KindError, KindNeedsInput, KindRevalidationComplete}
}

// Event is one decoded notification. Payload holds the kind-specific struct
// (for example *SplitPayload for KindSplit).
type Event struct {
	Kind      Kind
	SessionID string
	NodeID    string
	// ID is the server-assigned event id, if any.
	ID      string
	Data    string
	Payload any
}

// ConnectedPayload is the body of a connected event.
type ConnectedPayload struct {
	SessionID string `json:"session_id"`
}

// UpdatedPayload reports one fix applied to a requirement.
type UpdatedPayload struct {
	RequirementID string  `json:"requirement_id"`
	Criterion     string  `json:"criterion"`
	OldText       string  `json:"old_text"`
	NewText       string  `json:"new_text"`
	ScoreBefore   float64 `json:"score_before"`
	ScoreAfter    float64 `json:"score_after"`
}

// SplitPayload reports that a requirement was decomposed. The service sends
// either the new IDs or only a count.
type SplitPayload struct {
	RequirementID     string   `json:"requirement_id"`
	NewRequirementIDs []string `json:"new_requirement_ids,omitempty"`
	ChildCount        int      `json:"child_count,omitempty"`
}

// Children returns the number of children produced.
func (p *SplitPayload) Children() int {
	if len(p.NewRequirementIDs) > 0 {
		return len(p.NewRequirementIDs)
	}
	return p.ChildCount
}

// CompletedPayload is the final outcome of one validate call.
type CompletedPayload struct {
	RequirementID string  `json:"requirement_id"`
	FinalScore    float64 `json:"final_score"`
	Passed        bool    `json:"passed"`
	FinalText     string  `json:"final_text"`
	TotalFixes    int     `json:"total_fixes"`
	SplitOccurred bool    `json:"split_occurred"`
}

// Result converts p to a NodeResult.
func (p *CompletedPayload) Result() requirement.NodeResult {
	return requirement.NodeResult{
		NodeID:        p.RequirementID,
		Passed:        p.Passed,
		Score:         p.FinalScore,
		FinalText:     p.FinalText,
		FixCount:      p.TotalFixes,
		SplitOccurred: p.SplitOccurred,
	}
}

// ErrorPayload reports a failed validation.
type ErrorPayload struct {
	RequirementID string `json:"requirement_id"`
	Error         string `json:"error"`
}

// QuestionPayload is one clarification question.
type QuestionPayload struct {
	ID               string   `json:"id"`
	Question         string   `json:"question"`
	SuggestedAnswers []string `json:"suggested_answers,omitempty"`
	Criterion        string   `json:"criterion,omitempty"`
}

// NeedsInputPayload suspends a requirement until questions are answered.
type NeedsInputPayload struct {
	RequirementID   string             `json:"requirement_id"`
	CurrentText     string             `json:"current_text"`
	Questions       []QuestionPayload  `json:"questions"`
	FailingCriteria []string           `json:"failing_criteria"`
	CurrentScores   map[string]float64 `json:"current_scores"`
}

// EvaluationPayload is one criterion's score after revalidation.
type EvaluationPayload struct {
	Criterion string  `json:"criterion"`
	Score     float64 `json:"score"`
	Passed    bool    `json:"passed"`
	Feedback  string  `json:"feedback,omitempty"`
}

// RevalidationPayload is the outcome of revalidating an answered requirement.
type RevalidationPayload struct {
	RequirementID string              `json:"requirement_id"`
	Score         float64             `json:"score"`
	Passed        bool                `json:"passed"`
	FinalText     string              `json:"final_text"`
	Evaluation    []EvaluationPayload `json:"evaluation,omitempty"`
}

// Result converts p to a NodeResult.
func (p *RevalidationPayload) Result() requirement.NodeResult {
	return requirement.NodeResult{
		NodeID:    p.RequirementID,
		Passed:    p.Passed,
		Score:     p.Score,
		FinalText: p.FinalText,
	}
}

// envelope carries the fields shared by every payload.
type envelope struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	RequirementID string `json:"requirement_id"`
}

// decode turns a frame into an Event. The kind comes from the frame's event
// name, or from a "type" field in the data for unnamed frames.
func decode(f frame, sessionID string) (Event, error) {
	var env envelope
	if err := sonic.UnmarshalString(f.data, &env); err != nil {
		return Event{}, fmt.Errorf("invalid event data: %w", err)
	}

	name := strings.TrimSpace(f.event)
	if name == "" || name == "message" {
		name = env.Type
	}
	if name == "" {
		return Event{}, fmt.Errorf("event has no type")
	}

	e := Event{
		Kind:      Kind(name),
		SessionID: env.SessionID,
		NodeID:    env.RequirementID,
		ID:        f.id,
		Data:      f.data,
	}
	if e.SessionID == "" {
		e.SessionID = sessionID
	}

	var payload any
	switch e.Kind {
	case KindConnected:
		payload = &ConnectedPayload{}
	case KindUpdated:
		payload = &UpdatedPayload{}
	case KindSplit:
		payload = &SplitPayload{}
	case KindCompleted:
		payload = &CompletedPayload{}
	case KindError:
		payload = &ErrorPayload{}
	case KindNeedsInput:
		payload = &NeedsInputPayload{}
	case KindRevalidationComplete:
		payload = &RevalidationPayload{}
	default:
		return Event{}, fmt.Errorf("unknown event kind %q", name)
	}
	if err := sonic.UnmarshalString(f.data, payload); err != nil {
		return Event{}, fmt.Errorf("invalid %s payload: %w", name, err)
	}
	e.Payload = payload
	return e, nil
}
