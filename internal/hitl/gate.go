package hitl

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Iron-Ham/reqtree/internal/errors"
	"github.com/Iron-Ham/reqtree/internal/event"
	"github.com/Iron-Ham/reqtree/internal/logging"
	"github.com/Iron-Ham/reqtree/internal/requirement"
	"github.com/Iron-Ham/reqtree/internal/validation"
)

// Status is a node's position in the input state machine.
type Status string

// Node statuses
const (
	StatusValidating    Status = "validating"
	StatusAwaitingInput Status = "awaiting_input"
	StatusResumed       Status = "resumed"
	StatusPassed        Status = "passed"
	StatusFailed        Status = "failed"
)

// IsTerminal reports whether no further transition is expected.
func (s Status) IsTerminal() bool {
	return s == StatusPassed || s == StatusFailed
}

// Question is one clarification the service needs answered.
type Question struct {
	ID               string   `json:"id"`
	Prompt           string   `json:"question"`
	SuggestedAnswers []string `json:"suggested_answers,omitempty"`
	Criterion        string   `json:"criterion,omitempty"`
}

// PendingQuestion is a node suspended awaiting input.
type PendingQuestion struct {
	NodeID          string             `json:"node_id"`
	CurrentText     string             `json:"current_text,omitempty"`
	Questions       []Question         `json:"questions"`
	FailingCriteria []string           `json:"failing_criteria,omitempty"`
	CurrentScores   map[string]float64 `json:"current_scores,omitempty"`
	Status          Status             `json:"status"`
}

func (p PendingQuestion) clone() PendingQuestion {
	p.Questions = slices.Clone(p.Questions)
	for i := range p.Questions {
		p.Questions[i].SuggestedAnswers = slices.Clone(p.Questions[i].SuggestedAnswers)
	}
	p.FailingCriteria = slices.Clone(p.FailingCriteria)
	if p.CurrentScores != nil {
		scores := make(map[string]float64, len(p.CurrentScores))
		for k, v := range p.CurrentScores {
			scores[k] = v
		}
		p.CurrentScores = scores
	}
	return p
}

func (p PendingQuestion) hasQuestion(id string) bool {
	return slices.ContainsFunc(p.Questions, func(q Question) bool { return q.ID == id })
}

// Gate tracks nodes awaiting input for one session.
type Gate struct {
	mu        sync.Mutex
	answerer  validation.Answerer
	sessionID string
	bus       *event.Bus
	logger    *logging.Logger

	pending  map[string]*PendingQuestion
	resolved map[string]Status
}

// Option configures a Gate.
type Option func(*Gate)

// WithSessionID sets the session answers are submitted for.
func WithSessionID(id string) Option {
	return func(g *Gate) { g.sessionID = id }
}

// WithBus publishes gate events on bus.
func WithBus(bus *event.Bus) Option {
	return func(g *Gate) { g.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGate creates a Gate that posts answers through answerer.
func NewGate(answerer validation.Answerer, opts ...Option) *Gate {
	if answerer == nil {
		panic("hitl: NewGate requires a non-nil answerer")
	}
	g := &Gate{
		answerer: answerer,
		logger:   logging.NopLogger(),
		pending:  make(map[string]*PendingQuestion),
		resolved: make(map[string]Status),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.WithSession(g.sessionID).WithPhase("hitl")
	return g
}

// Suspend records that p.NodeID needs input. Redelivery of the same request
// replaces the recorded questions.
func (g *Gate) Suspend(p PendingQuestion) error {
	if p.NodeID == "" {
		return errors.NewValidationError("node id is required").WithField("node_id")
	}

	g.mu.Lock()
	cp := p.clone()
	cp.Status = StatusAwaitingInput
	_, existed := g.pending[p.NodeID]
	g.pending[p.NodeID] = &cp
	delete(g.resolved, p.NodeID)
	g.mu.Unlock()

	if !existed {
		g.logger.Info("node awaiting input", "node_id", p.NodeID, "questions", len(p.Questions))
	}
	g.publish(event.NewInputRequestedEvent(g.sessionID, p.NodeID, len(p.Questions)))
	return nil
}

// SubmitAnswers posts answers for a node awaiting input and requests
// revalidation. Every answer must reference a pending question.
func (g *Gate) SubmitAnswers(ctx context.Context, nodeID string, answers []validation.Answer) error {
	if len(answers) == 0 {
		return errors.NewValidationError("at least one answer is required").WithField("answers")
	}
	return g.submit(ctx, nodeID, answers, false)
}

// Skip declines questionID for nodeID and requests revalidation. An empty
// questionID skips every pending question.
func (g *Gate) Skip(ctx context.Context, nodeID, questionID string) error {
	var answers []validation.Answer

	g.mu.Lock()
	p, ok := g.pending[nodeID]
	if ok && p.Status == StatusAwaitingInput {
		for _, q := range p.Questions {
			if questionID == "" || q.ID == questionID {
				answers = append(answers, validation.Answer{QuestionID: q.ID, Skipped: true})
			}
		}
	}
	g.mu.Unlock()

	if ok && questionID != "" && len(answers) == 0 {
		return errors.NewValidationError("unknown question").WithField("question_id").WithValue(questionID)
	}
	return g.submit(ctx, nodeID, answers, true)
}

func (g *Gate) submit(ctx context.Context, nodeID string, answers []validation.Answer, skipped bool) error {
	g.mu.Lock()
	p, ok := g.pending[nodeID]
	if !ok || p.Status != StatusAwaitingInput {
		g.mu.Unlock()
		return errors.NewNotFoundError("pending node", nodeID).WithCause(errors.ErrNotAwaitingInput)
	}
	for _, a := range answers {
		if !p.hasQuestion(a.QuestionID) {
			g.mu.Unlock()
			return errors.NewValidationError("unknown question").WithField("question_id").WithValue(a.QuestionID)
		}
	}
	// Claim the transition so a concurrent submission fails fast.
	p.Status = StatusResumed
	g.mu.Unlock()

	err := g.answerer.SubmitAnswers(ctx, validation.AnswerRequest{
		RequirementID:       nodeID,
		Answers:             answers,
		SessionID:           g.sessionID,
		TriggerRevalidation: true,
	})
	if err != nil {
		g.mu.Lock()
		if cur, ok := g.pending[nodeID]; ok && cur == p {
			p.Status = StatusAwaitingInput
		}
		g.mu.Unlock()
		g.logger.Error("answer submission failed", "node_id", nodeID, "error", err.Error())
		return fmt.Errorf("submit answers for %s: %w", nodeID, err)
	}

	g.logger.Info("node resumed", "node_id", nodeID, "answers", len(answers), "skipped", skipped)
	g.publish(event.NewInputSubmittedEvent(g.sessionID, nodeID, skipped))
	return nil
}

// Resolve consumes a revalidation result for nodeID. It returns the result
// to merge and true the first time a tracked node resolves; duplicates and
// unknown nodes return false.
func (g *Gate) Resolve(nodeID string, result requirement.NodeResult) (requirement.NodeResult, bool) {
	g.mu.Lock()
	if _, ok := g.pending[nodeID]; !ok {
		g.mu.Unlock()
		return requirement.NodeResult{}, false
	}
	delete(g.pending, nodeID)
	status := StatusFailed
	if result.Passed {
		status = StatusPassed
	}
	g.resolved[nodeID] = status
	g.mu.Unlock()

	result.NodeID = nodeID
	g.logger.Info("revalidation complete", "node_id", nodeID, "passed", result.Passed, "score", result.Score)
	g.publish(event.NewInputResolvedEvent(g.sessionID, nodeID, result.Passed, result.Score))
	return result, true
}

// Pending returns the nodes currently awaiting input, sorted by node ID.
// The returned values are copies.
func (g *Gate) Pending() []PendingQuestion {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]PendingQuestion, 0, len(g.pending))
	for _, p := range g.pending {
		if p.Status == StatusAwaitingInput {
			out = append(out, p.clone())
		}
	}
	slices.SortFunc(out, func(a, b PendingQuestion) int {
		switch {
		case a.NodeID < b.NodeID:
			return -1
		case a.NodeID > b.NodeID:
			return 1
		}
		return 0
	})
	return out
}

// PendingCount returns the number of nodes awaiting input.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, p := range g.pending {
		if p.Status == StatusAwaitingInput {
			n++
		}
	}
	return n
}

// Unresolved returns the number of suspended nodes whose revalidation result
// has not arrived yet, answered or not.
func (g *Gate) Unresolved() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// IsAwaitingInput reports whether nodeID is waiting for answers.
func (g *Gate) IsAwaitingInput(nodeID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[nodeID]
	return ok && p.Status == StatusAwaitingInput
}

// Status returns nodeID's state. Nodes the gate never saw report
// StatusValidating and false.
func (g *Gate) Status(nodeID string) (Status, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.pending[nodeID]; ok {
		return p.Status, true
	}
	if s, ok := g.resolved[nodeID]; ok {
		return s, true
	}
	return StatusValidating, false
}

func (g *Gate) publish(e event.Event) {
	if g.bus != nil {
		g.bus.Publish(e)
	}
}
