// Package testutil provides fixtures for reqtree tests: a scripted stand-in
// for the scoring service and helpers for building queues.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/reqtree/internal/requirement"
	"github.com/Iron-Ham/reqtree/internal/validation"
)

// PassThreshold is the score at which Set marks a result as passed.
const PassThreshold = 0.7

// Service is an in-memory scoring service. It satisfies both
// validation.Validator and validation.Answerer. Nodes without a scripted
// result pass with score 0.9.
type Service struct {
	mu      sync.Mutex
	results map[string]requirement.NodeResult
	calls   []string
	answers []validation.AnswerRequest
}

var (
	_ validation.Validator = (*Service)(nil)
	_ validation.Answerer  = (*Service)(nil)
)

// NewService creates an empty Service.
func NewService() *Service {
	return &Service{results: make(map[string]requirement.NodeResult)}
}

// Set scripts the result for id. Passing child texts makes the node split.
func (s *Service) Set(id string, score float64, children ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = requirement.NodeResult{
		NodeID:          id,
		Passed:          score >= PassThreshold,
		Score:           score,
		FinalText:       "fixed " + id,
		SplitOccurred:   len(children) > 0,
		SplitChildTexts: children,
	}
}

// Validate returns the scripted result for node.
func (s *Service) Validate(_ context.Context, node requirement.Node, _ string, _ float64, _ int) (requirement.NodeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, node.ID)
	r, ok := s.results[node.ID]
	if !ok {
		return requirement.NodeResult{NodeID: node.ID, Passed: true, Score: 0.9, FinalText: node.Text}, nil
	}
	return r.Clone(), nil
}

// SubmitAnswers records req.
func (s *Service) SubmitAnswers(_ context.Context, req validation.AnswerRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, req)
	return nil
}

// Calls returns the node IDs validated so far, in call order.
func (s *Service) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// Answers returns the answer submissions received so far.
func (s *Service) Answers() []validation.AnswerRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]validation.AnswerRequest, len(s.answers))
	copy(out, s.answers)
	return out
}

// Queue builds root nodes with the given IDs.
func Queue(ids ...string) []requirement.Node {
	nodes := make([]requirement.Node, len(ids))
	for i, id := range ids {
		nodes[i] = requirement.NewRoot(id, "requirement "+id, "")
	}
	return nodes
}

// WaitFor polls cond until it holds, failing the test after two seconds.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
