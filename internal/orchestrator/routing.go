package orchestrator

import (
	"maps"
	"slices"

	"github.com/Iron-Ham/reqtree/internal/event"
	"github.com/Iron-Ham/reqtree/internal/hitl"
	"github.com/Iron-Ham/reqtree/internal/stream"
)

// Status is a node's last known state as seen by the session.
type Status string

// Node statuses
const (
	StatusValidating    Status = "validating"
	StatusSplit         Status = "split"
	StatusPassed        Status = "passed"
	StatusFailed        Status = "failed"
	StatusError         Status = "error"
	StatusAwaitingInput Status = "awaiting_input"
	StatusResumed       Status = "resumed"
)

// NodeState summarizes what is known about one node.
type NodeState struct {
	NodeID   string  `json:"node_id"`
	Status   Status  `json:"status"`
	Score    float64 `json:"score"`
	FixCount int     `json:"fix_count,omitempty"`
	Children int     `json:"children,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Diff is one fix the service applied to a node's text.
type Diff struct {
	Criterion   string  `json:"criterion"`
	OldText     string  `json:"old_text"`
	NewText     string  `json:"new_text"`
	ScoreBefore float64 `json:"score_before"`
	ScoreAfter  float64 `json:"score_after"`
}

// NodeStatus returns the last known state of nodeID.
func (o *Orchestrator) NodeStatus(nodeID string) (NodeState, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s, ok := o.nodes[nodeID]
	if !ok {
		return NodeState{NodeID: nodeID, Status: StatusValidating}, false
	}
	return *s, true
}

// Nodes returns the state of every node seen so far, sorted by node ID.
func (o *Orchestrator) Nodes() []NodeState {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]NodeState, 0, len(o.nodes))
	for _, id := range slices.Sorted(maps.Keys(o.nodes)) {
		out = append(out, *o.nodes[id])
	}
	return out
}

// Diffs returns the fixes applied to nodeID in the order they arrived.
func (o *Orchestrator) Diffs(nodeID string) []Diff {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.diffs[nodeID])
}

// stateLocked must be called with mu held.
func (o *Orchestrator) stateLocked(nodeID string) *NodeState {
	s, ok := o.nodes[nodeID]
	if !ok {
		s = &NodeState{NodeID: nodeID, Status: StatusValidating}
		o.nodes[nodeID] = s
	}
	return s
}

func (o *Orchestrator) update(nodeID string, fn func(*NodeState)) {
	if nodeID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o.stateLocked(nodeID))
}

func (o *Orchestrator) setStatus(nodeID string, status Status) {
	o.update(nodeID, func(s *NodeState) { s.Status = status })
}

func resultStatus(passed bool) Status {
	if passed {
		return StatusPassed
	}
	return StatusFailed
}

// onNodeEvent keeps node state current from the tree validator's own
// results, so status is available without the progress stream.
func (o *Orchestrator) onNodeEvent(e event.Event) {
	switch ev := e.(type) {
	case event.NodeValidatedEvent:
		if ev.SessionID != o.sessionID {
			return
		}
		o.update(ev.NodeID, func(s *NodeState) {
			s.Score = ev.Score
			if !ev.Split {
				s.Status = resultStatus(ev.Passed)
			}
		})
	case event.NodeFailedEvent:
		if ev.SessionID != o.sessionID {
			return
		}
		o.update(ev.NodeID, func(s *NodeState) {
			s.Status = StatusError
			if ev.Err != nil {
				s.Error = ev.Err.Error()
			}
		})
	case event.NodeSplitEvent:
		if ev.SessionID != o.sessionID {
			return
		}
		o.update(ev.NodeID, func(s *NodeState) {
			s.Status = StatusSplit
			s.Children = len(ev.ChildIDs)
		})
	}
}

// route handles one progress notification. It runs on the stream goroutine.
func (o *Orchestrator) route(e stream.Event) {
	if e.SessionID != "" && e.SessionID != o.sessionID {
		o.logger.Debug("stream event for another session ignored", "event_session", e.SessionID, "kind", string(e.Kind))
		return
	}
	if !o.dedupe.First(e) {
		o.logger.Debug("duplicate stream event dropped", "node_id", e.NodeID, "kind", string(e.Kind))
		return
	}

	switch p := e.Payload.(type) {
	case *stream.ConnectedPayload:
		o.logger.Debug("progress stream acknowledged")
	case *stream.UpdatedPayload:
		o.mu.Lock()
		o.diffs[e.NodeID] = append(o.diffs[e.NodeID], Diff{
			Criterion:   p.Criterion,
			OldText:     p.OldText,
			NewText:     p.NewText,
			ScoreBefore: p.ScoreBefore,
			ScoreAfter:  p.ScoreAfter,
		})
		s := o.stateLocked(e.NodeID)
		s.Score = p.ScoreAfter
		s.FixCount++
		o.mu.Unlock()
	case *stream.SplitPayload:
		o.update(e.NodeID, func(s *NodeState) {
			s.Status = StatusSplit
			s.Children = p.Children()
		})
	case *stream.CompletedPayload:
		o.update(e.NodeID, func(s *NodeState) {
			s.Score = p.FinalScore
			s.FixCount = p.TotalFixes
			if p.SplitOccurred {
				s.Status = StatusSplit
			} else {
				s.Status = resultStatus(p.Passed)
			}
		})
	case *stream.ErrorPayload:
		o.update(e.NodeID, func(s *NodeState) {
			s.Status = StatusError
			s.Error = p.Error
		})
	case *stream.NeedsInputPayload:
		o.suspend(e.NodeID, p)
	case *stream.RevalidationPayload:
		o.resolve(e.NodeID, p)
	}
}

func (o *Orchestrator) suspend(nodeID string, p *stream.NeedsInputPayload) {
	questions := make([]hitl.Question, len(p.Questions))
	for i, q := range p.Questions {
		questions[i] = hitl.Question{
			ID:               q.ID,
			Prompt:           q.Question,
			SuggestedAnswers: q.SuggestedAnswers,
			Criterion:        q.Criterion,
		}
	}

	err := o.gate.Suspend(hitl.PendingQuestion{
		NodeID:          nodeID,
		CurrentText:     p.CurrentText,
		Questions:       questions,
		FailingCriteria: p.FailingCriteria,
		CurrentScores:   p.CurrentScores,
	})
	if err != nil {
		o.logger.Warn("needs-input notification rejected", "error", err.Error())
		return
	}
	o.setStatus(nodeID, StatusAwaitingInput)
	o.sched.SetNeedsInput(o.gate.PendingCount())
}

func (o *Orchestrator) resolve(nodeID string, p *stream.RevalidationPayload) {
	o.inputMu.Lock()
	defer o.inputMu.Unlock()

	result, ok := o.gate.Resolve(nodeID, p.Result())
	if !ok {
		o.logger.Debug("revalidation for untracked node ignored", "node_id", nodeID)
		return
	}

	o.update(nodeID, func(s *NodeState) {
		s.Status = resultStatus(result.Passed)
		s.Score = result.Score
	})
	if !o.sched.Submit(result) {
		o.logger.Warn("revalidated result discarded, session is no longer running", "node_id", nodeID)
	}
	o.sched.SetNeedsInput(o.gate.PendingCount())

	close(o.inputs)
	o.inputs = make(chan struct{})
}
