package retry

import (
	"slices"
	"strings"
	"sync"
)

// NodeState tracks validate attempts for one node.
type NodeState struct {
	NodeID     string `json:"node_id"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
	Succeeded  bool   `json:"succeeded,omitempty"`
}

// Manager records attempt history per node for the session report. It is
// safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	states map[string]*NodeState
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{states: make(map[string]*NodeState)}
}

// GetState returns a copy of the state for nodeID.
func (m *Manager) GetState(nodeID string) (NodeState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[nodeID]
	if !ok {
		return NodeState{}, false
	}
	return *state, true
}

// RecordAttempt records the outcome of one attempt. A nil err marks the
// node as succeeded.
func (m *Manager) RecordAttempt(nodeID string, maxRetries int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[nodeID]
	if !ok {
		state = &NodeState{NodeID: nodeID, MaxRetries: maxRetries}
		m.states[nodeID] = state
	}
	state.Attempts++
	if err == nil {
		state.Succeeded = true
		state.LastError = ""
		return
	}
	state.LastError = err.Error()
}

// Failed returns the nodes whose last attempt failed, sorted by node ID.
// Their retries, if any, were used up or the error was not retryable.
func (m *Manager) Failed() []NodeState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var failed []NodeState
	for _, state := range m.states {
		if !state.Succeeded {
			failed = append(failed, *state)
		}
	}
	slices.SortFunc(failed, func(a, b NodeState) int { return strings.Compare(a.NodeID, b.NodeID) })
	return failed
}

// Retried returns the total number of attempts beyond the first across all nodes.
func (m *Manager) Retried() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, state := range m.states {
		if state.Attempts > 1 {
			total += state.Attempts - 1
		}
	}
	return total
}
