// Package aggregate folds per-node validation results into the batch-level
// result set.
//
// The Aggregator expects a single writer (the scheduler's loop goroutine).
// Snapshot may be called from any goroutine and never observes a partial
// merge.
package aggregate

import (
	"sync"

	"github.com/Iron-Ham/reqtree/internal/requirement"
)

// BatchResult is the public output of a batch run.
type BatchResult struct {
	// Results are the accepted results in the order their node was first seen.
	Results []requirement.NodeResult `json:"results"`

	Passed     int `json:"passed"`
	Failed     int `json:"failed"`
	Split      int `json:"split"`
	NeedsInput int `json:"needs_input"`
}

// Total returns the number of accepted results.
func (b BatchResult) Total() int {
	return len(b.Results)
}

// PassRate returns Passed as a fraction of all accepted results.
func (b BatchResult) PassRate() float64 {
	if len(b.Results) == 0 {
		return 0
	}
	return float64(b.Passed) / float64(len(b.Results))
}

// Find returns the accepted result for nodeID.
func (b BatchResult) Find(nodeID string) (requirement.NodeResult, bool) {
	for _, r := range b.Results {
		if r.NodeID == nodeID {
			return r, true
		}
	}
	return requirement.NodeResult{}, false
}

// Aggregator accumulates results for one session.
type Aggregator struct {
	mu         sync.RWMutex
	order      []string
	byID       map[string]requirement.NodeResult
	split      int
	needsInput int
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{byID: make(map[string]requirement.NodeResult)}
}

// Accept merges results. A result for a node already present replaces the
// earlier one in place, so redelivered or revalidated nodes are counted once.
// It returns how many results were new.
func (a *Aggregator) Accept(results []requirement.NodeResult) int {
	if len(results) == 0 {
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	added := 0
	for _, r := range results {
		if _, ok := a.byID[r.NodeID]; !ok {
			a.order = append(a.order, r.NodeID)
			added++
		}
		a.byID[r.NodeID] = r.Clone()
	}
	return added
}

// AddSplits records n more nodes whose validation produced a split.
func (a *Aggregator) AddSplits(n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	a.split += n
	a.mu.Unlock()
}

// SetNeedsInput sets the number of nodes currently awaiting input.
func (a *Aggregator) SetNeedsInput(n int) {
	if n < 0 {
		n = 0
	}
	a.mu.Lock()
	a.needsInput = n
	a.mu.Unlock()
}

// Len returns the number of distinct accepted nodes.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.order)
}

// Snapshot returns a deep copy of the current batch result with counts
// recomputed from the accepted results.
func (a *Aggregator) Snapshot() BatchResult {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := BatchResult{
		Results:    make([]requirement.NodeResult, 0, len(a.order)),
		Split:      a.split,
		NeedsInput: a.needsInput,
	}
	for _, id := range a.order {
		r := a.byID[id]
		out.Results = append(out.Results, r.Clone())
		if r.Passed {
			out.Passed++
		} else {
			out.Failed++
		}
	}
	return out
}
