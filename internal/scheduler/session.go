package scheduler

import (
	"slices"

	"github.com/Iron-Ham/reqtree/internal/requirement"
)

// Session is one batch run: the root queue, its limits and progress
// counters. It is owned by a Scheduler and only mutated on its loop.
type Session struct {
	ID          string
	Queue       []requirement.Node
	MaxParallel int
	MaxDepth    int

	Started   int
	Completed int
	Active    map[string]struct{}

	// PeakActive is the largest len(Active) observed.
	PeakActive int
}

func newSession(id string, queue []requirement.Node, maxParallel, maxDepth int) *Session {
	return &Session{
		ID:          id,
		Queue:       queue,
		MaxParallel: maxParallel,
		MaxDepth:    maxDepth,
		Active:      make(map[string]struct{}, maxParallel),
	}
}

// IsComplete reports whether every root has been started and completed.
func (s *Session) IsComplete() bool {
	return s.Started == len(s.Queue) && s.Completed == s.Started && len(s.Active) == 0
}

// SessionSnapshot is a point-in-time copy of a Session's counters.
type SessionSnapshot struct {
	ID          string   `json:"session_id"`
	Total       int      `json:"total"`
	Started     int      `json:"started"`
	Completed   int      `json:"completed"`
	Active      []string `json:"active"`
	PeakActive  int      `json:"peak_active"`
	MaxParallel int      `json:"max_parallel"`
	Complete    bool     `json:"complete"`
	Cancelled   bool     `json:"cancelled"`
}

// Queued returns the number of roots not yet started.
func (s SessionSnapshot) Queued() int {
	return s.Total - s.Started
}

func (s *Session) snapshot(cancelled bool) SessionSnapshot {
	active := make([]string, 0, len(s.Active))
	for id := range s.Active {
		active = append(active, id)
	}
	slices.Sort(active)

	return SessionSnapshot{
		ID:          s.ID,
		Total:       len(s.Queue),
		Started:     s.Started,
		Completed:   s.Completed,
		Active:      active,
		PeakActive:  s.PeakActive,
		MaxParallel: s.MaxParallel,
		Complete:    s.IsComplete(),
		Cancelled:   cancelled,
	}
}
