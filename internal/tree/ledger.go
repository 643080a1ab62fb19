package tree

import "sync"

// Ledger records every node ID handed to the validation client in a
// session. Claim succeeds once per ID.
type Ledger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{seen: make(map[string]struct{})}
}

// Claim reserves id for dispatch and reports whether this caller won it.
func (l *Ledger) Claim(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[id]; ok {
		return false
	}
	l.seen[id] = struct{}{}
	return true
}

// Dispatched reports whether id has been claimed.
func (l *Ledger) Dispatched(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

// Len returns the number of claimed IDs.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
