package stream

import (
	"slices"
	"sync"
)

// Deduper filters events redelivered after a reconnect. Events are keyed by
// session, node, kind and the server event id, or the raw data when the
// server sends no id.
type Deduper struct {
	mu   sync.Mutex
	seen map[dedupeKey]struct{}
}

type dedupeKey struct {
	sessionID string
	nodeID    string
	kind      Kind
	instance  string
}

// NewDeduper creates an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[dedupeKey]struct{})}
}

// First reports whether e has not been seen before and records it.
func (d *Deduper) First(e Event) bool {
	k := dedupeKey{sessionID: e.SessionID, nodeID: e.NodeID, kind: e.Kind, instance: e.ID}
	if k.instance == "" {
		k.instance = e.Data
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[k]; ok {
		return false
	}
	d.seen[k] = struct{}{}
	return true
}

// Forget drops the records for nodeID so the same notification is delivered
// again. With no kinds every record for the node is dropped.
func (d *Deduper) Forget(nodeID string, kinds ...Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.seen {
		if k.nodeID == nodeID && (len(kinds) == 0 || slices.Contains(kinds, k.kind)) {
			delete(d.seen, k)
		}
	}
}

// Len returns the number of recorded events.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
