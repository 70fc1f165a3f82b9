package graph

import "github.com/ryandielhenn/xanadu/pkg/nostr"

// Epoch scopes writes to one traversal. Once the store is reset the epoch
// goes stale and its writes are silently discarded.
type Epoch struct {
	s  *Store
	id uint64
}

func (e *Epoch) ID() uint64 { return e.id }

func (e *Epoch) Current() bool {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	return e.s.epoch == e.id
}

func (e *Epoch) AddNode(id string, ev *nostr.Event, depth int) bool {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if e.s.epoch != e.id {
		return false
	}
	return e.s.addNodeLocked(id, ev, depth)
}

func (e *Epoch) AddEdge(source, target string, typ EdgeType) bool {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if e.s.epoch != e.id {
		return false
	}
	return e.s.addEdgeLocked(source, target, typ)
}

func (e *Epoch) MarkProcessed(id string) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if e.s.epoch != e.id {
		return
	}
	e.s.markProcessedLocked(id)
}
