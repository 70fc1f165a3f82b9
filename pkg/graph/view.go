package graph

// View state consumed by the visualization: the selected node and the set
// of nodes whose detail card is open.

// Select marks id as the selected node. The id need not exist.
func (s *Store) Select(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == id {
		return
	}
	s.selected = id
	s.notifyLocked()
}

func (s *Store) ClearSelection() { s.Select("") }

func (s *Store) Selected() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected, s.selected != ""
}

// ToggleOpen flips the open-detail state of id and returns the new state.
func (s *Store) ToggleOpen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.notifyLocked()
	if _, ok := s.open.Get(id); ok {
		s.open.Delete(id)
		return false
	}
	s.open.Set(id, struct{}{})
	return true
}

func (s *Store) IsOpen(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.open.Get(id)
	return ok
}

// OpenIDs lists open cards in the order they were opened.
func (s *Store) OpenIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openIDsLocked()
}

func (s *Store) openIDsLocked() []string {
	out := make([]string, 0, s.open.Len())
	for p := s.open.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

// Snapshot is a consistent copy of the whole store. Node events are shared.
type Snapshot struct {
	Epoch    uint64   `json:"epoch"`
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Selected string   `json:"selected,omitempty"`
	Open     []string `json:"open"`
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Epoch:    s.epoch,
		Nodes:    make([]Node, 0, s.nodes.Len()),
		Edges:    make([]Edge, len(s.edges)),
		Selected: s.selected,
		Open:     s.openIDsLocked(),
	}
	for p := s.nodes.Oldest(); p != nil; p = p.Next() {
		snap.Nodes = append(snap.Nodes, *p.Value)
	}
	copy(snap.Edges, s.edges)
	return snap
}

// Subscribe returns a channel that receives a value after one or more
// mutations. Notifications coalesce; readers should take a Snapshot on
// wake-up. cancel releases the subscription.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notifyLocked() {
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
