// Package graph is the authoritative repository of discovered nodes, typed
// edges and view-selection state. It does no I/O and makes no traversal
// decisions; every mutation is idempotent so the traversal can call it
// speculatively.
package graph

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/ryandielhenn/xanadu/pkg/nostr"
)

const (
	DefaultMaxNodes = 1000
	DefaultMaxDepth = 5
)

type EdgeType string

const (
	EdgeReply EdgeType = "reply"
	EdgeQuote EdgeType = "quote"
)

// Node is one discovered content item. Event is shared with the fetcher,
// not copied.
type Node struct {
	ID         string       `json:"id"`
	Event      *nostr.Event `json:"event"`
	Depth      int          `json:"depth"`
	Processed  bool         `json:"processed"`
	X          float64      `json:"x,omitempty"`
	Y          float64      `json:"y,omitempty"`
	Positioned bool         `json:"positioned,omitempty"`
}

// Edge endpoints may name ids that have no Node yet.
type Edge struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Type   EdgeType `json:"type"`
}

// Store holds graph state behind a single RWMutex. Nodes keep insertion
// order; once MaxNodes is reached further nodes are dropped, never evicted.
type Store struct {
	mu       sync.RWMutex
	maxNodes int
	maxDepth int

	nodes   *orderedmap.OrderedMap[string, *Node]
	edges   []Edge
	edgeSet map[Edge]struct{}

	selected string
	open     *orderedmap.OrderedMap[string, struct{}]

	epoch   uint64
	subs    map[uint64]chan struct{}
	nextSub uint64
}

type Option func(*Store)

// WithMaxNodes caps the node count. Non-positive values keep the default.
func WithMaxNodes(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxNodes = n
		}
	}
}

// WithMaxDepth rejects nodes discovered further than n hops from a seed.
// Negative values keep the default.
func WithMaxDepth(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxDepth = n
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		maxNodes: DefaultMaxNodes,
		maxDepth: DefaultMaxDepth,
		nodes:    orderedmap.New[string, *Node](),
		edgeSet:  make(map[Edge]struct{}),
		open:     orderedmap.New[string, struct{}](),
		subs:     make(map[uint64]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) MaxNodes() int { return s.maxNodes }
func (s *Store) MaxDepth() int { return s.maxDepth }

// AddNode creates a node unless id is present, the store is full, or depth
// is out of bounds. It reports whether a node was created.
func (s *Store) AddNode(id string, ev *nostr.Event, depth int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addNodeLocked(id, ev, depth)
}

func (s *Store) addNodeLocked(id string, ev *nostr.Event, depth int) bool {
	if id == "" || depth < 0 || depth > s.maxDepth {
		return false
	}
	if s.nodes.Len() >= s.maxNodes {
		return false
	}
	if _, ok := s.nodes.Get(id); ok {
		return false
	}
	s.nodes.Set(id, &Node{ID: id, Event: ev, Depth: depth})
	s.notifyLocked()
	return true
}

// AddEdge appends the edge unless the exact triple exists.
func (s *Store) AddEdge(source, target string, typ EdgeType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addEdgeLocked(source, target, typ)
}

func (s *Store) addEdgeLocked(source, target string, typ EdgeType) bool {
	e := Edge{Source: source, Target: target, Type: typ}
	if _, ok := s.edgeSet[e]; ok {
		return false
	}
	s.edgeSet[e] = struct{}{}
	s.edges = append(s.edges, e)
	s.notifyLocked()
	return true
}

// SetPosition records layout coordinates; absent ids are ignored.
func (s *Store) SetPosition(id string, x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes.Get(id)
	if !ok {
		return
	}
	n.X, n.Y, n.Positioned = x, y, true
	s.notifyLocked()
}

func (s *Store) MarkProcessed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markProcessedLocked(id)
}

func (s *Store) markProcessedLocked(id string) {
	n, ok := s.nodes.Get(id)
	if !ok || n.Processed {
		return
	}
	n.Processed = true
	s.notifyLocked()
}

func (s *Store) HasNode(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes.Get(id)
	return ok
}

func (s *Store) HasEdge(source, target string, typ EdgeType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.edgeSet[Edge{Source: source, Target: target, Type: typ}]
	return ok
}

// Node returns a copy of the node with id.
func (s *Store) Node(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes.Get(id)
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes.Len()
}

func (s *Store) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges)
}

// UnprocessedNodes returns copies of all unexpanded nodes in insertion order.
func (s *Store) UnprocessedNodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Node
	for p := s.nodes.Oldest(); p != nil; p = p.Next() {
		if !p.Value.Processed {
			out = append(out, *p.Value)
		}
	}
	return out
}

// DanglingIDs lists edge endpoints with no node, in first-seen order.
func (s *Store) DanglingIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	check := func(id string) {
		if _, ok := s.nodes.Get(id); ok {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, e := range s.edges {
		check(e.Source)
		check(e.Target)
	}
	return out
}

// Reset clears all graph and selection state atomically and starts a new
// epoch. Writes made through older epochs are dropped from then on.
func (s *Store) Reset() *Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = orderedmap.New[string, *Node]()
	s.edges = nil
	s.edgeSet = make(map[Edge]struct{})
	s.selected = ""
	s.open = orderedmap.New[string, struct{}]()
	s.epoch++
	s.notifyLocked()
	return &Epoch{s: s, id: s.epoch}
}

// Epoch returns a handle bound to the current epoch.
func (s *Store) Epoch() *Epoch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Epoch{s: s, id: s.epoch}
}
