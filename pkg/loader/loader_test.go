package loader

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryandielhenn/xanadu/pkg/graph"
	"github.com/ryandielhenn/xanadu/pkg/nostr"
)

// fakeNetwork serves a fixed set of events, filtering with nostr.Filter.
type fakeNetwork struct {
	mu        sync.Mutex
	events    map[string]*nostr.Event
	hideOnce  map[string]bool // by-id lookups miss these the first time
	failIDs   bool
	failQuery bool
	gate      chan struct{} // when set, every call waits for it to close
	started   chan struct{}
	idCalls   [][]string
	filters   []nostr.Filter
}

func newNetwork(events ...*nostr.Event) *fakeNetwork {
	n := &fakeNetwork{events: make(map[string]*nostr.Event), hideOnce: make(map[string]bool)}
	for _, ev := range events {
		n.events[ev.ID] = ev
	}
	return n
}

func (n *fakeNetwork) wait() {
	n.mu.Lock()
	gate, started := n.gate, n.started
	n.mu.Unlock()
	if gate == nil {
		return
	}
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	<-gate
}

func (n *fakeNetwork) FetchByIDs(_ context.Context, ids []string) ([]*nostr.Event, error) {
	n.wait()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.idCalls = append(n.idCalls, slices.Clone(ids))
	if n.failIDs {
		return nil, errors.New("relay down")
	}
	var out []*nostr.Event
	for _, id := range ids {
		if n.hideOnce[id] {
			n.hideOnce[id] = false
			continue
		}
		if ev, ok := n.events[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (n *fakeNetwork) FetchByFilter(_ context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	n.wait()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filters = append(n.filters, f)
	if n.failQuery {
		return nil, errors.New("relay down")
	}
	var out []*nostr.Event
	for _, ev := range n.events {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (n *fakeNetwork) idRequests(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, call := range n.idCalls {
		if slices.Contains(call, id) {
			count++
		}
	}
	return count
}

func (n *fakeNetwork) filterRequests(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, f := range n.filters {
		for _, values := range f.Tags {
			if slices.Contains(values, id) {
				count++
			}
		}
	}
	return count
}

func note(id string, tags ...nostr.Tag) *nostr.Event {
	return &nostr.Event{ID: id, Kind: nostr.KindTextNote, Tags: tags}
}

func reply(id string) nostr.Tag { return nostr.Tag{"e", id, "", "reply"} }
func root(id string) nostr.Tag  { return nostr.Tag{"e", id, "", "root"} }
func quote(id string) nostr.Tag { return nostr.Tag{"q", id} }

func newLoader(t *testing.T, net Fetcher, storeOpts []graph.Option, opts ...Option) (*Loader, *graph.Store) {
	t.Helper()
	store := graph.NewStore(storeOpts...)
	opts = append([]Option{WithYieldDelay(time.Millisecond)}, opts...)
	l := New(store, net, zap.NewNop(), opts...)
	t.Cleanup(l.Close)
	return l, store
}

func waitIdle(t *testing.T, l *Loader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx))
}

func assertBounds(t *testing.T, store *graph.Store) {
	t.Helper()
	snap := store.Snapshot()
	assert.LessOrEqual(t, len(snap.Nodes), store.MaxNodes())
	seen := make(map[graph.Edge]bool)
	for _, n := range snap.Nodes {
		assert.LessOrEqual(t, n.Depth, store.MaxDepth(), n.ID)
	}
	for _, e := range snap.Edges {
		assert.False(t, seen[e], "duplicate edge %+v", e)
		seen[e] = true
	}
}

func TestTraversalDiscoversBothDirections(t *testing.T) {
	s := note("S", quote("Q"))
	a := note("A", root("S"))
	b := note("B", reply("A"))
	c := note("C", nostr.Tag{"e", "A"})
	q := note("Q")
	unrelated := note("U", nostr.Tag{"e", "S"}, nostr.Tag{"e", "X"})
	net := newNetwork(s, a, b, c, q, unrelated)

	l, store := newLoader(t, net, nil)
	l.LoadInitial(context.Background(), []*nostr.Event{s})
	waitIdle(t, l)

	wantDepth := map[string]int{"S": 0, "A": 1, "Q": 1, "B": 2, "C": 2}
	assert.Equal(t, len(wantDepth), store.Len())
	for id, depth := range wantDepth {
		n, ok := store.Node(id)
		require.True(t, ok, id)
		assert.Equal(t, depth, n.Depth, id)
		assert.True(t, n.Processed, id)
	}
	assert.False(t, store.HasNode("U"), "two unmarked e tags are not a reply")

	assert.True(t, store.HasEdge("S", "Q", graph.EdgeQuote))
	assert.True(t, store.HasEdge("A", "S", graph.EdgeReply))
	assert.True(t, store.HasEdge("B", "A", graph.EdgeReply))
	assert.True(t, store.HasEdge("C", "A", graph.EdgeReply))
	assert.Equal(t, 4, store.EdgeCount())
	assert.Empty(t, l.Missing())
	assertBounds(t, store)

	st := l.Stats()
	assert.True(t, st.Idle)
	assert.Equal(t, 0, st.Queued)
	assert.False(t, st.Processing)
}

func TestDepthBound(t *testing.T) {
	// chain n0 <- n1 <- ... <- n9, each replying to the previous one
	events := []*nostr.Event{note("n0")}
	for i := 1; i < 10; i++ {
		events = append(events, note(fmt.Sprintf("n%d", i), reply(fmt.Sprintf("n%d", i-1))))
	}
	net := newNetwork(events...)

	l, store := newLoader(t, net, []graph.Option{graph.WithMaxDepth(3)})
	l.LoadInitial(context.Background(), events[:1])
	waitIdle(t, l)

	assert.Equal(t, 4, store.Len())
	for i := range 4 {
		n, ok := store.Node(fmt.Sprintf("n%d", i))
		require.True(t, ok)
		assert.Equal(t, i, n.Depth)
		assert.Equal(t, i < 3, n.Processed, "nodes at the depth bound are never expanded")
	}
	assert.Equal(t, 0, net.filterRequests("n3"))
	assertBounds(t, store)
}

func TestCapacityLeavesEdgesDangling(t *testing.T) {
	events := []*nostr.Event{note("root")}
	for i := range 10 {
		events = append(events, note(fmt.Sprintf("r%d", i), reply("root")))
	}
	net := newNetwork(events...)

	l, store := newLoader(t, net, []graph.Option{graph.WithMaxNodes(4)})
	l.LoadInitial(context.Background(), events[:1])
	waitIdle(t, l)

	assert.Equal(t, 4, store.Len())
	assert.Equal(t, 10, store.EdgeCount(), "edges to dropped nodes are kept")
	assert.Len(t, store.DanglingIDs(), 7)
	assertBounds(t, store)
}

func TestUnresolvableTargetStaysMissing(t *testing.T) {
	seed := note("seed", reply("ghost"))
	net := newNetwork(seed)

	l, store := newLoader(t, net, nil)
	l.LoadInitial(context.Background(), []*nostr.Event{seed})
	waitIdle(t, l)

	n, _ := store.Node("seed")
	assert.True(t, n.Processed)
	assert.True(t, store.HasEdge("seed", "ghost", graph.EdgeReply))
	assert.Equal(t, []string{"ghost"}, l.Missing())
	assert.Equal(t, 2, net.idRequests("ghost"), "one expansion fetch and one retry")
}

func TestNewReferenceMakesRetriedIDEligibleAgain(t *testing.T) {
	seed := note("seed", reply("ghost"))
	// found as an incoming reply to seed, and references ghost too
	child := note("child", reply("seed"), reply("ghost"))
	net := newNetwork(seed, child)

	l, store := newLoader(t, net, nil, WithBatchSize(1))
	l.LoadInitial(context.Background(), []*nostr.Event{seed})
	waitIdle(t, l)

	assert.True(t, store.HasEdge("child", "ghost", graph.EdgeReply))
	assert.Equal(t, []string{"ghost"}, l.Missing())
	// seed's expansion, retry, child's expansion, retry after child's new edge
	assert.Equal(t, 4, net.idRequests("ghost"))
}

func TestRepeatedEdgeDoesNotRearmRetry(t *testing.T) {
	seed := note("seed", reply("ghost"))
	net := newNetwork(seed)

	l, _ := newLoader(t, net, nil)
	l.LoadInitial(context.Background(), []*nostr.Event{seed})
	waitIdle(t, l)
	require.Equal(t, 2, net.idRequests("ghost"))

	l.mu.Lock()
	r := l.run
	l.mu.Unlock()

	l.addEdge(r, "seed", "ghost", graph.EdgeReply)
	l.retryMissing(r)
	assert.Equal(t, 2, net.idRequests("ghost"), "identical edge is not a new reference")

	l.addEdge(r, "other", "ghost", graph.EdgeQuote)
	l.retryMissing(r)
	assert.Equal(t, 3, net.idRequests("ghost"))
}

func TestMissingIsEmptyAfterDirectStoreReset(t *testing.T) {
	seed := note("seed", reply("ghost"))
	net := newNetwork(seed)

	l, store := newLoader(t, net, nil)
	l.LoadInitial(context.Background(), []*nostr.Event{seed})
	waitIdle(t, l)
	require.Equal(t, []string{"ghost"}, l.Missing())
	require.Equal(t, 1, l.Stats().Missing)

	store.Reset()
	assert.Empty(t, l.Missing())
	assert.Zero(t, l.Stats().Missing)
	assert.Zero(t, store.Len())
}

func TestMissingRetryAddsLateNodesNearTheBound(t *testing.T) {
	seed := note("seed", reply("late"))
	late := note("late")
	net := newNetwork(seed, late)
	net.hideOnce["late"] = true

	l, store := newLoader(t, net, []graph.Option{graph.WithMaxDepth(5)})
	l.LoadInitial(context.Background(), []*nostr.Event{seed})
	waitIdle(t, l)

	n, ok := store.Node("late")
	require.True(t, ok)
	assert.Equal(t, 4, n.Depth, "found late, placed at maxDepth-1")
	assert.True(t, n.Processed)
	assert.Empty(t, l.Missing())
}

func TestRetryDepthClampsAtZero(t *testing.T) {
	seed := note("seed", reply("late"))
	net := newNetwork(seed, note("late"))
	net.hideOnce["late"] = true

	l, store := newLoader(t, net, []graph.Option{graph.WithMaxDepth(1)})
	l.LoadInitial(context.Background(), []*nostr.Event{seed})
	waitIdle(t, l)

	n, ok := store.Node("late")
	require.True(t, ok)
	assert.Equal(t, 0, n.Depth)
}

func TestFetchFailuresAreAbsorbed(t *testing.T) {
	seed := note("seed", reply("parent"), quote("quoted"))
	net := newNetwork(seed, note("parent"), note("quoted"), note("child", reply("seed")))
	net.failIDs = true
	net.failQuery = true

	l, store := newLoader(t, net, nil)
	l.LoadInitial(context.Background(), []*nostr.Event{seed})
	waitIdle(t, l)

	assert.Equal(t, 1, store.Len())
	n, _ := store.Node("seed")
	assert.True(t, n.Processed)
	assert.Equal(t, 2, store.EdgeCount(), "edges are added before fetching")
	assert.ElementsMatch(t, []string{"parent", "quoted"}, l.Missing())
}

func TestBatchesRespectBatchSize(t *testing.T) {
	var seeds []*nostr.Event
	for i := range 25 {
		seeds = append(seeds, note(fmt.Sprintf("s%02d", i)))
	}
	net := newNetwork(seeds...)

	l, store := newLoader(t, net, nil, WithBatchSize(10))
	l.LoadInitial(context.Background(), seeds)
	waitIdle(t, l)

	assert.Equal(t, 3, l.Stats().Batches)
	assert.Empty(t, store.UnprocessedNodes())
}

func TestDuplicateSeedsExpandOnce(t *testing.T) {
	a := note("A")
	net := newNetwork(a)

	l, store := newLoader(t, net, nil)
	l.LoadInitial(context.Background(), []*nostr.Event{a, a, nil})
	waitIdle(t, l)

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 2, net.filterRequests("A"), "one reply lookup and one quote lookup")
}

func TestAdvanceIsNoOpWhileBatchInFlight(t *testing.T) {
	seed := note("seed")
	net := newNetwork(seed)
	net.gate = make(chan struct{})
	net.started = make(chan struct{}, 1)

	l, _ := newLoader(t, net, nil)
	l.LoadInitial(context.Background(), []*nostr.Event{seed})

	select {
	case <-net.started:
	case <-time.After(5 * time.Second):
		t.Fatal("batch never started")
	}
	require.True(t, l.Stats().Processing)

	done := make(chan struct{})
	go func() {
		l.Advance()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Advance blocked while a batch was in flight")
	}

	close(net.gate)
	waitIdle(t, l)
	assert.Equal(t, 1, l.Stats().Batches)
}

func TestResetDropsStaleResults(t *testing.T) {
	first := note("first", reply("first-parent"))
	second := note("second")
	net := newNetwork(first, note("first-parent"), second)
	net.gate = make(chan struct{})
	net.started = make(chan struct{}, 1)

	l, store := newLoader(t, net, nil)
	l.LoadInitial(context.Background(), []*nostr.Event{first})
	select {
	case <-net.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first traversal never fetched")
	}

	net.mu.Lock()
	stale := net.gate
	net.gate = nil
	net.mu.Unlock()
	l.LoadInitial(context.Background(), []*nostr.Event{second})
	waitIdle(t, l)

	// release the superseded traversal's pending fetches
	close(stale)
	time.Sleep(50 * time.Millisecond)

	assert.True(t, store.HasNode("second"))
	assert.False(t, store.HasNode("first"))
	assert.False(t, store.HasNode("first-parent"), "stale fetch results must not land")
	assert.False(t, store.HasEdge("first", "first-parent", graph.EdgeReply))
}

func TestLoadInitialResetsStore(t *testing.T) {
	a, b := note("A"), note("B")
	net := newNetwork(a, b)
	l, store := newLoader(t, net, nil)

	l.LoadInitial(context.Background(), []*nostr.Event{a})
	waitIdle(t, l)
	store.Select("A")

	l.LoadInitial(context.Background(), []*nostr.Event{b})
	waitIdle(t, l)

	assert.False(t, store.HasNode("A"))
	assert.True(t, store.HasNode("B"))
	_, selected := store.Selected()
	assert.False(t, selected)
}

func TestEmptySeedSetIsIdle(t *testing.T) {
	l, store := newLoader(t, newNetwork(), nil)
	l.LoadInitial(context.Background(), nil)
	waitIdle(t, l)
	assert.Equal(t, 0, store.Len())
}

func TestWaitWithoutTraversal(t *testing.T) {
	l, _ := newLoader(t, newNetwork(), nil)
	assert.NoError(t, l.Wait(context.Background()))
	assert.True(t, l.Stats().Idle)
}

func TestCloseStopsTraversal(t *testing.T) {
	seed := note("seed")
	net := newNetwork(seed)
	net.gate = make(chan struct{})
	defer close(net.gate)

	l, _ := newLoader(t, net, nil)
	l.LoadInitial(context.Background(), []*nostr.Event{seed})
	l.Close()
	waitIdle(t, l)
}
