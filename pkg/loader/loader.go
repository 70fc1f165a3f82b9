// Package loader drives bounded, batched discovery of the reference graph.
//
// A traversal starts from a seed set placed at depth 0. Each batch takes up
// to BatchSize ids off the frontier and expands them: outgoing reply and
// quote tags become edges right away (even when the target is still
// unknown), the targets are fetched by id, and relays are asked for notes
// that reply to or quote the node. Newly created nodes go back on the
// frontier one hop deeper. Edge endpoints that have no node are tracked as
// missing and retried by id after every batch.
//
// Exactly one batch runs at a time. Between batches the loop yields by
// scheduling the next batch with a timer, so a long traversal never holds a
// goroutine in a tight loop. Fetch failures count as empty results.
package loader

import (
	"context"
	"slices"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/xanadu/internal/telemetry"
	"github.com/ryandielhenn/xanadu/pkg/classify"
	"github.com/ryandielhenn/xanadu/pkg/graph"
	"github.com/ryandielhenn/xanadu/pkg/nostr"
)

const (
	DefaultBatchSize        = 10
	DefaultMissingBatchSize = 20
	DefaultYieldDelay       = 100 * time.Millisecond
	DefaultFetchTimeout     = 10 * time.Second
)

// Fetcher is the network side of the traversal. Missing items are simply
// absent from the result.
type Fetcher interface {
	FetchByIDs(ctx context.Context, ids []string) ([]*nostr.Event, error)
	FetchByFilter(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
}

type Option func(*Loader)

func WithBatchSize(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

func WithMissingBatchSize(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.missingBatchSize = n
		}
	}
}

func WithYieldDelay(d time.Duration) Option {
	return func(l *Loader) {
		if d >= 0 {
			l.yieldDelay = d
		}
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.fetchTimeout = d
		}
	}
}

// Loader owns one traversal at a time over a shared graph.Store. Depth and
// node-count bounds come from the store.
type Loader struct {
	store   *graph.Store
	fetcher Fetcher
	logger  *zap.Logger

	batchSize        int
	missingBatchSize int
	yieldDelay       time.Duration
	fetchTimeout     time.Duration

	mu  sync.Mutex
	run *run
}

func New(store *graph.Store, fetcher Fetcher, logger *zap.Logger, opts ...Option) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{
		store:            store,
		fetcher:          fetcher,
		logger:           logger.Named("loader"),
		batchSize:        DefaultBatchSize,
		missingBatchSize: DefaultMissingBatchSize,
		yieldDelay:       DefaultYieldDelay,
		fetchTimeout:     DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loader) MaxDepth() int { return l.store.MaxDepth() }

// run is the state of one traversal. Its queue fields are guarded by
// Loader.mu; graph writes go through epoch so a superseded run cannot touch
// the store after a reset.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	epoch  *graph.Epoch
	logger *zap.Logger

	frontier   []string
	queued     map[string]struct{}
	missing    *orderedmap.OrderedMap[string, struct{}]
	attempted  map[string]struct{}
	processing bool
	batches    int

	idle     chan struct{}
	idleOnce sync.Once
}

func (r *run) enqueue(id string) {
	if _, ok := r.queued[id]; ok {
		return
	}
	r.queued[id] = struct{}{}
	r.frontier = append(r.frontier, id)
}

func (r *run) markIdle() {
	r.idleOnce.Do(func() { close(r.idle) })
}

// LoadInitial replaces any running traversal: it resets the store, adds the
// seeds at depth 0 and starts the batch loop. ctx bounds the lifetime of
// the whole traversal, not just this call.
func (l *Loader) LoadInitial(ctx context.Context, events []*nostr.Event) {
	l.mu.Lock()
	if prev := l.run; prev != nil {
		prev.cancel()
		prev.markIdle()
	}

	runCtx, cancel := context.WithCancel(ctx)
	epoch := l.store.Reset()
	r := &run{
		ctx:       runCtx,
		cancel:    cancel,
		epoch:     epoch,
		logger:    l.logger.With(zap.Uint64("epoch", epoch.ID())),
		queued:    make(map[string]struct{}),
		missing:   orderedmap.New[string, struct{}](),
		attempted: make(map[string]struct{}),
		idle:      make(chan struct{}),
	}
	l.run = r

	for _, ev := range events {
		if ev == nil || ev.ID == "" {
			continue
		}
		if epoch.AddNode(ev.ID, ev, 0) {
			telemetry.NodesAdded.WithLabelValues("seed").Inc()
		}
		r.enqueue(ev.ID)
	}
	telemetry.FrontierSize.Set(float64(len(r.frontier)))
	telemetry.MissingSize.Set(0)
	l.mu.Unlock()

	r.logger.Info("traversal started", zap.Int("seeds", len(events)))
	go l.advance(r)
}

// Advance runs the next batch on the calling goroutine. It is a no-op while
// a batch is in flight or when the frontier is empty.
func (l *Loader) Advance() {
	l.mu.Lock()
	r := l.run
	l.mu.Unlock()
	if r != nil {
		l.advance(r)
	}
}

// Wait blocks until the current traversal is idle: frontier empty and no
// batch in flight.
func (l *Loader) Wait(ctx context.Context) error {
	l.mu.Lock()
	r := l.run
	l.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the current traversal. The graph keeps what was discovered.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.run != nil {
		l.run.cancel()
		l.run.markIdle()
	}
}

type Stats struct {
	Epoch      uint64 `json:"epoch"`
	Queued     int    `json:"queued"`
	Missing    int    `json:"missing"`
	Processing bool   `json:"processing"`
	Batches    int    `json:"batches"`
	Idle       bool   `json:"idle"`
}

func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.run
	if r == nil {
		return Stats{Idle: true}
	}
	st := Stats{
		Epoch:      r.epoch.ID(),
		Queued:     len(r.frontier),
		Processing: r.processing,
		Batches:    r.batches,
	}
	if r.epoch.Current() {
		st.Missing = r.missing.Len()
	}
	select {
	case <-r.idle:
		st.Idle = true
	default:
	}
	return st
}

// Missing lists ids referenced by edges that have no node, oldest first.
// Once the store has been reset under the traversal the list is empty.
func (l *Loader) Missing() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.run == nil || !l.run.epoch.Current() {
		return nil
	}
	out := make([]string, 0, l.run.missing.Len())
	for p := l.run.missing.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

// advance runs one batch, the missing-node retry, and schedules itself
// again after yieldDelay while the frontier is non-empty.
func (l *Loader) advance(r *run) {
	l.mu.Lock()
	if r != l.run || r.ctx.Err() != nil {
		r.markIdle()
		l.mu.Unlock()
		return
	}
	if r.processing {
		l.mu.Unlock()
		return
	}
	if len(r.frontier) == 0 {
		r.markIdle()
		l.mu.Unlock()
		return
	}
	r.processing = true
	n := min(l.batchSize, len(r.frontier))
	batch := slices.Clone(r.frontier[:n])
	r.frontier = slices.Delete(r.frontier, 0, n)
	for _, id := range batch {
		delete(r.queued, id)
	}
	l.mu.Unlock()

	l.runBatch(r, batch)
	l.retryMissing(r)

	l.mu.Lock()
	r.processing = false
	r.batches++
	more := len(r.frontier) > 0 && r == l.run && r.ctx.Err() == nil
	if !more {
		r.markIdle()
	}
	queued, missing := len(r.frontier), r.missing.Len()
	l.mu.Unlock()

	telemetry.BatchesTotal.Inc()
	telemetry.FrontierSize.Set(float64(queued))
	telemetry.MissingSize.Set(float64(missing))

	if more {
		time.AfterFunc(l.yieldDelay, func() { l.advance(r) })
		return
	}
	r.logger.Info("traversal settled",
		zap.Int("nodes", l.store.Len()),
		zap.Int("edges", l.store.EdgeCount()),
		zap.Int("missing", missing),
	)
}

func (l *Loader) runBatch(r *run, batch []string) {
	if !r.epoch.Current() {
		return
	}
	maxDepth := l.MaxDepth()

	var g errgroup.Group
	g.SetLimit(l.batchSize)
	for _, id := range batch {
		node, ok := l.store.Node(id)
		if !ok || node.Processed || node.Depth >= maxDepth {
			continue
		}
		g.Go(func() error {
			l.expand(r, node)
			r.epoch.MarkProcessed(node.ID)
			telemetry.NodesExpanded.Inc()
			return nil
		})
	}
	_ = g.Wait()
}

// expand follows the node's references one hop out, in both directions.
func (l *Loader) expand(r *run, node graph.Node) {
	ev := node.Event
	if ev == nil {
		return
	}
	depth := node.Depth + 1

	refs := classify.Outgoing(ev)
	for _, e := range refs.Edges(ev.ID) {
		l.addEdge(r, e.Source, e.Target, e.Type)
	}
	targets := refs.Targets()
	l.noteMissing(r, targets)

	var g errgroup.Group
	if !refs.Empty() {
		g.Go(func() error {
			for _, found := range l.fetchByIDs(r, targets) {
				l.discover(r, found, depth, "outgoing")
			}
			return nil
		})
	}
	g.Go(func() error {
		for _, in := range l.fetchByFilter(r, nostr.ReferencesTo(classify.TagReply, ev.ID)) {
			if in.ID == ev.ID || !classify.IsReplyTo(in, ev.ID) {
				continue
			}
			l.discover(r, in, depth, "incoming")
			l.addEdge(r, in.ID, ev.ID, graph.EdgeReply)
		}
		return nil
	})
	g.Go(func() error {
		for _, in := range l.fetchByFilter(r, nostr.ReferencesTo(classify.TagQuote, ev.ID)) {
			if in.ID == ev.ID || !classify.IsQuoteOf(in, ev.ID) {
				continue
			}
			l.discover(r, in, depth, "incoming")
			l.addEdge(r, in.ID, ev.ID, graph.EdgeQuote)
		}
		return nil
	})
	_ = g.Wait()

	l.noteMissing(r, l.store.DanglingIDs())
}

// retryMissing fetches up to missingBatchSize missing ids that have not
// been tried since they were last referenced. Found items join at
// maxDepth-1 rather than being re-measured from a seed.
func (l *Loader) retryMissing(r *run) {
	l.mu.Lock()
	if r != l.run {
		l.mu.Unlock()
		return
	}
	var batch []string
	for p := r.missing.Oldest(); p != nil && len(batch) < l.missingBatchSize; p = p.Next() {
		if _, tried := r.attempted[p.Key]; tried {
			continue
		}
		r.attempted[p.Key] = struct{}{}
		batch = append(batch, p.Key)
	}
	l.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	depth := max(l.MaxDepth()-1, 0)
	found := l.fetchByIDs(r, batch)
	for _, ev := range found {
		l.discover(r, ev, depth, "retry")
	}
	r.logger.Debug("retried missing events",
		zap.Int("requested", len(batch)),
		zap.Int("found", len(found)),
	)
}

// discover adds ev to the graph and queues it for expansion.
func (l *Loader) discover(r *run, ev *nostr.Event, depth int, source string) {
	if r.epoch.AddNode(ev.ID, ev, depth) {
		telemetry.NodesAdded.WithLabelValues(source).Inc()
	}
	if !l.store.HasNode(ev.ID) || !r.epoch.Current() {
		// capacity reached or superseded; the edge stays dangling
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r != l.run {
		return
	}
	r.missing.Delete(ev.ID)
	r.enqueue(ev.ID)
}

func (l *Loader) addEdge(r *run, source, target string, typ graph.EdgeType) {
	if !r.epoch.AddEdge(source, target, typ) {
		return
	}
	telemetry.EdgesAdded.WithLabelValues(string(typ)).Inc()
	l.mu.Lock()
	defer l.mu.Unlock()
	// a fresh reference makes an id worth retrying again
	delete(r.attempted, source)
	delete(r.attempted, target)
}

func (l *Loader) noteMissing(r *run, ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r != l.run {
		return
	}
	for _, id := range ids {
		if !l.store.HasNode(id) {
			r.missing.Set(id, struct{}{})
		}
	}
}

func (l *Loader) fetchByIDs(r *run, ids []string) []*nostr.Event {
	ctx, cancel := context.WithTimeout(r.ctx, l.fetchTimeout)
	defer cancel()

	start := time.Now()
	events, err := l.fetcher.FetchByIDs(ctx, ids)
	telemetry.ObserveFetch("by_ids", start, err)
	if err != nil {
		r.logger.Warn("fetch by ids failed", zap.Int("ids", len(ids)), zap.Error(err))
		return nil
	}

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := events[:0:0]
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if _, ok := want[ev.ID]; ok {
			out = append(out, ev)
		}
	}
	return out
}

func (l *Loader) fetchByFilter(r *run, filter nostr.Filter) []*nostr.Event {
	ctx, cancel := context.WithTimeout(r.ctx, l.fetchTimeout)
	defer cancel()

	start := time.Now()
	events, err := l.fetcher.FetchByFilter(ctx, filter)
	telemetry.ObserveFetch("by_filter", start, err)
	if err != nil {
		r.logger.Warn("fetch by filter failed", zap.Error(err))
		return nil
	}
	out := events[:0:0]
	for _, ev := range events {
		if ev != nil && ev.ID != "" {
			out = append(out, ev)
		}
	}
	return out
}
