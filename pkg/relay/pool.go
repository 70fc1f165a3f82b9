package relay

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ryandielhenn/xanadu/internal/telemetry"
	"github.com/ryandielhenn/xanadu/pkg/nostr"
	"github.com/ryandielhenn/xanadu/pkg/ring"
)

var (
	ErrNoRelays         = errors.New("relay: no relays configured")
	ErrAllRelaysFailed  = errors.New("relay: every relay failed")
	tracer              = otel.Tracer("xanadu/relay")
	DefaultRelays       = []string{"wss://relay.damus.io", "wss://relay.primal.net", "wss://nos.lol", "wss://purplepag.es"}
	defaultBreakerReset = 30 * time.Second
)

// BreakerConfig tunes the per-relay circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          defaultBreakerReset,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

type PoolOption func(*Pool)

// WithFanout limits by-id lookups to n relays per id, chosen by the hash
// ring. n <= 0 asks every relay.
func WithFanout(n int) PoolOption {
	return func(p *Pool) { p.fanout = n }
}

// WithRateLimit caps REQs per second sent to each relay.
func WithRateLimit(perSecond float64, burst int) PoolOption {
	return func(p *Pool) {
		if perSecond > 0 {
			p.limit = rate.Limit(perSecond)
			p.burst = max(burst, 1)
		}
	}
}

func WithBreaker(cfg BreakerConfig) PoolOption {
	return func(p *Pool) { p.breaker = cfg }
}

// WithVerifyIDs drops events whose id does not hash from their contents.
func WithVerifyIDs(verify bool) PoolOption {
	return func(p *Pool) { p.verify = verify }
}

// Pool fans fetches out over a set of relays and merges the answers.
// It satisfies loader.Fetcher.
type Pool struct {
	logger  *zap.Logger
	fanout  int
	limit   rate.Limit
	burst   int
	breaker BreakerConfig
	verify  bool

	ring *ring.HashRing

	mu     sync.RWMutex
	relays map[string]*member
}

type member struct {
	relay   *Relay
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewPool(urls []string, logger *zap.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		logger:  logger.Named("relay"),
		limit:   rate.Inf,
		burst:   1,
		breaker: DefaultBreakerConfig(),
		ring:    ring.New(ring.DefaultReplicas, ring.FNV32a),
		relays:  make(map[string]*member),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.SetRelays(urls)
	return p
}

// SetRelays reconciles the pool with urls: new relays are added, relays no
// longer listed are closed.
func (p *Pool) SetRelays(urls []string) {
	want := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if u = NormalizeURL(u); u != "" {
			want[u] = struct{}{}
		}
	}

	p.mu.Lock()
	var stale []*Relay
	for u, m := range p.relays {
		if _, ok := want[u]; !ok {
			stale = append(stale, m.relay)
			delete(p.relays, u)
			p.ring.Remove(u)
		}
	}
	for u := range want {
		if _, ok := p.relays[u]; ok {
			continue
		}
		p.relays[u] = p.newMember(u)
		p.ring.Add(u)
	}
	p.mu.Unlock()

	for _, r := range stale {
		_ = r.Close()
	}
	p.logger.Info("relay set updated", zap.Strings("relays", p.Relays()))
}

func (p *Pool) newMember(url string) *member {
	cfg := p.breaker
	logger := p.logger
	return &member{
		relay:   New(url, p.logger),
		limiter: rate.NewLimiter(p.limit, p.burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        url,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.MinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("relay breaker state changed",
					zap.String("relay", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
				open := 0.0
				if to == gobreaker.StateOpen {
					open = 1
				}
				telemetry.RelayBreakerOpen.WithLabelValues(name).Set(open)
			},
		}),
	}
}

// Relays returns the configured relay urls, sorted.
func (p *Pool) Relays() []string { return p.ring.Members() }

func (p *Pool) Close() error {
	p.mu.Lock()
	relays := p.relays
	p.relays = make(map[string]*member)
	p.ring.Clear()
	p.mu.Unlock()
	for _, m := range relays {
		_ = m.relay.Close()
	}
	return nil
}

// FetchByIDs asks the relays owning each id and merges the results.
// Unknown ids are simply absent.
func (p *Pool) FetchByIDs(ctx context.Context, ids []string) ([]*nostr.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "relay.FetchByIDs", trace.WithAttributes(attribute.Int("ids", len(ids))))
	defer span.End()

	groups := make(map[string][]string)
	for _, id := range ids {
		for _, url := range p.owners(id) {
			groups[url] = append(groups[url], id)
		}
	}
	plan := make(map[string][]nostr.Filter, len(groups))
	for url, group := range groups {
		plan[url] = []nostr.Filter{{IDs: group}}
	}

	events, err := p.fanOut(ctx, plan)
	endSpan(span, len(events), err)
	return events, err
}

// FetchByFilter sends filter to every relay.
func (p *Pool) FetchByFilter(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	ctx, span := tracer.Start(ctx, "relay.FetchByFilter")
	defer span.End()

	plan := make(map[string][]nostr.Filter)
	for _, url := range p.Relays() {
		plan[url] = []nostr.Filter{filter}
	}
	events, err := p.fanOut(ctx, plan)
	endSpan(span, len(events), err)
	return events, err
}

func endSpan(span trace.Span, n int, err error) {
	span.SetAttributes(attribute.Int("events", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (p *Pool) owners(id string) []string {
	if p.fanout <= 0 {
		return p.ring.Members()
	}
	return p.ring.LookupN([]byte(id), p.fanout)
}

// fanOut queries every relay in plan concurrently. It fails only when every
// relay failed; partial answers win.
func (p *Pool) fanOut(ctx context.Context, plan map[string][]nostr.Filter) ([]*nostr.Event, error) {
	if len(plan) == 0 {
		return nil, ErrNoRelays
	}

	var (
		mu     sync.Mutex
		merged = make(map[string]*nostr.Event)
		errs   []error
	)
	var g errgroup.Group
	for url, filters := range plan {
		g.Go(func() error {
			events, err := p.query(ctx, url, filters)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", url, err))
				return nil
			}
			for _, ev := range events {
				if p.verify && !ev.CheckID() {
					continue
				}
				if _, ok := merged[ev.ID]; !ok {
					merged[ev.ID] = ev
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) == len(plan) {
		return nil, fmt.Errorf("%w: %w", ErrAllRelaysFailed, errors.Join(errs...))
	}
	for _, err := range errs {
		p.logger.Debug("relay query failed", zap.Error(err))
	}

	out := make([]*nostr.Event, 0, len(merged))
	for _, ev := range merged {
		out = append(out, ev)
	}
	slices.SortFunc(out, func(a, b *nostr.Event) int {
		if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (p *Pool) query(ctx context.Context, url string, filters []nostr.Filter) ([]*nostr.Event, error) {
	p.mu.RLock()
	m, ok := p.relays[url]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrClosed
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := m.breaker.Execute(func() (interface{}, error) {
		events, err := m.relay.Query(ctx, filters...)
		if err != nil && len(events) == 0 {
			return nil, err
		}
		// a timeout after some events is still a usable answer
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]*nostr.Event), nil
}
