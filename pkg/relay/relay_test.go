package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryandielhenn/xanadu/pkg/nostr"
)

// fakeRelay answers REQs from a fixed event set and then sends EOSE.
type fakeRelay struct {
	t      *testing.T
	srv    *httptest.Server
	events []*nostr.Event

	silent  bool // never send EOSE
	closeOn bool // answer every REQ with CLOSED
	reqs    atomic.Int32

	mu      sync.Mutex
	filters []nostr.Filter
}

func newFakeRelay(t *testing.T, events ...*nostr.Event) *fakeRelay {
	t.Helper()
	f := &fakeRelay{t: t, events: events}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRelay) seen() []nostr.Filter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]nostr.Filter(nil), f.filters...)
}

var upgrader = websocket.Upgrader{}

func (f *fakeRelay) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := nostr.ParseMessage(data)
		if err != nil {
			continue
		}
		req, ok := msg.(nostr.ReqMessage)
		if !ok {
			continue
		}
		f.reqs.Add(1)
		f.mu.Lock()
		f.filters = append(f.filters, req.Filters...)
		f.mu.Unlock()

		if f.closeOn {
			_ = ws.WriteJSON(nostr.ClosedMessage{SubID: req.SubID, Reason: "blocked: test"})
			continue
		}
		for _, ev := range f.events {
			if matchesAny(req.Filters, ev) {
				_ = ws.WriteJSON(nostr.EventMessage{SubID: req.SubID, Event: ev})
			}
		}
		// something the filter did not ask for
		_ = ws.WriteJSON(nostr.EventMessage{SubID: req.SubID, Event: mkEvent("unrequested", 1)})
		if !f.silent {
			_ = ws.WriteJSON(nostr.EOSEMessage{SubID: req.SubID})
		}
	}
}

func mkEvent(content string, createdAt int64, tags ...nostr.Tag) *nostr.Event {
	ev := &nostr.Event{
		PubKey:    strings.Repeat("a", 64),
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      nostr.KindTextNote,
		Tags:      tags,
		Content:   content,
	}
	ev.ID = ev.ComputeID()
	return ev
}

func TestQueryCollectsUntilEOSE(t *testing.T) {
	a := mkEvent("a", 10)
	b := mkEvent("b", 20)
	f := newFakeRelay(t, a, b)

	r := New(f.URL(), zap.NewNop())
	defer r.Close()

	events, err := r.Query(context.Background(), nostr.Filter{IDs: []string{a.ID}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, a.ID, events[0].ID)
	assert.True(t, r.Connected())

	// same connection is reused
	_, err = r.Query(context.Background(), nostr.Filter{IDs: []string{b.ID}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.reqs.Load())
}

func TestQueryTimeoutReturnsPartial(t *testing.T) {
	a := mkEvent("a", 10)
	f := newFakeRelay(t, a)
	f.silent = true

	r := New(f.URL(), zap.NewNop())
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	events, err := r.Query(ctx, nostr.Filter{IDs: []string{a.ID}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, events, 1)
	assert.Equal(t, a.ID, events[0].ID)
}

func TestQueryClosedByRelay(t *testing.T) {
	f := newFakeRelay(t)
	f.closeOn = true

	r := New(f.URL(), zap.NewNop())
	defer r.Close()

	_, err := r.Query(context.Background(), nostr.Filter{Kinds: []int{1}})
	require.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestQueryAfterClose(t *testing.T) {
	f := newFakeRelay(t)
	r := New(f.URL(), zap.NewNop())
	require.NoError(t, r.Close())

	_, err := r.Query(context.Background(), nostr.Filter{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueryDialFailure(t *testing.T) {
	r := New("ws://127.0.0.1:1", zap.NewNop())
	_, err := r.Query(context.Background(), nostr.Filter{})
	require.Error(t, err)
	assert.False(t, r.Connected())
}

func TestLateDropOfOldConnectionSparesNewSubscriptions(t *testing.T) {
	a := mkEvent("a", 10)
	f := newFakeRelay(t, a)
	f.silent = true

	r := New(f.URL(), zap.NewNop())
	defer r.Close()

	old, err := r.connect(context.Background())
	require.NoError(t, err)
	r.drop(old, errors.New("write failed"))
	require.False(t, r.Connected())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	type result struct {
		events []*nostr.Event
		err    error
	}
	done := make(chan result, 1)
	go func() {
		events, err := r.Query(ctx, nostr.Filter{IDs: []string{a.ID}})
		done <- result{events, err}
	}()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.subs) == 1
	}, time.Second, 5*time.Millisecond)
	r.drop(old, errors.New("late error on old conn"))

	res := <-done
	require.ErrorIs(t, res.err, context.DeadlineExceeded)
	assert.NotErrorIs(t, res.err, ErrConnectionLost)
	require.Len(t, res.events, 1)
	assert.True(t, r.Connected())
}

func TestCloseDoesNotWaitForSlowDial(t *testing.T) {
	// accepts TCP but never completes the websocket handshake
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	r := New("ws://"+ln.Addr().String(), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := r.Query(ctx, nostr.Filter{})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	assert.False(t, r.Connected())
	require.NoError(t, r.Close())
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	require.Error(t, <-done)
	assert.False(t, r.Connected())
}

func TestPoolFetchByIDsMergesAndSorts(t *testing.T) {
	older := mkEvent("older", 10)
	newer := mkEvent("newer", 20)
	r1 := newFakeRelay(t, older)
	r2 := newFakeRelay(t, older, newer)

	p := NewPool([]string{r1.URL(), r2.URL()}, zap.NewNop())
	defer p.Close()

	events, err := p.FetchByIDs(context.Background(), []string{older.ID, newer.ID, "unknown"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, newer.ID, events[0].ID)
	assert.Equal(t, older.ID, events[1].ID)
}

func TestPoolFanoutSplitsIDs(t *testing.T) {
	r1 := newFakeRelay(t)
	r2 := newFakeRelay(t)
	p := NewPool([]string{r1.URL(), r2.URL()}, zap.NewNop(), WithFanout(1))
	defer p.Close()

	ids := []string{"x1", "x2", "x3", "x4", "x5", "x6", "x7", "x8"}
	_, err := p.FetchByIDs(context.Background(), ids)
	require.NoError(t, err)

	var asked int
	for _, f := range []*fakeRelay{r1, r2} {
		for _, flt := range f.seen() {
			asked += len(flt.IDs)
		}
	}
	assert.Equal(t, len(ids), asked, "each id goes to exactly one relay")
}

func TestPoolFetchByFilterToleratesOneFailure(t *testing.T) {
	target := mkEvent("target", 5)
	reply := mkEvent("reply", 6, nostr.Tag{"e", target.ID, "", "reply"})
	good := newFakeRelay(t, reply)

	p := NewPool([]string{good.URL(), "ws://127.0.0.1:1"}, zap.NewNop())
	defer p.Close()

	events, err := p.FetchByFilter(context.Background(), nostr.ReferencesTo("e", target.ID))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, reply.ID, events[0].ID)
}

func TestPoolAllRelaysFailed(t *testing.T) {
	p := NewPool([]string{"ws://127.0.0.1:1", "ws://127.0.0.1:2"}, zap.NewNop())
	defer p.Close()

	_, err := p.FetchByFilter(context.Background(), nostr.Filter{Kinds: []int{1}})
	require.ErrorIs(t, err, ErrAllRelaysFailed)
}

func TestPoolNoRelays(t *testing.T) {
	p := NewPool(nil, zap.NewNop())
	_, err := p.FetchByFilter(context.Background(), nostr.Filter{})
	require.ErrorIs(t, err, ErrNoRelays)

	events, err := p.FetchByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPoolVerifyIDsDropsForgeries(t *testing.T) {
	forged := mkEvent("forged", 10)
	forged.Content = "tampered"
	f := newFakeRelay(t, forged)

	p := NewPool([]string{f.URL()}, zap.NewNop(), WithVerifyIDs(true))
	defer p.Close()

	events, err := p.FetchByIDs(context.Background(), []string{forged.ID})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPoolSetRelaysReconciles(t *testing.T) {
	p := NewPool([]string{"wss://a", "wss://b"}, zap.NewNop())
	defer p.Close()

	p.SetRelays([]string{"wss://b", "wss://c", ""})
	assert.Equal(t, []string{"wss://b", "wss://c"}, p.Relays())

	require.NoError(t, p.Close())
	assert.Empty(t, p.Relays())
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.MinRequests = 2
	cfg.FailureThreshold = 0.5
	p := NewPool([]string{"ws://127.0.0.1:1"}, zap.NewNop(), WithBreaker(cfg))
	defer p.Close()

	for range 3 {
		_, _ = p.FetchByFilter(context.Background(), nostr.Filter{})
	}
	_, err := p.FetchByFilter(context.Background(), nostr.Filter{})
	require.ErrorIs(t, err, ErrAllRelaysFailed)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}

func TestEventMessageWireShape(t *testing.T) {
	ev := mkEvent("x", 1)
	b, err := json.Marshal(nostr.EventMessage{SubID: "s", Event: ev})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), `["EVENT","s",`))
}

func TestNormalizeURL(t *testing.T) {
	tests := map[string]string{
		"wss://nos.lol":         "wss://nos.lol",
		"nos.lol/":              "wss://nos.lol",
		" relay.damus.io ":      "wss://relay.damus.io",
		"https://purplepag.es/": "wss://purplepag.es",
		"http://127.0.0.1:7777": "ws://127.0.0.1:7777",
		"ws://localhost:1/":     "ws://localhost:1",
		"":                      "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeURL(in), in)
	}
}
