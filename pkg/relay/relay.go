// Package relay talks to Nostr relays over websockets and fans fetches out
// across a pool of them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ryandielhenn/xanadu/internal/telemetry"
	"github.com/ryandielhenn/xanadu/pkg/nostr"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

var (
	ErrClosed             = errors.New("relay: closed")
	ErrConnectionLost     = errors.New("relay: connection lost")
	ErrSubscriptionClosed = errors.New("relay: subscription closed by relay")
)

// Relay is one lazily connected relay. A dropped connection is redialled by
// the next Query.
type Relay struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	logger *zap.Logger

	mu     sync.Mutex
	conn   *connection
	subs   map[string]*subscription
	closed bool
}

type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (c *connection) write(msg nostr.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

type subscription struct {
	conn    *connection
	filters []nostr.Filter

	mu     sync.Mutex
	events []*nostr.Event
	err    error
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) add(ev *nostr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) result() ([]*nostr.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*nostr.Event(nil), s.events...), s.err
}

func New(url string, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: logger.With(zap.String("relay", url)),
		subs:   make(map[string]*subscription),
	}
}

func (r *Relay) URL() string { return r.url }

// Connected reports whether a live connection exists right now.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Query opens a subscription, collects events until the relay sends EOSE
// or CLOSED, then closes the subscription. When ctx ends first the events
// gathered so far are returned along with ctx's error.
func (r *Relay) Query(ctx context.Context, filters ...nostr.Filter) ([]*nostr.Event, error) {
	conn, err := r.connect(ctx)
	if err != nil {
		telemetry.RelayQueries.WithLabelValues(r.url, "error").Inc()
		return nil, err
	}

	subID := uuid.NewString()
	sub := &subscription{conn: conn, filters: filters, done: make(chan struct{})}
	r.mu.Lock()
	r.subs[subID] = sub
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.subs, subID)
		r.mu.Unlock()
	}()

	if err := conn.write(nostr.ReqMessage{SubID: subID, Filters: filters}); err != nil {
		r.drop(conn, err)
		telemetry.RelayQueries.WithLabelValues(r.url, "error").Inc()
		return nil, fmt.Errorf("send REQ to %s: %w", r.url, err)
	}

	select {
	case <-sub.done:
	case <-ctx.Done():
		sub.finish(ctx.Err())
	}

	select {
	case <-conn.done:
	default:
		if err := conn.write(nostr.CloseMessage{SubID: subID}); err != nil {
			r.logger.Debug("send CLOSE failed", zap.Error(err))
		}
	}

	events, err := sub.result()
	telemetry.RelayQueries.WithLabelValues(r.url, telemetry.Outcome(err)).Inc()
	telemetry.RelayEvents.WithLabelValues(r.url).Add(float64(len(events)))
	return events, err
}

func (r *Relay) connect(ctx context.Context) (*connection, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if c := r.conn; c != nil {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	ws, _, err := r.dialer.DialContext(ctx, r.url, r.header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", r.url, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = ws.Close()
		return nil, ErrClosed
	}
	if r.conn != nil {
		// lost a dial race
		_ = ws.Close()
		return r.conn, nil
	}

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &connection{ws: ws, done: make(chan struct{})}
	r.conn = c
	go r.readPump(c)
	go r.pingPump(c)
	r.logger.Debug("connected")
	return c, nil
}

// drop retires c and fails the subscriptions riding on it. Subscriptions
// on a newer connection are untouched, so late drops of c are harmless.
func (r *Relay) drop(c *connection, cause error) {
	r.mu.Lock()
	if r.conn == c {
		r.conn = nil
	}
	var subs []*subscription
	for _, s := range r.subs {
		if s.conn == c {
			subs = append(subs, s)
		}
	}
	r.mu.Unlock()

	c.close()
	for _, s := range subs {
		s.finish(fmt.Errorf("%w: %v", ErrConnectionLost, cause))
	}
}

func (r *Relay) readPump(c *connection) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn("relay read error", zap.Error(err))
			}
			r.drop(c, err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := nostr.ParseMessage(data)
		if err != nil {
			r.logger.Debug("skipping message", zap.Error(err))
			continue
		}
		r.dispatch(msg)
	}
}

func (r *Relay) dispatch(msg nostr.Message) {
	switch m := msg.(type) {
	case nostr.EventMessage:
		if sub := r.sub(m.SubID); sub != nil && matchesAny(sub.filters, m.Event) {
			sub.add(m.Event)
		}
	case nostr.EOSEMessage:
		if sub := r.sub(m.SubID); sub != nil {
			sub.finish(nil)
		}
	case nostr.ClosedMessage:
		if sub := r.sub(m.SubID); sub != nil {
			sub.finish(fmt.Errorf("%w: %s", ErrSubscriptionClosed, m.Reason))
		}
	case nostr.NoticeMessage:
		r.logger.Info("relay notice", zap.String("notice", m.Text))
	}
}

func (r *Relay) sub(id string) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id]
}

func (r *Relay) pingPump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				r.drop(c, err)
				return
			}
		}
	}
}

// Close shuts the connection down; later queries fail with ErrClosed.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	c := r.conn
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	r.drop(c, ErrClosed)
	return nil
}

func matchesAny(filters []nostr.Filter, ev *nostr.Event) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}
