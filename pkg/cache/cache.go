// Package cache keeps fetched events in badger so repeated by-id lookups
// skip the relays.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/ryandielhenn/xanadu/internal/telemetry"
	"github.com/ryandielhenn/xanadu/pkg/nostr"
)

var ErrNotFound = errors.New("cache: event not found")

const keyPrefix = "ev:"

func key(id string) []byte { return []byte(keyPrefix + id) }

type Cache struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens an on-disk cache at path, or an in-memory one when path is "".
func Open(path string, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	return &Cache{db: db, logger: logger.Named("cache")}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Put stores events. Events without an id are skipped.
func (c *Cache) Put(events ...*nostr.Event) error {
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, ev := range events {
		if ev == nil || ev.ID == "" {
			continue
		}
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		if err := wb.Set(key(ev.ID), b); err != nil {
			return fmt.Errorf("stage event %s: %w", ev.ID, err)
		}
	}
	return wb.Flush()
}

func (c *Cache) Get(id string) (*nostr.Event, error) {
	var ev *nostr.Event
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		ev, err = get(txn, id)
		return err
	})
	return ev, err
}

// GetMany returns the cached events among ids and the ids it did not have,
// both in input order.
func (c *Cache) GetMany(ids []string) (found []*nostr.Event, missing []string, err error) {
	err = c.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			ev, err := get(txn, id)
			switch {
			case errors.Is(err, ErrNotFound):
				missing = append(missing, id)
			case err != nil:
				return err
			default:
				found = append(found, ev)
			}
		}
		return nil
	})
	return found, missing, err
}

func get(txn *badger.Txn, id string) (*nostr.Event, error) {
	item, err := txn.Get(key(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read event %s: %w", id, err)
	}
	ev := new(nostr.Event)
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, ev)
	}); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	return ev, nil
}

// Upstream is the fetch surface the cache sits in front of.
type Upstream interface {
	FetchByIDs(ctx context.Context, ids []string) ([]*nostr.Event, error)
	FetchByFilter(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
}

// Fetcher serves by-id lookups from the cache and only sends misses
// upstream. Filter lookups always go upstream. Everything fetched is
// written back.
type Fetcher struct {
	cache    *Cache
	upstream Upstream
}

func NewFetcher(c *Cache, upstream Upstream) *Fetcher {
	return &Fetcher{cache: c, upstream: upstream}
}

func (f *Fetcher) FetchByIDs(ctx context.Context, ids []string) ([]*nostr.Event, error) {
	found, missing, err := f.cache.GetMany(ids)
	if err != nil {
		f.cache.logger.Warn("cache read failed, going upstream", zap.Error(err))
		found, missing = nil, ids
	}
	telemetry.CacheLookups.WithLabelValues("hit").Add(float64(len(found)))
	telemetry.CacheLookups.WithLabelValues("miss").Add(float64(len(missing)))
	if len(missing) == 0 {
		return found, nil
	}

	fetched, err := f.upstream.FetchByIDs(ctx, missing)
	if err != nil {
		if len(found) > 0 {
			f.cache.logger.Debug("upstream failed, serving cached subset", zap.Error(err))
			return found, nil
		}
		return nil, err
	}
	f.store(fetched)
	return append(found, fetched...), nil
}

func (f *Fetcher) FetchByFilter(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	events, err := f.upstream.FetchByFilter(ctx, filter)
	if err != nil {
		return nil, err
	}
	f.store(events)
	return events, nil
}

func (f *Fetcher) store(events []*nostr.Event) {
	if len(events) == 0 {
		return
	}
	if err := f.cache.Put(events...); err != nil {
		f.cache.logger.Warn("cache write failed", zap.Error(err))
	}
}
