// Package app wires config into the running pieces shared by the server
// and the crawl CLI: relay pool, optional event cache, graph store and
// loader.
package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/xanadu/internal/config"
	"github.com/ryandielhenn/xanadu/pkg/cache"
	"github.com/ryandielhenn/xanadu/pkg/graph"
	"github.com/ryandielhenn/xanadu/pkg/loader"
	"github.com/ryandielhenn/xanadu/pkg/relay"
)

type App struct {
	Pool    *relay.Pool
	Cache   *cache.Cache // nil when disabled
	Fetcher loader.Fetcher
	Store   *graph.Store
	Loader  *loader.Loader
}

func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	pool := relay.NewPool(cfg.Relays, logger,
		relay.WithFanout(cfg.Fanout),
		relay.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		relay.WithVerifyIDs(cfg.VerifyIDs),
	)
	a := &App{Pool: pool, Fetcher: pool}

	if cfg.CacheEnabled {
		c, err := cache.Open(cfg.CachePath, logger)
		if err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("open event cache: %w", err)
		}
		a.Cache = c
		a.Fetcher = cache.NewFetcher(c, pool)
	}

	a.Store = graph.NewStore(
		graph.WithMaxNodes(cfg.MaxNodes),
		graph.WithMaxDepth(cfg.MaxDepth),
	)
	a.Loader = loader.New(a.Store, a.Fetcher, logger,
		loader.WithBatchSize(cfg.BatchSize),
		loader.WithMissingBatchSize(cfg.MissingBatchSize),
		loader.WithYieldDelay(cfg.YieldDelay),
		loader.WithFetchTimeout(cfg.FetchTimeout),
	)
	return a, nil
}

// Close stops the traversal and releases relays and the cache.
func (a *App) Close() error {
	a.Loader.Close()
	err := a.Pool.Close()
	if a.Cache != nil {
		if cerr := a.Cache.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
