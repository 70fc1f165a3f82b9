package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/xanadu/discovery"
	"github.com/ryandielhenn/xanadu/internal/app"
	"github.com/ryandielhenn/xanadu/internal/config"
	"github.com/ryandielhenn/xanadu/internal/logging"
	"github.com/ryandielhenn/xanadu/internal/telemetry"
	"github.com/ryandielhenn/xanadu/pkg/server"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if wd, err := os.Getwd(); err == nil {
		_ = config.LoadDotEnv(wd)
	}
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		zap.NewExample().Fatal("build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry.SetBuildInfo(version, gitSHA)
	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Exporter:     cfg.TraceExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Version:      version,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// 1. Relays, cache, graph and loader
	logger.Info("[Boot] wiring", zap.Strings("relays", cfg.Relays), zap.Bool("cache", cfg.CacheEnabled))
	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// 2. Keep the relay set current, from etcd or the config file
	switch {
	case cfg.DiscoveryEnabled():
		cli, err := discovery.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			return err
		}
		defer cli.Close()
		logger.Info("[Boot] watching etcd for relays", zap.Strings("endpoints", cli.Endpoints()))
		go func() {
			err := discovery.WatchRelays(ctx, cli, logger, func(urls []string) {
				if len(urls) == 0 {
					urls = cfg.Relays
				}
				a.Pool.SetRelays(urls)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay watch stopped", zap.Error(err))
			}
		}()
	case cfg.File != "":
		go func() {
			err := config.Watch(ctx, cfg.File, logger, func(next *config.Config) {
				a.Pool.SetRelays(next.Relays)
			})
			if err != nil {
				logger.Error("config watch stopped", zap.Error(err))
			}
		}()
	}

	// 3. HTTP
	api := server.New(ctx, a.Store, a.Loader, a.Fetcher, logger,
		server.WithAllowedOrigins(cfg.CORSOrigins...),
		server.WithSeedTimeout(cfg.FetchTimeout),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("xanadu listening", zap.String("addr", cfg.HTTPAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
