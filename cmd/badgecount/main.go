// Command badgecount serves visitor-counting badges.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/nhalm/badgecount/badge"
	"github.com/nhalm/badgecount/config"
	"github.com/nhalm/badgecount/counter"
	"github.com/nhalm/badgecount/metrics"
	rlstore "github.com/nhalm/badgecount/ratelimit/store"
	"github.com/nhalm/badgecount/server"
	"github.com/nhalm/badgecount/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("badgecount exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) (err error) {
	st, limits, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, closeAll(limits, st))
	}()
	logger.Info("store ready",
		"backend", cfg.Store.Backend,
		"visitor_ttl", cfg.Store.VisitorTTL,
		"ratelimit", cfg.RateLimit.Enabled,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	svc := counter.New(st,
		counter.WithBadgeBuilder(badge.New(cfg.Badge.BaseURL)),
		counter.WithMetrics(m),
	)

	opts := []server.Option{
		server.WithMetrics(m, reg),
		server.WithLogger(logger),
	}
	if limits != nil {
		opts = append(opts, server.WithRateLimitStore(limits))
	}
	srv := server.New(cfg, svc, opts...)
	defer func() {
		err = multierr.Append(err, srv.Close())
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// openStores returns the visit store and, for the Redis backend, a rate
// limit store sharing its client. A nil rate limit store lets the server
// fall back to memory.
func openStores(cfg config.Config) (store.Store, rlstore.Store, error) {
	if cfg.Store.Backend != config.BackendRedis {
		return store.NewMemory(
			store.WithVisitorTTL(cfg.Store.VisitorTTL),
			store.WithSweepInterval(cfg.Store.SweepInterval),
		), nil, nil
	}

	st, err := store.NewRedis(store.RedisConfig{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		Prefix:       cfg.Redis.Prefix,
		VisitorTTL:   cfg.Store.VisitorTTL,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open redis store: %w", err)
	}

	var limits rlstore.Store
	if cfg.RateLimit.Enabled {
		limits = rlstore.NewRedisWithClient(st.Client(), st.Prefix()+"ratelimit:")
	}
	return st, limits, nil
}

func closeAll(limits rlstore.Store, st store.Store) error {
	var err error
	if limits != nil {
		err = multierr.Append(err, limits.Close())
	}
	return multierr.Append(err, st.Close())
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
