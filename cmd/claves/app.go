package main

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/claves-engine/config"
	"github.com/warp/claves-engine/engine"
	"github.com/warp/claves-engine/lock"
	"github.com/warp/claves-engine/lock/redislock"
	"github.com/warp/claves-engine/logger"
	"github.com/warp/claves-engine/metrics"
	"github.com/warp/claves-engine/store/sqlite"
)

// app is everything a subcommand needs.
type app struct {
	cfg *config.Config
	log *zap.Logger
	eng *engine.Engine
	reg *prometheus.Registry
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return a, nil
}

// newApp opens the store, syncs the badge catalog into it and builds the
// engine. With Redis configured, per-user locks are shared across
// instances; otherwise they are in-process.
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	engCfg, err := cfg.EngineConfig()
	if err != nil {
		return nil, fmt.Errorf("economy config: %w", err)
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("badge catalog: %w", err)
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := store.SyncBadgeDefinitions(ctx, catalog.All()); err != nil {
		store.Close()
		return nil, fmt.Errorf("sync badge definitions: %w", err)
	}

	var (
		locker  lock.Locker = lock.NewKeyed()
		closers []io.Closer
	)
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			store.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		locker = redislock.New(client,
			redislock.WithTTL(cfg.Redis.LockTTL),
			redislock.WithLogger(log.Named("lock")))
		closers = append(closers, client)
		log.Info("using redis locks", zap.String("addr", cfg.Redis.Addr))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng, err := engine.New(engCfg, engine.Deps{
		Store:   store,
		Catalog: catalog,
		Locker:  locker,
		Logger:  log,
		Metrics: metrics.New(reg),
		Closers: closers,
	})
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		store.Close()
		return nil, err
	}

	return &app{cfg: cfg, log: log, eng: eng, reg: reg}, nil
}

func (a *app) Close() error { return a.eng.Close() }
