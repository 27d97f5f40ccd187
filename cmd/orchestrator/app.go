package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/redis/go-redis/v9"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/bus"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/config"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/dispatcher"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/pool"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/recovery"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/resilience"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/store"
	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// busBuffer is the per-subscriber queue length of the in-memory bus.
const busBuffer = 256

// app holds the wired orchestrator components.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	redis      *redis.Client
	store      store.Store
	bus        bus.Bus
	nodes      *pool.Pool
	inference  *pool.Pool
	pools      *pool.Registry
	retrier    *resilience.Retrier
	dispatcher *dispatcher.Dispatcher
	recovery   *recovery.Coordinator
}

// newApp connects the store and bus backends and builds the pools, the
// retrier, the dispatcher and the recovery coordinator.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.StoreType == "redis" || cfg.BusType == "redis" {
		redisCfg := store.DefaultRedisConfig()
		redisCfg.URL = cfg.RedisURL
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		client, err := store.NewRedisClient(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = client
		logger.Info("connected to redis", slog.String("url", cfg.RedisURL))
	}

	switch cfg.StoreType {
	case "redis":
		a.store = store.NewRedisStoreWithClient(a.redis, cfg.KeyPrefix, cfg.Retention)
		logger.Info("using redis store", slog.String("prefix", cfg.KeyPrefix))
	default:
		a.store = store.NewMemoryStore()
		logger.Info("using in-memory store")
	}

	switch cfg.BusType {
	case "redis":
		a.bus = bus.NewRedisBus(a.redis, cfg.KeyPrefix, logger)
		logger.Info("using redis bus", slog.String("prefix", cfg.KeyPrefix))
	default:
		a.bus = bus.NewMemoryBus(busBuffer)
		logger.Info("using in-memory bus")
	}

	breaker := resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
	}

	nodesStrategy, err := pool.ParseStrategy(cfg.PoolStrategy)
	if err != nil {
		a.Close()
		return nil, err
	}
	nodesCfg := pool.DefaultConfig("nodes")
	nodesCfg.Strategy = nodesStrategy
	nodesCfg.MaxAge = cfg.NodeMaxAge
	nodesCfg.Breaker = breaker
	nodesCfg.Logger = logger
	a.nodes = pool.New(nodesCfg)

	inferenceStrategy, err := pool.ParseStrategy(cfg.InferenceStrategy)
	if err != nil {
		a.Close()
		return nil, err
	}
	inferenceCfg := pool.DefaultConfig("inference")
	inferenceCfg.Strategy = inferenceStrategy
	inferenceCfg.WeightedLoad = true
	inferenceCfg.Breaker = breaker
	inferenceCfg.Logger = logger
	a.inference = pool.New(inferenceCfg)
	for _, ep := range cfg.InferenceEndpoints {
		err := a.inference.Register(pool.MemberSpec{
			Name:    ep.Name,
			Address: ep.Address,
			Capabilities: types.Capabilities{
				Models:             ep.Models,
				Tags:               ep.Tags,
				MaxConcurrentTasks: ep.MaxConcurrent,
			},
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("register inference endpoint %s: %w", ep.Name, err)
		}
	}
	a.pools = pool.NewRegistry(a.nodes, a.inference)

	policies := resilience.DefaultPolicies()
	maps.Copy(policies, cfg.RetryPolicies)
	a.retrier = resilience.NewRetrier(
		resilience.NewBreakers(breaker),
		resilience.WithPolicies(policies),
		resilience.WithLogger(logger),
	)

	a.dispatcher = dispatcher.New(a.store, a.bus, a.nodes, a.retrier, &dispatcher.Config{
		Interval:                 cfg.DispatchInterval,
		MaxConcurrentAssignments: cfg.MaxConcurrentAssignments,
		StarvationThreshold:      cfg.StarvationThreshold,
		Logger:                   logger,
	})
	a.recovery = recovery.New(a.store, a.dispatcher, a.retrier, &recovery.Config{Logger: logger})
	return a, nil
}

// resumeUnfinished resumes unfinished workflows. Workflows that fail to
// resume are logged and do not stop startup.
func (a *app) resumeUnfinished(ctx context.Context) {
	resumed, err := a.recovery.Recover(ctx)
	if err != nil {
		a.logger.Warn("recovery incomplete", slog.String("error", err.Error()))
	}
	blocked := 0
	for _, c := range resumed {
		blocked += len(c.Blocked)
	}
	a.logger.Info("recovery finished",
		slog.Int("workflows", len(resumed)),
		slog.Int("blocked_tasks", blocked),
	)
}

// Close releases the bus, the store and the shared redis connection.
func (a *app) Close() error {
	var errs []error
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
