package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/companyid/internal/config"
	"github.com/sells-group/companyid/internal/model"
	"github.com/sells-group/companyid/internal/normalize"
	"github.com/sells-group/companyid/internal/override"
	"github.com/sells-group/companyid/internal/store"
	"github.com/sells-group/companyid/internal/tempid"
	"github.com/sells-group/companyid/internal/waterfall"
	"github.com/sells-group/companyid/internal/waterfall/provider"
	"github.com/sells-group/companyid/pkg/registryapi"
)

// resolverEnv holds the wired dependencies of a resolution run.
type resolverEnv struct {
	Store     store.Store
	Queue     store.PendingQueue
	Norm      *normalize.Normalizer
	Overrides *override.Table
	Provider  provider.Provider
	TempIDs   *tempid.Generator
	Strategy  waterfall.Strategy

	budgetLimit int
	opts        []waterfall.Option
	closers     []func() error
}

// NewResolver returns a resolver with a fresh registry budget. The circuit
// breaker and stores are shared between resolvers of one env.
func (e *resolverEnv) NewResolver() (*waterfall.Resolver, *provider.Budget) {
	opts := append([]waterfall.Option(nil), e.opts...)
	var budget *provider.Budget
	if e.Provider != nil {
		budget = provider.NewBudget(e.budgetLimit)
		opts = append(opts, waterfall.WithProvider(e.Provider, budget))
	}
	return waterfall.NewResolver(e.Norm, opts...), budget
}

// Close releases the store and queue connections.
func (e *resolverEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
}

func newNormalizer(c config.NormalizeConfig) *normalize.Normalizer {
	rules := normalize.DefaultRules()
	if len(c.NoiseTokens) > 0 {
		rules.NoiseTokens = c.NoiseTokens
	}
	if c.DecorativeGlyphs != "" {
		rules.DecorativeGlyphs = c.DecorativeGlyphs
	}
	return normalize.New(rules)
}

func initStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case "sqlite":
		dsn := c.DatabaseURL
		if dsn == "" {
			dsn = "companyid.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, c.DatabaseURL, &store.PoolConfig{
			MaxConns: c.MaxConns,
			MinConns: c.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initQueue(ctx context.Context, st store.Store) (store.PendingQueue, func() error, error) {
	if cfg.Resolver.QueueBackend != "redis" {
		return st, nil, nil
	}
	q, err := store.NewRedisQueue(ctx, store.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, nil, eris.Wrap(err, "open redis queue")
	}
	return q, q.Close, nil
}

func initProvider(c config.RegistryConfig) provider.Provider {
	if !c.Enabled {
		return nil
	}
	client := registryapi.NewClient(c.Token,
		registryapi.WithBaseURL(c.BaseURL),
		registryapi.WithRateLimit(c.RatePerSec, c.RateBurst),
	)
	p := provider.NewGuarded(provider.NewHTTP("registry", client), c.Resilience.Retry(), c.Resilience.Circuit())
	return p
}

// buildStrategy returns the strategy from resolver.strategy_path, or from the
// resolver config section when no path is set.
func buildStrategy(c config.ResolverConfig, reg config.RegistryConfig) (waterfall.Strategy, error) {
	if c.StrategyPath != "" {
		return waterfall.LoadStrategy(c.StrategyPath)
	}

	s := waterfall.DefaultStrategy()
	s.PlanCodeColumn = c.PlanCodeColumn
	s.CustomerNameColumn = c.CustomerNameColumn
	s.AccountNameColumn = c.AccountNameColumn
	s.AccountNumberColumn = c.AccountNumberColumn
	s.ExistingIDColumn = c.ExistingIDColumn
	s.OutputColumn = c.OutputColumn
	s.RowKeyColumn = c.RowKeyColumn
	s.Workers = c.Workers
	s.GenerateTempIDs = c.GenerateTempIDs
	s.EnableBackflow = c.EnableBackflow
	s.EnableAsyncQueue = c.EnableAsyncQueue
	s.ExistingConfidence = c.ExistingConfidence
	s.SourceDomain = c.SourceDomain
	s.SourceTable = c.SourceTable
	s.EnableRegistry = reg.Enabled
	if reg.TimeoutMs > 0 {
		s.RegistryTimeout = time.Duration(reg.TimeoutMs) * time.Millisecond
	}
	if len(c.LookupOrder) > 0 {
		s.LookupOrder = nil
		for _, name := range c.LookupOrder {
			lt, err := model.ParseLookupType(name)
			if err != nil {
				return waterfall.Strategy{}, model.NewConfigurationError(err, "resolver.lookup_order")
			}
			s.LookupOrder = append(s.LookupOrder, lt)
		}
	}
	if err := s.Validate(); err != nil {
		return waterfall.Strategy{}, err
	}
	return s, nil
}

// initResolver wires the full waterfall from configuration.
func initResolver(ctx context.Context, mode string) (*resolverEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	strategy, err := buildStrategy(cfg.Resolver, cfg.Registry)
	if err != nil {
		return nil, err
	}

	env := &resolverEnv{Strategy: strategy, Norm: newNormalizer(cfg.Normalize)}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st
	env.closers = append(env.closers, st.Close)

	q, closeQueue, err := initQueue(ctx, st)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Queue = q
	if closeQueue != nil {
		env.closers = append(env.closers, closeQueue)
	}

	env.Overrides = override.New(env.Norm)
	if cfg.Overrides.Path != "" {
		if err := env.Overrides.LoadFile(cfg.Overrides.Path); err != nil {
			env.Close()
			return nil, err
		}
	}

	env.Provider = initProvider(cfg.Registry)
	env.budgetLimit = cfg.Registry.Budget

	env.opts = []waterfall.Option{
		waterfall.WithOverrides(env.Overrides),
		waterfall.WithCache(st),
		waterfall.WithQueue(q),
	}
	if cfg.TempID.Secret != "" {
		gen, err := tempid.New(cfg.TempID.Secret)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.TempIDs = gen
		env.opts = append(env.opts, waterfall.WithTempIDs(gen))
	}

	zap.L().Info("resolver initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("queue", cfg.Resolver.QueueBackend),
		zap.Bool("registry", env.Provider != nil),
		zap.Int("overrides", env.Overrides.Len()),
	)
	return env, nil
}
