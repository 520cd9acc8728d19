package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alanyoungcy/dexswap/internal/aggregator"
	"github.com/alanyoungcy/dexswap/internal/aggregator/openocean"
	"github.com/alanyoungcy/dexswap/internal/aggregator/paraswap"
	"github.com/alanyoungcy/dexswap/internal/aggregator/zeroex"
	s3blob "github.com/alanyoungcy/dexswap/internal/blob/s3"
	"github.com/alanyoungcy/dexswap/internal/cache/redis"
	"github.com/alanyoungcy/dexswap/internal/chain"
	"github.com/alanyoungcy/dexswap/internal/config"
	"github.com/alanyoungcy/dexswap/internal/crypto"
	"github.com/alanyoungcy/dexswap/internal/domain"
	"github.com/alanyoungcy/dexswap/internal/eventbus"
	"github.com/alanyoungcy/dexswap/internal/executor"
	"github.com/alanyoungcy/dexswap/internal/idempotency"
	"github.com/alanyoungcy/dexswap/internal/metrics"
	"github.com/alanyoungcy/dexswap/internal/notify"
	"github.com/alanyoungcy/dexswap/internal/quotecache"
	"github.com/alanyoungcy/dexswap/internal/router"
	"github.com/alanyoungcy/dexswap/internal/server/handler"
	"github.com/alanyoungcy/dexswap/internal/signer"
	"github.com/alanyoungcy/dexswap/internal/store/memory"
	"github.com/alanyoungcy/dexswap/internal/store/postgres"
	"github.com/alanyoungcy/dexswap/internal/tracker"
	"github.com/alanyoungcy/dexswap/internal/validator"
)

// Dependencies bundles everything the application runs. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Metrics *metrics.Metrics

	Store       domain.ExecutionStore
	Quotes      domain.QuoteCache
	LocalQuotes *quotecache.Memory // nil when the cache is Redis only
	Bus         domain.EventBus

	// nil without Redis
	History     handler.EventHistory
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager

	Aggregators *aggregator.Registry
	Chains      *chain.Registry
	Router      *router.Router
	Executor    *executor.Executor
	Tracker     *tracker.Tracker
	Notifier    *notify.Notifier
	Archiver    *s3blob.ExecutionArchiver // nil unless archive.enabled

	HealthChecks map[string]handler.Check
}

// Wire constructs concrete implementations from cfg. The cleanup function
// releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps := &Dependencies{
		Metrics:      metrics.New(reg),
		HealthChecks: make(map[string]handler.Check),
	}
	m := deps.Metrics

	// --- Execution store ---
	switch cfg.Store.Backend {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.Store = postgres.NewExecutionStore(pg.Pool())
		deps.HealthChecks["postgres"] = pg.Ping
	default:
		logger.WarnContext(ctx, "using in-memory execution store; executions do not survive restarts")
		deps.Store = memory.NewExecutionStore()
	}

	// --- Redis: shared cache, locks, rate limits, events ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = rc.Close() })
		redisClient = rc
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.Locks = redis.NewLockManager(rc)
		bus := redis.NewEventBus(rc)
		deps.Bus = bus
		deps.History = bus
		deps.HealthChecks["redis"] = rc.Ping
	} else {
		deps.Bus = eventbus.NewLocal()
	}

	// --- Quote cache ---
	if cfg.Cache.Backend != "redis" {
		local, err := quotecache.NewMemory(cfg.Cache.MaxEntries, m, logger)
		if err != nil {
			return fail("quote cache", err)
		}
		deps.LocalQuotes = local
	}
	switch cfg.Cache.Backend {
	case "redis":
		deps.Quotes = redis.NewQuoteCache(redisClient, logger)
	case "tiered":
		deps.Quotes = quotecache.NewTiered(deps.LocalQuotes, redis.NewQuoteCache(redisClient, logger))
	default:
		deps.Quotes = deps.LocalQuotes
	}

	// --- Aggregators and routing ---
	aggs, err := newAggregators(cfg)
	if err != nil {
		return fail("aggregators", err)
	}
	deps.Aggregators = aggs
	tieBreaks, err := router.ParseTieBreaks(cfg.Router.TieBreaks)
	if err != nil {
		return fail("router", err)
	}
	deps.Router = router.New(aggs.All(), deps.Quotes, router.Config{
		PerCallTimeout: cfg.Router.PerCallTimeout.Duration,
		OverallTimeout: cfg.Router.OverallTimeout.Duration,
		TieBreaks:      tieBreaks,
	}, m, logger)

	// --- Chains and signer ---
	endpoints := make([]chain.Endpoint, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		endpoints = append(endpoints, chain.Endpoint{ChainID: c.ID, Name: c.Name, RPCURL: c.RPCURL})
	}
	chains, err := chain.Dial(ctx, endpoints)
	if err != nil {
		return fail("chains", err)
	}
	closers = append(closers, chains.Close)
	deps.Chains = chains

	broadcaster, err := newBroadcaster(cfg, chains, logger)
	if err != nil {
		return fail("signer", err)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Tracker and executor ---
	window := cfg.Idempotency.Window.Duration
	deps.Tracker = tracker.New(tracker.Config{
		InitialInterval: cfg.Tracker.InitialInterval.Duration,
		MaxInterval:     cfg.Tracker.MaxInterval.Duration,
		MaxWait:         cfg.Tracker.MaxWait.Duration,
		LockTTL:         cfg.Tracker.LockTTL.Duration,
		Retain:          window,
		PendingTimeout:  cfg.Executor.SubmitTimeout.Duration + cfg.Tracker.MaxWait.Duration,
		SweepInterval:   cfg.Tracker.MaxInterval.Duration,
	}, deps.Store, chain.NewStatusReader(chains), deps.Locks, deps.Bus, deps.Notifier, m, logger)
	closers = append(closers, deps.Tracker.Close)

	deps.Executor = executor.New(executor.Config{
		MaxAttempts:   cfg.Executor.MaxAttempts,
		RetryBackoff:  cfg.Executor.RetryBackoff.Duration,
		SubmitTimeout: cfg.Executor.SubmitTimeout.Duration,
	}, executor.Deps{
		Router:      deps.Router,
		Quotes:      deps.Quotes,
		Aggregators: aggs,
		Validator: validator.New(validator.Config{
			MaxPriceImpactPercent: cfg.Validator.MaxPriceImpactPercent,
			MaxSlippagePercent:    cfg.Validator.MaxSlippagePercent,
		}),
		Idempotency: idempotency.NewManager(deps.Store, window, logger),
		Store:       deps.Store,
		Balances:    chain.NewBalanceReader(chains),
		Broadcaster: broadcaster,
		Tracker:     deps.Tracker,
		Bus:         deps.Bus,
		Alerter:     deps.Notifier,
	}, m, logger)

	// --- Archive (requires Postgres, enforced by config validation) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			UseSSL:         cfg.Archive.UseSSL,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return fail("archive", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Store,
			s3blob.ArchiverConfig{DeleteAfter: cfg.Archive.DeleteAfter},
			m, logger,
		)
		deps.HealthChecks["archive"] = s3Client.Health
	}

	return deps, cleanup, nil
}

// newAggregators builds the enabled aggregator clients.
func newAggregators(cfg *config.Config) (*aggregator.Registry, error) {
	ttl := func(a config.AggregatorConfig) time.Duration {
		if a.QuoteTTL.Duration > 0 {
			return a.QuoteTTL.Duration
		}
		return cfg.Router.QuoteTTL.Duration
	}

	// One pooled client keeps connections to each aggregator warm between
	// fan-out rounds.
	shared := aggregator.WithHTTPClient(&http.Client{Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}})

	var clients []aggregator.Client
	if a := cfg.Aggregators.ZeroEx; a.Enabled {
		zc := zeroex.Config{APIKey: a.APIKey, QuoteTTL: ttl(a)}
		if a.BaseURL != "" && a.BaseURL != zeroex.DefaultHosts[1] {
			zc.Hosts = map[int64]string{1: a.BaseURL}
		}
		clients = append(clients, zeroex.New(zc, shared))
	}
	if a := cfg.Aggregators.ParaSwap; a.Enabled {
		clients = append(clients, paraswap.New(paraswap.Config{BaseURL: a.BaseURL, APIKey: a.APIKey, QuoteTTL: ttl(a)}, shared))
	}
	if a := cfg.Aggregators.OpenOcean; a.Enabled {
		clients = append(clients, openocean.New(openocean.Config{BaseURL: a.BaseURL, APIKey: a.APIKey, QuoteTTL: ttl(a)}, shared))
	}
	return aggregator.NewRegistry(clients...)
}

// newBroadcaster returns the remote signing service client, or a local key
// signer for dev networks.
func newBroadcaster(cfg *config.Config, chains *chain.Registry, logger *slog.Logger) (domain.Broadcaster, error) {
	if cfg.Signer.Mode == "local" {
		pk, err := crypto.LoadECDSA(crypto.KeyConfig{
			EncryptedKeyPath: cfg.Signer.EncryptedKeyPath,
			KeyPassword:      cfg.Signer.KeyPassword,
		})
		if err != nil {
			return nil, err
		}
		logger.Warn("local signer enabled; use only on test networks")
		return signer.NewLocal(chains, crypto.NewTxSigner(pk), logger), nil
	}
	var auth *crypto.RequestAuth
	if cfg.Signer.APIKey != "" {
		auth = &crypto.RequestAuth{Key: cfg.Signer.APIKey, Secret: cfg.Signer.APISecret}
	}
	return signer.NewRemote(cfg.Signer.URL, auth, cfg.Signer.Timeout.Duration, logger), nil
}
