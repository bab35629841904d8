package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	rediscache "goa.design/stepflow/features/cache/redis"
	"goa.design/stepflow/features/model/anthropic"
	"goa.design/stepflow/features/model/middleware"
	"goa.design/stepflow/features/model/openai"
	permissionmongo "goa.design/stepflow/features/permission/mongo"
	permissionmongoclient "goa.design/stepflow/features/permission/mongo/clients/mongo"
	runlogmongo "goa.design/stepflow/features/runlog/mongo"
	runlogmongoclient "goa.design/stepflow/features/runlog/mongo/clients/mongo"
	sessionmongo "goa.design/stepflow/features/session/mongo"
	sessionmongoclient "goa.design/stepflow/features/session/mongo/clients/mongo"
	"goa.design/stepflow/features/stream/pulse"
	clientspulse "goa.design/stepflow/features/stream/pulse/clients/pulse"
	"goa.design/stepflow/runtime/agent/cache"
	cacheinmem "goa.design/stepflow/runtime/agent/cache/inmem"
	"goa.design/stepflow/runtime/agent/model"
	"goa.design/stepflow/runtime/agent/permission"
	permissioninmem "goa.design/stepflow/runtime/agent/permission/inmem"
	"goa.design/stepflow/runtime/agent/runtime"
	"goa.design/stepflow/runtime/agent/telemetry"
)

// backends holds the stores, transports and model client selected by the
// configuration, along with the resources to release on shutdown.
type backends struct {
	options []runtime.RuntimeOption
	model   model.Client
	limiter *middleware.AdaptiveRateLimiter
	streams *pulse.RuntimeStreams
	pingers []health.Pinger
	closers []func(context.Context) error
}

// newBackends connects the configured services. Services left unconfigured
// fall back to in-memory implementations.
func newBackends(ctx context.Context, cfg *config) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.close(ctx)
		}
	}()
	set := telemetry.NewClueSet()
	b.options = append(b.options,
		runtime.WithLogger(set.Logger),
		runtime.WithMetrics(set.Metrics),
		runtime.WithTracer(set.Tracer),
		runtime.WithLimits(cfg.runtimeLimits()),
	)

	var permStore permission.Store = permissioninmem.New()
	if cfg.Mongo.URI != "" {
		ps, err := b.connectMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		permStore = ps
	}
	perms, err := permission.NewManager(permission.Options{
		Store: permStore,
		Allow: cfg.Permissions.Allow,
		Deny:  cfg.Permissions.Deny,
	})
	if err != nil {
		return nil, fmt.Errorf("permission manager: %w", err)
	}
	b.options = append(b.options, runtime.WithPermissions(perms))

	var (
		rdb      *redis.Client
		resCache cache.Cache
	)
	if cfg.Redis.CacheTTL != 0 {
		resCache = cacheinmem.New(cacheinmem.WithTTL(cfg.Redis.CacheTTL))
	} else {
		resCache = cacheinmem.New()
	}
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, func(context.Context) error { return rdb.Close() })
		rc, err := rediscache.New(rediscache.Options{Client: rdb, TTL: cfg.Redis.CacheTTL})
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		resCache = rc
		b.pingers = append(b.pingers, rc)
		if cfg.Redis.Streams {
			if err := b.connectPulse(rdb); err != nil {
				return nil, err
			}
		}
	}
	b.options = append(b.options, runtime.WithCache(resCache))

	b.model, err = newModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	if cfg.Model.TokensPerMinute > 0 {
		var shared *rmap.Map
		if cfg.Model.SharedBudgetKey != "" {
			shared, err = rmap.Join(ctx, "stepflow-ratelimit", rdb)
			if err != nil {
				return nil, fmt.Errorf("join rate limit map: %w", err)
			}
			b.closers = append(b.closers, func(context.Context) error { shared.Close(); return nil })
		}
		b.limiter = middleware.NewAdaptiveRateLimiter(ctx, shared, cfg.Model.SharedBudgetKey, cfg.Model.TokensPerMinute, cfg.Model.MaxTokensPerMinute)
		b.model = b.limiter.Middleware()(b.model)
	}
	return b, nil
}

func (b *backends) connectMongo(ctx context.Context, cfg mongoConfig) (permission.Store, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mc, err := mongodriver.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	b.closers = append(b.closers, mc.Disconnect)

	sc, err := sessionmongoclient.New(sessionmongoclient.Options{Client: mc, Database: cfg.Database, Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	sessions, err := sessionmongo.NewStore(sc)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	lc, err := runlogmongoclient.New(runlogmongoclient.Options{Client: mc, Database: cfg.Database, Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("run log: %w", err)
	}
	runlog, err := runlogmongo.NewStore(lc)
	if err != nil {
		return nil, fmt.Errorf("run log: %w", err)
	}
	pc, err := permissionmongoclient.New(permissionmongoclient.Options{Client: mc, Database: cfg.Database, Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("permission store: %w", err)
	}
	perms, err := permissionmongo.NewStore(pc)
	if err != nil {
		return nil, fmt.Errorf("permission store: %w", err)
	}
	b.pingers = append(b.pingers, sc, lc, pc)
	b.options = append(b.options, runtime.WithSessionStore(sessions), runtime.WithRunEventStore(runlog))
	return perms, nil
}

func (b *backends) connectPulse(rdb *redis.Client) error {
	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, OperationTimeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("pulse client: %w", err)
	}
	rs, err := pulse.NewRuntimeStreams(pulse.RuntimeStreamsOptions{Client: pc})
	if err != nil {
		return fmt.Errorf("pulse streams: %w", err)
	}
	b.streams = rs
	b.closers = append(b.closers, rs.Close)
	b.options = append(b.options, runtime.WithStream(rs.Sink()))
	return nil
}

func newModel(cfg modelConfig) (model.Client, error) {
	switch cfg.Provider {
	case providerOpenAI:
		c, err := openai.NewFromAPIKey(cfg.APIKey, cfg.Name)
		if err != nil {
			return nil, fmt.Errorf("openai client: %w", err)
		}
		return c, nil
	case providerAnthropic:
		c, err := anthropic.NewFromAPIKey(cfg.APIKey, cfg.Name)
		if err != nil {
			return nil, fmt.Errorf("anthropic client: %w", err)
		}
		return c, nil
	case providerScripted, "":
		return scriptedModel{}, nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

// check pings every remote dependency.
func (b *backends) check(ctx context.Context) error {
	if len(b.pingers) == 0 {
		return nil
	}
	h, ok := health.NewChecker(b.pingers...).Check(ctx)
	if ok {
		return nil
	}
	var failed []string
	for name, status := range h.Status {
		if status != "OK" {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return fmt.Errorf("unhealthy dependencies: %s", strings.Join(failed, ", "))
}

// close releases resources in reverse acquisition order.
func (b *backends) close(ctx context.Context) {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	if err := errors.Join(errs...); err != nil {
		log.Errorf(ctx, err, "failed to release backends")
	}
}
