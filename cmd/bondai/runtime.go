package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcarnahan/bondai/internal/agent"
	"github.com/jmcarnahan/bondai/internal/agent/providers"
	"github.com/jmcarnahan/bondai/internal/artifacts"
	"github.com/jmcarnahan/bondai/internal/compaction"
	"github.com/jmcarnahan/bondai/internal/config"
	"github.com/jmcarnahan/bondai/internal/mcp"
	"github.com/jmcarnahan/bondai/internal/observability"
	"github.com/jmcarnahan/bondai/internal/sessions"
	"github.com/jmcarnahan/bondai/internal/tools"
	"github.com/jmcarnahan/bondai/internal/tools/admin"
)

// sessionBackend is a session store that also keeps message history.
type sessionBackend interface {
	sessions.Store
	sessions.MessageLog
}

// runtime owns everything a turn needs. Close releases it in reverse order.
type runtime struct {
	engine   *agent.Engine
	pool     *mcp.Pool
	sessions sessionBackend
	logger   *slog.Logger

	closers []func(context.Context) error
}

func buildRuntime(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (rt *runtime, err error) {
	logger := observability.NewLogger(cfg.Logging)
	rt = &runtime{logger: logger}
	defer func() {
		if err != nil {
			rt.Close(context.WithoutCancel(ctx))
		}
	}()

	tracer, shutdown := observability.NewTracer(cfg.Tracing)
	rt.closers = append(rt.closers, shutdown)

	pool, err := mcp.NewPool(cfg.MCP.Servers, logger)
	if err != nil {
		return rt, err
	}
	rt.pool = pool
	rt.closers = append(rt.closers, func(context.Context) error { return pool.Close() })

	registry := admin.NewRegistry()
	registry.Register(admin.ListServers[mcp.ServerInfo](pool))

	store, err := openSessionStore(ctx, cfg)
	if err != nil {
		return rt, err
	}
	rt.sessions = store
	if c, ok := store.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, func(context.Context) error { return c.Close() })
	}
	locker, err := threadLocker(store, cfg)
	if err != nil {
		return rt, err
	}
	if c, ok := locker.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, func(context.Context) error { return c.Close() })
	}

	files, err := openFileStore(ctx, cfg)
	if err != nil {
		return rt, err
	}

	provider, err := providers.NewBedrockProvider(ctx, cfg.BedrockConfig())
	if err != nil {
		return rt, err
	}

	engine, err := agent.NewEngine(cfg.EngineConfig(), agent.Deps{
		Provider:  provider,
		Tools:     tools.NewRouter(pool, registry, logger),
		Sessions:  store,
		Locker:    locker,
		Messages:  store,
		Files:     artifacts.NewSink(files, artifacts.SinkConfig{InlineMaxBytes: cfg.Files.InlineMaxBytes}, logger),
		Compactor: compaction.New(cfg.Budget()),
		Retry:     cfg.RetryPolicy(),
		Logger:    logger,
		Metrics:   observability.NewMetrics(reg),
		Tracer:    tracer,
	})
	if err != nil {
		return rt, err
	}
	rt.engine = engine
	return rt, nil
}

// Close releases resources and reports every failure.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func openSessionStore(ctx context.Context, cfg *config.Config) (sessionBackend, error) {
	switch cfg.Sessions.Driver {
	case config.SessionDriverPostgres:
		store, err := sessions.NewPostgresStore(ctx, cfg.PostgresConfig())
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		return store, nil
	default:
		return sessions.NewMemoryStore(), nil
	}
}

// threadLocker returns a lease lock for Postgres, so turns are serialized
// across processes, and an in-process lock otherwise.
func threadLocker(store sessionBackend, cfg *config.Config) (sessions.Locker, error) {
	pg, ok := store.(*sessions.PostgresStore)
	if !ok {
		return sessions.NewLocalLocker(cfg.Turn.LockTimeout), nil
	}
	lockCfg := sessions.DefaultDBLockerConfig()
	lockCfg.OwnerID = uuid.NewString()
	lockCfg.AcquireTimeout = cfg.Turn.LockTimeout
	locker, err := pg.Locker(lockCfg)
	if err != nil {
		return nil, fmt.Errorf("thread locker: %w", err)
	}
	return locker, nil
}

// openFileStore returns nil when neither S3 nor a local directory is set;
// the sink then only inlines images and links provider references.
func openFileStore(ctx context.Context, cfg *config.Config) (artifacts.Store, error) {
	switch {
	case cfg.Files.S3.Bucket != "":
		store, err := artifacts.NewS3Store(ctx, cfg.S3StoreConfig())
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return store, nil
	case cfg.Files.LocalDir != "":
		store, err := artifacts.NewLocalStore(cfg.Files.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}
