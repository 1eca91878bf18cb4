// Command approvald runs the expense approval workflow service: the
// routing resolver, the workflow state mirror, and the operational HTTP
// listener (health, readiness, metrics). The business API surface is
// expected to be mounted by a separate gateway layer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openclaims/approvald/internal/config"
	"github.com/openclaims/approvald/internal/directory"
	"github.com/openclaims/approvald/internal/engine"
	"github.com/openclaims/approvald/internal/observability"
	"github.com/openclaims/approvald/internal/retry"
	"github.com/openclaims/approvald/internal/routing"
	"github.com/openclaims/approvald/internal/transport"
	"github.com/openclaims/approvald/internal/workflow"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	reconcileEvery := flag.Duration("reconcile-interval", time.Minute, "interval between mirror reconciliation sweeps (0 disables)")
	flag.Parse()

	if err := run(*configPath, *reconcileEvery); err != nil {
		fmt.Fprintf(os.Stderr, "approvald: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, reconcileEvery time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "approvald", observability.Version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	pool, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	workflowStore := workflow.NewPgStore(pool)
	userStore := directory.NewPgUserStore(pool)

	cache, closeCache, err := newUserCache(cfg.Directory.Cache)
	if err != nil {
		return err
	}
	defer closeCache()

	lookup := directory.NewCachedLookup(userStore, cache, cfg.Directory.Cache.TTL, cacheStats{metrics})
	syncer := directory.NewSyncer(
		userStore, lookup,
		retry.FromConfig(cfg.Directory.SyncRetry),
		logger.Named("directory"),
		metrics.UserSyncConflictsTotal.Inc,
	)

	engineClient := engine.NewRestClient(cfg.Engine, logger.Named("engine"), metrics)
	keyResolver := engine.NewKeyResolver(engineClient, cfg.Engine.ProcessKeys)

	resolver := routing.NewResolver(lookup, cfg.Routing, logger.Named("routing"), routingObserver{metrics})

	orchestrator := workflow.NewOrchestrator(
		workflowStore,
		engineClient,
		resolver,
		keyResolver,
		lookup,
		logger.Named("workflow"),
		metrics,
	)

	if reconcileEvery > 0 {
		go runReconciler(ctx, orchestrator, reconcileEvery, logger)
	}

	server := transport.NewOpsServer(cfg, transport.OpsDeps{
		Checks: observability.ReadinessChecks{
			WorkflowStore:  workflowStore,
			DirectoryStore: userStore,
			Engine:         engineClient,
		},
		Syncer: syncer,
		Logger: logger.Named("transport"),
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("operational listener starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", observability.Version),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("database: %s is not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("database: parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}
	return pool, nil
}

func newUserCache(cfg config.CacheConfig) (directory.UserCache, func(), error) {
	switch cfg.Driver {
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("cache: %s is not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		return directory.NewRedisUserCache(client), func() { client.Close() }, nil
	case "memory", "":
		return directory.NewMemoryUserCache(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("cache: unknown driver %q", cfg.Driver)
	}
}

// runReconciler periodically sweeps RUNNING instances whose engine
// state drifted from the mirror.
func runReconciler(ctx context.Context, orch *workflow.Orchestrator, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			corrected, err := orch.ReconcileRunning(ctx, 100)
			if err != nil {
				logger.Warn("reconciliation sweep failed", zap.Error(err))
				continue
			}
			if corrected > 0 {
				logger.Info("reconciliation sweep corrected instances",
					zap.Int("corrected", corrected),
				)
			}
		}
	}
}

// cacheStats adapts Metrics to the directory cache stats hook.
type cacheStats struct{ m *observability.Metrics }

func (s cacheStats) CacheHit()  { s.m.LookupCacheHitsTotal.Inc() }
func (s cacheStats) CacheMiss() { s.m.LookupCacheMissesTotal.Inc() }

// routingObserver adapts Metrics to the routing observer hook.
type routingObserver struct{ m *observability.Metrics }

func (o routingObserver) RoleResolved(role, outcome string) {
	o.m.RoutingResolutionsTotal.WithLabelValues(role, outcome).Inc()
}

func (o routingObserver) FallbackTaken(role string) {
	o.m.RoutingFallbacksTotal.WithLabelValues(role).Inc()
}
