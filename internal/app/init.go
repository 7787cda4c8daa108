package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/claude-relay/internal/cache"
	"github.com/nulpointcorp/claude-relay/internal/config"
	"github.com/nulpointcorp/claude-relay/internal/dedup"
	"github.com/nulpointcorp/claude-relay/internal/logger"
	"github.com/nulpointcorp/claude-relay/internal/metrics"
	"github.com/nulpointcorp/claude-relay/internal/oauth"
	"github.com/nulpointcorp/claude-relay/internal/proxy"
	"github.com/nulpointcorp/claude-relay/internal/upstream"
)

// initSnapshot loads and validates the provider snapshot file. The store
// keeps serving the loaded snapshot until a successful /providers/reload.
func (a *App) initSnapshot(_ context.Context) error {
	store, err := config.NewStore(a.cfg.ConfigPath)
	if err != nil {
		return err
	}
	a.store = store

	snap := store.Snapshot()
	a.log.Info("snapshot loaded",
		slog.String("path", a.cfg.ConfigPath),
		slog.Int("providers", len(snap.Providers)),
		slog.Int("routes", len(snap.Routes)),
	)
	return nil
}

// initServices creates the metrics registry, the terminal-result store for
// the deduplication window and the async request audit logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.cfg.RedisURL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RedisURL)))
		rs, err := cache.NewRedisStoreFromURL(ctx, a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.redisStore = rs
		a.results = rs
		a.log.Info("result store: redis (shared across replicas)")
	} else {
		a.memStore = cache.NewMemoryStore(a.baseCtx)
		a.results = a.memStore
		a.log.Info("result store: memory (in-process)")
	}

	var sink logger.Sink
	if a.cfg.ClickHouseDSN != "" {
		ch, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = ch
		a.log.Info("audit sink: clickhouse")
	}

	reqLogger, err := logger.New(a.baseCtx, a.log, sink)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	return nil
}

// initOAuth starts the token manager when at least one provider resolves its
// credential through the OAuth pool. Persistence backend selection: a token
// file path switches to the encrypted file store, otherwise the OS keyring
// is used; both are skipped when persistence is disabled.
func (a *App) initOAuth(_ context.Context) error {
	snap := a.store.Snapshot()

	needed := false
	for _, p := range snap.Providers {
		if p.AuthValue == config.AuthValueOAuth {
			needed = true
			break
		}
	}
	if !needed {
		a.log.Info("oauth: no provider uses the token pool, manager disabled")
		return nil
	}

	settings := snap.Settings.OAuth

	var store oauth.SecretStore = oauth.NoopStore{}
	if settings.EnablePersistence {
		if settings.TokenFile != "" {
			store = oauth.NewFileStore(settings.TokenFile, settings.ServiceName)
		} else {
			store = oauth.NewKeyringStore(settings.ServiceName)
		}
	}

	mgr, err := oauth.New(settings, store, a.log, a.prom)
	if err != nil {
		return err
	}
	a.tokens = mgr

	a.log.Info("oauth manager started",
		slog.Int("accounts", mgr.Len()),
		slog.Bool("auto_refresh", settings.AutoRefresh),
		slog.Bool("persistence", settings.EnablePersistence),
	)
	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	snap := a.store.Snapshot()

	health := upstream.NewHealth()

	a.gw = proxy.NewGateway(a.store, proxy.Options{
		Health:   health,
		Selector: upstream.NewSelector(health),
		Caller:   upstream.NewCaller(),
		Limiter:  upstream.NewLimiter(snap.Settings.MaxConcurrentPerProvider),

		OAuth:   a.tokens,
		Dedup:   dedup.NewRegistry(snap.Settings.DeduplicationTTL),
		Results: a.results,

		Logger:        a.log,
		Metrics:       a.prom,
		RequestLogger: a.reqLogger,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
