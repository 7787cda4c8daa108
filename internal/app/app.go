// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initSnapshot — provider snapshot store (config.yaml)
//  2. initServices — metrics, result store, audit logger
//  3. initOAuth    — OAuth token manager when any provider needs it
//  4. initGateway  — relay gateway + management routes
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/claude-relay/internal/cache"
	"github.com/nulpointcorp/claude-relay/internal/config"
	"github.com/nulpointcorp/claude-relay/internal/logger"
	"github.com/nulpointcorp/claude-relay/internal/metrics"
	"github.com/nulpointcorp/claude-relay/internal/oauth"
	"github.com/nulpointcorp/claude-relay/internal/proxy"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	store *config.Store

	// Terminal-result store for the deduplication window. redisStore is
	// non-nil only when REDIS_URL is set; otherwise results is in-process.
	results    cache.Store
	redisStore *cache.RedisStore
	memStore   *cache.MemoryStore

	reqLogger *logger.Logger
	tokens    *oauth.Manager

	prom *metrics.Registry

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"snapshot", a.initSnapshot},
		{"services", a.initServices},
		{"oauth", a.initOAuth},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run serves the relay on ln and blocks until ctx is cancelled or the server
// fails. It closes the app gracefully when returning. The caller owns the
// listener creation so bind failures can be reported before Run.
func (a *App) Run(ctx context.Context, ln net.Listener) error {
	snap := a.store.Snapshot()

	a.log.Info("starting relay",
		slog.String("version", a.version),
		slog.String("addr", ln.Addr().String()),
		slog.String("config", a.cfg.ConfigPath),
		slog.Int("providers", len(snap.Providers)),
		slog.Int("routes", len(snap.Routes)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// A closed listener means shutdown was requested, not a failure.
		if err := a.gw.Serve(ln, a.mgmt); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.tokens != nil {
		a.tokens.Close()
		a.tokens = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("audit logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memStore != nil {
		a.memStore.Close()
		a.memStore = nil
	}
	if a.redisStore != nil {
		if err := a.redisStore.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.redisStore = nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
