package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/httpapi"
	"github.com/ent0n29/voicerelay/internal/ledger"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/policy"
	"github.com/ent0n29/voicerelay/internal/pricing"
	"github.com/ent0n29/voicerelay/internal/relay"
	"github.com/ent0n29/voicerelay/internal/router"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/storage"
	"github.com/ent0n29/voicerelay/internal/telephony"
	"github.com/ent0n29/voicerelay/internal/tools"
)

const recoverReloadTimeout = 5 * time.Second

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Router   *router.Router
	Ledger   *ledger.Ledger
	Prices   *pricing.Table
	Metrics  *observability.Metrics
	Upstream string

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires the relay. Background jobs (storage probe, connection janitor) run until ctx ends.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	repo := storage.Open(ctx, cfg.DatabaseURL, logger, storage.WithModeHook(metrics.SetStorageDurable))
	metrics.SetStorageDurable(repo.IsAvailable(ctx))
	if err := repo.StartProbe(ctx, cfg.StorageProbeInterval); err != nil {
		_ = repo.Close()
		return nil, err
	}

	prices := pricing.NewTable(repo)
	if err := prices.Reload(ctx); err != nil {
		logger.Warn("pricing reload failed, using built-in prices", "error", err)
	}

	usage := ledger.New(repo, prices, ledger.WithObserver(metrics), ledger.WithLogger(logger))
	if err := usage.Restore(ctx); err != nil {
		logger.Warn("usage snapshot restore failed", "error", err)
	}
	// A degraded start serves built-in prices and zero totals; pick up the durable copies on recovery.
	repo.OnRecover(func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recoverReloadTimeout)
		defer cancel()
		if err := prices.Reload(rctx); err != nil {
			logger.Warn("pricing reload after storage recovery failed", "error", err)
		}
		if err := usage.Restore(rctx); err != nil {
			logger.Warn("usage snapshot restore after storage recovery failed", "error", err)
		}
	})

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)
	var catalog *tools.RemoteCatalog
	if cfg.RemoteToolsURL != "" {
		catalog = tools.NewRemoteCatalog(cfg.RemoteToolsURL, cfg.RemoteToolsTimeout, registry)
		if n, err := catalog.Refresh(ctx); err != nil {
			logger.Warn("remote tools unavailable", "url", cfg.RemoteToolsURL, "error", err)
		} else {
			logger.Info("remote tools registered", "count", n)
		}
	}
	executor := tools.NewExecutor(registry, cfg.ToolTimeout)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(c *session.Connection) {
		metrics.SessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
		logger.Info("connection expired", "session_id", c.ID, "transport", c.Transport)
	})
	sessions.StartJanitor(ctx, cfg.SessionJanitorInterval)

	up := resolveUpstream(cfg, logger)
	logger.Info("upstream configured",
		"detail", up.detail,
		"model", up.defaults.Model,
		"api_key", policy.RedactSecret(up.defaults.APIKey),
	)

	estimator := ledger.NewTokenEstimator()
	go estimator.Preload(up.defaults.Model)

	rt := router.New(router.Config{
		Defaults:    up.defaults,
		ConfigWait:  cfg.ConfigWaitTimeout,
		MaxSessions: int64(cfg.MaxConcurrentSessions),
		Tools:       executor.GetToolDefinitions,
	}, up.factory, relay.Deps{
		Ledger:    usage,
		Tools:     executor,
		Estimator: estimator,
		Registry:  sessions,
		Metrics:   metrics,
		Logger:    logger,
	})

	var calls telephony.CallAutomation
	if cfg.TelephonyEnabled() {
		client, err := telephony.NewClient(cfg.ACSEndpoint, cfg.ACSAccessKey, cfg.ACSAPIVersion)
		if err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("call automation client: %w", err)
		}
		calls = client
	} else {
		logger.Info("telephony disabled, ACS credentials not set")
	}
	bridge := telephony.NewBridge(calls, telephony.WithLogger(logger), telephony.WithMetrics(metrics))

	api := httpapi.New(cfg, httpapi.Deps{
		Router:   rt,
		Ledger:   usage,
		Prices:   prices,
		Bridge:   bridge,
		Catalog:  catalog,
		Defaults: up.defaults,
		Metrics:  metrics,
		Logger:   logger,
	})

	cleanup := func() error {
		var errs []error
		for _, s := range usage.GetActiveSessions() {
			if _, err := sessions.End(s.SessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
				errs = append(errs, err)
			}
		}
		if err := repo.Close(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Router:   rt,
		Ledger:   usage,
		Prices:   prices,
		Metrics:  metrics,
		Upstream: up.detail,
		Cleanup:  cleanup,
	}, nil
}
