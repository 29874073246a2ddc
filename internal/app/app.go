package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/chatblast/internal/api"
	"github.com/foxzi/chatblast/internal/config"
	"github.com/foxzi/chatblast/internal/connectivity"
	"github.com/foxzi/chatblast/internal/db"
	"github.com/foxzi/chatblast/internal/dispatch"
	"github.com/foxzi/chatblast/internal/events"
	"github.com/foxzi/chatblast/internal/gateway"
	"github.com/foxzi/chatblast/internal/metrics"
	"github.com/foxzi/chatblast/internal/receipts"
	"github.com/foxzi/chatblast/internal/repository"
	"github.com/foxzi/chatblast/internal/rotation"
	"github.com/foxzi/chatblast/internal/tracker"
)

// App is the main application
type App struct {
	config        *config.Config
	db            *db.DB
	inbox         *receipts.Inbox
	engine        *dispatch.Engine
	processor     *receipts.Processor
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	publisher     events.Publisher
	redisCache    *connectivity.RedisCache
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config, version string) (_ *App, err error) {
	logger := NewLogger(cfg.Logging)
	a := &App{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.db, err = db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = a.db.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	campaigns := repository.NewCampaignRepository(a.db.DB)
	leads := repository.NewLeadRepository(a.db.DB)
	instances := repository.NewInstanceRepository(a.db.DB)
	bindings := repository.NewBindingRepository(a.db.DB)
	logs := repository.NewMessageLogRepository(a.db.DB)
	stats := repository.NewStatsRepository(a.db.DB)

	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)
	sender := gateway.NewRetrying(gw, cfg.Gateway.MaxAttempts, cfg.Gateway.RetryBackoff, logger)

	var source connectivity.Source
	if cfg.Connectivity.Mode == "static" {
		source = connectivity.NewStaticSource(cfg.Connectivity.Connected...)
		logger.Info("static connectivity", "instances", cfg.Connectivity.Connected)
	} else {
		source = connectivity.NewGatewaySource(gw)
	}
	if cfg.Connectivity.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.redisCache, err = connectivity.NewRedisCache(ctx, cfg.Connectivity.RedisURL, source, cfg.Connectivity.CacheTTL, logger)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		source = a.redisCache
		logger.Info("connectivity cache enabled", "ttl", cfg.Connectivity.CacheTTL)
	}

	if cfg.Events.Enabled {
		publisher, err := events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		a.publisher = publisher
		logger.Info("event publishing enabled", "exchange", cfg.Events.Exchange)
	} else {
		a.publisher = events.Nop{}
	}

	selector := rotation.NewSelector(bindings, source, logger)
	a.engine = dispatch.New(
		dispatch.Config{
			ExhaustionBackoff: cfg.Dispatch.ExhaustionBackoff,
			ExhaustionMaxWait: cfg.Dispatch.ExhaustionMaxWait,
			ProcessingLease:   cfg.Dispatch.ProcessingLease,
		},
		dispatch.Stores{Campaigns: campaigns, Leads: leads, Logs: logs, Stats: stats},
		selector,
		source,
		sender,
		a.publisher,
		logger,
	)

	a.inbox, err = receipts.Open(cfg.Receipts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open receipt inbox: %w", err)
	}
	a.processor = receipts.NewProcessor(
		a.inbox,
		tracker.New(leads, logs, stats, logger),
		receipts.ProcessorConfig{
			PollInterval: cfg.Receipts.PollInterval,
			BatchSize:    cfg.Receipts.BatchSize,
			MaxAttempts:  cfg.Receipts.MaxAttempts,
		},
		logger,
	)

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, logger)
		a.collector = metrics.NewCollector(m, a.inbox, 15*time.Second)
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	a.apiServer = api.NewServer(api.Deps{
		Engine:    a.engine,
		Campaigns: campaigns,
		Leads:     leads,
		Instances: instances,
		Bindings:  bindings,
		Receipts:  a.inbox,
	}, &cfg.API, version, logger)

	return a, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting chatblast",
		"api_addr", a.config.API.ListenAddr,
		"database", a.config.Database.Driver,
		"connectivity", a.config.Connectivity.Mode,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.config.Dispatch.RecoverOnStart {
		n, err := a.engine.Recover(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover campaigns: %w", err)
		}
		if n > 0 {
			a.logger.Warn("paused campaigns interrupted by a previous run", "count", n)
		}
	}

	a.processor.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting control requests before parking the send loops
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if err := a.engine.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("dispatch shutdown error", "error", err)
	}

	a.processor.Stop()

	if a.collector != nil {
		a.collector.Stop()
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.close()
	a.logger.Info("shutdown complete")
	return nil
}

// close releases storage and broker connections
func (a *App) close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("event publisher close error", "error", err)
		}
	}
	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}
	if a.inbox != nil {
		if err := a.inbox.Close(); err != nil {
			a.logger.Error("receipt inbox close error", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
	}
}

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
