// Riskwatch scores account behaviour and manages the risk flag lifecycle.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/api"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/behavior"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/bus"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/cache"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/detection"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/lifecycle"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/metrics"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/repository"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/rules"
	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("RISKWATCH_TIER") == "pro" {
		cfg = domain.ProConfig()
	}
	applyEnv(cfg)

	// Initialize structured logger
	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting riskwatch",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"workers", cfg.Detection.Workers,
		"tracing", cfg.Tracing.Enabled,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New(prometheus.DefaultRegisterer)
	if cb, ok := busImpl.(*bus.ChannelBus); ok {
		metrics.RegisterBusDrops(prometheus.DefaultRegisterer, cb.Dropped)
	}

	// Behaviour source with closed-month aggregate caching
	behaviorSvc := behavior.NewService(repo, cacheImpl, behavior.WithTTL(cfg.Detection.AggregateCacheTTL))

	registry, err := rules.NewBuiltinRegistry(behaviorSvc)
	if err != nil {
		slog.Error("failed to initialize rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule registry initialized", "rules_count", registry.Len())

	detector := detection.NewService(behaviorSvc, registry, repo, repo,
		detection.Config{
			Workers:    cfg.Detection.Workers,
			LockTTL:    cfg.Detection.LockTTL,
			RunTimeout: cfg.Detection.RunTimeout,
		},
		detection.WithCache(cacheImpl),
		detection.WithEventBus(busImpl),
		detection.WithMetrics(m),
	)

	lifecycleSvc := lifecycle.NewService(repo,
		lifecycle.WithEventBus(busImpl),
		lifecycle.WithMetrics(m),
	)

	// Initialize async Worker (Pro tier)
	async := cfg.Tier == domain.TierPro || os.Getenv("RISKWATCH_ASYNC_WORKER") == "true"
	var asyncWorker *worker.Worker
	if async {
		asyncWorker = worker.NewWorker(busImpl, detector)
		if err := asyncWorker.Start(worker.Config{}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			async = false
		}
	}

	if interval := envDuration("RISKWATCH_RUN_INTERVAL", 0); interval > 0 {
		go schedule(ctx, detector, interval)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Dependencies{
		Repo:           repo,
		Cache:          cacheImpl,
		Bus:            busImpl,
		Detection:      detector,
		Lifecycle:      lifecycleSvc,
		AsyncDetection: async,
	}, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("riskwatch is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("riskwatch shutdown complete")
}

// schedule runs detection on a fixed interval until ctx is done.
func schedule(ctx context.Context, detector *detection.Service, interval time.Duration) {
	slog.Info("scheduled detection enabled", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := detector.Run(ctx); err != nil && !errors.Is(err, detection.ErrRunInProgress) {
				slog.Error("scheduled detection run failed", "error", err)
			}
		}
	}
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  RISKWATCH  account risk detection")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /detection/run            - Run detection over active subjects")
	fmt.Println("    GET  /detection/runs           - List recent runs")
	fmt.Println("    GET  /detection/runs/last      - Most recent run")
	fmt.Println("    GET  /detection/logs           - Rule evaluation log")
	fmt.Println("    GET  /flags                    - List risk flags")
	fmt.Println("    GET  /flags/stats              - Flag counts by status")
	fmt.Println("    POST /flags                    - Flag a subject manually")
	fmt.Println("    POST /flags/{id}/clear         - Clear a flag")
	fmt.Println("    POST /flags/{id}/blacklist     - Blacklist a flagged subject")
	fmt.Println("    POST /flags/{id}/unblacklist   - Return a subject to FLAGGED")
	fmt.Println("    POST /flags/{id}/rekyc         - Request re-verification")
	fmt.Println("    GET  /rekyc                    - List ReKYC requests")
	fmt.Println("    POST /rekyc/{id}/complete      - Complete a ReKYC request")
	fmt.Println("    GET  /rules                    - List detection rules")
	fmt.Println("    GET  /health                   - Health check")
	fmt.Println("    GET  /metrics                  - Prometheus metrics")
	fmt.Println()
}
