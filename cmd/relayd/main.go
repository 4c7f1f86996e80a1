package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relayq/relay/internal/api"
	"github.com/relayq/relay/internal/connectivity"
	"github.com/relayq/relay/internal/orchestrator"
	"github.com/relayq/relay/internal/retry"
	"github.com/relayq/relay/internal/store"
	"github.com/relayq/relay/internal/transport"
	"github.com/relayq/relay/pkg/config"
	"github.com/relayq/relay/pkg/health"
	"github.com/relayq/relay/pkg/logging"
	"github.com/relayq/relay/pkg/metrics"
)

func main() {
	// Load .env if present; real environments set variables directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "relayd",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Durable store for the offline queue and breaker snapshots
	redisStore, err := store.NewRedisStore(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisStore.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisStore.Health(ctx); err != nil {
		log.Fatalf("Redis health check failed: %v", err)
	}
	cancel()
	logger.Info("Redis connection established")

	httpTransport := transport.NewHTTPTransport(0)

	monitor := buildMonitor(cfg, logger)

	m := metrics.NewMetrics(metrics.DefaultConfig())
	registry := prometheus.NewRegistry()
	if err := m.Register(registry); err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	orchConfig := orchestrator.DefaultConfig()
	orchConfig.Scheduler.MaxConcurrent = cfg.Orchestrator.MaxConcurrent
	orchConfig.DefaultTimeout = cfg.Orchestrator.DefaultTimeout
	orchConfig.Breaker.FailureThreshold = cfg.Breaker.FailureThreshold
	orchConfig.Breaker.ResetTimeout = cfg.Breaker.ResetTimeout
	orchConfig.Retry.MaxAttempts = cfg.Retry.MaxAttempts
	orchConfig.Retry.Strategy = retryStrategy(cfg.Retry.Strategy)
	orchConfig.Retry.BaseDelay = cfg.Retry.BaseDelay
	orchConfig.Retry.MaxDelay = cfg.Retry.MaxDelay
	orchConfig.Retry.MaxJitter = cfg.Retry.MaxJitter
	orchConfig.Batch.MaxSize = cfg.Batch.MaxSize
	orchConfig.Batch.MaxAge = cfg.Batch.MaxAge
	orchConfig.Offline.MaxEntries = cfg.Offline.MaxEntries
	orchConfig.Offline.ReplayCap = cfg.Offline.ReplayCap
	orchConfig.Offline.StoreKey = cfg.Offline.StoreKey

	orch, err := orchestrator.New(orchConfig, orchestrator.Dependencies{
		Transport: httpTransport,
		Store:     redisStore,
		Monitor:   monitor,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("Failed to build orchestrator: %v", err)
	}

	if err := orch.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start orchestrator: %v", err)
	}
	defer orch.Close()

	healthSvc := health.NewService(logger)
	healthSvc.Register("redis", redisStore.Health)

	apiServer := api.NewServer(api.DefaultConfig(), orch, registry, healthSvc, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting API server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited")
}

func retryStrategy(s string) retry.Strategy {
	switch s {
	case "linear":
		return retry.StrategyLinear
	case "fixed":
		return retry.StrategyFixed
	default:
		return retry.StrategyExponential
	}
}

// buildMonitor probes the configured URL, or assumes the network is up when
// no probe URL is set.
func buildMonitor(cfg *config.Config, logger *logging.Logger) connectivity.Monitor {
	if cfg.Connectivity.ProbeURL == "" {
		return connectivity.NewManual(true)
	}

	client := &http.Client{Timeout: cfg.Connectivity.ProbeTimeout}
	prober := connectivity.NewProber(connectivity.ProberConfig{
		Interval:      cfg.Connectivity.ProbeInterval,
		Timeout:       cfg.Connectivity.ProbeTimeout,
		InitialOnline: true,
	}, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.Connectivity.ProbeURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}, nil, logger)
	prober.Start()
	return prober
}
