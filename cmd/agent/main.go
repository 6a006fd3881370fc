// Package main provides the entry point for the sync agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shelfware/stocksync/internal/blob"
	"github.com/shelfware/stocksync/internal/cache"
	"github.com/shelfware/stocksync/internal/channel"
	"github.com/shelfware/stocksync/internal/config"
	"github.com/shelfware/stocksync/internal/handler"
	"github.com/shelfware/stocksync/internal/health"
	"github.com/shelfware/stocksync/internal/metrics"
	"github.com/shelfware/stocksync/internal/notify"
	"github.com/shelfware/stocksync/internal/service"
	"github.com/shelfware/stocksync/internal/store"
	"github.com/shelfware/stocksync/internal/transform"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if *configPath == "" {
		*configPath = os.Getenv("CONFIG_PATH")
	}
	if *configPath == "" {
		*configPath = "./agent.yaml"
	}

	// Initialize logger
	logger := initLogger()
	defer logger.Sync()

	logger.Info("starting sync agent")

	// Load configuration
	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Strings("tenants", cfg.Agent.Tenants),
		zap.String("server_base_url", cfg.Server.BaseURL),
		zap.String("cache_path", cfg.Cache.Path),
	)

	// Initialize metrics
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Initialize durable replica cache; fall back to an in-memory replica
	// for the session if the database cannot be opened.
	var replica cache.ReplicaCache
	sqliteCache, err := cache.NewSQLiteCache(cfg.Cache.Path, logger)
	if err != nil {
		logger.Warn("durable cache unavailable, running in-memory", zap.Error(err))
		replica = cache.NewMemoryCache(logger)
	} else {
		replica = sqliteCache
	}
	defer replica.Close()

	// Initialize the authoritative state client
	stateClient := store.NewHTTPStateClient(cfg.Server.BaseURL, cfg.Server.Timeout, logger)

	// Initialize change channel (Redis)
	ch, err := channel.NewRedisChannel(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		logger,
	)
	if err != nil {
		logger.Fatal("failed to initialize change channel", zap.Error(err))
	}
	defer ch.Close()

	// Initialize blob store for snapshot payloads
	var blobs blob.Store
	if cfg.Blob.RootDir != "" {
		blobs, err = blob.NewFSStore(cfg.Blob.RootDir)
		if err != nil {
			logger.Fatal("failed to initialize blob store", zap.Error(err))
		}
	} else {
		blobs = blob.NewHTTPStore(cfg.Blob.BaseURL, cfg.Blob.Timeout, logger)
	}

	transformer := transform.NewCSVTransformer()

	// Listener registry; the agent itself subscribes a logging listener so
	// every applied dataset shows up in the logs.
	registry := notify.NewRegistry(logger)
	registry.Subscribe(func(u notify.Update) {
		if u.Err != nil {
			logger.Warn("dataset sync failed",
				zap.String("organization_id", u.OrganizationID),
				zap.Error(u.Err))
			return
		}
		logger.Info("dataset updated",
			zap.String("organization_id", u.OrganizationID),
			zap.Int64p("version", u.Version),
			zap.Int("profiles", u.ProfileCount),
			zap.Int("accessories", u.AccessoryCount))
	})

	// One state manager per managed tenant, all sharing the replica cache
	managers := make(map[string]*service.StateManager, len(cfg.Agent.Tenants))
	for _, tenant := range cfg.Agent.Tenants {
		mgr := service.NewStateManager(
			service.ManagerConfig{
				OrganizationID:  tenant,
				ResyncInterval:  cfg.Sync.ResyncInterval,
				RetryBackoffMin: cfg.Sync.RetryBackoffMin,
				RetryBackoffMax: cfg.Sync.RetryBackoffMax,
				OpTimeout:       cfg.Sync.OpTimeout,
			},
			stateClient,
			ch,
			blobs,
			transformer,
			replica,
			registry,
			m,
			logger,
		)
		if err := mgr.Start(context.Background()); err != nil {
			logger.Fatal("failed to start state manager",
				zap.String("organization_id", tenant),
				zap.Error(err))
		}
		managers[tenant] = mgr
	}
	logger.Info("state managers started", zap.Int("count", len(managers)))

	// Set up routes
	router := mux.NewRouter()
	router.Use(handler.Recovery(logger))
	router.Use(handler.RequestID)
	router.Use(handler.Logging(logger))

	handler.NewAgentHandler(managers, logger).Register(router)

	checker := health.NewChecker(map[string]health.Pinger{
		"redis":  ch,
		"server": stateClient,
	}, logger)
	router.HandleFunc("/health/live", checker.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", checker.ReadinessHandler).Methods(http.MethodGet)

	// Start metrics server
	if cfg.Metrics.Enabled {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, metricsMux); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Agent.HTTPHost, cfg.Agent.HTTPPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Start HTTP server in goroutine
	errChan := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("server error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", zap.Error(err))
	}

	for tenant, mgr := range managers {
		mgr.Stop()
		logger.Info("state manager stopped", zap.String("organization_id", tenant))
	}

	logger.Info("sync agent shutdown complete")
}

// initLogger initializes the zap logger.
func initLogger() *zap.Logger {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	var level zapcore.Level
	switch logLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if os.Getenv("LOG_FORMAT") == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	config.Level = zap.NewAtomicLevelAt(level)
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	logger, err := config.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}

	return logger
}
