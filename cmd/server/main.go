// Package main provides the entry point for the snapshot server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shelfware/stocksync/internal/channel"
	"github.com/shelfware/stocksync/internal/config"
	"github.com/shelfware/stocksync/internal/handler"
	"github.com/shelfware/stocksync/internal/health"
	"github.com/shelfware/stocksync/internal/metrics"
	"github.com/shelfware/stocksync/internal/service"
	"github.com/shelfware/stocksync/internal/store"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if *configPath == "" {
		*configPath = os.Getenv("CONFIG_PATH")
	}
	if *configPath == "" {
		*configPath = "./config.yaml"
	}

	// Initialize logger
	logger := initLogger()
	defer logger.Sync()

	logger.Info("starting snapshot server")

	// Load configuration
	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("database_host", cfg.Database.Host),
		zap.String("database_name", cfg.Database.Database),
		zap.String("redis_host", cfg.Redis.Host),
	)

	// Initialize metrics
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Initialize state store (PostgreSQL)
	stateStore, err := store.NewPostgresStateStore(
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		logger,
	)
	if err != nil {
		logger.Fatal("failed to initialize state store", zap.Error(err))
	}
	defer stateStore.Close()

	if err := stateStore.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("failed to ensure schema", zap.Error(err))
	}
	logger.Info("state store initialized")

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
	logger.Info("change channel initialized")

	publisher := service.NewPublisher(stateStore, ch, m, logger)

	// Set up routes
	router := mux.NewRouter()
	router.Use(handler.Recovery(logger))
	router.Use(handler.RequestID)
	router.Use(handler.Logging(logger))

	adminOnly := handler.AdminAuth(cfg.Admin.Token, logger)
	handler.NewAdminHandler(publisher, m, logger).Register(router, adminOnly)

	checker := health.NewChecker(map[string]health.Pinger{
		"postgres": stateStore,
		"redis":    ch,
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
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", zap.Error(err))
	}

	logger.Info("snapshot server shutdown complete")
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
