package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/slotbid/gpu-scheduler/internal/auth"
	"github.com/slotbid/gpu-scheduler/internal/clock"
	"github.com/slotbid/gpu-scheduler/internal/config"
	"github.com/slotbid/gpu-scheduler/internal/engine"
	"github.com/slotbid/gpu-scheduler/internal/handlers"
	"github.com/slotbid/gpu-scheduler/internal/server"
	"github.com/slotbid/gpu-scheduler/internal/store"
)

const (
	lifecycleInterval = 60 * time.Second
	sessionGCInterval = 10 * time.Minute
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Setup logger
	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("GPU credit-auction scheduler starting up...")

	if cfg.MonitorToken == "" {
		logger.Warn("GPU_MONITOR_TOKEN not set - monitor ingest disabled")
	}

	// Clock and calendar in the display timezone
	clk, err := clock.NewSystemClock(cfg.Timezone)
	if err != nil {
		logger.Fatal("Failed to load timezone", zap.Error(err))
	}
	cal, err := clock.NewCalendar(cfg.Timezone)
	if err != nil {
		logger.Fatal("Failed to load timezone", zap.Error(err))
	}

	// Durable store
	st, err := store.New(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("Failed to open data directory", zap.Error(err))
	}

	// Engine owns the document; initialize the calendar once at boot.
	eng, err := engine.New(cfg, clk, cal, st, logger)
	if err != nil {
		logger.Fatal("Failed to load state", zap.Error(err))
	}
	if err := eng.Tick(); err != nil {
		logger.Fatal("Failed to initialize day lifecycle", zap.Error(err))
	}

	// Sessions
	sessions := auth.NewSessionManager(cfg.SessionTTL, nil)

	// HTTP server
	router := handlers.NewRouter(eng, sessions, cfg.MonitorToken, logger)
	srv := server.NewServer(cfg.Port, router, cfg.ReadTimeout, cfg.WriteTimeout, cfg.IdleTimeout, logger)

	// Background workers: the lifecycle timer calls the engine directly,
	// never the HTTP layer.
	stopWorkers := make(chan struct{})
	go lifecycleWorker(eng, logger, stopWorkers)
	go sessionGCWorker(sessions, logger, stopWorkers)

	// Graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		logger.Info("Shutdown signal received")
		close(stopWorkers)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Starting HTTP server", zap.String("address", cfg.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}
	logger.Info("Server stopped")
}

// setupLogger initializes the logger
func setupLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return config.Build()
}

// lifecycleWorker ticks the day state machine every minute.
func lifecycleWorker(eng *engine.Engine, logger *zap.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(lifecycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := eng.Tick(); err != nil {
				logger.Error("Lifecycle tick failed", zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}

// sessionGCWorker sweeps expired sessions.
func sessionGCWorker(sessions *auth.SessionManager, logger *zap.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(sessionGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := sessions.Sweep(); removed > 0 {
				logger.Debug("Expired sessions swept", zap.Int("removed", removed))
			}
		case <-stop:
			return
		}
	}
}
