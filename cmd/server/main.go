package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/copyleftdev/ratefit/internal/calibrate"
	"github.com/copyleftdev/ratefit/internal/config"
	"github.com/copyleftdev/ratefit/internal/encoder"
	apierrors "github.com/copyleftdev/ratefit/internal/errors"
	"github.com/copyleftdev/ratefit/internal/logging"
	"github.com/copyleftdev/ratefit/internal/memo"
	"github.com/copyleftdev/ratefit/internal/metrics"
	"github.com/copyleftdev/ratefit/internal/server"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use standard logger as fallback if config loading fails
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize base logger
	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// Create a service logger with additional fields
	serviceLogger := logger.WithFields(map[string]interface{}{
		"service":    "ratefit",
		"lightfield": cfg.Encoder.Name,
	})

	ctx := context.Background()
	m := metrics.New()

	// Open the measurement cache
	cache, err := memo.Open(ctx, cfg.StoreConfig(),
		memo.WithLogger(serviceLogger.Zap()),
		memo.WithHooks(m),
	)
	if err != nil {
		serviceLogger.Fatal("Failed to open cache", map[string]interface{}{
			"backend": cfg.Cache.Backend,
			"error":   err.Error(),
		})
	}

	// Encoder measure
	unit, _ := encoder.ParseUnit(cfg.Encoder.Unit)
	jplm := encoder.NewJPLM(cfg.Encoder.BinDir, cfg.Encoder.Input, serviceLogger.Zap())
	jplm.Dims = cfg.Dimensions()
	sizes := &encoder.SizeMeasure{
		Runner:          jplm,
		WorkDir:         cfg.Encoder.WorkDir,
		Name:            cfg.Encoder.Name,
		DeleteArtifacts: cfg.Encoder.DeleteArtifacts,
		Logger:          serviceLogger.Zap(),
	}

	calibrator := calibrate.New(sizes.Measure,
		calibrate.WithMemo(cache),
		calibrate.WithRate(encoder.Rate{Unit: unit, Pixels: jplm.Dims.Pixels()}),
		calibrate.WithLogger(serviceLogger.Zap()),
		calibrate.WithObserver(m),
	)

	// Create router
	r := chi.NewRouter()

	// Add middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(serviceLogger))
	r.Use(apierrors.RecoveryMiddleware(serviceLogger))
	r.Use(middleware.Timeout(60 * time.Second))

	// Add health check endpoint
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logging.FromContext(r.Context()).Debug("Health check")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Add metrics endpoint
	r.Handle("/metrics", m.Handler())

	srv := server.NewServer(cfg, serviceLogger, calibrator, server.WithJobRecorder(m))
	srv.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// Start HTTP server
	go func() {
		serviceLogger.Info("Starting server", map[string]interface{}{
			"address": httpServer.Addr,
			"cache":   cfg.Cache.Backend,
			"unit":    string(unit),
		})

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serviceLogger.Fatal("Failed to start server", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	serviceLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		serviceLogger.Error("Server forced to shutdown", map[string]interface{}{"error": err})
	}

	// Stop running calibrations before closing the cache they write to
	if err := srv.Close(); err != nil {
		serviceLogger.Error("error closing server resources", map[string]interface{}{"error": err})
	}
	if err := cache.Close(); err != nil {
		serviceLogger.Error("error closing cache", map[string]interface{}{"error": err})
	}

	serviceLogger.Info("server exited properly")
}
