package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dj-oyu/vehicle-counter/web-form/internal/logger"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/metrics"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/tracing"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/webform"
)

func main() {
	cfg, err := webform.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	flag.StringVar(&cfg.Addr, "http", cfg.Addr, "HTTP server address")
	flag.StringVar(&cfg.BackendURL, "backend", cfg.BackendURL, "Video processing endpoint")
	flag.DurationVar(&cfg.BackendTimeout, "backend-timeout", cfg.BackendTimeout, "Backend request timeout (0 waits forever)")
	flag.StringVar(&cfg.SpoolDir, "spool", cfg.SpoolDir, "Directory for selected videos")
	flag.Int64Var(&cfg.MaxUploadBytes, "max-upload", cfg.MaxUploadBytes, "Largest accepted video in bytes (0 = unlimited)")
	flag.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "Idle time before a session is dropped")
	flag.StringVar(&cfg.AssetsDir, "assets", cfg.AssetsDir, "Web assets directory")
	flag.StringVar(&cfg.BuildAssetsDir, "assets-build", cfg.BuildAssetsDir, "Build assets directory")
	flag.StringVar(&cfg.OTLPEndpoint, "otlp", cfg.OTLPEndpoint, "OTLP/HTTP trace collector URL (empty disables)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.InitTracer(ctx, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("Main", "Tracing disabled: %v", err)
	}

	server, err := webform.NewServer(cfg, webform.Deps{
		Metrics: metrics.New(),
		Logger:  logger.Default(),
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	logger.Info("Main", "Vehicle count form listening on %s", cfg.Addr)
	logger.Info("Main", "Backend: %s", cfg.BackendURL)
	logger.Info("Main", "Spool: %s (max %d bytes)", cfg.SpoolDir, cfg.MaxUploadBytes)
	logger.Info("Main", "Log level: %s", level)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Main", "Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Main", "HTTP shutdown: %v", err)
	}
	server.Close()
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Main", "Tracer shutdown: %v", err)
		}
	}
	logger.Info("Main", "Stopped")
}
