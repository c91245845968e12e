// Package main implements the entry point for the LuluTracker service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Million1701/Lulutracker-sub000/internal/config"
	"github.com/Million1701/Lulutracker-sub000/internal/feed"
	"github.com/Million1701/Lulutracker-sub000/internal/geo"
	"github.com/Million1701/Lulutracker-sub000/internal/identity"
	"github.com/Million1701/Lulutracker-sub000/internal/jwks"
	"github.com/Million1701/Lulutracker-sub000/internal/media"
	"github.com/Million1701/Lulutracker-sub000/internal/realtime"
	"github.com/Million1701/Lulutracker-sub000/internal/server"
	"github.com/Million1701/Lulutracker-sub000/internal/storage"
	"github.com/Million1701/Lulutracker-sub000/internal/telemetry"
)

// version is stamped at build time with -ldflags "-X main.version=..."
var version = "dev"

// main is the entry point for the LuluTracker service.
// It initializes all components, starts the HTTP server, and handles graceful shutdown.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	tp, err := telemetry.InitTracer(telemetry.Config{ServiceName: "lulutracker", Version: version, Env: cfg.Env})
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(ctx)
	}()

	// Change feed (NATS JetStream or in-process)
	broker := feed.NewBrokerFromConfig(cfg.NATSURL)
	defer broker.Close()

	// Storage backend (PostgreSQL or in-memory); notification inserts go out on the feed
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN, broker)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("LULU_DB_DSN not set, using in-memory storage")
		store = storage.NewMemory(broker)
	}

	deps := server.Deps{
		Store:              store,
		Broker:             broker,
		JWKS:               jwks.NewClient(cfg.JWKSURL),
		JWTIssuer:          cfg.JWTIssuer,
		JWTAudience:        cfg.JWTAudience,
		PublicBaseURL:      cfg.PublicBaseURL,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Realtime:           realtime.Config{CloseGrace: cfg.CloseGrace, SubscribeTimeout: cfg.SubscribeTimeout},
		PollInterval:       cfg.PollInterval,
	}

	if cfg.IdentityURL != "" {
		deps.Identity = identity.New(cfg.IdentityURL)
	}

	if cfg.S3Bucket != "" {
		s3Client, err := media.NewS3Client(context.Background(), cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize S3 client", "error", err)
			os.Exit(1)
		}
		deps.Photos = s3Client
	}

	if cfg.NominatimURL != "" {
		geocoder, err := geo.NewNominatim(geo.NominatimConfig{BaseURL: cfg.NominatimURL, UserAgent: cfg.GeocoderUserAgent})
		if err != nil {
			logger.Error("failed to initialize reverse geocoder", "error", err)
			os.Exit(1)
		}
		deps.Geocoder = geocoder
	}

	mux := server.NewMux(deps)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: notification streams stay open; handlers bound their own work
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// Close PostgreSQL storage if used
	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	logger.Info("server exited")
}
