package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cinesala/backend/internal/v1/auth"
	"github.com/cinesala/backend/internal/v1/config"
	"github.com/cinesala/backend/internal/v1/logging"
	"github.com/cinesala/backend/internal/v1/party"
	"github.com/cinesala/backend/internal/v1/ratelimit"
	"github.com/cinesala/backend/internal/v1/store"
)

func main() {
	// Load .env for local development; in production everything comes
	// from real environment variables.
	envPaths := []string{".env", "../../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// --- External store ---
	var st store.Store = store.Nop{}
	if cfg.DBEnabled {
		pg, err := store.NewPostgres(cfg.DSN())
		if err != nil {
			slog.Error("Failed to connect to Postgres, running without persistence", "error", err)
		} else {
			slog.Info("Postgres store initialized", "host", cfg.DBHost, "db", cfg.DBName)
			st = pg
		}
	} else {
		slog.Info("Running without a database (DB_ENABLED != true)")
	}

	// --- Optional session-token validation ---
	var validator *auth.Validator
	if cfg.JWTSecret != "" {
		validator, err = auth.NewValidator(cfg.JWTSecret)
		if err != nil {
			slog.Error("Failed to create token validator", "error", err)
			os.Exit(1)
		}
		slog.Info("Session-token validation enabled")
	} else {
		slog.Warn("Session-token validation DISABLED; identities are self-declared")
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg.RateLimitWsIP)
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	allowedOrigins := auth.GetAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	hub := party.NewHub(st, validator, rateLimiter, allowedOrigins)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go hub.Run(reaperCtx)

	// --- HTTP server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())

	router.GET("/ws/watch-party", hub.ServeWs)
	router.GET("/health", hub.Health)
	router.GET("/public-rooms", hub.PublicRooms)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("Watch-party server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopReaper()
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := st.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}

	slog.Info("Server exiting")
}
