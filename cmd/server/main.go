// Handoff routing server: mediates conversations between users, a bot, and
// a pool of human agents.
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaydesk/handoff/internal/api"
	"github.com/relaydesk/handoff/internal/bot"
	"github.com/relaydesk/handoff/internal/config"
	"github.com/relaydesk/handoff/internal/delivery"
	"github.com/relaydesk/handoff/internal/directory"
	"github.com/relaydesk/handoff/internal/handoff"
	"github.com/relaydesk/handoff/internal/identity"
	"github.com/relaydesk/handoff/internal/metrics"
	"github.com/relaydesk/handoff/internal/middleware"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "store", cfg.StoreBackend, "dev", cfg.IsDevelopment())

	dir, err := newDirectory(cfg)
	if err != nil {
		slog.Error("Failed to initialize user directory", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := dir.Close(); closeErr != nil {
			slog.Error("Failed to close user directory", "error", closeErr)
		}
	}()

	if err := dir.Ping(context.Background()); err != nil {
		slog.Error("Directory health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("User directory ready")

	// Metrics registry with the standard process/go collectors.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	handoffMetrics := metrics.New(registry)

	// Delivery hub: proactive sends go to live WebSocket attachments.
	hub := delivery.NewHub()

	// Routing core and the bot stage behind it.
	classifier := identity.NewClassifier(cfg.AgentIDPrefix)
	router := handoff.NewService(dir, hub, classifier, cfg.CommandMarker, handoffMetrics)

	var responder bot.Responder = bot.EchoBot{}
	if cfg.BotURL != "" {
		responder = bot.NewHTTPBot(cfg.BotURL)
		slog.Info("Bot backend configured", "url", cfg.BotURL)
	} else {
		slog.Info("No BOT_URL set, using echo bot")
	}
	next := bot.Stage(responder, hub)

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	apiHandler := api.NewHandler(router, next, dir, limiter)
	chatHandler := api.NewChatHandler(router, next, hub, cfg.AllowedOrigins, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	apiHandler.RegisterRoutes(r)
	r.Get("/ws/chat", chatHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket conversations stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newDirectory builds the configured directory backend.
func newDirectory(cfg *config.Config) (directory.Directory, error) {
	switch cfg.StoreBackend {
	case config.StoreSQLite:
		return directory.NewSQLite(cfg.DBPath)
	case config.StoreRedis:
		return directory.NewRedis(directory.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case config.StoreMemory:
		return directory.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
