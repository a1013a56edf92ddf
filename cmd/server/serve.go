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
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ashureev/scam-honeypot/internal/api"
	"github.com/ashureev/scam-honeypot/internal/callback"
	"github.com/ashureev/scam-honeypot/internal/classifier"
	"github.com/ashureev/scam-honeypot/internal/config"
	"github.com/ashureev/scam-honeypot/internal/domain"
	"github.com/ashureev/scam-honeypot/internal/engine"
	"github.com/ashureev/scam-honeypot/internal/events"
	"github.com/ashureev/scam-honeypot/internal/middleware"
	"github.com/ashureev/scam-honeypot/internal/reply"
	"github.com/ashureev/scam-honeypot/internal/store"
	"github.com/ashureev/scam-honeypot/internal/timing"
)

// restoreWindow bounds how old a persisted session may be and still be
// restored at startup.
const restoreWindow = 24 * time.Hour

//nolint:gocyclo // Startup wiring is sequential to keep dependency setup explicit.
func runServe(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "version", version)
	if cfg.Callback.URL == "" {
		slog.Warn("CALLBACK_URL not set, reports will be abandoned")
	}
	if cfg.APISecretKey == "" {
		slog.Warn("API_SECRET_KEY not set, inbound requests are not authenticated")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Classifier council.
	members, err := classifier.Resolve(cfg.Classifier.Names)
	if err != nil {
		return fmt.Errorf("failed to resolve classifiers: %w", err)
	}
	for _, addr := range cfg.Classifier.GRPCAddrs {
		remote, err := classifier.NewRemote(classifier.DefaultRemoteConfig(addr), logger)
		if err != nil {
			slog.Warn("Remote classifier unavailable, continuing without it", "address", addr, "error", err)
			continue
		}
		defer remote.Close()
		members = append(members, remote)
	}
	if len(members) == 0 {
		return errors.New("no classifiers available")
	}
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Name())
	}
	council := classifier.NewCouncil(members, cfg.Classifier.Timeout, logger)
	slog.Info("Classifier council ready", "members", names, "workers", cfg.Classifier.Workers)

	// Reply generation.
	var primary reply.Generator
	if cfg.Reply.GRPCAddr != "" {
		conn, err := grpc.NewClient(cfg.Reply.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			slog.Warn("Reply model unavailable, using persona replies", "address", cfg.Reply.GRPCAddr, "error", err)
		} else {
			defer func() {
				if closeErr := conn.Close(); closeErr != nil {
					slog.Warn("Failed to close reply model connection", "error", closeErr)
				}
			}()
			primary = reply.NewRemote(conn)
		}
	}
	replies := reply.NewGuarded(primary, reply.NewPersona(), cfg.Reply.Timeout, logger)

	hub := events.NewHub(logger)
	defer hub.Close()

	engineCfg := engine.Config{
		Policy: timing.Policy{
			ShortInactivity: cfg.Timing.ShortInactivity,
			LongInactivity:  cfg.Timing.LongInactivity,
			HardDeadline:    cfg.Timing.HardDeadline,
		},
		ScanInterval:           cfg.Timing.ScanInterval,
		GraceWindow:            cfg.Timing.GraceWindow,
		AnalysisWorkers:        cfg.Classifier.Workers,
		Analyzer:               council,
		Replies:                replies,
		Sender:                 callback.NewHTTPSender(cfg.Callback.URL, cfg.Callback.Timeout),
		CallbackAttempts:       cfg.Callback.MaxAttempts,
		CallbackInitialBackoff: cfg.Callback.InitialBackoff,
		CallbackMaxBackoff:     cfg.Callback.MaxBackoff,
		Publisher:              hub,
		Logger:                 logger,
	}

	// Crash-recovery persistence.
	var (
		repo     *store.SQLiteStore
		queue    *store.WriteBehind
		restored []domain.Session
	)
	if cfg.Persist.Enabled {
		repo, err = store.NewSQLite(cfg.Persist.DBPath, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer func() {
			if closeErr := repo.Close(); closeErr != nil {
				slog.Error("Failed to close repository", "error", closeErr)
			}
		}()

		if err := repo.Ping(ctx); err != nil {
			return fmt.Errorf("database health check failed: %w", err)
		}
		pruned, err := repo.PruneBefore(ctx, time.Now().Add(-restoreWindow))
		if err != nil {
			return fmt.Errorf("failed to prune stale sessions: %w", err)
		}
		restored, err = repo.LoadSessions(ctx)
		if err != nil {
			return fmt.Errorf("failed to load sessions: %w", err)
		}
		slog.Info("Database connected", "path", cfg.Persist.DBPath, "pruned", pruned, "stored_sessions", len(restored))

		queue = store.NewWriteBehind(repo, cfg.Persist.QueueSize, logger)
		engineCfg.Persister = queue
	}

	eng := engine.New(engineCfg)
	eng.Restore(restored)
	eng.Start(ctx)
	slog.Info("Deadline scanner started",
		"short_inactivity", cfg.Timing.ShortInactivity,
		"long_inactivity", cfg.Timing.LongInactivity,
		"hard_deadline", cfg.Timing.HardDeadline,
	)

	// Handlers.
	var statsQueue api.QueueStatter
	var db api.Pinger
	if queue != nil {
		statsQueue, db = queue, repo
	}
	honeypotHandler := api.NewHoneypotHandler(eng, api.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst), logger)
	statsHandler := api.NewStatsHandler(eng, statsQueue, db)
	wsHandler := events.NewWebSocketHandler(hub, cfg.AllowedOrigins, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health/live"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	statsHandler.RegisterRoutes(r)

	// Authenticated routes.
	apiKey := middleware.APIKey(cfg.APISecretKey, logger)
	honeypotHandler.RegisterRoutes(r, apiKey)
	r.With(apiKey).Get("/ws/events", wsHandler.ServeHTTP)

	// No WriteTimeout: /ws/events connections are long-lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			slog.Error("Server failed", "error", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	eng.Stop()
	if queue != nil {
		if err := queue.Close(); err != nil {
			slog.Error("Failed to flush persistence queue", "error", err)
		}
	}

	stats := eng.Stats()
	slog.Info("Server stopped successfully",
		"active_sessions", stats.ActiveSessions,
		"reports_delivered", stats.Delivered,
		"reports_abandoned", stats.Abandoned,
	)
	return nil
}
