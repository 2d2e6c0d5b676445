package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/rightify/internal/api"
	"github.com/ashureev/rightify/internal/backend"
	"github.com/ashureev/rightify/internal/config"
	"github.com/ashureev/rightify/internal/consult"
	"github.com/ashureev/rightify/internal/identity"
	"github.com/ashureev/rightify/internal/janitor"
	"github.com/ashureev/rightify/internal/middleware"
	"github.com/ashureev/rightify/internal/probe"
	"github.com/ashureev/rightify/internal/store"
	"github.com/ashureev/rightify/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type serveFlags struct {
	port       string
	backendURL string
}

func newServeCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the consultation web server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.port, flags.backendURL)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&flags.port, "port", "", "Listen port (overrides PORT)")
	cmd.Flags().StringVar(&flags.backendURL, "backend", "", "Analysis backend base URL (overrides BACKEND_URL)")

	return cmd
}

func loadConfig(port, backendURL string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if port != "" {
		cfg.Port = port
	}
	if backendURL != "" {
		cfg.Backend.URL = strings.TrimRight(backendURL, "/")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newBackendClient(cfg *config.Config, logger *slog.Logger) (*backend.Client, error) {
	legacyURL, err := url.Parse(cfg.Backend.LegacyURL)
	if err != nil {
		return nil, fmt.Errorf("parse legacy backend URL: %w", err)
	}
	client, err := backend.NewClient(cfg.Backend.URL,
		backend.WithLegacyURL(legacyURL),
		backend.WithHeaderTimeout(cfg.Backend.HeaderTimeout),
		backend.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create backend client: %w", err)
	}
	return client, nil
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServer(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()
	logger.Info("Starting server", "port", cfg.Port, "backend", cfg.Backend.URL, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	client, err := newBackendClient(cfg, logger)
	if err != nil {
		return err
	}

	conversationLogger, err := consult.NewConversationLogger(consult.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			logger.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	registry := consult.NewRegistry(client, consult.RegistryOptions{
		AnimationMin:     cfg.Animation.Min,
		AnimationPerChar: cfg.Animation.PerChar,
		History:          repo,
		ConversationLog:  conversationLogger,
		Logger:           logger,
	})
	defer registry.Close()

	sm := consult.NewSessionManager()
	defer sm.CloseAll()

	consultHandler := consult.NewHandler(registry, cfg)
	defer consultHandler.Close()
	wsHandler := consult.NewWebSocketHandler(registry, sm, cfg.FrontendURL, cfg.IsDevelopment())
	userHandler := api.NewUserHandler(api.NewHandler(repo, cfg))
	healthHandler := api.NewHealthHandler(repo, client, cfg)

	sweeper, err := janitor.New(janitor.Config{
		Schedule:  cfg.JanitorSchedule,
		IdleTTL:   cfg.Session.IdleTTL,
		Retention: cfg.HistoryRetention,
	}, registry, repo, logger)
	if err != nil {
		return err
	}

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Health stays reachable without touching the user table.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		userHandler.RegisterRoutes(r)
		consultHandler.RegisterRoutes(r)
		r.Get("/ws/consultation", wsHandler.ServeHTTP)
	})

	r.Handle("/*", web.Handler())

	// SSE connections stay open indefinitely, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Closing controllers first ends open snapshot streams so Shutdown can drain.
		registry.Close()
		sm.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	if cfg.Probe.Addr != "" {
		prober := probe.New(probe.Config{
			Addr:     cfg.Probe.Addr,
			Interval: cfg.Probe.Interval,
			Timeout:  cfg.Timeout.HealthCheck,
		}, client, logger)
		g.Go(func() error {
			return prober.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped successfully")
	return nil
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" || cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
