// Package main is the entry point for the billingsync API server.
//
// It loads configuration, wires the reconciliation engine against the real
// provider clients, builds the HTTP server with the core chassis (middleware,
// routing, health checks), and starts listening for requests.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
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
	"github.com/jackc/pgx/v5/pgxpool"

	"billingsync/internal/accounts"
	"billingsync/internal/api/handlers"
	"billingsync/internal/apikeys"
	"billingsync/internal/auth"
	"billingsync/internal/config"
	"billingsync/internal/core"
	"billingsync/internal/external"
	"billingsync/internal/plans"
	"billingsync/internal/recon"
	"billingsync/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("billingsync API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	mappings, err := cfg.Plans.Mappings()
	if err != nil {
		return fmt.Errorf("loading plan configuration: %w", err)
	}
	planDir, err := plans.NewDirectory(mappings)
	if err != nil {
		return fmt.Errorf("building plan directory: %w", err)
	}

	// Account mapping store: Postgres when configured, in-memory otherwise.
	var (
		dir  accounts.Directory
		pool *pgxpool.Pool
	)
	if dbURL := cfg.Database.URL.Unmask(); dbURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err = pgxpool.New(ctx, dbURL)
		cancel()
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()
		dir = accounts.NewRepository(pool)
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory account store (mappings are lost on restart)")
		dir = accounts.NewMemory()
	}

	apiKeys := apikeys.NewStore(cfg.API.APIKeyTTL, types.RealClock{})

	httpClient := &http.Client{Timeout: 30 * time.Second}
	billing := external.NewStripeClient(httpClient, planDir, external.StripeClientConfig{
		SecretKey: cfg.Stripe.SecretKey.Unmask(),
		BaseURL:   cfg.Stripe.APIBase,
		Logger:    logger,
	})
	provider := external.NewRouterLimitsClient(httpClient, external.RouterLimitsClientConfig{
		APIBase:        cfg.RouterLimits.APIBase,
		APIKey:         cfg.RouterLimits.APIKey,
		OrganizationID: cfg.RouterLimits.OrganizationID,
		Logger:         logger,
	})

	engine := recon.NewEngine(dir, billing, provider, planDir, apiKeys, logger)
	authService := auth.NewService(cfg.RouterLimits.JWTSecret, cfg.RouterLimits.JWTValidInterval, dir, apiKeys, nil)

	srv, err := core.NewServer(logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if pool != nil {
		srv.HealthProbes = append(srv.HealthProbes, &dbProbe{pool: pool})
	}

	providerWebhook := handlers.NewProviderWebhookHandler(
		engine,
		cfg.RouterLimits.SharedSecret,
		cfg.RouterLimits.WebhookValidInterval,
		nil,
		logger,
	)
	billingWebhook := handlers.NewBillingWebhookHandler(
		engine,
		&external.StripeVerifier{},
		cfg.Stripe.WebhookSecret,
		cfg.Stripe.WebhookValidInterval,
		nil,
		logger,
	)

	validator := core.NewValidator()
	accountsHandler := handlers.NewAccountsHandler(engine, validator, logger)
	authHandler := handlers.NewAuthHandler(authService, logger)
	plansHandler := handlers.NewPlansHandler(planDir, logger)
	usersHandler := handlers.NewUsersHandler(engine, logger)

	requireAPIKey := core.NewAPIKeyMiddleware(authService)

	r := srv.Router()
	r.Use(srv.Recoverer)
	r.Use(core.RequestID)
	r.Use(core.SecurityHeaders)
	r.Use(core.NoStore)
	r.Use(core.NewCORSMiddleware(cfg.API.AllowedOrigins))
	r.Use(core.RequestLogger(logger, []string{"x-api-key", "authorization", "x-rl-signatures", "stripe-signature"}))

	r.Get("/health", srv.HandleHealth)
	providerWebhook.RegisterRoutes(r)
	billingWebhook.RegisterRoutes(r)

	r.Route("/api", func(r chi.Router) {
		authHandler.RegisterRoutes(r)
		usersHandler.RegisterRoutes(r)
		accountsHandler.RegisterRoutes(r, requireAPIKey)
		r.Group(func(r chi.Router) {
			r.Use(requireAPIKey)
			plansHandler.RegisterRoutes(r)
		})
	})

	return runHTTPServer(srv, cfg, logger)
}

// dbProbe reports database reachability for the health endpoint.
type dbProbe struct {
	pool *pgxpool.Pool
}

func (p *dbProbe) Name() string { return "database" }

func (p *dbProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// runHTTPServer starts the server with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
