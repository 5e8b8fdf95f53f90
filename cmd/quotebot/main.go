package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/Henryk03/agentic-quotation-system-sub000/internal/api"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/auth"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/browser"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/config"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/database"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/events"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/jobs"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/provider"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/scrape"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/session"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.DBName,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cipher, err := session.NewCipher(cfg.SessionKey)
	if err != nil {
		logger.Error("failed to initialize cipher", "error", err)
		os.Exit(1)
	}

	store := session.NewPGStore(db, cipher, session.LockoutPolicy{
		MaxFailures: cfg.Auth.MaxLoginFailures,
		Cooldown:    cfg.Auth.LockoutDuration,
	}, logger)

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure session schema", "error", err)
		os.Exit(1)
	}

	registry, err := provider.NewRegistryFromCatalog(provider.DefaultCatalog())
	if err != nil {
		logger.Error("failed to build provider registry", "error", err)
		os.Exit(1)
	}

	if err := registry.Validate(ctx); err != nil {
		logger.Error("provider validation failed", "error", err)
		os.Exit(1)
	}

	engine, err := browser.NewEngine(&browser.Options{
		Headless:       cfg.Browser.Headless,
		Timeout:        cfg.Browser.Timeout,
		UserAgent:      cfg.Browser.UserAgent,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		AcceptLanguage: cfg.Browser.AcceptLanguage,
		TimezoneID:     cfg.Browser.TimezoneID,
		Locale:         cfg.Browser.Locale,
	}, logger)
	if err != nil {
		logger.Error("failed to start browser engine", "error", err)
		os.Exit(1)
	}
	defer engine.Stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	// Login prompts go through a Postgres outbox so a Redis outage cannot
	// drop them; the relay drains the outbox onto the channel.
	outbox := database.NewOutbox(db)
	if err := outbox.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure outbox schema", "error", err)
		os.Exit(1)
	}

	publisher := events.NewPublisher(redisClient, cfg.Redis.Channel, logger)
	relay := database.NewRelay(outbox, publisher, logger, database.RelayConfig{})
	relay.Start(ctx)

	authMode := auth.ModeInteractive
	if cfg.Auth.Mode == "batch" {
		authMode = auth.ModeBatch
	}

	manager := auth.NewManager(store, engine, outbox, auth.Config{
		Mode:               authMode,
		Headless:           cfg.Browser.Headless,
		LoginPollInterval:  cfg.Auth.LoginPollInterval,
		ManualLoginTimeout: cfg.Auth.ManualLoginTimeout,
		NetworkIdleTimeout: cfg.Auth.NetworkIdleTimeout,
	}, logger)

	extractor := scrape.NewExtractor(scrape.ExtractorOptions{}, logger)
	orchestrator := scrape.NewOrchestrator(registry, manager, extractor, logger)
	orchestrator.SetQueryPacing(cfg.Scrape.MinQueryDelay, cfg.Scrape.MaxQueryDelay)

	jobManager := jobs.NewManager(db, orchestrator, logger)
	if err := jobManager.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure jobs schema", "error", err)
		os.Exit(1)
	}
	jobManager.Start(ctx)
	defer jobManager.Stop()

	handlers := api.NewHandlers(orchestrator, jobManager, store, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api/v1", handlers.Routes)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr, "mode", cfg.Auth.Mode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
}
