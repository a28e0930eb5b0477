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
	chimw "github.com/go-chi/chi/v5/middleware"

	wdhttp "github.com/wardenhq/warden/internal/adapter/http"
	"github.com/wardenhq/warden/internal/adapter/llm"
	wdnats "github.com/wardenhq/warden/internal/adapter/nats"
	"github.com/wardenhq/warden/internal/adapter/otel"
	"github.com/wardenhq/warden/internal/adapter/postgres"
	"github.com/wardenhq/warden/internal/adapter/ristretto"
	"github.com/wardenhq/warden/internal/adapter/ws"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/logger"
	"github.com/wardenhq/warden/internal/middleware"
	"github.com/wardenhq/warden/internal/resilience"
	"github.com/wardenhq/warden/internal/secrets"
	"github.com/wardenhq/warden/internal/service"
)

// wsBroadcaster defers the choice of websocket hub until after the
// supervision service has been constructed.
type wsBroadcaster struct {
	hub *ws.Hub
}

func (b *wsBroadcaster) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	if b.hub != nil {
		b.hub.BroadcastEvent(ctx, eventType, payload)
	}
}

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(logger.New(cfg.Logging))

	// Credentials go through the vault so log output only ever sees
	// redacted forms.
	vault, err := secrets.NewVault(func() (map[string]string, error) {
		return map[string]string{
			"postgres_dsn": cfg.Postgres.DSN,
			"llm_api_key":  cfg.LLM.APIKey,
		}, nil
	})
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"review_timeout", cfg.Hub.ReviewTimeout,
		"llm_api_key", vault.Redacted("llm_api_key"),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	otelShutdown, err := otel.Setup(ctx, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("otel shutdown", "error", err)
		}
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		// pgx errors can echo the DSN back.
		return fmt.Errorf("postgres: %s", vault.RedactString(err.Error()))
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %s", vault.RedactString(err.Error()))
	}
	slog.Info("migrations applied")

	queue, err := wdnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() {
		if err := queue.Drain(); err != nil {
			slog.Error("nats drain", "error", err)
		}
	}()

	explainCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer explainCache.Close()

	llmClient := llm.NewClient(cfg.LLM)
	llmClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	// --- Services ---
	// The ws hub and the supervision service each need the other: the
	// service broadcasts events over websockets, and the ws handler
	// registers reviewers with the service's hub. The indirection below
	// is filled in before anything starts running.
	store := postgres.NewStore(pool)
	bcast := &wsBroadcaster{}

	supervisionSvc := service.NewSupervisionService(cfg.Hub, store, queue, bcast, metrics)
	wsHub := ws.NewHub(supervisionSvc.Hub())
	bcast.hub = wsHub

	reviewerSvc := service.NewReviewerService(store, llmClient, supervisionSvc.Hub(), cfg.Hub.MaxEvaluations)
	explainSvc := service.NewExplainService(llmClient, explainCache, cfg.Cache.TTL)

	if err := reviewerSvc.Start(ctx); err != nil {
		return fmt.Errorf("llm reviewer: %w", err)
	}
	defer reviewerSvc.Stop(context.Background())

	go func() {
		if err := supervisionSvc.Run(ctx); err != nil {
			slog.Error("supervision service stopped", "error", err)
		}
	}()

	// --- HTTP ---
	handlers := wdhttp.NewHandlers(store, supervisionSvc.Hub(), reviewerSvc, explainSvc, queue, llmClient)

	rateLimiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := rateLimiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(wdhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(wdhttp.Logger)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(rateLimiter.Handler)
	r.Use(chimw.Recoverer)

	wdhttp.MountRoutes(r, handlers, wsHub.HandleWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
