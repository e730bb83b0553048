// Command shareloopd runs the surplus-to-need control plane: the HTTP API,
// the matching orchestrator, and the expiry sweeper in one process.
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

	"github.com/joho/godotenv"

	"github.com/shareloop/shareloop/internal/audit"
	"github.com/shareloop/shareloop/internal/auth"
	"github.com/shareloop/shareloop/internal/compliance"
	"github.com/shareloop/shareloop/internal/config"
	"github.com/shareloop/shareloop/internal/events"
	"github.com/shareloop/shareloop/internal/match"
	"github.com/shareloop/shareloop/internal/notify"
	"github.com/shareloop/shareloop/internal/orchestrator"
	"github.com/shareloop/shareloop/internal/provider/enrich"
	"github.com/shareloop/shareloop/internal/provider/location"
	"github.com/shareloop/shareloop/internal/ratelimit"
	"github.com/shareloop/shareloop/internal/server"
	"github.com/shareloop/shareloop/internal/service"
	"github.com/shareloop/shareloop/internal/store"
	"github.com/shareloop/shareloop/internal/telemetry"
	"github.com/shareloop/shareloop/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("SHARELOOP_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("shareloop starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var db store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		db = pg
		logger.Info("store: postgres")
	} else {
		db = store.NewMemory()
		logger.Warn("store: in-memory (no DATABASE_URL); data will not survive restarts")
	}
	defer db.Close(context.Background())
	repos := store.NewRepositories(db)

	bus, err := events.NewBus(db, logger, cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	defer bus.Close()

	auditor := audit.NewRecorder(db, logger, cfg.AuditRetentionDays)
	notifier := notify.New(repos, notify.LogSender{Logger: logger}, logger)

	// Providers fall back to degraded local implementations when no URL is
	// configured.
	var locations location.Provider
	if cfg.GeocodeURL != "" {
		locations = location.NewHTTPProvider(cfg.GeocodeURL, cfg.ProviderCacheTTL, logger,
			location.WithTimeouts(cfg.GeocodeTimeout, cfg.RouteTimeout))
		logger.Info("location provider: http", "url", cfg.GeocodeURL)
	} else {
		locations = location.Static{}
		logger.Warn("location provider: static centroids (no SHARELOOP_GEOCODE_URL)")
	}

	var enricher enrich.Provider
	if cfg.EnrichURL != "" {
		enricher = enrich.NewLLM(cfg.EnrichURL, cfg.EnrichModel, cfg.EnrichTimeout, logger)
		logger.Info("enrichment provider: llm", "url", cfg.EnrichURL, "model", cfg.EnrichModel)
	} else {
		enricher = enrich.Keyword{}
		logger.Info("enrichment provider: keyword heuristics (no SHARELOOP_ENRICH_URL)")
	}

	matcher := match.NewEngine(cfg.MatchMaxRadiusMiles, cfg.MatchTopRecommendations, cfg.MatchWeights)
	checker := compliance.NewEngine(compliance.Config{
		MaxRefrigerationWindow: cfg.ComplianceMaxRefrigerationWindow,
		MinExpirationBuffer:    cfg.ComplianceMinExpirationBuffer,
		MaxDistanceMiles:       cfg.ComplianceMaxDistanceMiles,
		BlockedKeywords:        cfg.ComplianceBlockedKeywords,
	})

	orch := orchestrator.New(repos, bus, auditor, notifier, matcher, checker,
		locations, enricher,
		orchestrator.Config{
			MaxRadiusMiles: cfg.MatchMaxRadiusMiles,
			EnrichTimeout:  cfg.EnrichTimeout,
		},
		logger,
	)
	go orch.Run(ctx)
	go orch.RunSweeper(ctx, cfg.ExpirySweepEvery)

	svc := service.New(repos, bus, auditor, notifier, locations, orch, logger)

	jwtMgr, err := auth.NewManager(cfg.JWTSecret, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(cfg, svc, jwtMgr, repos, limiter, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shareloop shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	return nil
}
