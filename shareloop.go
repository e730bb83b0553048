// Package shareloop is the public API for embedding the surplus-to-need
// control plane.
//
// Integrators import this package to construct and extend the server without
// forking it:
//
//	app, err := shareloop.New(
//	    shareloop.WithVersion(version),
//	    shareloop.WithLogger(logger),
//	    shareloop.WithLocationProvider(myGeocoder{}),
//	    shareloop.WithEventHook(myWarehouseSync{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: shareloop (root) imports
// internal/*, but internal/* never imports the root. Public types (Listing,
// Event, etc.) are standalone structs with no internal imports; conversion
// helpers live here because this is the only file that sees both sides of
// the boundary.
package shareloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/shareloop/shareloop/internal/audit"
	"github.com/shareloop/shareloop/internal/auth"
	"github.com/shareloop/shareloop/internal/compliance"
	"github.com/shareloop/shareloop/internal/config"
	"github.com/shareloop/shareloop/internal/events"
	"github.com/shareloop/shareloop/internal/match"
	"github.com/shareloop/shareloop/internal/model"
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

// App is the control plane lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           store.Store
	bus          *events.Bus
	orch         *orchestrator.Orchestrator
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	eventHooks   []EventHook
	logger       *slog.Logger
	version      string
}

// New initialises the server. It connects to the configured store, runs
// migrations, and wires all subsystems. It does NOT start any goroutines or
// accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("shareloop: load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.natsURL != "" {
		cfg.NATSURL = o.natsURL
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("shareloop: telemetry: %w", err)
	}

	var db store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("shareloop: store: %w", err)
		}
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			return nil, fmt.Errorf("shareloop: migrations: %w", err)
		}
		db = pg
	} else {
		logger.Warn("shareloop: in-memory store (no DATABASE_URL); data will not survive restarts")
		db = store.NewMemory()
	}
	repos := store.NewRepositories(db)

	bus, err := events.NewBus(db, logger, cfg.NATSURL)
	if err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("shareloop: events: %w", err)
	}

	auditor := audit.NewRecorder(db, logger, cfg.AuditRetentionDays)

	var sender notify.Sender = notify.LogSender{Logger: logger}
	if o.sender != nil {
		sender = senderAdapter{o.sender}
	}
	notifier := notify.New(repos, sender, logger)

	var locations location.Provider
	switch {
	case o.locations != nil:
		locations = locationAdapter{o.locations}
	case cfg.GeocodeURL != "":
		locations = location.NewHTTPProvider(cfg.GeocodeURL, cfg.ProviderCacheTTL, logger,
			location.WithTimeouts(cfg.GeocodeTimeout, cfg.RouteTimeout))
	default:
		locations = location.Static{}
	}

	var enricher enrich.Provider
	switch {
	case o.enricher != nil:
		enricher = enrichAdapter{o.enricher}
	case cfg.EnrichURL != "":
		enricher = enrich.NewLLM(cfg.EnrichURL, cfg.EnrichModel, cfg.EnrichTimeout, logger)
	default:
		enricher = enrich.Keyword{}
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

	svc := service.New(repos, bus, auditor, notifier, locations, orch, logger)

	jwtMgr, err := auth.NewManager(cfg.JWTSecret, cfg.JWTExpiration)
	if err != nil {
		bus.Close()
		db.Close(ctx)
		return nil, fmt.Errorf("shareloop: auth: %w", err)
	}

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	srv := server.New(cfg, svc, jwtMgr, repos, limiter, logger)
	for i := len(o.middlewares) - 1; i >= 0; i-- {
		srv.Wrap(o.middlewares[i])
	}

	return &App{
		cfg:          cfg,
		db:           db,
		bus:          bus,
		orch:         orch,
		srv:          srv,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		eventHooks:   o.eventHooks,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the orchestrator, the expiry sweeper, event hook dispatch, and
// the HTTP server, then blocks until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("shareloop starting", "version", a.version, "port", a.cfg.Port)

	go a.orch.Run(ctx)
	go a.orch.RunSweeper(ctx, a.cfg.ExpirySweepEvery)
	if len(a.eventHooks) > 0 {
		go a.dispatchHooks(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.close()
		return err
	}

	a.logger.Info("shareloop shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	a.close()
	return nil
}

// Handler returns the fully wired HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

func (a *App) close() {
	_ = a.limiter.Close()
	a.bus.Close()
	a.db.Close(context.Background())
	_ = a.otelShutdown(context.Background())
}

// dispatchHooks fans persisted domain events out to registered hooks.
func (a *App) dispatchHooks(ctx context.Context) {
	ch := a.bus.Subscribe()
	defer a.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			pub := toPublicEvent(ev)
			for _, hook := range a.eventHooks {
				if err := hook.OnEvent(ctx, pub); err != nil {
					a.logger.Warn("event hook failed", "type", ev.Type, "error", err)
				}
			}
		}
	}
}

// Adapters bridge the public extension interfaces to the internal provider
// contracts.

type locationAdapter struct{ p LocationProvider }

func (a locationAdapter) Geocode(ctx context.Context, address string) (location.GeocodeResult, error) {
	r, err := a.p.Geocode(ctx, address)
	if err != nil {
		return location.GeocodeResult{}, err
	}
	return location.GeocodeResult{
		Coords:           model.Coordinates{Lat: r.Coords.Lat, Lng: r.Coords.Lng},
		FormattedAddress: r.FormattedAddress,
		Confidence:       r.Confidence,
		Provider:         "custom",
		Degraded:         r.Degraded,
	}, nil
}

func (a locationAdapter) Route(ctx context.Context, from, to model.Coordinates) (location.RouteResult, error) {
	r, err := a.p.Route(ctx,
		Coordinates{Lat: from.Lat, Lng: from.Lng},
		Coordinates{Lat: to.Lat, Lng: to.Lng})
	if err != nil {
		return location.RouteResult{}, err
	}
	return location.RouteResult{
		DistanceMiles:   r.DistanceMiles,
		DurationMinutes: r.DurationMinutes,
		Polyline:        r.Polyline,
		Provider:        "custom",
		Degraded:        r.Degraded,
	}, nil
}

type enrichAdapter struct{ p EnrichmentProvider }

func (a enrichAdapter) Enrich(ctx context.Context, listing *model.SurplusListing) (enrich.Result, error) {
	r, err := a.p.Enrich(ctx, toPublicListing(listing))
	if err != nil {
		return enrich.Result{}, err
	}
	out := enrich.Result{
		NormalizedCategory:   model.Category(r.NormalizedCategory),
		HandlingRequirements: r.HandlingRequirements,
		RiskScore:            r.RiskScore,
		RiskFlags:            r.RiskFlags,
		Confidence:           r.Confidence,
		Status:               enrich.StatusSuccess,
	}
	if r.Degraded {
		out.Status = enrich.StatusDegraded
	}
	for _, c := range r.ExtractedCategories {
		out.ExtractedCategories = append(out.ExtractedCategories, model.Category(c))
	}
	return out, nil
}

type senderAdapter struct{ s NotificationSender }

func (a senderAdapter) Send(ctx context.Context, n *model.Notification) error {
	return a.s.Send(ctx, Notification{
		ID:       n.ID,
		UserID:   n.UserID,
		Type:     string(n.Type),
		Title:    n.Title,
		EntityID: n.EntityID,
		Message:  n.Message,
	})
}

func (senderAdapter) Channel() string { return "external" }

func toPublicListing(l *model.SurplusListing) Listing {
	out := Listing{
		ID:                    l.ID,
		Title:                 l.Title,
		Description:           l.Description,
		Category:              string(l.Category),
		Quantity:              l.Quantity,
		Unit:                  l.Unit,
		QualityNotes:          l.QualityNotes,
		HandlingRequirements:  l.HandlingRequirements,
		RequiresRefrigeration: l.RequiresRefrigeration,
	}
	if !l.ExpirationDate.IsZero() {
		exp := l.ExpirationDate
		out.ExpirationDate = &exp
	}
	return out
}

func toPublicEvent(ev model.DomainEvent) Event {
	return Event{
		ID:         ev.ID,
		Type:       string(ev.Type),
		EntityType: string(ev.EntityType),
		EntityID:   ev.EntityID,
		UserID:     ev.UserID,
		Timestamp:  ev.Timestamp,
		Payload:    ev.Payload,
	}
}
