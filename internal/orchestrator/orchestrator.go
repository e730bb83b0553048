// Package orchestrator runs the staged matching pipeline. A trigger (listing
// or demand created/updated) flows through enrichment, candidate selection,
// scoring, per-pair compliance + routing + persistence, and notification.
// Enrichment failures degrade; any other stage failure leaves the trigger in
// a recoverable state and is retried on the next invocation.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/shareloop/shareloop/internal/audit"
	"github.com/shareloop/shareloop/internal/compliance"
	"github.com/shareloop/shareloop/internal/events"
	"github.com/shareloop/shareloop/internal/geo"
	"github.com/shareloop/shareloop/internal/match"
	"github.com/shareloop/shareloop/internal/model"
	"github.com/shareloop/shareloop/internal/notify"
	"github.com/shareloop/shareloop/internal/provider/enrich"
	"github.com/shareloop/shareloop/internal/provider/location"
	"github.com/shareloop/shareloop/internal/store"
)

// Config tunes the pipeline.
type Config struct {
	MaxRadiusMiles float64
	EnrichTimeout  time.Duration
}

// Orchestrator coordinates the pipeline stages.
type Orchestrator struct {
	repos      *store.Repositories
	bus        *events.Bus
	auditor    *audit.Recorder
	notifier   *notify.Notifier
	matcher    *match.Engine
	compliance *compliance.Engine
	locations  location.Provider
	enricher   enrich.Provider
	cfg        Config
	logger     *slog.Logger
}

// New wires an orchestrator.
func New(
	repos *store.Repositories,
	bus *events.Bus,
	auditor *audit.Recorder,
	notifier *notify.Notifier,
	matcher *match.Engine,
	comp *compliance.Engine,
	locations location.Provider,
	enricher enrich.Provider,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		repos:      repos,
		bus:        bus,
		auditor:    auditor,
		notifier:   notifier,
		matcher:    matcher,
		compliance: comp,
		locations:  locations,
		enricher:   enricher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run subscribes to the event bus and processes triggers until ctx is
// canceled. Call it in a goroutine.
func (o *Orchestrator) Run(ctx context.Context) {
	ch := o.bus.Subscribe()
	defer o.bus.Unsubscribe(ch)

	o.logger.Info("orchestrator: running")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			o.dispatch(ctx, ev)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, ev model.DomainEvent) {
	var err error
	switch ev.Type {
	case model.EventListingCreated, model.EventListingUpdated:
		err = o.ProcessListing(ctx, ev.EntityID)
	case model.EventDemandCreated, model.EventDemandUpdated:
		err = o.ProcessDemand(ctx, ev.EntityID)
	default:
		return
	}
	if err != nil {
		o.logger.Error("orchestrator: trigger failed", "type", ev.Type, "entity", ev.EntityID, "error", err)
	}
}

// ProcessListing runs the full pipeline for a listing trigger.
func (o *Orchestrator) ProcessListing(ctx context.Context, listingID uuid.UUID) error {
	listing, ok, err := o.repos.Listings.Get(ctx, listingID)
	if err != nil {
		return fmt.Errorf("orchestrator: load listing: %w", err)
	}
	if !ok || (listing.Status != model.StatusPosted && listing.Status != model.StatusMatched) {
		return nil
	}

	listing, err = o.enrichListing(ctx, listing)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if listing.Geohash == "" {
		o.logger.Info("orchestrator: listing not geocoded, skipping matching", "listing", listing.ID)
		return nil
	}

	demands, err := o.candidateDemands(ctx, listing)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return o.matchAndPersist(ctx, []*model.SurplusListing{listing}, demands)
}

// ProcessDemand runs the pipeline for a demand trigger. Demands skip the
// enrichment stage.
func (o *Orchestrator) ProcessDemand(ctx context.Context, demandID uuid.UUID) error {
	demand, ok, err := o.repos.Demands.Get(ctx, demandID)
	if err != nil {
		return fmt.Errorf("orchestrator: load demand: %w", err)
	}
	if !ok || (demand.Status != model.StatusPosted && demand.Status != model.StatusMatched) {
		return nil
	}
	if demand.Geohash == "" {
		return nil
	}

	listings, err := o.candidateListings(ctx, demand)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return o.matchAndPersist(ctx, listings, []*model.DemandPost{demand})
}

// enrichListing calls the enrichment provider under a hard timeout and
// persists the result. Enrichment never fails the pipeline.
func (o *Orchestrator) enrichListing(ctx context.Context, listing *model.SurplusListing) (*model.SurplusListing, error) {
	if listing.EnrichmentStatus == model.EnrichmentCompleted {
		return listing, nil
	}

	enrichCtx, cancel := context.WithTimeout(ctx, o.cfg.EnrichTimeout)
	result, err := o.enricher.Enrich(enrichCtx, listing)
	cancel()

	status := model.EnrichmentCompleted
	if err != nil || result.Status != enrich.StatusSuccess {
		status = model.EnrichmentDegraded
	}

	listing.EnrichmentStatus = status
	listing.AIRiskScore = result.RiskScore
	listing.AIFlags = result.RiskFlags
	listing.HandlingRequirements = lo.Uniq(append(listing.HandlingRequirements, result.HandlingRequirements...))

	saved, err := o.repos.Listings.Put(ctx, listing)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: persist enrichment: %w", err)
	}

	o.auditor.Record(ctx, audit.Entry{
		EntityType: model.TypeListing,
		EntityID:   saved.ID,
		Actor:      model.SystemActor,
		ActorRole:  model.RoleSystem,
		Action:     "enrich",
		After:      saved,
	})
	return saved, nil
}

// candidateDemands sweeps the geo index around the listing.
func (o *Orchestrator) candidateDemands(ctx context.Context, listing *model.SurplusListing) ([]*model.DemandPost, error) {
	prefixes := geo.PrefixesForRadius(listing.Location, o.cfg.MaxRadiusMiles)
	var all []*model.DemandPost
	for _, prefix := range prefixes {
		batch, err := o.repos.Demands.QueryByGeohashPrefix(ctx, prefix, 0)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: candidate demands: %w", err)
		}
		all = append(all, batch...)
	}
	all = lo.UniqBy(all, func(d *model.DemandPost) uuid.UUID { return d.ID })
	return lo.Filter(all, func(d *model.DemandPost, _ int) bool {
		return d.Status == model.StatusPosted || d.Status == model.StatusMatched
	}), nil
}

// candidateListings sweeps the geo index around the demand.
func (o *Orchestrator) candidateListings(ctx context.Context, demand *model.DemandPost) ([]*model.SurplusListing, error) {
	prefixes := geo.PrefixesForRadius(demand.Location, o.cfg.MaxRadiusMiles)
	var all []*model.SurplusListing
	for _, prefix := range prefixes {
		batch, err := o.repos.Listings.QueryByGeohashPrefix(ctx, prefix, 0)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: candidate listings: %w", err)
		}
		all = append(all, batch...)
	}
	all = lo.UniqBy(all, func(l *model.SurplusListing) uuid.UUID { return l.ID })
	return lo.Filter(all, func(l *model.SurplusListing, _ int) bool {
		return l.Status == model.StatusPosted || l.Status == model.StatusMatched
	}), nil
}

// matchAndPersist runs scoring and the per-pair stage.
func (o *Orchestrator) matchAndPersist(ctx context.Context, listings []*model.SurplusListing, demands []*model.DemandPost) error {
	profiles, err := o.loadProfiles(ctx, listings, demands)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	pairs := o.matcher.Rank(listings, demands, profiles, now)

	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		// A pickup window already under way can no longer be serviced.
		// Unlike other compliance failures this is not reviewable, so the
		// pair is dropped instead of parked in the queue as blocked.
		if pair.Listing.PickupWindow.Start.Before(now) {
			o.logger.Debug("orchestrator: pickup window started, pair dropped",
				"listing", pair.Listing.ID, "demand", pair.Demand.ID)
			continue
		}
		if err := o.persistPair(ctx, pair, now); err != nil {
			// Skip this pair; the next trigger retries it.
			o.logger.Warn("orchestrator: pair skipped",
				"listing", pair.Listing.ID, "demand", pair.Demand.ID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) loadProfiles(ctx context.Context, listings []*model.SurplusListing, demands []*model.DemandPost) (map[uuid.UUID]*model.UserProfile, error) {
	ids := make([]uuid.UUID, 0, len(listings)+len(demands))
	for _, l := range listings {
		ids = append(ids, l.SupplierID)
	}
	for _, d := range demands {
		ids = append(ids, d.RecipientID)
	}
	profiles, err := o.repos.Profiles.BatchGet(ctx, lo.Uniq(ids))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load profiles: %w", err)
	}
	return lo.SliceToMap(profiles, func(p *model.UserProfile) (uuid.UUID, *model.UserProfile) {
		return p.ID, p
	}), nil
}

// persistPair routes, evaluates compliance, and persists one match. A pair
// that already has a live match is left untouched, which makes pipeline
// re-runs idempotent.
func (o *Orchestrator) persistPair(ctx context.Context, pair match.Pair, now time.Time) error {
	existing, err := o.existingMatch(ctx, pair.Listing.ID, pair.Demand.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	route, err := o.locations.Route(ctx, pair.Listing.Location, pair.Demand.Location)
	if err != nil {
		// No route, no match: the pair is retried on the next trigger.
		return fmt.Errorf("orchestrator: route: %w", err)
	}

	providerStatus := "ok"
	if route.Degraded {
		providerStatus = "degraded"
	}
	plan := &model.RoutePlan{
		PickupLocation:    pair.Listing.Location,
		DropoffLocation:   pair.Demand.Location,
		DistanceMiles:     route.DistanceMiles,
		EstimatedDuration: model.Duration(time.Duration(route.DurationMinutes * float64(time.Minute))),
		Polyline:          route.Polyline,
		Provider:          route.Provider,
		ProviderStatus:    providerStatus,
	}

	evaluation := o.compliance.Evaluate(pair.Listing, pair.Demand, pair.DistanceMiles, now)

	complianceStatus := model.CompliancePassed
	if !evaluation.Passed {
		complianceStatus = model.ComplianceBlocked
	}

	rec := &model.MatchRecommendation{
		ListingID:        pair.Listing.ID,
		DemandID:         pair.Demand.ID,
		SupplierID:       pair.Listing.SupplierID,
		RecipientID:      pair.Demand.RecipientID,
		Score:            pair.Score,
		Breakdown:        pair.Breakdown,
		DistanceMiles:    pair.DistanceMiles,
		Status:           model.StatusPosted,
		ComplianceStatus: complianceStatus,
		ComplianceChecks: evaluation.Checks,
		BlockedBy:        evaluation.BlockedBy,
	}

	saved, err := o.repos.Matches.Put(ctx, rec)
	if err != nil {
		return fmt.Errorf("orchestrator: persist match: %w", err)
	}

	plan.MatchID = saved.ID
	plan, err = o.repos.Routes.Put(ctx, plan)
	if err != nil {
		return fmt.Errorf("orchestrator: persist route: %w", err)
	}
	saved.RoutePlanID = &plan.ID
	saved, err = o.repos.Matches.Put(ctx, saved)
	if err != nil {
		return fmt.Errorf("orchestrator: link route: %w", err)
	}

	o.auditor.Record(ctx, audit.Entry{
		EntityType: model.TypeMatch,
		EntityID:   saved.ID,
		Actor:      model.SystemActor,
		ActorRole:  model.RoleSystem,
		Action:     "match_created",
		After:      saved,
	})

	return o.announce(ctx, saved)
}

// announce emits the domain event and user notifications for a new match.
func (o *Orchestrator) announce(ctx context.Context, m *model.MatchRecommendation) error {
	if m.ComplianceStatus == model.ComplianceBlocked {
		ev, err := model.NewEvent(model.EventComplianceBlocked, model.TypeMatch, m.ID, nil,
			model.ComplianceBlockedPayload{MatchID: m.ID, BlockedBy: m.BlockedBy})
		if err != nil {
			return err
		}
		if err := o.bus.Publish(ctx, ev); err != nil {
			return err
		}
		msg := fmt.Sprintf("A candidate match was blocked by compliance (%v)", m.BlockedBy)
		_ = o.notifier.Notify(ctx, m.SupplierID, model.NotifyComplianceBlocked, "Match blocked", msg, m.ID)
		_ = o.notifier.Notify(ctx, m.RecipientID, model.NotifyComplianceBlocked, "Match blocked", msg, m.ID)
		return nil
	}

	ev, err := model.NewEvent(model.EventMatchProposed, model.TypeMatch, m.ID, nil,
		model.MatchProposedPayload{ListingID: m.ListingID, DemandID: m.DemandID, Score: m.Score})
	if err != nil {
		return err
	}
	if err := o.bus.Publish(ctx, ev); err != nil {
		return err
	}
	msg := fmt.Sprintf("New match proposed (score %.0f, %.1f mi)", m.Score, m.DistanceMiles)
	_ = o.notifier.Notify(ctx, m.SupplierID, model.NotifyMatchProposed, "New match", msg, m.ID)
	_ = o.notifier.Notify(ctx, m.RecipientID, model.NotifyMatchProposed, "New match", msg, m.ID)
	return nil
}

// liveMatch statuses count as existing for dedupe purposes. closed, canceled,
// failed, and expired matches do not suppress a new recommendation.
func liveMatch(s model.EntityStatus) bool {
	switch s {
	case model.StatusPosted, model.StatusMatched, model.StatusScheduled, model.StatusPickedUp, model.StatusDelivered:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) existingMatch(ctx context.Context, listingID, demandID uuid.UUID) (*model.MatchRecommendation, error) {
	// Matches index by recipient; the demand owner's matches are a small set.
	demand, ok, err := o.repos.Demands.Get(ctx, demandID)
	if err != nil || !ok {
		return nil, err
	}
	matches, err := o.repos.Matches.QueryByOwner(ctx, demand.RecipientID, 0)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: existing matches: %w", err)
	}
	for _, m := range matches {
		if m.ListingID == listingID && m.DemandID == demandID && liveMatch(m.Status) {
			return m, nil
		}
	}
	return nil, nil
}

// SweepExpired transitions posted listings whose expiration has passed to
// expired, emitting the audit and event trail. It returns how many listings
// it expired.
func (o *Orchestrator) SweepExpired(ctx context.Context) (int, error) {
	posted, err := o.repos.Listings.QueryByStatus(ctx, model.StatusPosted, 0)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: sweep query: %w", err)
	}

	now := time.Now().UTC()
	expired := 0
	for _, l := range posted {
		if l.ExpirationDate.IsZero() || l.ExpirationDate.After(now) {
			continue
		}
		before := *l
		l.Status = model.StatusExpired
		saved, err := o.repos.Listings.Put(ctx, l)
		if err != nil {
			o.logger.Warn("orchestrator: sweep skip", "listing", l.ID, "error", err)
			continue
		}
		expired++

		o.auditor.Record(ctx, audit.Entry{
			EntityType: model.TypeListing,
			EntityID:   saved.ID,
			Actor:      model.SystemActor,
			ActorRole:  model.RoleSystem,
			Action:     "status_change",
			Before:     before,
			After:      saved,
		})
		ev, err := model.NewEvent(model.EventListingStatusChanged, model.TypeListing, saved.ID, nil,
			model.StatusChangedPayload{From: model.StatusPosted, To: model.StatusExpired})
		if err == nil {
			_ = o.bus.Publish(ctx, ev)
		}
		_ = o.notifier.Notify(ctx, saved.SupplierID, model.NotifyListingExpired, "Listing expired",
			fmt.Sprintf("Listing %q expired before pickup", saved.Title), saved.ID)
	}
	return expired, nil
}

// RunSweeper expires stale listings on a fixed interval until ctx is
// canceled.
func (o *Orchestrator) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := o.SweepExpired(ctx); err != nil {
				o.logger.Error("orchestrator: sweep", "error", err)
			} else if n > 0 {
				o.logger.Info("orchestrator: swept expired listings", "count", n)
			}
		}
	}
}
