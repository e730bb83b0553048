package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareloop/shareloop/internal/audit"
	"github.com/shareloop/shareloop/internal/compliance"
	"github.com/shareloop/shareloop/internal/config"
	"github.com/shareloop/shareloop/internal/events"
	"github.com/shareloop/shareloop/internal/geo"
	"github.com/shareloop/shareloop/internal/match"
	"github.com/shareloop/shareloop/internal/model"
	"github.com/shareloop/shareloop/internal/notify"
	"github.com/shareloop/shareloop/internal/provider/enrich"
	"github.com/shareloop/shareloop/internal/provider/location"
	"github.com/shareloop/shareloop/internal/store"
)

type failingRouter struct{ location.Static }

func (failingRouter) Route(context.Context, model.Coordinates, model.Coordinates) (location.RouteResult, error) {
	return location.RouteResult{}, errors.New("router hard down")
}

type fixture struct {
	orch  *Orchestrator
	repos *store.Repositories
	bus   *events.Bus
}

func newFixture(t *testing.T, loc location.Provider) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repos := store.NewRepositories(store.NewMemory())
	bus, err := events.NewBus(repos.DB, logger, "")
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	weights := config.Weights{Distance: 0.30, Time: 0.25, Category: 0.20, Capacity: 0.15, Reliability: 0.10}
	orch := New(
		repos,
		bus,
		audit.NewRecorder(repos.DB, logger, 730),
		notify.New(repos, nil, logger),
		match.NewEngine(50, 5, weights),
		compliance.NewEngine(compliance.Config{}),
		loc,
		enrich.Keyword{},
		Config{MaxRadiusMiles: 50, EnrichTimeout: time.Second},
		logger,
	)
	return &fixture{orch: orch, repos: repos, bus: bus}
}

var (
	sfLoc  = model.Coordinates{Lat: 37.7749, Lng: -122.4194}
	oakLoc = model.Coordinates{Lat: 37.8044, Lng: -122.2712}
)

func seedListing(t *testing.T, repos *store.Repositories, mutate func(*model.SurplusListing)) *model.SurplusListing {
	t.Helper()
	now := time.Now().UTC()
	l := &model.SurplusListing{
		SupplierID:     uuid.New(),
		Title:          "surplus produce",
		Category:       model.CategoryPerishableFood,
		Quantity:       80,
		Unit:           "lbs",
		PickupAddress:  "1 Ferry Building",
		Location:       sfLoc,
		Geohash:        geo.Encode(sfLoc.Lat, sfLoc.Lng, 6),
		PickupWindow:   model.TimeWindow{Start: now.Add(time.Hour), End: now.Add(3 * time.Hour)},
		ExpirationDate: now.Add(72 * time.Hour),
		Status:         model.StatusPosted,
	}
	if mutate != nil {
		mutate(l)
	}
	saved, err := repos.Listings.Put(context.Background(), l)
	require.NoError(t, err)
	return saved
}

func seedDemand(t *testing.T, repos *store.Repositories, mutate func(*model.DemandPost)) *model.DemandPost {
	t.Helper()
	now := time.Now().UTC()
	d := &model.DemandPost{
		RecipientID:      uuid.New(),
		Categories:       []model.Category{model.CategoryPerishableFood},
		QuantityNeeded:   100,
		Unit:             "lbs",
		Capacity:         100,
		DeliveryAddress:  "Oakland food bank",
		Location:         oakLoc,
		Geohash:          geo.Encode(oakLoc.Lat, oakLoc.Lng, 6),
		AcceptanceWindow: model.TimeWindow{Start: now, End: now.Add(8 * time.Hour)},
		Status:           model.StatusPosted,
	}
	if mutate != nil {
		mutate(d)
	}
	saved, err := repos.Demands.Put(context.Background(), d)
	require.NoError(t, err)
	return saved
}

func TestProcessListing_CreatesMatchRouteAndNotifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, location.Static{})

	l := seedListing(t, f.repos, func(l *model.SurplusListing) {
		l.Description = "fresh produce, keep chilled"
	})
	d := seedDemand(t, f.repos, nil)

	require.NoError(t, f.orch.ProcessListing(ctx, l.ID))

	matches, err := f.repos.Matches.QueryByOwner(ctx, d.RecipientID, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	m := matches[0]
	assert.Equal(t, l.ID, m.ListingID)
	assert.Equal(t, d.ID, m.DemandID)
	assert.Equal(t, model.StatusPosted, m.Status)
	assert.Equal(t, model.CompliancePassed, m.ComplianceStatus)
	assert.Len(t, m.ComplianceChecks, 6)
	assert.Greater(t, m.Score, 0.0)
	require.NotNil(t, m.RoutePlanID)

	plan, err := f.repos.Routes.GetOrFail(ctx, *m.RoutePlanID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, plan.MatchID)
	assert.Equal(t, "degraded", plan.ProviderStatus, "static provider is always degraded")
	assert.InDelta(t, 8.4, plan.DistanceMiles, 0.5)

	// Enrichment persisted on the listing.
	enriched, err := f.repos.Listings.GetOrFail(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EnrichmentDegraded, enriched.EnrichmentStatus, "keyword fallback is degraded")
	assert.Contains(t, enriched.HandlingRequirements, "refrigeration", "chilled keyword implies refrigeration")

	// Both parties were notified.
	supplierInbox, err := f.repos.Notifications.QueryByOwner(ctx, l.SupplierID, 10)
	require.NoError(t, err)
	assert.Len(t, supplierInbox, 1)
	recipientInbox, err := f.repos.Notifications.QueryByOwner(ctx, d.RecipientID, 10)
	require.NoError(t, err)
	assert.Len(t, recipientInbox, 1)

	// match.proposed landed on the event stream.
	evs, err := f.bus.Since(ctx, time.Now().UTC().Add(-time.Minute), 50)
	require.NoError(t, err)
	types := make([]model.EventType, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, model.EventMatchProposed)
}

func TestProcessListing_BlockedMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, location.Static{})

	l := seedListing(t, f.repos, func(l *model.SurplusListing) {
		l.QualityNotes = "one crate spoiled"
	})
	d := seedDemand(t, f.repos, nil)

	require.NoError(t, f.orch.ProcessListing(ctx, l.ID))

	matches, err := f.repos.Matches.QueryByOwner(ctx, d.RecipientID, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, model.ComplianceBlocked, matches[0].ComplianceStatus)
	assert.Contains(t, matches[0].BlockedBy, "QUAL-001")

	evs, err := f.bus.Since(ctx, time.Now().UTC().Add(-time.Minute), 50)
	require.NoError(t, err)
	var blocked bool
	for _, ev := range evs {
		if ev.Type == model.EventComplianceBlocked {
			blocked = true
		}
	}
	assert.True(t, blocked, "compliance.blocked emitted instead of match.proposed")
}

func TestProcessListing_StartedPickupWindowPersistsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, location.Static{})

	now := time.Now().UTC()
	l := seedListing(t, f.repos, func(l *model.SurplusListing) {
		l.PickupWindow = model.TimeWindow{Start: now.Add(-time.Hour), End: now.Add(2 * time.Hour)}
	})
	d := seedDemand(t, f.repos, nil)

	require.NoError(t, f.orch.ProcessListing(ctx, l.ID))

	matches, err := f.repos.Matches.QueryByOwner(ctx, d.RecipientID, 10)
	require.NoError(t, err)
	assert.Empty(t, matches, "unserviceable window leaves no blocked recommendation behind")
}

func TestProcessListing_RerunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, location.Static{})

	l := seedListing(t, f.repos, nil)
	d := seedDemand(t, f.repos, nil)

	require.NoError(t, f.orch.ProcessListing(ctx, l.ID))
	require.NoError(t, f.orch.ProcessListing(ctx, l.ID))

	matches, err := f.repos.Matches.QueryByOwner(ctx, d.RecipientID, 10)
	require.NoError(t, err)
	assert.Len(t, matches, 1, "re-run does not duplicate the match")
}

func TestProcessListing_RouteFailureSkipsPair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, failingRouter{})

	l := seedListing(t, f.repos, nil)
	d := seedDemand(t, f.repos, nil)

	require.NoError(t, f.orch.ProcessListing(ctx, l.ID), "pair failure does not fail the trigger")

	matches, err := f.repos.Matches.QueryByOwner(ctx, d.RecipientID, 10)
	require.NoError(t, err)
	assert.Empty(t, matches, "no route, no match")
}

func TestProcessDemand_FindsListings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, location.Static{})

	l := seedListing(t, f.repos, nil)
	d := seedDemand(t, f.repos, nil)

	require.NoError(t, f.orch.ProcessDemand(ctx, d.ID))

	matches, err := f.repos.Matches.QueryByOwner(ctx, d.RecipientID, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, l.ID, matches[0].ListingID)
}

func TestProcessListing_UngeohashedSkipsMatching(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, location.Static{})

	l := seedListing(t, f.repos, func(l *model.SurplusListing) {
		l.Geohash = ""
		l.Location = model.Coordinates{}
	})
	d := seedDemand(t, f.repos, nil)

	require.NoError(t, f.orch.ProcessListing(ctx, l.ID))

	matches, err := f.repos.Matches.QueryByOwner(ctx, d.RecipientID, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Enrichment still ran.
	got, err := f.repos.Listings.GetOrFail(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EnrichmentDegraded, got.EnrichmentStatus)
}

func TestProcessListing_CanceledContextStopsAtStageBoundary(t *testing.T) {
	f := newFixture(t, location.Static{})

	l := seedListing(t, f.repos, nil)
	seedDemand(t, f.repos, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.orch.ProcessListing(ctx, l.ID)
	assert.Error(t, err)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, location.Static{})

	stale := seedListing(t, f.repos, func(l *model.SurplusListing) {
		l.ExpirationDate = time.Now().UTC().Add(-time.Hour)
	})
	fresh := seedListing(t, f.repos, nil)
	undated := seedListing(t, f.repos, func(l *model.SurplusListing) {
		l.ExpirationDate = time.Time{}
	})

	n, err := f.orch.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.repos.Listings.GetOrFail(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)

	for _, id := range []uuid.UUID{fresh.ID, undated.ID} {
		got, err := f.repos.Listings.GetOrFail(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPosted, got.Status)
	}

	// Supplier was told.
	inbox, err := f.repos.Notifications.QueryByOwner(ctx, stale.SupplierID, 10)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, model.NotifyListingExpired, inbox[0].Type)
}
