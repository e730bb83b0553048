package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareloop/shareloop/internal/apperr"
	"github.com/shareloop/shareloop/internal/audit"
	"github.com/shareloop/shareloop/internal/compliance"
	"github.com/shareloop/shareloop/internal/config"
	"github.com/shareloop/shareloop/internal/events"
	"github.com/shareloop/shareloop/internal/match"
	"github.com/shareloop/shareloop/internal/model"
	"github.com/shareloop/shareloop/internal/notify"
	"github.com/shareloop/shareloop/internal/orchestrator"
	"github.com/shareloop/shareloop/internal/provider/enrich"
	"github.com/shareloop/shareloop/internal/provider/location"
	"github.com/shareloop/shareloop/internal/store"
)

type fixture struct {
	svc   *Service
	repos *store.Repositories
	bus   *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repos := store.NewRepositories(store.NewMemory())
	bus, err := events.NewBus(repos.DB, logger, "")
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	auditor := audit.NewRecorder(repos.DB, logger, 730)
	notifier := notify.New(repos, nil, logger)
	weights := config.Weights{Distance: 0.30, Time: 0.25, Category: 0.20, Capacity: 0.15, Reliability: 0.10}
	orch := orchestrator.New(
		repos, bus, auditor, notifier,
		match.NewEngine(50, 5, weights),
		compliance.NewEngine(compliance.Config{}),
		location.Static{},
		enrich.Keyword{},
		orchestrator.Config{MaxRadiusMiles: 50, EnrichTimeout: time.Second},
		logger,
	)
	svc := New(repos, bus, auditor, notifier, location.Static{}, orch, logger)
	return &fixture{svc: svc, repos: repos, bus: bus}
}

func actorWith(roles ...model.Role) model.Actor {
	return model.Actor{UserID: uuid.New(), Roles: roles}
}

var (
	supplier  = actorWith(model.RoleSupplier)
	recipient = actorWith(model.RoleRecipient)
	driver    = actorWith(model.RoleDriver)
	operator  = actorWith(model.RoleOperator)
	reviewer  = actorWith(model.RoleCompliance)
)

func listingRequest(mutate func(*model.CreateListingRequest)) model.CreateListingRequest {
	now := time.Now().UTC()
	req := model.CreateListingRequest{
		Title:         "surplus produce",
		Category:      model.CategoryPerishableFood,
		Quantity:      80,
		Unit:          "lbs",
		PickupAddress: "1 Ferry Building, San Francisco",
		PickupWindow:  model.TimeWindow{Start: now.Add(time.Hour), End: now.Add(3 * time.Hour)},
	}
	exp := now.Add(72 * time.Hour)
	req.ExpirationDate = &exp
	if mutate != nil {
		mutate(&req)
	}
	return req
}

func demandRequest(mutate func(*model.CreateDemandRequest)) model.CreateDemandRequest {
	now := time.Now().UTC()
	req := model.CreateDemandRequest{
		Categories:       []model.Category{model.CategoryPerishableFood},
		QuantityNeeded:   100,
		Unit:             "lbs",
		Capacity:         100,
		DeliveryAddress:  "Oakland food bank",
		AcceptanceWindow: model.TimeWindow{Start: now, End: now.Add(8 * time.Hour)},
	}
	if mutate != nil {
		mutate(&req)
	}
	return req
}

func TestCreateListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	l, err := f.svc.CreateListing(ctx, supplier, listingRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPosted, l.Status)
	assert.Equal(t, model.EnrichmentPending, l.EnrichmentStatus)
	assert.Equal(t, supplier.UserID, l.SupplierID)
	assert.NotEmpty(t, l.Geohash, "pickup address was geocoded")
	assert.Equal(t, int64(1), l.Version)

	evs, err := f.bus.Since(ctx, time.Now().UTC().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventListingCreated, evs[0].Type)

	hist, err := f.svc.EntityAudit(ctx, operator, l.ID, nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "listing_create", hist[0].Action)
}

func TestCreateListing_RequiresSupplierRole(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateListing(context.Background(), recipient, listingRequest(nil))
	assert.Equal(t, apperr.CodeAuthorization, apperr.CodeOf(err))
}

func TestCreateListing_RejectsInvalidPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateListing(context.Background(), supplier, listingRequest(func(r *model.CreateListingRequest) {
		r.Quantity = -1
	}))
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestUpdateListing_MergeSemantics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	l, err := f.svc.CreateListing(ctx, supplier, listingRequest(func(r *model.CreateListingRequest) {
		r.Description = ptr("original description")
	}))
	require.NoError(t, err)

	got, err := f.svc.UpdateListing(ctx, supplier, l.ID, model.UpdateListingRequest{
		Title:           ptr("updated produce"),
		ExpectedVersion: l.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, "updated produce", got.Title)
	assert.Equal(t, "original description", got.Description, "absent fields stay put")
	assert.Equal(t, model.EnrichmentPending, got.EnrichmentStatus, "edits reset enrichment")
	assert.Equal(t, l.Version+1, got.Version)
}

func TestUpdateListing_StaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	l, err := f.svc.CreateListing(ctx, supplier, listingRequest(nil))
	require.NoError(t, err)

	_, err = f.svc.UpdateListing(ctx, supplier, l.ID, model.UpdateListingRequest{
		Title:           ptr("first writer"),
		ExpectedVersion: l.Version,
	})
	require.NoError(t, err)

	_, err = f.svc.UpdateListing(ctx, supplier, l.ID, model.UpdateListingRequest{
		Title:           ptr("second writer"),
		ExpectedVersion: l.Version, // stale
	})
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
}

func TestUpdateListing_OnlyOwnerOrOperator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	l, err := f.svc.CreateListing(ctx, supplier, listingRequest(nil))
	require.NoError(t, err)

	_, err = f.svc.UpdateListing(ctx, actorWith(model.RoleSupplier), l.ID, model.UpdateListingRequest{
		Title:           ptr("not mine"),
		ExpectedVersion: l.Version,
	})
	assert.Equal(t, apperr.CodeAuthorization, apperr.CodeOf(err))

	_, err = f.svc.UpdateListing(ctx, operator, l.ID, model.UpdateListingRequest{
		Title:           ptr("ops correction"),
		ExpectedVersion: l.Version,
	})
	assert.NoError(t, err)
}

func TestCancelListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	l, err := f.svc.CreateListing(ctx, supplier, listingRequest(nil))
	require.NoError(t, err)

	_, err = f.svc.CancelListing(ctx, supplier, l.ID, model.CancelRequest{})
	assert.Equal(t, apperr.CodeInvalidStateTransition, apperr.CodeOf(err), "cancel needs a justification")

	got, err := f.svc.CancelListing(ctx, supplier, l.ID, model.CancelRequest{Justification: "donated locally instead"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, got.Status)

	// Canceled listings cannot be edited.
	_, err = f.svc.UpdateListing(ctx, supplier, l.ID, model.UpdateListingRequest{
		Title:           ptr("too late"),
		ExpectedVersion: got.Version,
	})
	assert.Equal(t, apperr.CodeInvalidStateTransition, apperr.CodeOf(err))
}

func TestDemandLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d, err := f.svc.CreateDemand(ctx, recipient, demandRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPosted, d.Status)
	assert.Equal(t, model.PriorityNormal, d.PriorityLevel, "priority defaults to normal")

	updated, err := f.svc.UpdateDemand(ctx, recipient, d.ID, model.UpdateDemandRequest{
		Capacity:        ptr(150.0),
		ExpectedVersion: d.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, 150.0, updated.Capacity)

	closed, err := f.svc.CloseDemand(ctx, recipient, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, closed.Status)

	_, err = f.svc.CloseDemand(ctx, recipient, d.ID)
	assert.Equal(t, apperr.CodeInvalidStateTransition, apperr.CodeOf(err), "already closed")
}

func TestRecommendAndAccept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	l, err := f.svc.CreateListing(ctx, supplier, listingRequest(nil))
	require.NoError(t, err)
	d, err := f.svc.CreateDemand(ctx, recipient, demandRequest(nil))
	require.NoError(t, err)

	_, err = f.svc.Recommend(ctx, recipient, model.RecommendRequest{ListingID: &l.ID})
	assert.Equal(t, apperr.CodeAuthorization, apperr.CodeOf(err), "recommend is operator-only")

	recs, err := f.svc.Recommend(ctx, operator, model.RecommendRequest{ListingID: &l.ID})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	m := recs[0]
	assert.Equal(t, d.ID, m.DemandID)
	assert.Equal(t, model.CompliancePassed, m.ComplianceStatus)
	assert.Greater(t, m.Score, 80.0, "colocated exact-category pair scores high")

	accepted, err := f.svc.AcceptMatch(ctx, recipient, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMatched, accepted.Status)

	gotL, err := f.svc.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMatched, gotL.Status, "listing follows acceptance")
	gotD, err := f.svc.GetDemand(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMatched, gotD.Status, "demand follows acceptance")

	// Supplier was told.
	inbox, err := f.svc.Inbox(ctx, supplier, 10)
	require.NoError(t, err)
	var acceptedNote bool
	for _, n := range inbox {
		if n.Type == model.NotifyMatchAccepted {
			acceptedNote = true
		}
	}
	assert.True(t, acceptedNote)
}

func TestAcceptMatch_OnlyRecipient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	l, err := f.svc.CreateListing(ctx, supplier, listingRequest(nil))
	require.NoError(t, err)
	_, err = f.svc.CreateDemand(ctx, recipient, demandRequest(nil))
	require.NoError(t, err)
	recs, err := f.svc.Recommend(ctx, operator, model.RecommendRequest{ListingID: &l.ID})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	_, err = f.svc.AcceptMatch(ctx, supplier, recs[0].ID)
	assert.Equal(t, apperr.CodeAuthorization, apperr.CodeOf(err))
}

func TestAcceptMatch_BlockedWithoutOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	l, err := f.svc.CreateListing(ctx, supplier, listingRequest(func(r *model.CreateListingRequest) {
		r.QualityNotes = ptr("one crate spoiled")
	}))
	require.NoError(t, err)
	_, err = f.svc.CreateDemand(ctx, recipient, demandRequest(nil))
	require.NoError(t, err)
	recs, err := f.svc.Recommend(ctx, operator, model.RecommendRequest{ListingID: &l.ID})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, model.ComplianceBlocked, recs[0].ComplianceStatus)

	_, err = f.svc.AcceptMatch(ctx, recipient, recs[0].ID)
	assert.Equal(t, apperr.CodeComplianceViolation, apperr.CodeOf(err))
}

func TestRejectMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	l, err := f.svc.CreateListing(ctx, supplier, listingRequest(nil))
	require.NoError(t, err)
	_, err = f.svc.CreateDemand(ctx, recipient, demandRequest(nil))
	require.NoError(t, err)
	recs, err := f.svc.Recommend(ctx, operator, model.RecommendRequest{ListingID: &l.ID})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rejected, err := f.svc.RejectMatch(ctx, recipient, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, rejected.Status)

	// The listing stays posted for other recipients.
	gotL, err := f.svc.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPosted, gotL.Status)
}

func acceptedMatch(t *testing.T, f *fixture) *model.MatchRecommendation {
	t.Helper()
	ctx := context.Background()
	l, err := f.svc.CreateListing(ctx, supplier, listingRequest(nil))
	require.NoError(t, err)
	_, err = f.svc.CreateDemand(ctx, recipient, demandRequest(nil))
	require.NoError(t, err)
	recs, err := f.svc.Recommend(ctx, operator, model.RecommendRequest{ListingID: &l.ID})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	m, err := f.svc.AcceptMatch(ctx, recipient, recs[0].ID)
	require.NoError(t, err)
	return m
}

func scheduleRequest(driverID uuid.UUID, key string) model.ScheduleMatchRequest {
	now := time.Now().UTC()
	return model.ScheduleMatchRequest{
		IdempotencyKey: key,
		DriverID:       &driverID,
		PickupAt:       now.Add(2 * time.Hour),
		DeliveryAt:     now.Add(4 * time.Hour),
	}
}

func TestScheduleMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := acceptedMatch(t, f)

	task, err := f.svc.ScheduleMatch(ctx, operator, m.ID, scheduleRequest(driver.UserID, "sched-1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, task.Status)
	assert.Equal(t, m.ID, task.MatchID)
	require.NotNil(t, task.DriverID)
	assert.Equal(t, driver.UserID, *task.DriverID)

	gotM, err := f.svc.GetMatch(ctx, operator, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, gotM.Status)

	// Driver sees the task.
	tasks, err := f.svc.ListDriverTasks(ctx, driver, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)
}

func TestScheduleMatch_Idempotency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := acceptedMatch(t, f)

	req := scheduleRequest(driver.UserID, "sched-retry")
	first, err := f.svc.ScheduleMatch(ctx, operator, m.ID, req)
	require.NoError(t, err)

	// Same key, same payload: the original task comes back.
	again, err := f.svc.ScheduleMatch(ctx, operator, m.ID, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	tasks, err := f.svc.ListDriverTasks(ctx, driver, 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "retry did not create a second task")

	// Same key, different payload: rejected.
	other := req
	other.DeliveryAt = req.DeliveryAt.Add(time.Hour)
	_, err = f.svc.ScheduleMatch(ctx, operator, m.ID, other)
	assert.Equal(t, apperr.CodeIdempotencyViolation, apperr.CodeOf(err))
}

func TestScheduleMatch_ComplianceGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := acceptedMatch(t, f)

	// Block after acceptance, then try to schedule.
	_, err := f.svc.BlockCompliance(ctx, reviewer, m.ID, model.OverrideRequest{Justification: "site inspection pending"})
	require.NoError(t, err)

	_, err = f.svc.ScheduleMatch(ctx, operator, m.ID, scheduleRequest(driver.UserID, "sched-blocked"))
	assert.Equal(t, apperr.CodeComplianceViolation, apperr.CodeOf(err))

	// Override clears the gate.
	_, err = f.svc.OverrideCompliance(ctx, reviewer, m.ID, model.OverrideRequest{Justification: "inspection passed"})
	require.NoError(t, err)
	_, err = f.svc.ScheduleMatch(ctx, operator, m.ID, scheduleRequest(driver.UserID, "sched-cleared"))
	assert.NoError(t, err)
}

func TestTaskStatusFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := acceptedMatch(t, f)
	task, err := f.svc.ScheduleMatch(ctx, operator, m.ID, scheduleRequest(driver.UserID, "flow-1"))
	require.NoError(t, err)

	// A stranger driver cannot touch it.
	_, err = f.svc.UpdateTaskStatus(ctx, actorWith(model.RoleDriver), task.ID, model.TaskStatusRequest{Status: model.StatusPickedUp})
	assert.Equal(t, apperr.CodeAuthorization, apperr.CodeOf(err))

	picked, err := f.svc.UpdateTaskStatus(ctx, driver, task.ID, model.TaskStatusRequest{
		Status:   model.StatusPickedUp,
		Location: &model.Coordinates{Lat: 37.78, Lng: -122.41},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPickedUp, picked.Status)
	require.NotNil(t, picked.ActualPickupAt)
	require.NotNil(t, picked.CurrentLocation)

	// Skipping straight to delivered from scheduled is not a thing; from
	// picked_up it is.
	delivered, err := f.svc.UpdateTaskStatus(ctx, driver, task.ID, model.TaskStatusRequest{Status: model.StatusDelivered})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, delivered.Status)
	require.NotNil(t, delivered.ActualDeliveryAt)

	gotM, err := f.svc.GetMatch(ctx, operator, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, gotM.Status, "match follows the task")

	gotL, err := f.svc.GetListing(ctx, gotM.ListingID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, gotL.Status, "listing follows the task")
}

func TestTaskDelivered_BumpsLifetimeCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := acceptedMatch(t, f)

	seedProfile := func(id uuid.UUID, role model.Role) {
		p := &model.UserProfile{Email: "party@example.org", Name: "Party", Roles: []model.Role{role}}
		p.ID = id
		_, err := f.repos.Profiles.Put(ctx, p)
		require.NoError(t, err)
	}
	seedProfile(driver.UserID, model.RoleDriver)
	seedProfile(m.SupplierID, model.RoleSupplier)
	seedProfile(m.RecipientID, model.RoleRecipient)

	task, err := f.svc.ScheduleMatch(ctx, operator, m.ID, scheduleRequest(driver.UserID, "count-1"))
	require.NoError(t, err)
	_, err = f.svc.UpdateTaskStatus(ctx, driver, task.ID, model.TaskStatusRequest{Status: model.StatusPickedUp})
	require.NoError(t, err)
	_, err = f.svc.UpdateTaskStatus(ctx, driver, task.ID, model.TaskStatusRequest{Status: model.StatusDelivered})
	require.NoError(t, err)

	for _, id := range []uuid.UUID{driver.UserID, m.SupplierID, m.RecipientID} {
		p, ok, err := f.repos.Profiles.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.EqualValues(t, 1, p.DeliveriesDone)
		assert.EqualValues(t, 0, p.DeliveriesFailed)
	}
}

func TestTaskStatusFlow_FailWithJustification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := acceptedMatch(t, f)
	task, err := f.svc.ScheduleMatch(ctx, operator, m.ID, scheduleRequest(driver.UserID, "fail-1"))
	require.NoError(t, err)

	_, err = f.svc.UpdateTaskStatus(ctx, driver, task.ID, model.TaskStatusRequest{Status: model.StatusFailed})
	assert.Equal(t, apperr.CodeInvalidStateTransition, apperr.CodeOf(err), "failure needs a justification")

	failed, err := f.svc.UpdateTaskStatus(ctx, driver, task.ID, model.TaskStatusRequest{
		Status:        model.StatusFailed,
		Justification: ptr("vehicle breakdown"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, failed.Status)
}

func TestUpdateTaskLocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := acceptedMatch(t, f)
	task, err := f.svc.ScheduleMatch(ctx, operator, m.ID, scheduleRequest(driver.UserID, "loc-1"))
	require.NoError(t, err)

	got, err := f.svc.UpdateTaskLocation(ctx, driver, task.ID, model.TaskLocationRequest{
		Location: model.Coordinates{Lat: 37.79, Lng: -122.40},
	})
	require.NoError(t, err)
	require.NotNil(t, got.CurrentLocation)
	assert.InDelta(t, 37.79, got.CurrentLocation.Lat, 1e-9)

	evs, err := f.bus.Since(ctx, time.Now().UTC().Add(-time.Minute), 100)
	require.NoError(t, err)
	var located bool
	for _, ev := range evs {
		if ev.Type == model.EventTaskLocationUpdated {
			located = true
		}
	}
	assert.True(t, located)
}

func TestComplianceQueueAndOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	l, err := f.svc.CreateListing(ctx, supplier, listingRequest(func(r *model.CreateListingRequest) {
		r.QualityNotes = ptr("crate looks moldy")
	}))
	require.NoError(t, err)
	_, err = f.svc.CreateDemand(ctx, recipient, demandRequest(nil))
	require.NoError(t, err)
	recs, err := f.svc.Recommend(ctx, operator, model.RecommendRequest{ListingID: &l.ID})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	queue, err := f.svc.ComplianceQueue(ctx, reviewer, 10)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, recs[0].ID, queue[0].ID)

	_, err = f.svc.ComplianceQueue(ctx, recipient, 10)
	assert.Equal(t, apperr.CodeAuthorization, apperr.CodeOf(err))

	over, err := f.svc.OverrideCompliance(ctx, reviewer, recs[0].ID, model.OverrideRequest{
		Justification: "inspected on site, safe for same-day use",
	})
	require.NoError(t, err)
	assert.Equal(t, model.CompliancePassed, over.ComplianceStatus)
	require.NotNil(t, over.OverriddenBy)
	assert.Equal(t, reviewer.UserID, *over.OverriddenBy)
	var annotated bool
	for _, c := range over.ComplianceChecks {
		if c.RuleID == "QUAL-001" {
			assert.Contains(t, c.Message, "overridden: inspected on site")
			annotated = true
		}
	}
	assert.True(t, annotated)

	queue, err = f.svc.ComplianceQueue(ctx, reviewer, 10)
	require.NoError(t, err)
	assert.Empty(t, queue, "overridden match leaves the queue")
}

func TestUpsertProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	actor := actorWith(model.RoleSupplier)

	p, err := f.svc.UpsertProfile(ctx, actor, model.UpsertProfileRequest{
		Email:   "depot@example.org",
		Name:    "Mission Depot",
		Roles:   []model.Role{model.RoleSupplier},
		Address: ptr("2948 Folsom St, San Francisco"),
	})
	require.NoError(t, err)
	assert.Equal(t, actor.UserID, p.ID)
	require.NotNil(t, p.Location, "address was geocoded")
	require.NotNil(t, p.Geohash)
	assert.Equal(t, 50.0, p.ReliabilityScore, "new profiles start neutral")

	// Stale version is rejected.
	_, err = f.svc.UpsertProfile(ctx, actor, model.UpsertProfileRequest{
		Email:           "depot@example.org",
		Name:            "Mission Depot",
		ExpectedVersion: p.Version + 5,
	})
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))

	// Role changes on an existing profile need an operator.
	_, err = f.svc.UpsertProfile(ctx, actor, model.UpsertProfileRequest{
		Email:           "depot@example.org",
		Name:            "Mission Depot",
		Roles:           []model.Role{model.RoleSupplier, model.RoleDriver},
		ExpectedVersion: p.Version,
	})
	assert.Equal(t, apperr.CodeAuthorization, apperr.CodeOf(err))
}

func TestOpsDashboardAndStuck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_ = acceptedMatch(t, f)

	dash, err := f.svc.OpsDashboard(ctx, operator)
	require.NoError(t, err)
	assert.Equal(t, 1, dash.Listings[model.StatusMatched])
	assert.Equal(t, 1, dash.Matches[model.StatusMatched])

	_, err = f.svc.OpsDashboard(ctx, supplier)
	assert.Equal(t, apperr.CodeAuthorization, apperr.CodeOf(err))

	stuck, err := f.svc.StuckEntities(ctx, operator, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stuck, "freshly created entities are not stuck")

	stuck, err = f.svc.StuckEntities(ctx, operator, -time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, stuck, "a negative horizon flags everything non-terminal")
}

func TestForceTaskStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := acceptedMatch(t, f)
	task, err := f.svc.ScheduleMatch(ctx, operator, m.ID, scheduleRequest(driver.UserID, "force-1"))
	require.NoError(t, err)

	// Operator recovery: scheduled back to matched.
	got, err := f.svc.ForceTaskStatus(ctx, operator, task.ID, model.StatusMatched, model.OverrideRequest{
		Justification: "driver reassignment, rescheduling",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusMatched, got.Status)

	gotM, err := f.svc.GetMatch(ctx, operator, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMatched, gotM.Status)
}
