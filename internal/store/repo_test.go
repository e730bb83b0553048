package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareloop/shareloop/internal/apperr"
	"github.com/shareloop/shareloop/internal/model"
)

func newListing(ownerID uuid.UUID) *model.SurplusListing {
	now := time.Now().UTC()
	return &model.SurplusListing{
		SupplierID:     ownerID,
		Title:          "day-old bread",
		Category:       model.CategoryPerishableFood,
		Quantity:       12,
		Unit:           "loaves",
		Status:         model.StatusPosted,
		PickupWindow:   model.TimeWindow{Start: now.Add(time.Hour), End: now.Add(3 * time.Hour)},
		ExpirationDate: now.Add(48 * time.Hour),
		Location:       model.Coordinates{Lat: 37.7749, Lng: -122.4194},
		Geohash:        "9q8yyk",
	}
}

func TestRepositoryPut_AssignsIdentityOnInsert(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(NewMemory())

	l := newListing(uuid.New())
	saved, err := repos.Listings.Put(ctx, l)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, saved.ID)
	assert.Equal(t, int64(1), saved.Version)
	assert.False(t, saved.CreatedAt.IsZero())
	assert.False(t, saved.UpdatedAt.IsZero())
}

func TestRepositoryPut_VersionIncrementsByOne(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(NewMemory())

	l, err := repos.Listings.Put(ctx, newListing(uuid.New()))
	require.NoError(t, err)

	l.QualityNotes = "sealed bags"
	l, err = repos.Listings.Put(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, int64(2), l.Version)

	got, err := repos.Listings.GetOrFail(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "sealed bags", got.QualityNotes)
}

func TestRepositoryPut_StaleWriteConflicts(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(NewMemory())

	l, err := repos.Listings.Put(ctx, newListing(uuid.New()))
	require.NoError(t, err)

	// Two readers load version 1.
	a, err := repos.Listings.GetOrFail(ctx, l.ID)
	require.NoError(t, err)
	b, err := repos.Listings.GetOrFail(ctx, l.ID)
	require.NoError(t, err)

	a.Quantity = 10
	_, err = repos.Listings.Put(ctx, a)
	require.NoError(t, err)

	b.Quantity = 8
	_, err = repos.Listings.Put(ctx, b)
	assert.ErrorIs(t, err, ErrConflict)
	// The loser's in-memory version is rolled back to what it observed.
	assert.Equal(t, int64(1), b.Version)

	got, err := repos.Listings.GetOrFail(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(10), got.Quantity, "first writer's change survives")
}

func TestRepositoryGetOrFail_NotFound(t *testing.T) {
	repos := NewRepositories(NewMemory())
	_, err := repos.Listings.GetOrFail(context.Background(), uuid.New())
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestRepositoryUpdateFields_MergesAndDeletes(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(NewMemory())

	l, err := repos.Listings.Put(ctx, newListing(uuid.New()))
	require.NoError(t, err)
	l.QualityNotes = "some bruising"
	l, err = repos.Listings.Put(ctx, l)
	require.NoError(t, err)

	updated, err := repos.Listings.UpdateFields(ctx, l.ID, map[string]any{
		"quantity":     6.0,
		"qualityNotes": nil,
	}, l.Version)
	require.NoError(t, err)
	assert.Equal(t, float64(6), updated.Quantity)
	assert.Empty(t, updated.QualityNotes, "nil field value clears the stored key")
	assert.Equal(t, "day-old bread", updated.Title, "absent fields are untouched")
	assert.Equal(t, l.Version+1, updated.Version)
}

func TestRepositoryUpdateFields_WrongVersion(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(NewMemory())

	l, err := repos.Listings.Put(ctx, newListing(uuid.New()))
	require.NoError(t, err)

	_, err = repos.Listings.UpdateFields(ctx, l.ID, map[string]any{"quantity": 1.0}, l.Version+5)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRepositoryQueryByOwner_FiltersKind(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(NewMemory())
	owner := uuid.New()

	_, err := repos.Listings.Put(ctx, newListing(owner))
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = repos.Demands.Put(ctx, &model.DemandPost{
		RecipientID:      owner,
		Title:            "shelter pantry restock",
		Categories:       []model.Category{model.CategoryPerishableFood},
		QuantityNeeded:   40,
		Capacity:         40,
		Unit:             "loaves",
		Status:           model.StatusPosted,
		AcceptanceWindow: model.TimeWindow{Start: now, End: now.Add(6 * time.Hour)},
		Location:         model.Coordinates{Lat: 37.8044, Lng: -122.2712},
		Geohash:          "9q9p1d",
	})
	require.NoError(t, err)

	listings, err := repos.Listings.QueryByOwner(ctx, owner, 10)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, "day-old bread", listings[0].Title)

	demands, err := repos.Demands.QueryByOwner(ctx, owner, 10)
	require.NoError(t, err)
	require.Len(t, demands, 1)
	assert.Equal(t, "shelter pantry restock", demands[0].Title)
}

func TestRepositoryQueryByStatus(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(NewMemory())

	l, err := repos.Listings.Put(ctx, newListing(uuid.New()))
	require.NoError(t, err)
	l.Status = model.StatusMatched
	_, err = repos.Listings.Put(ctx, l)
	require.NoError(t, err)

	_, err = repos.Listings.Put(ctx, newListing(uuid.New()))
	require.NoError(t, err)

	posted, err := repos.Listings.QueryByStatus(ctx, model.StatusPosted, 10)
	require.NoError(t, err)
	assert.Len(t, posted, 1)

	matched, err := repos.Listings.QueryByStatus(ctx, model.StatusMatched, 10)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, l.ID, matched[0].ID)
}

func TestRepositoryBatchGet(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositories(NewMemory())

	a, err := repos.Listings.Put(ctx, newListing(uuid.New()))
	require.NoError(t, err)
	b, err := repos.Listings.Put(ctx, newListing(uuid.New()))
	require.NoError(t, err)

	got, err := repos.Listings.BatchGet(ctx, []uuid.UUID{a.ID, uuid.New(), b.ID})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
