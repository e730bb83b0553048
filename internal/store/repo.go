package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shareloop/shareloop/internal/apperr"
	"github.com/shareloop/shareloop/internal/model"
)

// Repository is a typed view over the single-table store for one entity kind.
// T is a pointer type implementing model.Entity (e.g. *model.SurplusListing).
type Repository[T model.Entity] struct {
	db   Store
	kind model.EntityType
	// newT allocates a zero entity for unmarshaling.
	newT func() T
}

// NewRepository creates a repository for one entity kind.
func NewRepository[T model.Entity](db Store, kind model.EntityType, newT func() T) *Repository[T] {
	return &Repository[T]{db: db, kind: kind, newT: newT}
}

// Put persists the entity under the optimistic contract: version 0 inserts,
// any other version is a conditional update. On success the entity's Meta is
// updated in place (version+1, fresh UpdatedAt, assigned ID on insert).
func (r *Repository[T]) Put(ctx context.Context, e T) (T, error) {
	meta := e.Base()
	observed := meta.Version
	now := time.Now().UTC()

	if observed == 0 {
		if meta.ID == uuid.Nil {
			meta.ID = uuid.New()
		}
		meta.CreatedAt = now
	}
	meta.Version = observed + 1
	meta.UpdatedAt = now

	data, err := json.Marshal(e)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("store: marshal %s: %w", r.kind, err)
	}

	idx := e.Index()
	item := Item{
		PK:         fmt.Sprintf("%s#%s", r.kind, meta.ID),
		SK:         MetadataSK,
		EntityType: r.kind,
		Status:     idx.Status,
		OwnerID:    idx.OwnerID,
		Geohash:    idx.Geohash,
		Version:    meta.Version,
		CreatedAt:  meta.CreatedAt,
		UpdatedAt:  meta.UpdatedAt,
		Data:       data,
	}

	if err := r.db.Put(ctx, item, observed); err != nil {
		// Roll the in-memory meta back so callers can retry from a reload.
		meta.Version = observed
		var zero T
		return zero, err
	}
	return e, nil
}

// Get returns the entity, or (zero, false, nil) when absent.
func (r *Repository[T]) Get(ctx context.Context, id uuid.UUID) (T, bool, error) {
	var zero T
	item, err := r.db.Get(ctx, EntityKey(r.kind, id.String()))
	if err != nil {
		return zero, false, err
	}
	if item == nil {
		return zero, false, nil
	}
	e := r.newT()
	if err := json.Unmarshal(item.Data, e); err != nil {
		return zero, false, fmt.Errorf("store: unmarshal %s %s: %w", r.kind, id, err)
	}
	return e, true, nil
}

// GetOrFail returns the entity or a NOT_FOUND taxonomy error.
func (r *Repository[T]) GetOrFail(ctx context.Context, id uuid.UUID) (T, error) {
	e, ok, err := r.Get(ctx, id)
	if err != nil {
		return e, err
	}
	if !ok {
		var zero T
		return zero, apperr.NotFound(string(r.kind), id)
	}
	return e, nil
}

// UpdateFields applies a sparse field map (JSON names) to the stored entity
// under the same optimistic contract and returns the updated entity.
func (r *Repository[T]) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any, expectedVersion int64) (T, error) {
	var zero T
	e, err := r.GetOrFail(ctx, id)
	if err != nil {
		return zero, err
	}
	if e.Base().Version != expectedVersion {
		return zero, ErrConflict
	}

	// Merge at the JSON level so unknown fields fail loudly on unmarshal
	// rather than silently dropping.
	current, err := json.Marshal(e)
	if err != nil {
		return zero, fmt.Errorf("store: marshal %s: %w", r.kind, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(current, &doc); err != nil {
		return zero, fmt.Errorf("store: decode %s: %w", r.kind, err)
	}
	for k, v := range fields {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return zero, fmt.Errorf("store: merge %s: %w", r.kind, err)
	}
	updated := r.newT()
	if err := json.Unmarshal(merged, updated); err != nil {
		return zero, fmt.Errorf("store: apply fields to %s %s: %w", r.kind, id, err)
	}
	return r.Put(ctx, updated)
}

// QueryByStatus returns entities of this kind in one status, newest first.
func (r *Repository[T]) QueryByStatus(ctx context.Context, status model.EntityStatus, limit int) ([]T, error) {
	items, err := r.db.QueryByStatus(ctx, r.kind, string(status), ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	return r.decodeAll(items)
}

// QueryByOwner returns this kind's entities owned by ownerID, newest first.
func (r *Repository[T]) QueryByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]T, error) {
	items, err := r.db.QueryByOwner(ctx, ownerID.String(), ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	var filtered []Item
	for _, it := range items {
		if it.EntityType == r.kind {
			filtered = append(filtered, it)
		}
	}
	return r.decodeAll(filtered)
}

// QueryByGeohashPrefix returns entities whose geohash starts with prefix.
func (r *Repository[T]) QueryByGeohashPrefix(ctx context.Context, prefix string, limit int) ([]T, error) {
	items, err := r.db.QueryByGeohashPrefix(ctx, r.kind, prefix, ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	return r.decodeAll(items)
}

// BatchGet returns the found entities in unspecified order.
func (r *Repository[T]) BatchGet(ctx context.Context, ids []uuid.UUID) ([]T, error) {
	keys := make([]Key, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, EntityKey(r.kind, id.String()))
	}
	items, err := r.db.BatchGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	return r.decodeAll(items)
}

func (r *Repository[T]) decodeAll(items []Item) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, it := range items {
		e := r.newT()
		if err := json.Unmarshal(it.Data, e); err != nil {
			return nil, fmt.Errorf("store: unmarshal %s: %w", r.kind, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Repositories bundles the typed repositories over one Store.
type Repositories struct {
	DB            Store
	Profiles      *Repository[*model.UserProfile]
	Listings      *Repository[*model.SurplusListing]
	Demands       *Repository[*model.DemandPost]
	Matches       *Repository[*model.MatchRecommendation]
	Tasks         *Repository[*model.DeliveryTask]
	Routes        *Repository[*model.RoutePlan]
	Notifications *Repository[*model.Notification]
}

// NewRepositories wires all entity repositories over db.
func NewRepositories(db Store) *Repositories {
	return &Repositories{
		DB:            db,
		Profiles:      NewRepository(db, model.TypeProfile, func() *model.UserProfile { return &model.UserProfile{} }),
		Listings:      NewRepository(db, model.TypeListing, func() *model.SurplusListing { return &model.SurplusListing{} }),
		Demands:       NewRepository(db, model.TypeDemand, func() *model.DemandPost { return &model.DemandPost{} }),
		Matches:       NewRepository(db, model.TypeMatch, func() *model.MatchRecommendation { return &model.MatchRecommendation{} }),
		Tasks:         NewRepository(db, model.TypeTask, func() *model.DeliveryTask { return &model.DeliveryTask{} }),
		Routes:        NewRepository(db, model.TypeRoutePlan, func() *model.RoutePlan { return &model.RoutePlan{} }),
		Notifications: NewRepository(db, model.TypeNotification, func() *model.Notification { return &model.Notification{} }),
	}
}
