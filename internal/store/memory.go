package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shareloop/shareloop/internal/model"
)

// Memory is an in-process Store for tests and local development. All
// operations copy items on the way in and out, so callers never share
// backing slices with the store.
type Memory struct {
	mu      sync.RWMutex
	items   map[Key]Item
	audit   []AuditRecord
	events  []EventRecord
	idem    map[string]IdempotencyRecord
	nowFunc func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		items:   make(map[Key]Item),
		idem:    make(map[string]IdempotencyRecord),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func copyItem(it Item) Item {
	cp := it
	cp.Data = append([]byte(nil), it.Data...)
	if it.ExpiresAt != nil {
		t := *it.ExpiresAt
		cp.ExpiresAt = &t
	}
	return cp
}

// Put implements the optimistic write contract.
func (m *Memory) Put(_ context.Context, item Item, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key{PK: item.PK, SK: item.SK}
	existing, ok := m.items[key]

	if expectedVersion == 0 {
		if ok {
			return ErrConflict
		}
	} else {
		if !ok {
			return ErrNotFound
		}
		if existing.Version != expectedVersion {
			return ErrConflict
		}
	}
	m.items[key] = copyItem(item)
	return nil
}

// Get returns the item or nil.
func (m *Memory) Get(_ context.Context, key Key) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[key]
	if !ok {
		return nil, nil
	}
	cp := copyItem(it)
	return &cp, nil
}

// BatchGet returns found items; absent keys are skipped.
func (m *Memory) BatchGet(_ context.Context, keys []Key) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Item, 0, len(keys))
	for _, k := range keys {
		if it, ok := m.items[k]; ok {
			out = append(out, copyItem(it))
		}
	}
	return out, nil
}

func (m *Memory) scan(match func(Item) bool, limit int) []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Item
	for _, it := range m.items {
		if match(it) {
			out = append(out, copyItem(it))
		}
	}
	// Newest first; PK as the deterministic tiebreak.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].PK < out[j].PK
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// QueryByStatus scans the status index.
func (m *Memory) QueryByStatus(_ context.Context, t model.EntityType, status string, limit int) ([]Item, error) {
	limit = ClampLimit(limit)
	return m.scan(func(it Item) bool {
		return it.EntityType == t && it.Status == status
	}, limit), nil
}

// QueryByOwner scans the owner index.
func (m *Memory) QueryByOwner(_ context.Context, ownerID string, limit int) ([]Item, error) {
	limit = ClampLimit(limit)
	return m.scan(func(it Item) bool {
		return it.OwnerID == ownerID
	}, limit), nil
}

// QueryByGeohashPrefix scans the geo index.
func (m *Memory) QueryByGeohashPrefix(_ context.Context, t model.EntityType, prefix string, limit int) ([]Item, error) {
	limit = ClampLimit(limit)
	return m.scan(func(it Item) bool {
		return it.EntityType == t && it.Geohash != "" && strings.HasPrefix(it.Geohash, prefix)
	}, limit), nil
}

// AppendAudit appends to the audit log.
func (m *Memory) AppendAudit(_ context.Context, rec AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Data = append([]byte(nil), rec.Data...)
	m.audit = append(m.audit, rec)
	return nil
}

func auditInRange(rec AuditRecord, from, to *time.Time) bool {
	if from != nil && rec.Timestamp.Before(*from) {
		return false
	}
	if to != nil && rec.Timestamp.After(*to) {
		return false
	}
	return true
}

// AuditByEntity returns records for one entity, newest first.
func (m *Memory) AuditByEntity(_ context.Context, entityID string, from, to *time.Time, limit int) ([]AuditRecord, error) {
	return m.auditQuery(func(r AuditRecord) bool { return r.EntityID == entityID }, from, to, limit), nil
}

// AuditByActor returns records by one actor, newest first.
func (m *Memory) AuditByActor(_ context.Context, actorID string, from, to *time.Time, limit int) ([]AuditRecord, error) {
	return m.auditQuery(func(r AuditRecord) bool { return r.ActorID == actorID }, from, to, limit), nil
}

func (m *Memory) auditQuery(match func(AuditRecord) bool, from, to *time.Time, limit int) []AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = ClampLimit(limit)
	var out []AuditRecord
	for _, rec := range m.audit {
		if match(rec) && auditInRange(rec, from, to) {
			cp := rec
			cp.Data = append([]byte(nil), rec.Data...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AppendEvent persists a domain event.
func (m *Memory) AppendEvent(_ context.Context, rec EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Data = append([]byte(nil), rec.Data...)
	m.events = append(m.events, rec)
	return nil
}

// EventsSince returns events after since, oldest first.
func (m *Memory) EventsSince(_ context.Context, since time.Time, limit int) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = ClampLimit(limit)
	var out []EventRecord
	for _, rec := range m.events {
		if rec.Timestamp.After(since) {
			cp := rec
			cp.Data = append([]byte(nil), rec.Data...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ReserveIdempotency records rec when the key is free, else returns the
// existing record.
func (m *Memory) ReserveIdempotency(_ context.Context, rec IdempotencyRecord) (*IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := rec.Endpoint + "\x00" + rec.Key
	if existing, ok := m.idem[k]; ok {
		cp := existing
		return &cp, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.nowFunc()
	}
	m.idem[k] = rec
	return nil, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close(context.Context) {}
