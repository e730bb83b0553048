// Package store persists entities in a single primary-key + sort-key table
// with optimistic versioned writes and secondary indexes by status, owner,
// and geohash prefix.
//
// Two implementations are provided: Postgres (via pgx) for deployment and an
// in-memory store for tests and local development. Both honor the same
// contract: a write observed at version v succeeds for exactly one writer;
// the loser receives ErrConflict.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shareloop/shareloop/internal/model"
)

// Key addresses one item.
type Key struct {
	PK string
	SK string
}

// MetadataSK is the sort key for entity items.
const MetadataSK = "METADATA"

// EntityKey returns the item key for an entity id: {PK: "<TYPE>#<id>", SK: "METADATA"}.
func EntityKey(t model.EntityType, id string) Key {
	return Key{PK: fmt.Sprintf("%s#%s", t, id), SK: MetadataSK}
}

// Item is one stored row. Data is the canonical JSON of the entity; the
// remaining fields are denormalized for indexing and the version check.
type Item struct {
	PK         string
	SK         string
	EntityType model.EntityType
	Status     string
	OwnerID    string
	Geohash    string
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  *time.Time
	Data       []byte
}

// AuditRecord is one append-only audit item, keyed by entity id + timestamp.
type AuditRecord struct {
	ID        string
	EntityID  string
	ActorID   string
	Timestamp time.Time
	ExpiresAt time.Time
	Data      []byte
}

// EventRecord is one persisted domain event.
type EventRecord struct {
	ID        string
	EventType string
	Timestamp time.Time
	Data      []byte
}

// IdempotencyRecord reserves a client idempotency key for one endpoint.
type IdempotencyRecord struct {
	Endpoint    string
	Key         string
	PayloadHash string
	EntityID    string
	CreatedAt   time.Time
}

// Store is the single-table storage contract shared by all repositories.
type Store interface {
	// Put writes item conditionally. expectedVersion 0 inserts only when the
	// key is absent; otherwise the stored version must equal expectedVersion.
	// item.Version must already be expectedVersion+1. Returns ErrConflict on
	// a version mismatch and ErrNotFound when updating an absent key.
	Put(ctx context.Context, item Item, expectedVersion int64) error

	// Get returns the item or nil when absent.
	Get(ctx context.Context, key Key) (*Item, error)

	// BatchGet returns the found items in unspecified order; absent keys are
	// silently skipped.
	BatchGet(ctx context.Context, keys []Key) ([]Item, error)

	// QueryByStatus returns items of one entity type in one status,
	// newest first.
	QueryByStatus(ctx context.Context, t model.EntityType, status string, limit int) ([]Item, error)

	// QueryByOwner returns items owned by a user, newest first.
	QueryByOwner(ctx context.Context, ownerID string, limit int) ([]Item, error)

	// QueryByGeohashPrefix returns items of one entity type whose geohash
	// starts with prefix, newest first.
	QueryByGeohashPrefix(ctx context.Context, t model.EntityType, prefix string, limit int) ([]Item, error)

	// AppendAudit writes an audit record. The audit table is append-only;
	// ExpiresAt governs eventual physical deletion only.
	AppendAudit(ctx context.Context, rec AuditRecord) error

	// AuditByEntity returns audit records for an entity, newest first,
	// optionally bounded by [from, to].
	AuditByEntity(ctx context.Context, entityID string, from, to *time.Time, limit int) ([]AuditRecord, error)

	// AuditByActor returns audit records written by an actor, newest first.
	AuditByActor(ctx context.Context, actorID string, from, to *time.Time, limit int) ([]AuditRecord, error)

	// AppendEvent persists a domain event.
	AppendEvent(ctx context.Context, rec EventRecord) error

	// EventsSince returns events with Timestamp > since, oldest first.
	EventsSince(ctx context.Context, since time.Time, limit int) ([]EventRecord, error)

	// ReserveIdempotency atomically records rec if (Endpoint, Key) is free
	// and returns nil; otherwise it returns the existing record.
	ReserveIdempotency(ctx context.Context, rec IdempotencyRecord) (*IdempotencyRecord, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close(ctx context.Context)
}

// MaxQueryLimit caps all index queries; callers asking for more are clamped.
const MaxQueryLimit = 500

// ClampLimit normalizes a caller-supplied limit.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
