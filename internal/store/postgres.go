package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shareloop/shareloop/internal/model"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 25 * time.Millisecond
)

// Postgres is the pgx-backed Store. Entities live in a single items table
// (pk + sk primary key, jsonb payload, denormalized index columns); audit,
// events, and idempotency keys each get their own append-only table.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects a pool and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping pool: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying pool for migrations and tests.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// Put writes an item conditionally on the stored version.
func (p *Postgres) Put(ctx context.Context, item Item, expectedVersion int64) error {
	return WithRetry(ctx, retryAttempts, retryBaseDelay, func() error {
		return p.put(ctx, item, expectedVersion)
	})
}

func (p *Postgres) put(ctx context.Context, item Item, expectedVersion int64) error {
	if expectedVersion == 0 {
		tag, err := p.pool.Exec(ctx,
			`INSERT INTO items (pk, sk, entity_type, status, owner_id, geohash, version, created_at, updated_at, expires_at, data)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb)
			 ON CONFLICT (pk, sk) DO NOTHING`,
			item.PK, item.SK, string(item.EntityType), item.Status, item.OwnerID, item.Geohash,
			item.Version, item.CreatedAt, item.UpdatedAt, item.ExpiresAt, item.Data,
		)
		if err != nil {
			return fmt.Errorf("store: insert item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		return nil
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE items
		 SET status = $3, owner_id = $4, geohash = $5, version = $6,
		     updated_at = $7, expires_at = $8, data = $9::jsonb
		 WHERE pk = $1 AND sk = $2 AND version = $10`,
		item.PK, item.SK, item.Status, item.OwnerID, item.Geohash,
		item.Version, item.UpdatedAt, item.ExpiresAt, item.Data, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("store: update item: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a missing row from a version race.
	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM items WHERE pk = $1 AND sk = $2)`,
		item.PK, item.SK,
	).Scan(&exists); err != nil {
		return fmt.Errorf("store: check item: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

const itemColumns = `pk, sk, entity_type, status, owner_id, geohash, version, created_at, updated_at, expires_at, data`

func scanItem(row pgx.CollectableRow) (Item, error) {
	var it Item
	var entityType string
	err := row.Scan(&it.PK, &it.SK, &entityType, &it.Status, &it.OwnerID, &it.Geohash,
		&it.Version, &it.CreatedAt, &it.UpdatedAt, &it.ExpiresAt, &it.Data)
	it.EntityType = model.EntityType(entityType)
	return it, err
}

// Get returns the item or nil when absent.
func (p *Postgres) Get(ctx context.Context, key Key) (*Item, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM items WHERE pk = $1 AND sk = $2`,
		key.PK, key.SK,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get item: %w", err)
	}
	it, err := pgx.CollectOneRow(rows, scanItem)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get item: %w", err)
	}
	return &it, nil
}

// BatchGet returns the found items; absent keys are skipped.
func (p *Postgres) BatchGet(ctx context.Context, keys []Key) ([]Item, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pks := make([]string, 0, len(keys))
	sks := make([]string, 0, len(keys))
	for _, k := range keys {
		pks = append(pks, k.PK)
		sks = append(sks, k.SK)
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+itemColumns+`
		 FROM items
		 JOIN unnest($1::text[], $2::text[]) AS want(pk, sk) USING (pk, sk)`,
		pks, sks,
	)
	if err != nil {
		return nil, fmt.Errorf("store: batch get: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return nil, fmt.Errorf("store: batch get: %w", err)
	}
	return items, nil
}

// QueryByStatus returns items of one type in one status, newest first.
func (p *Postgres) QueryByStatus(ctx context.Context, t model.EntityType, status string, limit int) ([]Item, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+itemColumns+`
		 FROM items
		 WHERE entity_type = $1 AND status = $2
		 ORDER BY created_at DESC, pk
		 LIMIT $3`,
		string(t), status, ClampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("store: query by status: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return nil, fmt.Errorf("store: query by status: %w", err)
	}
	return items, nil
}

// QueryByOwner returns items owned by a user, newest first.
func (p *Postgres) QueryByOwner(ctx context.Context, ownerID string, limit int) ([]Item, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+itemColumns+`
		 FROM items
		 WHERE owner_id = $1
		 ORDER BY created_at DESC, pk
		 LIMIT $2`,
		ownerID, ClampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("store: query by owner: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return nil, fmt.Errorf("store: query by owner: %w", err)
	}
	return items, nil
}

// QueryByGeohashPrefix returns items whose geohash starts with prefix, newest
// first. The prefix match rides the text_pattern_ops index on geohash.
func (p *Postgres) QueryByGeohashPrefix(ctx context.Context, t model.EntityType, prefix string, limit int) ([]Item, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+itemColumns+`
		 FROM items
		 WHERE entity_type = $1 AND geohash <> '' AND geohash LIKE $2 || '%'
		 ORDER BY created_at DESC, pk
		 LIMIT $3`,
		string(t), prefix, ClampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("store: query by geohash: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return nil, fmt.Errorf("store: query by geohash: %w", err)
	}
	return items, nil
}

// AppendAudit writes an audit record. No updates, no deletes.
func (p *Postgres) AppendAudit(ctx context.Context, rec AuditRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO audit_events (id, entity_id, actor_id, ts, expires_at, data)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb)`,
		rec.ID, rec.EntityID, rec.ActorID, rec.Timestamp, rec.ExpiresAt, rec.Data,
	)
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

func (p *Postgres) auditQuery(ctx context.Context, column, value string, from, to *time.Time, limit int) ([]AuditRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, entity_id, actor_id, ts, expires_at, data
		 FROM audit_events
		 WHERE `+column+` = $1
		   AND ($2::timestamptz IS NULL OR ts >= $2)
		   AND ($3::timestamptz IS NULL OR ts <= $3)
		 ORDER BY ts DESC
		 LIMIT $4`,
		value, from, to, ClampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("store: query audit: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (AuditRecord, error) {
		var r AuditRecord
		err := row.Scan(&r.ID, &r.EntityID, &r.ActorID, &r.Timestamp, &r.ExpiresAt, &r.Data)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: query audit: %w", err)
	}
	return recs, nil
}

// AuditByEntity returns an entity's audit trail, newest first.
func (p *Postgres) AuditByEntity(ctx context.Context, entityID string, from, to *time.Time, limit int) ([]AuditRecord, error) {
	return p.auditQuery(ctx, "entity_id", entityID, from, to, limit)
}

// AuditByActor returns an actor's audit trail, newest first.
func (p *Postgres) AuditByActor(ctx context.Context, actorID string, from, to *time.Time, limit int) ([]AuditRecord, error) {
	return p.auditQuery(ctx, "actor_id", actorID, from, to, limit)
}

// AppendEvent persists a domain event.
func (p *Postgres) AppendEvent(ctx context.Context, rec EventRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO domain_events (id, event_type, ts, data)
		 VALUES ($1, $2, $3, $4::jsonb)`,
		rec.ID, rec.EventType, rec.Timestamp, rec.Data,
	)
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// EventsSince returns events after since, oldest first.
func (p *Postgres) EventsSince(ctx context.Context, since time.Time, limit int) ([]EventRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, event_type, ts, data
		 FROM domain_events
		 WHERE ts > $1
		 ORDER BY ts ASC
		 LIMIT $2`,
		since, ClampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("store: events since: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (EventRecord, error) {
		var r EventRecord
		err := row.Scan(&r.ID, &r.EventType, &r.Timestamp, &r.Data)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: events since: %w", err)
	}
	return recs, nil
}

// ReserveIdempotency records rec when (endpoint, key) is free; otherwise the
// existing record wins and is returned.
func (p *Postgres) ReserveIdempotency(ctx context.Context, rec IdempotencyRecord) (*IdempotencyRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (endpoint, idempotency_key, payload_hash, entity_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT DO NOTHING`,
		rec.Endpoint, rec.Key, rec.PayloadHash, rec.EntityID, rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: reserve idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, nil // caller owns the key
	}

	var existing IdempotencyRecord
	if err := p.pool.QueryRow(ctx,
		`SELECT endpoint, idempotency_key, payload_hash, entity_id, created_at
		 FROM idempotency_keys
		 WHERE endpoint = $1 AND idempotency_key = $2`,
		rec.Endpoint, rec.Key,
	).Scan(&existing.Endpoint, &existing.Key, &existing.PayloadHash, &existing.EntityID, &existing.CreatedAt); err != nil {
		return nil, fmt.Errorf("store: lookup idempotency: %w", err)
	}
	return &existing, nil
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the pool.
func (p *Postgres) Close(context.Context) {
	p.pool.Close()
}
