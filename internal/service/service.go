// Package service implements the command handlers. Every handler follows the
// same envelope: authorize the actor, validate the payload, consult the
// lifecycle table for status changes, persist under optimistic concurrency,
// append an audit event, and publish a domain event.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shareloop/shareloop/internal/apperr"
	"github.com/shareloop/shareloop/internal/audit"
	"github.com/shareloop/shareloop/internal/events"
	"github.com/shareloop/shareloop/internal/geo"
	"github.com/shareloop/shareloop/internal/model"
	"github.com/shareloop/shareloop/internal/notify"
	"github.com/shareloop/shareloop/internal/orchestrator"
	"github.com/shareloop/shareloop/internal/provider/location"
	"github.com/shareloop/shareloop/internal/store"
)

// geohashPrecision is the storage precision for all entity geohashes.
const geohashPrecision = 6

// Service holds the handler dependencies.
type Service struct {
	repos     *store.Repositories
	bus       *events.Bus
	auditor   *audit.Recorder
	notifier  *notify.Notifier
	locations location.Provider
	orch      *orchestrator.Orchestrator
	logger    *slog.Logger
}

// New wires a service.
func New(
	repos *store.Repositories,
	bus *events.Bus,
	auditor *audit.Recorder,
	notifier *notify.Notifier,
	locations location.Provider,
	orch *orchestrator.Orchestrator,
	logger *slog.Logger,
) *Service {
	return &Service{
		repos:     repos,
		bus:       bus,
		auditor:   auditor,
		notifier:  notifier,
		locations: locations,
		orch:      orch,
		logger:    logger,
	}
}

// mapStoreErr converts storage sentinels into taxonomy errors.
func mapStoreErr(err error, entity string, id any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConflict):
		return apperr.Conflict("%s %v was modified concurrently, reload and retry", entity, id)
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(entity, id)
	default:
		return err
	}
}

// actingRole picks which of the actor's roles to present to the lifecycle
// table, preferring the earliest of preferred.
func actingRole(actor model.Actor, preferred ...model.Role) model.Role {
	for _, p := range preferred {
		if actor.HasRole(p) {
			return p
		}
	}
	if actor.HasRole(model.RoleAdmin) {
		return model.RoleAdmin
	}
	if len(actor.Roles) > 0 {
		return actor.Roles[0]
	}
	return ""
}

// emit publishes a domain event; failures are logged, not propagated, since
// the entity write has already committed.
func (s *Service) emit(ctx context.Context, t model.EventType, entityType model.EntityType, entityID uuid.UUID, userID *uuid.UUID, payload any) {
	ev, err := model.NewEvent(t, entityType, entityID, userID, payload)
	if err != nil {
		s.logger.Error("service: build event", "type", t, "entity", entityID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Error("service: publish event", "type", t, "entity", entityID, "error", err)
	}
}

// geocode resolves an address into coordinates and a stored geohash.
func (s *Service) geocode(ctx context.Context, address string) (model.Coordinates, string, error) {
	res, err := s.locations.Geocode(ctx, address)
	if err != nil {
		return model.Coordinates{}, "", apperr.Unavailable(err, "geocoding unavailable")
	}
	hash := geo.Encode(res.Coords.Lat, res.Coords.Lng, geohashPrecision)
	return res.Coords, hash, nil
}

// requestID extracts the request id placed in ctx by the HTTP layer.
func requestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

type requestIDKey struct{}

// WithRequestID returns a ctx carrying the request id for audit records.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// record appends an audit entry stamped with the request id.
func (s *Service) record(ctx context.Context, e audit.Entry) {
	if e.RequestID == "" {
		e.RequestID = requestID(ctx)
	}
	s.auditor.Record(ctx, e)
}

func ptr[T any](v T) *T { return &v }
