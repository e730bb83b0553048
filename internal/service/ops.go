package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shareloop/shareloop/internal/apperr"
	"github.com/shareloop/shareloop/internal/audit"
	"github.com/shareloop/shareloop/internal/lifecycle"
	"github.com/shareloop/shareloop/internal/model"
	"github.com/shareloop/shareloop/internal/store"
)

// Dashboard is a point-in-time count of entities by type and status.
type Dashboard struct {
	Listings map[model.EntityStatus]int `json:"listings"`
	Demands  map[model.EntityStatus]int `json:"demands"`
	Matches  map[model.EntityStatus]int `json:"matches"`
	Tasks    map[model.EntityStatus]int `json:"tasks"`
}

// StuckEntity is a non-terminal entity that has not moved for too long.
type StuckEntity struct {
	EntityType model.EntityType   `json:"entityType"`
	EntityID   uuid.UUID          `json:"entityId"`
	Status     model.EntityStatus `json:"status"`
	UpdatedAt  time.Time          `json:"updatedAt"`
	Age        model.Duration     `json:"age"`
}

// OpsDashboard returns entity counts by status for operators.
func (s *Service) OpsDashboard(ctx context.Context, actor model.Actor) (*Dashboard, error) {
	if !actor.HasAnyRole(model.RoleOperator) {
		return nil, apperr.Authorization("dashboard requires an operator")
	}

	d := &Dashboard{
		Listings: map[model.EntityStatus]int{},
		Demands:  map[model.EntityStatus]int{},
		Matches:  map[model.EntityStatus]int{},
		Tasks:    map[model.EntityStatus]int{},
	}
	for status := range model.ValidStatuses {
		ls, err := s.repos.Listings.QueryByStatus(ctx, status, store.MaxQueryLimit)
		if err != nil {
			return nil, err
		}
		if len(ls) > 0 {
			d.Listings[status] = len(ls)
		}
		ds, err := s.repos.Demands.QueryByStatus(ctx, status, store.MaxQueryLimit)
		if err != nil {
			return nil, err
		}
		if len(ds) > 0 {
			d.Demands[status] = len(ds)
		}
		ms, err := s.repos.Matches.QueryByStatus(ctx, status, store.MaxQueryLimit)
		if err != nil {
			return nil, err
		}
		if len(ms) > 0 {
			d.Matches[status] = len(ms)
		}
		ts, err := s.repos.Tasks.QueryByStatus(ctx, status, store.MaxQueryLimit)
		if err != nil {
			return nil, err
		}
		if len(ts) > 0 {
			d.Tasks[status] = len(ts)
		}
	}
	return d, nil
}

// nonTerminalStatuses are the states a stuck-entity sweep inspects.
var nonTerminalStatuses = []model.EntityStatus{
	model.StatusPosted,
	model.StatusMatched,
	model.StatusScheduled,
	model.StatusPickedUp,
}

// StuckEntities returns matches and tasks that have sat in a non-terminal
// status longer than maxAge.
func (s *Service) StuckEntities(ctx context.Context, actor model.Actor, maxAge time.Duration) ([]StuckEntity, error) {
	if !actor.HasAnyRole(model.RoleOperator) {
		return nil, apperr.Authorization("stuck-entity report requires an operator")
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	var out []StuckEntity
	for _, status := range nonTerminalStatuses {
		ms, err := s.repos.Matches.QueryByStatus(ctx, status, store.MaxQueryLimit)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			if m.UpdatedAt.Before(cutoff) {
				out = append(out, StuckEntity{
					EntityType: model.TypeMatch, EntityID: m.ID,
					Status: m.Status, UpdatedAt: m.UpdatedAt,
					Age: model.Duration(time.Since(m.UpdatedAt)),
				})
			}
		}
		ts, err := s.repos.Tasks.QueryByStatus(ctx, status, store.MaxQueryLimit)
		if err != nil {
			return nil, err
		}
		for _, task := range ts {
			if task.UpdatedAt.Before(cutoff) {
				out = append(out, StuckEntity{
					EntityType: model.TypeTask, EntityID: task.ID,
					Status: task.Status, UpdatedAt: task.UpdatedAt,
					Age: model.Duration(time.Since(task.UpdatedAt)),
				})
			}
		}
	}
	return out, nil
}

// ForceTaskStatus applies an operator recovery transition to a task, moving
// it backward or failing it with a recorded justification.
func (s *Service) ForceTaskStatus(ctx context.Context, actor model.Actor, id uuid.UUID, to model.EntityStatus, req model.OverrideRequest) (*model.DeliveryTask, error) {
	if !actor.HasAnyRole(model.RoleOperator) {
		return nil, apperr.Authorization("forced transitions require an operator")
	}
	if err := req.Validate(); err != nil {
		return nil, apperr.Validation("%s", err)
	}
	if !model.ValidStatuses[to] {
		return nil, apperr.Validation("unknown status %q", to)
	}

	task, err := s.repos.Tasks.GetOrFail(ctx, id)
	if err != nil {
		return nil, err
	}
	role := actingRole(actor, model.RoleOperator)
	if err := lifecycle.Transition(task.Status, to, role, lifecycle.Context{Justification: req.Justification}); err != nil {
		return nil, err
	}

	before := *task
	task.Status = to
	saved, err := s.repos.Tasks.Put(ctx, task)
	if err != nil {
		return nil, mapStoreErr(err, "task", id)
	}

	s.syncMatchStatus(ctx, actor, saved, role)

	s.record(ctx, audit.Entry{
		EntityType:    model.TypeTask,
		EntityID:      id,
		Actor:         actor,
		ActorRole:     role,
		Action:        "task_force_status",
		Before:        &before,
		After:         saved,
		Justification: req.Justification,
	})
	s.emit(ctx, model.EventTaskStatusChanged, model.TypeTask, id, ptr(actor.UserID),
		model.StatusChangedPayload{From: before.Status, To: to, Justification: req.Justification})
	return saved, nil
}

// EntityAudit returns an entity's audit trail, newest first. Owners may read
// their own entities' trails; operators and compliance may read any.
func (s *Service) EntityAudit(ctx context.Context, actor model.Actor, entityID uuid.UUID, from, to *time.Time, limit int) ([]model.AuditEvent, error) {
	if !actor.HasAnyRole(model.RoleOperator, model.RoleCompliance) {
		return nil, apperr.Authorization("audit queries require an operator or compliance reviewer")
	}
	return s.auditor.EntityHistory(ctx, entityID, from, to, limit)
}

// ActorAudit returns the changes one actor made, newest first.
func (s *Service) ActorAudit(ctx context.Context, actor model.Actor, actorID uuid.UUID, from, to *time.Time, limit int) ([]model.AuditEvent, error) {
	if !actor.HasAnyRole(model.RoleOperator, model.RoleCompliance) {
		return nil, apperr.Authorization("audit queries require an operator or compliance reviewer")
	}
	return s.auditor.ActorHistory(ctx, actorID, from, to, limit)
}

// EventsSince returns persisted domain events after a timestamp, oldest
// first, for polling consumers.
func (s *Service) EventsSince(ctx context.Context, actor model.Actor, since time.Time, limit int) ([]model.DomainEvent, error) {
	if !actor.HasAnyRole(model.RoleOperator) {
		return nil, apperr.Authorization("event queries require an operator")
	}
	return s.bus.Since(ctx, since, limit)
}

// NextActions reports the transitions the actor may take on an entity in the
// given status, for UI affordances.
func (s *Service) NextActions(actor model.Actor, status model.EntityStatus) []lifecycle.Action {
	role := actingRole(actor)
	return lifecycle.NextActions(status, role)
}
