package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/shareloop/shareloop/internal/apperr"
	"github.com/shareloop/shareloop/internal/audit"
	"github.com/shareloop/shareloop/internal/lifecycle"
	"github.com/shareloop/shareloop/internal/model"
)

// CreateDemand posts a need request for the calling recipient.
func (s *Service) CreateDemand(ctx context.Context, actor model.Actor, req model.CreateDemandRequest) (*model.DemandPost, error) {
	if !actor.HasAnyRole(model.RoleRecipient) {
		return nil, apperr.Authorization("only recipients may post demand requests")
	}
	if err := req.Validate(); err != nil {
		return nil, apperr.Validation("%s", err)
	}

	d := &model.DemandPost{
		RecipientID:      actor.UserID,
		Categories:       req.Categories,
		QuantityNeeded:   req.QuantityNeeded,
		Unit:             req.Unit,
		Capacity:         req.Capacity,
		DeliveryAddress:  req.DeliveryAddress,
		AcceptanceWindow: req.AcceptanceWindow,
		PriorityLevel:    req.PriorityLevel,
		Status:           model.StatusPosted,
	}
	if d.PriorityLevel == "" {
		d.PriorityLevel = model.PriorityNormal
	}

	coords, hash, err := s.geocode(ctx, req.DeliveryAddress)
	if err != nil {
		return nil, err
	}
	d.Location = coords
	d.Geohash = hash

	saved, err := s.repos.Demands.Put(ctx, d)
	if err != nil {
		return nil, mapStoreErr(err, "demand", d.ID)
	}

	s.record(ctx, audit.Entry{
		EntityType: model.TypeDemand,
		EntityID:   saved.ID,
		Actor:      actor,
		Action:     "demand_create",
		After:      saved,
	})
	s.emit(ctx, model.EventDemandCreated, model.TypeDemand, saved.ID, ptr(actor.UserID), nil)
	return saved, nil
}

// GetDemand returns a demand post by id.
func (s *Service) GetDemand(ctx context.Context, id uuid.UUID) (*model.DemandPost, error) {
	return s.repos.Demands.GetOrFail(ctx, id)
}

// ListDemands returns demand posts filtered by status, or the caller's own
// posts when no status is given.
func (s *Service) ListDemands(ctx context.Context, actor model.Actor, status model.EntityStatus, limit int) ([]*model.DemandPost, error) {
	if status == "" {
		return s.repos.Demands.QueryByOwner(ctx, actor.UserID, limit)
	}
	if !model.ValidStatuses[status] {
		return nil, apperr.Validation("unknown status %q", status)
	}
	return s.repos.Demands.QueryByStatus(ctx, status, limit)
}

// UpdateDemand applies a sparse update to a posted demand.
func (s *Service) UpdateDemand(ctx context.Context, actor model.Actor, id uuid.UUID, req model.UpdateDemandRequest) (*model.DemandPost, error) {
	if err := req.Validate(); err != nil {
		return nil, apperr.Validation("%s", err)
	}

	d, err := s.repos.Demands.GetOrFail(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.RecipientID != actor.UserID && !actor.HasAnyRole(model.RoleOperator) {
		return nil, apperr.Authorization("only the owning recipient may update this demand")
	}
	if d.Status != model.StatusPosted {
		return nil, apperr.InvalidTransition("demand is %s and can no longer be edited", d.Status)
	}

	fields := map[string]any{}
	setIf(fields, "quantityNeeded", req.QuantityNeeded)
	setIf(fields, "unit", req.Unit)
	setIf(fields, "capacity", req.Capacity)
	setIf(fields, "acceptanceWindow", req.AcceptanceWindow)
	setIf(fields, "priorityLevel", req.PriorityLevel)
	if req.Categories != nil {
		fields["categories"] = req.Categories
	}
	if req.DeliveryAddress != nil && *req.DeliveryAddress != d.DeliveryAddress {
		coords, hash, err := s.geocode(ctx, *req.DeliveryAddress)
		if err != nil {
			return nil, err
		}
		fields["deliveryAddress"] = *req.DeliveryAddress
		fields["location"] = coords
		fields["geohash"] = hash
	}

	before := *d
	saved, err := s.repos.Demands.UpdateFields(ctx, id, fields, req.ExpectedVersion)
	if err != nil {
		return nil, mapStoreErr(err, "demand", id)
	}

	s.record(ctx, audit.Entry{
		EntityType: model.TypeDemand,
		EntityID:   id,
		Actor:      actor,
		Action:     "demand_update",
		Before:     &before,
		After:      saved,
	})
	s.emit(ctx, model.EventDemandUpdated, model.TypeDemand, id, ptr(actor.UserID), nil)
	return saved, nil
}

// CloseDemand closes a posted demand that the recipient no longer needs
// filled. Unlike cancel, close carries no fault and needs no justification.
func (s *Service) CloseDemand(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.DemandPost, error) {
	d, err := s.repos.Demands.GetOrFail(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.RecipientID != actor.UserID && !actor.HasAnyRole(model.RoleOperator) {
		return nil, apperr.Authorization("only the owning recipient may close this demand")
	}

	role := actingRole(actor, model.RoleRecipient, model.RoleOperator)
	if err := lifecycle.Transition(d.Status, model.StatusClosed, role, lifecycle.Context{}); err != nil {
		return nil, err
	}

	before := *d
	d.Status = model.StatusClosed
	saved, err := s.repos.Demands.Put(ctx, d)
	if err != nil {
		return nil, mapStoreErr(err, "demand", id)
	}

	s.record(ctx, audit.Entry{
		EntityType: model.TypeDemand,
		EntityID:   id,
		Actor:      actor,
		ActorRole:  role,
		Action:     "demand_close",
		Before:     &before,
		After:      saved,
	})
	s.emit(ctx, model.EventDemandStatusChanged, model.TypeDemand, id, ptr(actor.UserID),
		model.StatusChangedPayload{From: before.Status, To: model.StatusClosed})
	return saved, nil
}

// CancelDemand cancels a demand with justification.
func (s *Service) CancelDemand(ctx context.Context, actor model.Actor, id uuid.UUID, req model.CancelRequest) (*model.DemandPost, error) {
	if err := req.Validate(); err != nil {
		return nil, apperr.Validation("%s", err)
	}

	d, err := s.repos.Demands.GetOrFail(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.RecipientID != actor.UserID && !actor.HasAnyRole(model.RoleOperator) {
		return nil, apperr.Authorization("only the owning recipient may cancel this demand")
	}

	role := actingRole(actor, model.RoleRecipient, model.RoleOperator)
	if err := lifecycle.Transition(d.Status, model.StatusCanceled, role, lifecycle.Context{Justification: req.Justification}); err != nil {
		return nil, err
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != d.Version {
		return nil, apperr.Conflict("demand version mismatch: have %d, expected %d", d.Version, req.ExpectedVersion)
	}

	before := *d
	d.Status = model.StatusCanceled
	saved, err := s.repos.Demands.Put(ctx, d)
	if err != nil {
		return nil, mapStoreErr(err, "demand", id)
	}

	s.record(ctx, audit.Entry{
		EntityType:    model.TypeDemand,
		EntityID:      id,
		Actor:         actor,
		ActorRole:     role,
		Action:        "demand_cancel",
		Before:        &before,
		After:         saved,
		Justification: req.Justification,
	})
	s.emit(ctx, model.EventDemandStatusChanged, model.TypeDemand, id, ptr(actor.UserID),
		model.StatusChangedPayload{From: before.Status, To: model.StatusCanceled, Justification: req.Justification})
	return saved, nil
}
