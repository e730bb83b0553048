package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/shareloop/shareloop/internal/apperr"
	"github.com/shareloop/shareloop/internal/audit"
	"github.com/shareloop/shareloop/internal/lifecycle"
	"github.com/shareloop/shareloop/internal/model"
)

// CreateListing posts a surplus listing for the calling supplier. The pickup
// address is geocoded synchronously; enrichment and matching run async off
// the listing.created event.
func (s *Service) CreateListing(ctx context.Context, actor model.Actor, req model.CreateListingRequest) (*model.SurplusListing, error) {
	if !actor.HasAnyRole(model.RoleSupplier) {
		return nil, apperr.Authorization("only suppliers may post listings")
	}
	if err := req.Validate(); err != nil {
		return nil, apperr.Validation("%s", err)
	}

	l := &model.SurplusListing{
		SupplierID:            actor.UserID,
		Title:                 req.Title,
		Category:              req.Category,
		Quantity:              req.Quantity,
		Unit:                  req.Unit,
		PickupAddress:         req.PickupAddress,
		PickupWindow:          req.PickupWindow,
		RequiresRefrigeration: req.RequiresRefrigeration,
		HandlingRequirements:  req.HandlingRequirements,
		Status:                model.StatusPosted,
		EnrichmentStatus:      model.EnrichmentPending,
	}
	if req.Description != nil {
		l.Description = *req.Description
	}
	if req.QualityNotes != nil {
		l.QualityNotes = *req.QualityNotes
	}
	if req.ExpirationDate != nil {
		l.ExpirationDate = *req.ExpirationDate
	}

	coords, hash, err := s.geocode(ctx, req.PickupAddress)
	if err != nil {
		return nil, err
	}
	l.Location = coords
	l.Geohash = hash

	saved, err := s.repos.Listings.Put(ctx, l)
	if err != nil {
		return nil, mapStoreErr(err, "listing", l.ID)
	}

	s.record(ctx, audit.Entry{
		EntityType: model.TypeListing,
		EntityID:   saved.ID,
		Actor:      actor,
		Action:     "listing_create",
		After:      saved,
	})
	s.emit(ctx, model.EventListingCreated, model.TypeListing, saved.ID, ptr(actor.UserID), nil)
	return saved, nil
}

// GetListing returns a listing by id. Listings are readable by any
// authenticated user.
func (s *Service) GetListing(ctx context.Context, id uuid.UUID) (*model.SurplusListing, error) {
	return s.repos.Listings.GetOrFail(ctx, id)
}

// ListListings returns listings filtered by status, or the caller's own
// listings when no status is given.
func (s *Service) ListListings(ctx context.Context, actor model.Actor, status model.EntityStatus, limit int) ([]*model.SurplusListing, error) {
	if status == "" {
		return s.repos.Listings.QueryByOwner(ctx, actor.UserID, limit)
	}
	if !model.ValidStatuses[status] {
		return nil, apperr.Validation("unknown status %q", status)
	}
	return s.repos.Listings.QueryByStatus(ctx, status, limit)
}

// UpdateListing applies a sparse update to a posted listing. Absent fields
// are left unchanged and a present field never reverts to absent. Only the
// owning supplier or an operator may update, and only while posted.
func (s *Service) UpdateListing(ctx context.Context, actor model.Actor, id uuid.UUID, req model.UpdateListingRequest) (*model.SurplusListing, error) {
	if err := req.Validate(); err != nil {
		return nil, apperr.Validation("%s", err)
	}

	l, err := s.repos.Listings.GetOrFail(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.SupplierID != actor.UserID && !actor.HasAnyRole(model.RoleOperator) {
		return nil, apperr.Authorization("only the owning supplier may update this listing")
	}
	if l.Status != model.StatusPosted {
		return nil, apperr.InvalidTransition("listing is %s and can no longer be edited", l.Status)
	}

	fields := map[string]any{}
	setIf(fields, "title", req.Title)
	setIf(fields, "description", req.Description)
	setIf(fields, "category", req.Category)
	setIf(fields, "quantity", req.Quantity)
	setIf(fields, "unit", req.Unit)
	setIf(fields, "pickupWindow", req.PickupWindow)
	setIf(fields, "expirationDate", req.ExpirationDate)
	setIf(fields, "requiresRefrigeration", req.RequiresRefrigeration)
	setIf(fields, "qualityNotes", req.QualityNotes)
	if req.HandlingRequirements != nil {
		fields["handlingRequirements"] = req.HandlingRequirements
	}
	if req.PickupAddress != nil && *req.PickupAddress != l.PickupAddress {
		coords, hash, err := s.geocode(ctx, *req.PickupAddress)
		if err != nil {
			return nil, err
		}
		fields["pickupAddress"] = *req.PickupAddress
		fields["location"] = coords
		fields["geohash"] = hash
	}
	// Edits invalidate prior enrichment.
	fields["enrichmentStatus"] = model.EnrichmentPending

	before := *l
	saved, err := s.repos.Listings.UpdateFields(ctx, id, fields, req.ExpectedVersion)
	if err != nil {
		return nil, mapStoreErr(err, "listing", id)
	}

	s.record(ctx, audit.Entry{
		EntityType: model.TypeListing,
		EntityID:   id,
		Actor:      actor,
		Action:     "listing_update",
		Before:     &before,
		After:      saved,
	})
	s.emit(ctx, model.EventListingUpdated, model.TypeListing, id, ptr(actor.UserID), nil)
	return saved, nil
}

// CancelListing cancels a listing with justification. Owners may cancel while
// posted or matched; later stages need an operator.
func (s *Service) CancelListing(ctx context.Context, actor model.Actor, id uuid.UUID, req model.CancelRequest) (*model.SurplusListing, error) {
	if err := req.Validate(); err != nil {
		return nil, apperr.Validation("%s", err)
	}

	l, err := s.repos.Listings.GetOrFail(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.SupplierID != actor.UserID && !actor.HasAnyRole(model.RoleOperator) {
		return nil, apperr.Authorization("only the owning supplier may cancel this listing")
	}

	role := actingRole(actor, model.RoleSupplier, model.RoleOperator)
	if err := lifecycle.Transition(l.Status, model.StatusCanceled, role, lifecycle.Context{Justification: req.Justification}); err != nil {
		return nil, err
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != l.Version {
		return nil, apperr.Conflict("listing version mismatch: have %d, expected %d", l.Version, req.ExpectedVersion)
	}

	before := *l
	l.Status = model.StatusCanceled
	saved, err := s.repos.Listings.Put(ctx, l)
	if err != nil {
		return nil, mapStoreErr(err, "listing", id)
	}

	s.record(ctx, audit.Entry{
		EntityType:    model.TypeListing,
		EntityID:      id,
		Actor:         actor,
		ActorRole:     role,
		Action:        "listing_cancel",
		Before:        &before,
		After:         saved,
		Justification: req.Justification,
	})
	s.emit(ctx, model.EventListingStatusChanged, model.TypeListing, id, ptr(actor.UserID),
		model.StatusChangedPayload{From: before.Status, To: model.StatusCanceled, Justification: req.Justification})
	return saved, nil
}

// setIf copies a present pointer field into the sparse update map.
func setIf[T any](fields map[string]any, key string, v *T) {
	if v != nil {
		fields[key] = *v
	}
}
