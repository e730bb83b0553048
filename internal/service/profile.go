package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/shareloop/shareloop/internal/apperr"
	"github.com/shareloop/shareloop/internal/audit"
	"github.com/shareloop/shareloop/internal/auth"
	"github.com/shareloop/shareloop/internal/model"
)

// GetProfile returns a user profile. Callers may read their own profile;
// operators and admins may read anyone's.
func (s *Service) GetProfile(ctx context.Context, actor model.Actor, userID uuid.UUID) (*model.UserProfile, error) {
	if actor.UserID != userID && !actor.HasAnyRole(model.RoleOperator, model.RoleCompliance) {
		return nil, apperr.Authorization("cannot read another user's profile")
	}
	return s.repos.Profiles.GetOrFail(ctx, userID)
}

// UpsertProfile creates or updates the caller's profile. An address, when
// present, is geocoded so the profile can participate in distance scoring.
// Role changes on an existing profile require operator or admin.
func (s *Service) UpsertProfile(ctx context.Context, actor model.Actor, req model.UpsertProfileRequest) (*model.UserProfile, error) {
	if err := req.Validate(); err != nil {
		return nil, apperr.Validation("%s", err)
	}

	existing, found, err := s.repos.Profiles.Get(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}

	var p *model.UserProfile
	var before any
	if found {
		if req.ExpectedVersion != existing.Version {
			return nil, apperr.Conflict("profile version mismatch: have %d, expected %d", existing.Version, req.ExpectedVersion)
		}
		snapshot := *existing
		before = &snapshot
		p = existing
	} else {
		p = &model.UserProfile{ReliabilityScore: 50}
		p.ID = actor.UserID
	}

	if len(req.Roles) > 0 && !rolesEqual(p.Roles, req.Roles) {
		if found && !actor.HasAnyRole(model.RoleOperator) {
			return nil, apperr.Authorization("changing roles requires an operator")
		}
		p.Roles = req.Roles
	} else if !found {
		p.Roles = req.Roles
	}

	p.Email = req.Email
	p.Name = req.Name
	if req.NotificationPrefs != nil {
		p.NotificationPrefs = req.NotificationPrefs
	}
	if req.Address != nil && (p.Address == nil || *p.Address != *req.Address) {
		coords, hash, err := s.geocode(ctx, *req.Address)
		if err != nil {
			return nil, err
		}
		p.Address = req.Address
		p.Location = &coords
		p.Geohash = &hash
	}

	saved, err := s.repos.Profiles.Put(ctx, p)
	if err != nil {
		return nil, mapStoreErr(err, "profile", actor.UserID)
	}

	s.record(ctx, audit.Entry{
		EntityType: model.TypeProfile,
		EntityID:   saved.ID,
		Actor:      actor,
		Action:     "profile_upsert",
		Before:     before,
		After:      saved,
	})
	s.emit(ctx, model.EventProfileUpdated, model.TypeProfile, saved.ID, ptr(actor.UserID), nil)
	return saved, nil
}

// ProvisionUser creates a profile for a new user and mints its API key.
// The plaintext key is returned once and only its hash is stored.
func (s *Service) ProvisionUser(ctx context.Context, actor model.Actor, req model.ProvisionUserRequest) (*model.UserProfile, string, error) {
	if !actor.HasAnyRole(model.RoleOperator) {
		return nil, "", apperr.Authorization("provisioning users requires an operator")
	}
	if err := req.Validate(); err != nil {
		return nil, "", apperr.Validation("%s", err)
	}

	key, err := auth.NewAPIKey()
	if err != nil {
		return nil, "", apperr.Internal(err)
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return nil, "", apperr.Internal(err)
	}

	p := &model.UserProfile{
		Email:            req.Email,
		Name:             req.Name,
		Roles:            req.Roles,
		APIKeyHash:       hash,
		ReliabilityScore: 50,
	}
	p.ID = uuid.New()

	if req.Address != nil {
		coords, geohash, err := s.geocode(ctx, *req.Address)
		if err != nil {
			return nil, "", err
		}
		p.Address = req.Address
		p.Location = &coords
		p.Geohash = &geohash
	}

	saved, err := s.repos.Profiles.Put(ctx, p)
	if err != nil {
		return nil, "", mapStoreErr(err, "profile", p.ID)
	}

	s.record(ctx, audit.Entry{
		EntityType: model.TypeProfile,
		EntityID:   saved.ID,
		Actor:      actor,
		Action:     "user_provision",
		After:      saved,
	})
	s.emit(ctx, model.EventProfileUpdated, model.TypeProfile, saved.ID, ptr(saved.ID), nil)
	return saved, key, nil
}

func rolesEqual(a, b []model.Role) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Inbox returns the caller's notifications, newest first.
func (s *Service) Inbox(ctx context.Context, actor model.Actor, limit int) ([]*model.Notification, error) {
	return s.notifier.Inbox(ctx, actor.UserID, limit)
}

// MarkNotificationRead flips one of the caller's notifications to read.
func (s *Service) MarkNotificationRead(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.Notification, error) {
	n, err := s.notifier.MarkRead(ctx, actor.UserID, id)
	return n, mapStoreErr(err, "notification", id)
}
