package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shareloop/shareloop/internal/apperr"
	"github.com/shareloop/shareloop/internal/audit"
	"github.com/shareloop/shareloop/internal/lifecycle"
	"github.com/shareloop/shareloop/internal/model"
	"github.com/shareloop/shareloop/internal/store"
)

// Recommend runs the matching pipeline synchronously for one listing or
// demand and returns the live recommendations that reference it.
func (s *Service) Recommend(ctx context.Context, actor model.Actor, req model.RecommendRequest) ([]*model.MatchRecommendation, error) {
	if !actor.HasAnyRole(model.RoleOperator) {
		return nil, apperr.Authorization("only operators may trigger matching")
	}
	if err := req.Validate(); err != nil {
		return nil, apperr.Validation("%s", err)
	}

	switch {
	case req.ListingID != nil:
		if err := s.orch.ProcessListing(ctx, *req.ListingID); err != nil {
			return nil, err
		}
		return s.matchesForListing(ctx, *req.ListingID)
	default:
		if err := s.orch.ProcessDemand(ctx, *req.DemandID); err != nil {
			return nil, err
		}
		d, err := s.repos.Demands.GetOrFail(ctx, *req.DemandID)
		if err != nil {
			return nil, err
		}
		all, err := s.repos.Matches.QueryByOwner(ctx, d.RecipientID, store.MaxQueryLimit)
		if err != nil {
			return nil, err
		}
		out := make([]*model.MatchRecommendation, 0, len(all))
		for _, m := range all {
			if m.DemandID == *req.DemandID && m.Status == model.StatusPosted {
				out = append(out, m)
			}
		}
		return out, nil
	}
}

// matchesForListing scans posted recommendations for one listing. Matches are
// indexed by recipient, so the listing side is a filtered status scan.
func (s *Service) matchesForListing(ctx context.Context, listingID uuid.UUID) ([]*model.MatchRecommendation, error) {
	all, err := s.repos.Matches.QueryByStatus(ctx, model.StatusPosted, store.MaxQueryLimit)
	if err != nil {
		return nil, err
	}
	out := make([]*model.MatchRecommendation, 0, len(all))
	for _, m := range all {
		if m.ListingID == listingID {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetMatch returns a recommendation. Only the supplier, the recipient, and
// privileged roles may read it.
func (s *Service) GetMatch(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.MatchRecommendation, error) {
	m, err := s.repos.Matches.GetOrFail(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeMatchRead(actor, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) authorizeMatchRead(actor model.Actor, m *model.MatchRecommendation) error {
	if actor.UserID == m.SupplierID || actor.UserID == m.RecipientID {
		return nil
	}
	if actor.HasAnyRole(model.RoleOperator, model.RoleCompliance) {
		return nil
	}
	return apperr.Authorization("not a party to this match")
}

// ListMatches returns the caller's recommendations (recipient side), or a
// status-filtered scan for privileged roles.
func (s *Service) ListMatches(ctx context.Context, actor model.Actor, status model.EntityStatus, limit int) ([]*model.MatchRecommendation, error) {
	if status != "" {
		if !model.ValidStatuses[status] {
			return nil, apperr.Validation("unknown status %q", status)
		}
		if !actor.HasAnyRole(model.RoleOperator, model.RoleCompliance) {
			return nil, apperr.Authorization("status-wide match listing requires operator")
		}
		return s.repos.Matches.QueryByStatus(ctx, status, limit)
	}
	return s.repos.Matches.QueryByOwner(ctx, actor.UserID, limit)
}

// AcceptMatch is the recipient's commitment to a proposed recommendation.
// The match, its listing, and its demand all move to matched, and competing
// posted recommendations for the same listing are closed.
func (s *Service) AcceptMatch(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.MatchRecommendation, error) {
	m, err := s.repos.Matches.GetOrFail(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.RecipientID != actor.UserID && !actor.HasAnyRole(model.RoleOperator) {
		return nil, apperr.Authorization("only the recipient may accept this match")
	}
	if m.ComplianceStatus == model.ComplianceBlocked && !m.Overridden() {
		return nil, apperr.Compliance("match is blocked by %v and has no override", m.BlockedBy)
	}
	// Acceptance is effected by the platform on the recipient's behalf, so
	// the posted->matched row is checked as a system transition.
	if err := lifecycle.Transition(m.Status, model.StatusMatched, model.RoleSystem, lifecycle.Context{}); err != nil {
		return nil, err
	}

	before := *m
	m.Status = model.StatusMatched
	saved, err := s.repos.Matches.Put(ctx, m)
	if err != nil {
		return nil, mapStoreErr(err, "match", id)
	}

	if err := s.propagateStatus(ctx, actor, saved, model.StatusMatched, model.RoleSystem); err != nil {
		s.logger.Warn("service: propagate accept", "match", id, "error", err)
	}
	s.closeCompeting(ctx, actor, saved)

	s.record(ctx, audit.Entry{
		EntityType: model.TypeMatch,
		EntityID:   id,
		Actor:      actor,
		Action:     "match_accept",
		Before:     &before,
		After:      saved,
	})
	s.emit(ctx, model.EventMatchAccepted, model.TypeMatch, id, ptr(actor.UserID),
		model.MatchProposedPayload{ListingID: saved.ListingID, DemandID: saved.DemandID, Score: saved.Score})
	if err := s.notifier.Notify(ctx, saved.SupplierID, model.NotifyMatchAccepted, "Match accepted",
		fmt.Sprintf("Your listing was accepted by a recipient (score %.1f)", saved.Score), id); err != nil {
		s.logger.Warn("service: notify supplier", "match", id, "error", err)
	}
	return saved, nil
}

// propagateStatus moves the listing and demand of a match to the given
// status, skipping any side the transition table does not permit from its
// current state.
func (s *Service) propagateStatus(ctx context.Context, actor model.Actor, m *model.MatchRecommendation, to model.EntityStatus, role model.Role) error {
	l, err := s.repos.Listings.GetOrFail(ctx, m.ListingID)
	if err != nil {
		return err
	}
	if lifecycle.CanTransition(l.Status, to, role) {
		from := l.Status
		l.Status = to
		if _, err := s.repos.Listings.Put(ctx, l); err != nil {
			return fmt.Errorf("listing %s: %w", m.ListingID, err)
		}
		s.emit(ctx, model.EventListingStatusChanged, model.TypeListing, m.ListingID, ptr(actor.UserID),
			model.StatusChangedPayload{From: from, To: to})
	}

	d, err := s.repos.Demands.GetOrFail(ctx, m.DemandID)
	if err != nil {
		return err
	}
	if lifecycle.CanTransition(d.Status, to, role) {
		from := d.Status
		d.Status = to
		if _, err := s.repos.Demands.Put(ctx, d); err != nil {
			return fmt.Errorf("demand %s: %w", m.DemandID, err)
		}
		s.emit(ctx, model.EventDemandStatusChanged, model.TypeDemand, m.DemandID, ptr(actor.UserID),
			model.StatusChangedPayload{From: from, To: to})
	}
	return nil
}

// closeCompeting closes other posted recommendations for the same listing.
func (s *Service) closeCompeting(ctx context.Context, actor model.Actor, accepted *model.MatchRecommendation) {
	others, err := s.matchesForListing(ctx, accepted.ListingID)
	if err != nil {
		s.logger.Warn("service: scan competing matches", "listing", accepted.ListingID, "error", err)
		return
	}
	for _, o := range others {
		if o.ID == accepted.ID {
			continue
		}
		before := *o
		o.Status = model.StatusClosed
		if _, err := s.repos.Matches.Put(ctx, o); err != nil {
			s.logger.Warn("service: close competing match", "match", o.ID, "error", err)
			continue
		}
		s.record(ctx, audit.Entry{
			EntityType: model.TypeMatch,
			EntityID:   o.ID,
			Actor:      actor,
			Action:     "match_superseded",
			Before:     &before,
			After:      o,
		})
	}
}

// RejectMatch closes a proposed recommendation on the recipient's behalf.
func (s *Service) RejectMatch(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.MatchRecommendation, error) {
	m, err := s.repos.Matches.GetOrFail(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.RecipientID != actor.UserID && !actor.HasAnyRole(model.RoleOperator) {
		return nil, apperr.Authorization("only the recipient may reject this match")
	}

	role := actingRole(actor, model.RoleRecipient, model.RoleOperator)
	if err := lifecycle.Transition(m.Status, model.StatusClosed, role, lifecycle.Context{}); err != nil {
		return nil, err
	}

	before := *m
	m.Status = model.StatusClosed
	saved, err := s.repos.Matches.Put(ctx, m)
	if err != nil {
		return nil, mapStoreErr(err, "match", id)
	}

	s.record(ctx, audit.Entry{
		EntityType: model.TypeMatch,
		EntityID:   id,
		Actor:      actor,
		ActorRole:  role,
		Action:     "match_reject",
		Before:     &before,
		After:      saved,
	})
	s.emit(ctx, model.EventMatchRejected, model.TypeMatch, id, ptr(actor.UserID), nil)
	return saved, nil
}

// ScheduleMatch schedules an accepted match and creates its delivery task.
// The idempotency key makes retries safe: the same key with the same payload
// returns the original task; the same key with a different payload is an
// idempotency violation.
func (s *Service) ScheduleMatch(ctx context.Context, actor model.Actor, matchID uuid.UUID, req model.ScheduleMatchRequest) (*model.DeliveryTask, error) {
	if !actor.HasAnyRole(model.RoleOperator) {
		return nil, apperr.Authorization("only operators may schedule matches")
	}
	if err := req.Validate(); err != nil {
		return nil, apperr.Validation("%s", err)
	}

	m, err := s.repos.Matches.GetOrFail(ctx, matchID)
	if err != nil {
		return nil, err
	}
	role := actingRole(actor, model.RoleOperator)
	if err := lifecycle.Transition(m.Status, model.StatusScheduled, role, lifecycle.Context{
		ComplianceBlocked: m.ComplianceStatus == model.ComplianceBlocked,
		OverrideApproved:  m.Overridden(),
	}); err != nil {
		return nil, err
	}

	hash := payloadHash(req)
	endpoint := fmt.Sprintf("matches/%s/schedule", matchID)
	task := &model.DeliveryTask{
		MatchID:             matchID,
		DriverID:            req.DriverID,
		Status:              model.StatusScheduled,
		ScheduledPickupAt:   req.PickupAt,
		ScheduledDeliveryAt: req.DeliveryAt,
		IdempotencyKey:      req.IdempotencyKey,
	}
	task.ID = uuid.New()

	existing, err := s.repos.DB.ReserveIdempotency(ctx, store.IdempotencyRecord{
		Endpoint:    endpoint,
		Key:         req.IdempotencyKey,
		PayloadHash: hash,
		EntityID:    task.ID.String(),
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.PayloadHash != hash {
			return nil, apperr.Idempotency("idempotency key %q was already used with a different payload", req.IdempotencyKey)
		}
		prior, parseErr := uuid.Parse(existing.EntityID)
		if parseErr != nil {
			return nil, apperr.Internal(parseErr)
		}
		return s.repos.Tasks.GetOrFail(ctx, prior)
	}

	saved, err := s.repos.Tasks.Put(ctx, task)
	if err != nil {
		return nil, mapStoreErr(err, "task", task.ID)
	}

	before := *m
	m.Status = model.StatusScheduled
	if _, err := s.repos.Matches.Put(ctx, m); err != nil {
		return nil, mapStoreErr(err, "match", matchID)
	}
	if err := s.propagateStatus(ctx, actor, m, model.StatusScheduled, role); err != nil {
		s.logger.Warn("service: propagate schedule", "match", matchID, "error", err)
	}

	s.record(ctx, audit.Entry{
		EntityType: model.TypeTask,
		EntityID:   saved.ID,
		Actor:      actor,
		ActorRole:  role,
		Action:     "task_schedule",
		Before:     &before,
		After:      saved,
	})
	s.emit(ctx, model.EventTaskScheduled, model.TypeTask, saved.ID, ptr(actor.UserID), model.TaskScheduledPayload{
		MatchID:             matchID,
		DriverID:            req.DriverID,
		ScheduledPickupAt:   req.PickupAt,
		ScheduledDeliveryAt: req.DeliveryAt,
	})
	if req.DriverID != nil {
		if err := s.notifier.Notify(ctx, *req.DriverID, model.NotifyTaskScheduled, "Delivery scheduled",
			fmt.Sprintf("Pickup scheduled for %s", req.PickupAt.Format(time.RFC3339)), saved.ID); err != nil {
			s.logger.Warn("service: notify driver", "task", saved.ID, "error", err)
		}
	}
	return saved, nil
}

// payloadHash fingerprints a request body for idempotency comparison.
func payloadHash(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
