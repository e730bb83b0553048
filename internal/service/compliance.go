package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shareloop/shareloop/internal/apperr"
	"github.com/shareloop/shareloop/internal/audit"
	"github.com/shareloop/shareloop/internal/compliance"
	"github.com/shareloop/shareloop/internal/model"
	"github.com/shareloop/shareloop/internal/store"
)

// ComplianceQueue returns blocked recommendations awaiting review, newest
// first.
func (s *Service) ComplianceQueue(ctx context.Context, actor model.Actor, limit int) ([]*model.MatchRecommendation, error) {
	if !actor.HasAnyRole(model.RoleCompliance, model.RoleOperator) {
		return nil, apperr.Authorization("compliance queue requires a compliance reviewer")
	}
	posted, err := s.repos.Matches.QueryByStatus(ctx, model.StatusPosted, store.MaxQueryLimit)
	if err != nil {
		return nil, err
	}
	out := make([]*model.MatchRecommendation, 0)
	for _, m := range posted {
		if m.ComplianceStatus == model.ComplianceBlocked && !m.Overridden() {
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// OverrideCompliance approves a blocked recommendation with a recorded
// justification. The failing checks stay in the record, annotated with the
// override, so the trail shows both the block and the decision to proceed.
func (s *Service) OverrideCompliance(ctx context.Context, actor model.Actor, matchID uuid.UUID, req model.OverrideRequest) (*model.MatchRecommendation, error) {
	if !actor.HasAnyRole(model.RoleCompliance, model.RoleOperator) {
		return nil, apperr.Authorization("overrides require a compliance reviewer")
	}
	if err := req.Validate(); err != nil {
		return nil, apperr.Validation("%s", err)
	}

	m, err := s.repos.Matches.GetOrFail(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.ComplianceStatus != model.ComplianceBlocked {
		return nil, apperr.InvalidTransition("match compliance is %s, only blocked matches can be overridden", m.ComplianceStatus)
	}

	before := *m
	over := compliance.ApproveOverride(compliance.Evaluation{
		Checks:    m.ComplianceChecks,
		BlockedBy: m.BlockedBy,
		Version:   compliance.RulesetVersion,
	}, req.Justification)

	m.ComplianceStatus = model.CompliancePassed
	m.ComplianceChecks = over.Checks
	m.OverrideJustification = req.Justification
	m.OverriddenBy = ptr(actor.UserID)

	saved, err := s.repos.Matches.Put(ctx, m)
	if err != nil {
		return nil, mapStoreErr(err, "match", matchID)
	}

	s.record(ctx, audit.Entry{
		EntityType:    model.TypeMatch,
		EntityID:      matchID,
		Actor:         actor,
		Action:        "compliance_override",
		Before:        &before,
		After:         saved,
		Justification: req.Justification,
	})
	s.emit(ctx, model.EventComplianceOverridden, model.TypeMatch, matchID, ptr(actor.UserID),
		model.ComplianceBlockedPayload{MatchID: matchID, BlockedBy: before.BlockedBy})

	for _, userID := range []uuid.UUID{saved.SupplierID, saved.RecipientID} {
		if err := s.notifier.Notify(ctx, userID, model.NotifyMatchProposed, "Match cleared",
			fmt.Sprintf("Match recommendation cleared by compliance review (score %.1f)", saved.Score), matchID); err != nil {
			s.logger.Warn("service: notify override", "match", matchID, "user", userID, "error", err)
		}
	}
	return saved, nil
}

// manualBlockRuleID tags reviewer-initiated blocks in the check list.
const manualBlockRuleID = "MAN-001"

// BlockCompliance manually blocks a recommendation after human review,
// regardless of the automated rule outcomes.
func (s *Service) BlockCompliance(ctx context.Context, actor model.Actor, matchID uuid.UUID, req model.OverrideRequest) (*model.MatchRecommendation, error) {
	if !actor.HasAnyRole(model.RoleCompliance, model.RoleOperator) {
		return nil, apperr.Authorization("manual blocks require a compliance reviewer")
	}
	if err := req.Validate(); err != nil {
		return nil, apperr.Validation("%s", err)
	}

	m, err := s.repos.Matches.GetOrFail(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusPosted && m.Status != model.StatusMatched {
		return nil, apperr.InvalidTransition("match is %s and can no longer be blocked", m.Status)
	}

	before := *m
	m.ComplianceStatus = model.ComplianceBlocked
	m.ComplianceChecks = append(m.ComplianceChecks, model.CheckResult{
		RuleID:   manualBlockRuleID,
		RuleName: "Manual review",
		Passed:   false,
		Severity: model.SeverityError,
		Message:  req.Justification,
	})
	m.BlockedBy = append(m.BlockedBy, manualBlockRuleID)
	m.OverrideJustification = ""
	m.OverriddenBy = nil

	saved, err := s.repos.Matches.Put(ctx, m)
	if err != nil {
		return nil, mapStoreErr(err, "match", matchID)
	}

	s.record(ctx, audit.Entry{
		EntityType:    model.TypeMatch,
		EntityID:      matchID,
		Actor:         actor,
		Action:        "compliance_block",
		Before:        &before,
		After:         saved,
		Justification: req.Justification,
	})
	s.emit(ctx, model.EventComplianceBlocked, model.TypeMatch, matchID, ptr(actor.UserID),
		model.ComplianceBlockedPayload{MatchID: matchID, BlockedBy: saved.BlockedBy})

	for _, userID := range []uuid.UUID{saved.SupplierID, saved.RecipientID} {
		if err := s.notifier.Notify(ctx, userID, model.NotifyComplianceBlocked, "Match blocked",
			"Match recommendation blocked after compliance review", matchID); err != nil {
			s.logger.Warn("service: notify block", "match", matchID, "user", userID, "error", err)
		}
	}
	return saved, nil
}
