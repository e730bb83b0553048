// Package lifecycle defines the shared entity state machine: the static
// role-gated transition table, terminal states, and justification rules.
//
// Transition checks are pure precondition checks — nothing here mutates
// state; callers persist the new status after a check passes.
package lifecycle

import (
	"fmt"

	"github.com/shareloop/shareloop/internal/apperr"
	"github.com/shareloop/shareloop/internal/model"
)

// Context carries per-transition inputs for justification and row validators.
type Context struct {
	Justification string
	// ComplianceBlocked is set when the entity is a match recommendation
	// whose compliance gate is blocked.
	ComplianceBlocked bool
	// OverrideApproved is set when an operator override audit event exists
	// for the blocked match.
	OverrideApproved bool
}

// rule is one row of the transition table.
type rule struct {
	from                  model.EntityStatus
	to                    model.EntityStatus
	roles                 []model.Role
	requiresJustification bool
	check                 func(Context) error
}

// complianceGate blocks scheduling of a compliance-blocked match unless an
// operator override has been recorded.
func complianceGate(ctx Context) error {
	if ctx.ComplianceBlocked && !ctx.OverrideApproved {
		return apperr.Compliance("match is blocked by compliance and has no override")
	}
	return nil
}

// table is the canonical transition set. Owner-role cancel rows list the
// concrete owner roles; entity ownership itself is authorized by the command
// envelope before the table is consulted.
var table = []rule{
	{from: model.StatusPosted, to: model.StatusMatched,
		roles: []model.Role{model.RoleSystem, model.RoleOperator, model.RoleAdmin}},
	{from: model.StatusMatched, to: model.StatusScheduled,
		roles: []model.Role{model.RoleOperator, model.RoleAdmin},
		check: complianceGate},
	{from: model.StatusScheduled, to: model.StatusPickedUp,
		roles: []model.Role{model.RoleDriver, model.RoleOperator, model.RoleAdmin}},
	{from: model.StatusPickedUp, to: model.StatusDelivered,
		roles: []model.Role{model.RoleDriver, model.RoleOperator, model.RoleAdmin}},
	{from: model.StatusPosted, to: model.StatusExpired,
		roles: []model.Role{model.RoleSystem, model.RoleOperator, model.RoleAdmin}},
	{from: model.StatusPosted, to: model.StatusClosed,
		roles: []model.Role{model.RoleRecipient, model.RoleOperator, model.RoleAdmin}},

	{from: model.StatusPosted, to: model.StatusCanceled,
		roles:                 []model.Role{model.RoleSupplier, model.RoleRecipient, model.RoleOperator, model.RoleAdmin},
		requiresJustification: true},
	{from: model.StatusMatched, to: model.StatusCanceled,
		roles:                 []model.Role{model.RoleSupplier, model.RoleRecipient, model.RoleOperator, model.RoleAdmin},
		requiresJustification: true},
	{from: model.StatusScheduled, to: model.StatusCanceled,
		roles:                 []model.Role{model.RoleOperator, model.RoleAdmin},
		requiresJustification: true},
	{from: model.StatusPickedUp, to: model.StatusCanceled,
		roles:                 []model.Role{model.RoleOperator, model.RoleAdmin},
		requiresJustification: true},

	{from: model.StatusScheduled, to: model.StatusFailed,
		roles:                 []model.Role{model.RoleDriver, model.RoleSystem, model.RoleOperator, model.RoleAdmin},
		requiresJustification: true},
	{from: model.StatusPickedUp, to: model.StatusFailed,
		roles:                 []model.Role{model.RoleDriver, model.RoleSystem, model.RoleOperator, model.RoleAdmin},
		requiresJustification: true},

	// Operator recovery rows.
	{from: model.StatusScheduled, to: model.StatusMatched,
		roles:                 []model.Role{model.RoleOperator, model.RoleAdmin},
		requiresJustification: true},
	{from: model.StatusPickedUp, to: model.StatusScheduled,
		roles:                 []model.Role{model.RoleOperator, model.RoleAdmin},
		requiresJustification: true},
}

var terminal = map[model.EntityStatus]bool{
	model.StatusDelivered: true,
	model.StatusCanceled:  true,
	model.StatusFailed:    true,
	model.StatusExpired:   true,
	model.StatusClosed:    true,
}

// IsTerminal reports whether s has no outgoing non-recovery transitions.
func IsTerminal(s model.EntityStatus) bool {
	return terminal[s]
}

func findRule(from, to model.EntityStatus) *rule {
	for i := range table {
		if table[i].from == from && table[i].to == to {
			return &table[i]
		}
	}
	return nil
}

func roleAllowed(r *rule, role model.Role) bool {
	if role == model.RoleAdmin {
		return true
	}
	for _, allowed := range r.roles {
		if allowed == role {
			return true
		}
	}
	return false
}

// CanTransition reports whether role may move an entity from → to.
// Self-transitions are never allowed.
func CanTransition(from, to model.EntityStatus, role model.Role) bool {
	if from == to {
		return false
	}
	r := findRule(from, to)
	return r != nil && roleAllowed(r, role)
}

// Transition validates a transition as a pure precondition check: row
// existence, role, justification, and any row-specific validator. The caller
// persists the new status on success.
func Transition(from, to model.EntityStatus, role model.Role, ctx Context) error {
	if from == to {
		return apperr.InvalidTransition("entity is already %s", to)
	}
	r := findRule(from, to)
	if r == nil {
		return apperr.InvalidTransition("no transition from %s to %s", from, to)
	}
	if !roleAllowed(r, role) {
		return apperr.Authorization("role %s may not transition %s to %s", role, from, to)
	}
	if r.requiresJustification && ctx.Justification == "" {
		return apperr.InvalidTransition("justification required for %s to %s", from, to)
	}
	if r.check != nil {
		if err := r.check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// AllowedTransitions returns the statuses role may move from into,
// in table order.
func AllowedTransitions(from model.EntityStatus, role model.Role) []model.EntityStatus {
	var out []model.EntityStatus
	for i := range table {
		if table[i].from == from && roleAllowed(&table[i], role) {
			out = append(out, table[i].to)
		}
	}
	return out
}

// Action is a UI-facing description of one available transition.
type Action struct {
	To                    model.EntityStatus `json:"to"`
	RequiresJustification bool               `json:"requires_justification"`
}

// NextActions returns the actions role may take from the given status.
func NextActions(from model.EntityStatus, role model.Role) []Action {
	var out []Action
	for i := range table {
		if table[i].from == from && roleAllowed(&table[i], role) {
			out = append(out, Action{To: table[i].to, RequiresJustification: table[i].requiresJustification})
		}
	}
	return out
}

// RulesetVersion identifies the transition table revision; bump when rows change.
const RulesetVersion = "2025-06"

// String renders a transition for logs.
func TransitionString(from, to model.EntityStatus) string {
	return fmt.Sprintf("%s→%s", from, to)
}
