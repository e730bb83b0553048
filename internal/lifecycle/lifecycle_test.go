package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareloop/shareloop/internal/apperr"
	"github.com/shareloop/shareloop/internal/model"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from model.EntityStatus
		to   model.EntityStatus
		role model.Role
		want bool
	}{
		{"system matches posted", model.StatusPosted, model.StatusMatched, model.RoleSystem, true},
		{"operator schedules", model.StatusMatched, model.StatusScheduled, model.RoleOperator, true},
		{"driver picks up", model.StatusScheduled, model.StatusPickedUp, model.RoleDriver, true},
		{"driver delivers", model.StatusPickedUp, model.StatusDelivered, model.RoleDriver, true},
		{"supplier cancels posted", model.StatusPosted, model.StatusCanceled, model.RoleSupplier, true},
		{"recipient closes posted", model.StatusPosted, model.StatusClosed, model.RoleRecipient, true},

		{"supplier may not schedule", model.StatusMatched, model.StatusScheduled, model.RoleSupplier, false},
		{"driver may not cancel scheduled", model.StatusScheduled, model.StatusCanceled, model.RoleDriver, false},
		{"recipient may not pick up", model.StatusScheduled, model.StatusPickedUp, model.RoleRecipient, false},
		{"no transition out of delivered", model.StatusDelivered, model.StatusPosted, model.RoleOperator, false},
		{"self transition rejected", model.StatusPosted, model.StatusPosted, model.RoleAdmin, false},
		{"skip states rejected", model.StatusPosted, model.StatusDelivered, model.RoleAdmin, false},

		// Admin passes any existing row.
		{"admin recovery", model.StatusPickedUp, model.StatusScheduled, model.RoleAdmin, true},
		{"admin fails task", model.StatusPickedUp, model.StatusFailed, model.RoleAdmin, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to, tt.role))
		})
	}
}

func TestTransition_JustificationRequired(t *testing.T) {
	err := Transition(model.StatusPosted, model.StatusCanceled, model.RoleSupplier, Context{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidStateTransition, apperr.CodeOf(err))

	err = Transition(model.StatusPosted, model.StatusCanceled, model.RoleSupplier, Context{Justification: "no longer available"})
	assert.NoError(t, err)

	// Recovery rows require justification too.
	err = Transition(model.StatusScheduled, model.StatusMatched, model.RoleOperator, Context{})
	require.Error(t, err)
	err = Transition(model.StatusScheduled, model.StatusMatched, model.RoleOperator, Context{Justification: "driver unavailable"})
	assert.NoError(t, err)
}

func TestTransition_RoleDenied(t *testing.T) {
	err := Transition(model.StatusMatched, model.StatusScheduled, model.RoleSupplier, Context{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAuthorization, apperr.CodeOf(err))
}

func TestTransition_ComplianceGate(t *testing.T) {
	// A blocked match cannot be scheduled without an override.
	err := Transition(model.StatusMatched, model.StatusScheduled, model.RoleOperator,
		Context{ComplianceBlocked: true})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeComplianceViolation, apperr.CodeOf(err))

	err = Transition(model.StatusMatched, model.StatusScheduled, model.RoleOperator,
		Context{ComplianceBlocked: true, OverrideApproved: true})
	assert.NoError(t, err)
}

func TestTerminalStatesHaveNoOutgoingRows(t *testing.T) {
	terminals := []model.EntityStatus{
		model.StatusDelivered, model.StatusCanceled, model.StatusFailed,
		model.StatusExpired, model.StatusClosed,
	}
	for _, s := range terminals {
		assert.True(t, IsTerminal(s))
		assert.Empty(t, AllowedTransitions(s, model.RoleAdmin), "terminal %s must have no rows", s)
	}
	assert.False(t, IsTerminal(model.StatusPosted))
	assert.False(t, IsTerminal(model.StatusPickedUp))
}

func TestAllowedTransitions(t *testing.T) {
	got := AllowedTransitions(model.StatusPosted, model.RoleSupplier)
	assert.Equal(t, []model.EntityStatus{model.StatusCanceled}, got)

	got = AllowedTransitions(model.StatusPosted, model.RoleOperator)
	assert.Equal(t, []model.EntityStatus{
		model.StatusMatched, model.StatusExpired, model.StatusClosed, model.StatusCanceled,
	}, got)
}

func TestNextActions(t *testing.T) {
	actions := NextActions(model.StatusScheduled, model.RoleDriver)
	require.Len(t, actions, 2)
	assert.Equal(t, model.StatusPickedUp, actions[0].To)
	assert.False(t, actions[0].RequiresJustification)
	assert.Equal(t, model.StatusFailed, actions[1].To)
	assert.True(t, actions[1].RequiresJustification)
}
