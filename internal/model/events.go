package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a domain event.
type EventType string

const (
	EventListingCreated       EventType = "listing.created"
	EventListingUpdated       EventType = "listing.updated"
	EventListingStatusChanged EventType = "listing.status_changed"
	EventDemandCreated        EventType = "demand.created"
	EventDemandUpdated        EventType = "demand.updated"
	EventDemandStatusChanged  EventType = "demand.status_changed"
	EventMatchProposed        EventType = "match.proposed"
	EventMatchAccepted        EventType = "match.accepted"
	EventMatchRejected        EventType = "match.rejected"
	EventComplianceBlocked    EventType = "compliance.blocked"
	EventComplianceOverridden EventType = "compliance.overridden"
	EventTaskScheduled        EventType = "task.scheduled"
	EventTaskStatusChanged    EventType = "task.status_changed"
	EventTaskLocationUpdated  EventType = "task.location_updated"
	EventProfileUpdated       EventType = "profile.updated"
)

// DomainEvent is one append-only business fact, fanned out to subscribers
// and mirrored to the message bus when one is configured.
type DomainEvent struct {
	ID         uuid.UUID       `json:"id"`
	Type       EventType       `json:"type"`
	EntityType EntityType      `json:"entityType"`
	EntityID   uuid.UUID       `json:"entityId"`
	UserID     *uuid.UUID      `json:"userId,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh id and UTC timestamp. payload may be
// nil.
func NewEvent(t EventType, entityType EntityType, entityID uuid.UUID, userID *uuid.UUID, payload any) (DomainEvent, error) {
	ev := DomainEvent{
		ID:         uuid.New(),
		Type:       t,
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     userID,
		Timestamp:  time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return DomainEvent{}, err
		}
		ev.Payload = raw
	}
	return ev, nil
}

// StatusChangedPayload accompanies every *.status_changed event.
type StatusChangedPayload struct {
	From          EntityStatus `json:"from"`
	To            EntityStatus `json:"to"`
	Justification string       `json:"justification,omitempty"`
}

// MatchProposedPayload accompanies match.proposed.
type MatchProposedPayload struct {
	ListingID uuid.UUID `json:"listingId"`
	DemandID  uuid.UUID `json:"demandId"`
	Score     float64   `json:"score"`
}

// ComplianceBlockedPayload accompanies compliance.blocked.
type ComplianceBlockedPayload struct {
	MatchID   uuid.UUID `json:"matchId"`
	BlockedBy []string  `json:"blockedBy"`
}

// TaskScheduledPayload accompanies task.scheduled.
type TaskScheduledPayload struct {
	MatchID             uuid.UUID  `json:"matchId"`
	DriverID            *uuid.UUID `json:"driverId,omitempty"`
	ScheduledPickupAt   time.Time  `json:"scheduledPickupAt"`
	ScheduledDeliveryAt time.Time  `json:"scheduledDeliveryAt"`
}

// LocationPayload accompanies task.location_updated.
type LocationPayload struct {
	Location Coordinates `json:"location"`
}

// FieldChange is one attribute delta in an audit record.
type FieldChange struct {
	Field   string `json:"field"`
	Old     any    `json:"old,omitempty"`
	New     any    `json:"new,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// AuditEvent is the immutable record written for every state change. Records
// are append-only; ExpiresAt drives eventual physical deletion per the
// retention policy, never logical removal.
type AuditEvent struct {
	ID            uuid.UUID       `json:"id"`
	EntityType    EntityType      `json:"entityType"`
	EntityID      uuid.UUID       `json:"entityId"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         uuid.UUID       `json:"actor"`
	ActorRole     Role            `json:"actorRole"`
	Action        string          `json:"action"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	Diff          []FieldChange   `json:"diff,omitempty"`
	Justification string          `json:"justification,omitempty"`
	RequestID     string          `json:"requestId,omitempty"`
	ExpiresAt     time.Time       `json:"expiresAt"`
}
