package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits. These bound what flows into the enrichment provider
// and storage; a single oversized field must not exhaust either.
const (
	MaxTitleLen        = 200
	MaxDescriptionLen  = 16 * 1024
	MaxQualityNotesLen = 8 * 1024
	MaxAddressLen      = 512
	MaxHandlingReqs    = 20
	MaxJustification   = 4 * 1024
)

// ErrorResponse is the error body for every non-2xx response.
type ErrorResponse struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"requestId"`
}

// ListResponse is the envelope for paginated list endpoints.
type ListResponse[T any] struct {
	Items   []T  `json:"items"`
	Count   int  `json:"count"`
	HasMore bool `json:"hasMore"`
}

// AuthTokenRequest exchanges a user id + API key for a JWT.
type AuthTokenRequest struct {
	UserID string `json:"userId"`
	APIKey string `json:"apiKey"`
}

// ProvisionUserRequest creates a profile for a new user along with an API
// key. Operator only; the plaintext key is returned exactly once.
type ProvisionUserRequest struct {
	Email   string  `json:"email"`
	Name    string  `json:"name"`
	Roles   []Role  `json:"roles"`
	Address *string `json:"address,omitempty"`
}

// Validate checks structural constraints.
func (r ProvisionUserRequest) Validate() error {
	if strings.TrimSpace(r.Email) == "" || !strings.Contains(r.Email, "@") {
		return fmt.Errorf("email is required and must contain '@'")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(r.Roles) == 0 {
		return fmt.Errorf("at least one role is required")
	}
	for _, role := range r.Roles {
		if !ValidRoles[role] {
			return fmt.Errorf("unknown role %q", role)
		}
	}
	if r.Address != nil && len(*r.Address) > MaxAddressLen {
		return fmt.Errorf("address exceeds %d characters", MaxAddressLen)
	}
	return nil
}

// ProvisionUserResponse returns the created profile and its one-time key.
type ProvisionUserResponse struct {
	Profile *UserProfile `json:"profile"`
	APIKey  string       `json:"apiKey"`
}

// UpsertProfileRequest creates or updates the caller's profile.
type UpsertProfileRequest struct {
	Email             string                    `json:"email"`
	Name              string                    `json:"name"`
	Roles             []Role                    `json:"roles,omitempty"`
	Address           *string                   `json:"address,omitempty"`
	NotificationPrefs map[NotificationType]bool `json:"notificationPrefs,omitempty"`
	ExpectedVersion   int64                     `json:"expectedVersion"`
}

// Validate checks structural constraints.
func (r UpsertProfileRequest) Validate() error {
	if strings.TrimSpace(r.Email) == "" || !strings.Contains(r.Email, "@") {
		return fmt.Errorf("email is required and must contain '@'")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	for _, role := range r.Roles {
		if !ValidRoles[role] {
			return fmt.Errorf("unknown role %q", role)
		}
	}
	if r.Address != nil && len(*r.Address) > MaxAddressLen {
		return fmt.Errorf("address exceeds %d characters", MaxAddressLen)
	}
	return nil
}

// CreateListingRequest posts a surplus listing.
type CreateListingRequest struct {
	Title                 string     `json:"title"`
	Description           *string    `json:"description,omitempty"`
	Category              Category   `json:"category"`
	Quantity              float64    `json:"quantity"`
	Unit                  string     `json:"unit"`
	PickupAddress         string     `json:"pickupAddress"`
	PickupWindow          TimeWindow `json:"pickupWindow"`
	ExpirationDate        *time.Time `json:"expirationDate,omitempty"`
	RequiresRefrigeration bool       `json:"requiresRefrigeration"`
	HandlingRequirements  []string   `json:"handlingRequirements,omitempty"`
	QualityNotes          *string    `json:"qualityNotes,omitempty"`
}

// Validate checks structural constraints.
func (r CreateListingRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(r.Title) > MaxTitleLen {
		return fmt.Errorf("title exceeds %d characters", MaxTitleLen)
	}
	if r.Description != nil && len(*r.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds %d bytes", MaxDescriptionLen)
	}
	if !ValidCategory(r.Category) {
		return fmt.Errorf("unknown category %q", r.Category)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if strings.TrimSpace(r.Unit) == "" {
		return fmt.Errorf("unit is required")
	}
	if strings.TrimSpace(r.PickupAddress) == "" {
		return fmt.Errorf("pickupAddress is required")
	}
	if len(r.PickupAddress) > MaxAddressLen {
		return fmt.Errorf("pickupAddress exceeds %d characters", MaxAddressLen)
	}
	if err := r.PickupWindow.Validate(); err != nil {
		return fmt.Errorf("pickupWindow: %w", err)
	}
	if len(r.HandlingRequirements) > MaxHandlingReqs {
		return fmt.Errorf("at most %d handling requirements", MaxHandlingReqs)
	}
	if r.QualityNotes != nil && len(*r.QualityNotes) > MaxQualityNotesLen {
		return fmt.Errorf("qualityNotes exceeds %d bytes", MaxQualityNotesLen)
	}
	return nil
}

// UpdateListingRequest mutates a listing. Absent fields are left unchanged;
// a present field never reverts to absent (see merge semantics in service).
type UpdateListingRequest struct {
	Title                 *string     `json:"title,omitempty"`
	Description           *string     `json:"description,omitempty"`
	Category              *Category   `json:"category,omitempty"`
	Quantity              *float64    `json:"quantity,omitempty"`
	Unit                  *string     `json:"unit,omitempty"`
	PickupAddress         *string     `json:"pickupAddress,omitempty"`
	PickupWindow          *TimeWindow `json:"pickupWindow,omitempty"`
	ExpirationDate        *time.Time  `json:"expirationDate,omitempty"`
	RequiresRefrigeration *bool       `json:"requiresRefrigeration,omitempty"`
	HandlingRequirements  []string    `json:"handlingRequirements,omitempty"`
	QualityNotes          *string     `json:"qualityNotes,omitempty"`
	ExpectedVersion       int64       `json:"expectedVersion"`
}

// Validate checks structural constraints on the present fields.
func (r UpdateListingRequest) Validate() error {
	if r.Title != nil && (strings.TrimSpace(*r.Title) == "" || len(*r.Title) > MaxTitleLen) {
		return fmt.Errorf("title must be non-empty and at most %d characters", MaxTitleLen)
	}
	if r.Category != nil && !ValidCategory(*r.Category) {
		return fmt.Errorf("unknown category %q", *r.Category)
	}
	if r.Quantity != nil && *r.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if r.PickupWindow != nil {
		if err := r.PickupWindow.Validate(); err != nil {
			return fmt.Errorf("pickupWindow: %w", err)
		}
	}
	if r.ExpectedVersion <= 0 {
		return fmt.Errorf("expectedVersion is required")
	}
	return nil
}

// CreateDemandRequest posts a need request.
type CreateDemandRequest struct {
	Categories       []Category    `json:"categories"`
	QuantityNeeded   float64       `json:"quantityNeeded"`
	Unit             string        `json:"unit"`
	Capacity         float64       `json:"capacity"`
	DeliveryAddress  string        `json:"deliveryAddress"`
	AcceptanceWindow TimeWindow    `json:"acceptanceWindow"`
	PriorityLevel    PriorityLevel `json:"priorityLevel,omitempty"`
}

// Validate checks structural constraints.
func (r CreateDemandRequest) Validate() error {
	if len(r.Categories) == 0 {
		return fmt.Errorf("at least one category is required")
	}
	for _, c := range r.Categories {
		if !ValidCategory(c) {
			return fmt.Errorf("unknown category %q", c)
		}
	}
	if r.QuantityNeeded <= 0 {
		return fmt.Errorf("quantityNeeded must be positive")
	}
	if r.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive")
	}
	if strings.TrimSpace(r.Unit) == "" {
		return fmt.Errorf("unit is required")
	}
	if strings.TrimSpace(r.DeliveryAddress) == "" {
		return fmt.Errorf("deliveryAddress is required")
	}
	if err := r.AcceptanceWindow.Validate(); err != nil {
		return fmt.Errorf("acceptanceWindow: %w", err)
	}
	switch r.PriorityLevel {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
	default:
		return fmt.Errorf("unknown priorityLevel %q", r.PriorityLevel)
	}
	return nil
}

// UpdateDemandRequest mutates a demand post.
type UpdateDemandRequest struct {
	Categories       []Category     `json:"categories,omitempty"`
	QuantityNeeded   *float64       `json:"quantityNeeded,omitempty"`
	Unit             *string        `json:"unit,omitempty"`
	Capacity         *float64       `json:"capacity,omitempty"`
	DeliveryAddress  *string        `json:"deliveryAddress,omitempty"`
	AcceptanceWindow *TimeWindow    `json:"acceptanceWindow,omitempty"`
	PriorityLevel    *PriorityLevel `json:"priorityLevel,omitempty"`
	ExpectedVersion  int64          `json:"expectedVersion"`
}

// Validate checks structural constraints on the present fields.
func (r UpdateDemandRequest) Validate() error {
	for _, c := range r.Categories {
		if !ValidCategory(c) {
			return fmt.Errorf("unknown category %q", c)
		}
	}
	if r.QuantityNeeded != nil && *r.QuantityNeeded <= 0 {
		return fmt.Errorf("quantityNeeded must be positive")
	}
	if r.Capacity != nil && *r.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive")
	}
	if r.AcceptanceWindow != nil {
		if err := r.AcceptanceWindow.Validate(); err != nil {
			return fmt.Errorf("acceptanceWindow: %w", err)
		}
	}
	if r.ExpectedVersion <= 0 {
		return fmt.Errorf("expectedVersion is required")
	}
	return nil
}

// CancelRequest carries the justification required for cancel transitions.
type CancelRequest struct {
	Justification   string `json:"justification"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// Validate checks structural constraints.
func (r CancelRequest) Validate() error {
	if len(r.Justification) > MaxJustification {
		return fmt.Errorf("justification exceeds %d bytes", MaxJustification)
	}
	return nil
}

// RecommendRequest triggers manual match generation for a listing or demand.
type RecommendRequest struct {
	ListingID *uuid.UUID `json:"listingId,omitempty"`
	DemandID  *uuid.UUID `json:"demandId,omitempty"`
}

// Validate checks that exactly one trigger entity is named.
func (r RecommendRequest) Validate() error {
	if (r.ListingID == nil) == (r.DemandID == nil) {
		return fmt.Errorf("exactly one of listingId or demandId is required")
	}
	return nil
}

// ScheduleMatchRequest schedules an accepted match, creating a delivery task.
type ScheduleMatchRequest struct {
	IdempotencyKey string     `json:"idempotencyKey"`
	DriverID       *uuid.UUID `json:"driverId,omitempty"`
	PickupAt       time.Time  `json:"pickupAt"`
	DeliveryAt     time.Time  `json:"deliveryAt"`
}

// Validate checks structural constraints.
func (r ScheduleMatchRequest) Validate() error {
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return fmt.Errorf("idempotencyKey is required")
	}
	if r.PickupAt.IsZero() || r.DeliveryAt.IsZero() {
		return fmt.Errorf("pickupAt and deliveryAt are required")
	}
	if !r.PickupAt.Before(r.DeliveryAt) {
		return fmt.Errorf("pickupAt must precede deliveryAt")
	}
	return nil
}

// TaskStatusRequest advances a delivery task's lifecycle.
type TaskStatusRequest struct {
	Status        EntityStatus `json:"status"`
	Justification *string      `json:"justification,omitempty"`
	Location      *Coordinates `json:"location,omitempty"`
}

// Validate checks structural constraints.
func (r TaskStatusRequest) Validate() error {
	if !ValidStatuses[r.Status] {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Location != nil && !r.Location.Valid() {
		return fmt.Errorf("location out of bounds")
	}
	return nil
}

// TaskLocationRequest reports the driver's position during transit.
type TaskLocationRequest struct {
	Location Coordinates `json:"location"`
}

// Validate checks structural constraints.
func (r TaskLocationRequest) Validate() error {
	if !r.Location.Valid() {
		return fmt.Errorf("location out of bounds")
	}
	return nil
}

// OverrideRequest approves a blocked match or forces a task transition.
type OverrideRequest struct {
	Justification string `json:"justification"`
}

// Validate checks structural constraints.
func (r OverrideRequest) Validate() error {
	if strings.TrimSpace(r.Justification) == "" {
		return fmt.Errorf("justification is required")
	}
	if len(r.Justification) > MaxJustification {
		return fmt.Errorf("justification exceeds %d bytes", MaxJustification)
	}
	return nil
}

// Actor is the authenticated caller extracted from the request context.
type Actor struct {
	UserID uuid.UUID
	Email  string
	Roles  []Role
}

// HasRole reports whether the actor holds role. Admin does not implicitly
// match here — permission checks that admit admin say so explicitly.
func (a Actor) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the actor holds any of roles, or admin.
func (a Actor) HasAnyRole(roles ...Role) bool {
	for _, r := range roles {
		if a.HasRole(r) {
			return true
		}
	}
	return a.HasRole(RoleAdmin)
}

// SystemActor is the orchestrator's synthetic actor.
var SystemActor = Actor{UserID: uuid.Nil, Roles: []Role{RoleSystem}}
