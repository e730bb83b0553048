// Package model defines the domain entities, enumerations, and API request
// shapes shared by every other package. It has no dependencies beyond uuid.
package model

import (
	"fmt"
	"time"
)

// Role is an authorization role carried on a profile and in JWT claims.
type Role string

const (
	RoleSupplier   Role = "supplier"
	RoleRecipient  Role = "recipient"
	RoleDriver     Role = "driver"
	RoleCompliance Role = "compliance"
	RoleOperator   Role = "operator"
	RoleAdmin      Role = "admin"
	// RoleSystem is never granted to a user; it identifies the orchestrator
	// and background jobs in audit records.
	RoleSystem Role = "system"
)

// ValidRoles are the roles a profile may carry. system is excluded.
var ValidRoles = map[Role]bool{
	RoleSupplier:   true,
	RoleRecipient:  true,
	RoleDriver:     true,
	RoleCompliance: true,
	RoleOperator:   true,
	RoleAdmin:      true,
}

// EntityType discriminates stored entities and prefixes their partition keys.
type EntityType string

const (
	TypeProfile      EntityType = "PROFILE"
	TypeListing      EntityType = "LISTING"
	TypeDemand       EntityType = "DEMAND"
	TypeMatch        EntityType = "MATCH"
	TypeTask         EntityType = "TASK"
	TypeRoutePlan    EntityType = "ROUTE"
	TypeNotification EntityType = "NOTIFICATION"
)

// EntityStatus is the shared lifecycle status set. Listings, demands, matches,
// and tasks all draw from this one set; the lifecycle package defines which
// transitions each role may perform.
type EntityStatus string

const (
	StatusPosted    EntityStatus = "posted"
	StatusMatched   EntityStatus = "matched"
	StatusScheduled EntityStatus = "scheduled"
	StatusPickedUp  EntityStatus = "picked_up"
	StatusDelivered EntityStatus = "delivered"
	StatusCanceled  EntityStatus = "canceled"
	StatusFailed    EntityStatus = "failed"
	StatusExpired   EntityStatus = "expired"
	StatusClosed    EntityStatus = "closed"
)

// ValidStatuses is the closed status set.
var ValidStatuses = map[EntityStatus]bool{
	StatusPosted:    true,
	StatusMatched:   true,
	StatusScheduled: true,
	StatusPickedUp:  true,
	StatusDelivered: true,
	StatusCanceled:  true,
	StatusFailed:    true,
	StatusExpired:   true,
	StatusClosed:    true,
}

// ComplianceStatus is a match's compliance gate state.
type ComplianceStatus string

const (
	CompliancePending ComplianceStatus = "pending"
	CompliancePassed  ComplianceStatus = "passed"
	ComplianceBlocked ComplianceStatus = "blocked"
)

// EnrichmentStatus tracks the AI enrichment outcome on a listing.
type EnrichmentStatus string

const (
	EnrichmentPending   EnrichmentStatus = "pending"
	EnrichmentCompleted EnrichmentStatus = "completed"
	// EnrichmentDegraded means the provider timed out or errored and the
	// rule-based fallback supplied the enrichment fields.
	EnrichmentDegraded EnrichmentStatus = "degraded"
)

// Category classifies listings and demands.
type Category string

const (
	CategoryPerishableFood    Category = "perishable_food"
	CategoryNonPerishableFood Category = "non_perishable_food"
	CategoryBeverages         Category = "beverages"
	CategoryWater             Category = "water"
	CategoryMedicalSupplies   Category = "medical_supplies"
	CategoryHygieneProducts   Category = "hygiene_products"
	CategoryBlankets          Category = "blankets"
	CategoryTents             Category = "tents"
	CategoryClothing          Category = "clothing"
	CategoryBabySupplies      Category = "baby_supplies"
	CategoryPetSupplies       Category = "pet_supplies"
	CategoryCleaningSupplies  Category = "cleaning_supplies"
)

// categoryFamilies groups categories for partial-credit match scoring.
var categoryFamilies = map[Category]string{
	CategoryPerishableFood:    "food",
	CategoryNonPerishableFood: "food",
	CategoryBeverages:         "food",
	CategoryWater:             "food",
	CategoryMedicalSupplies:   "medical",
	CategoryHygieneProducts:   "medical",
	CategoryBlankets:          "shelter",
	CategoryTents:             "shelter",
	CategoryClothing:          "shelter",
	CategoryBabySupplies:      "supplies",
	CategoryPetSupplies:       "supplies",
	CategoryCleaningSupplies:  "supplies",
}

// FamilyOf returns the category's family, or "" for an unknown category.
func FamilyOf(c Category) string { return categoryFamilies[c] }

// ValidCategory reports whether c is a known category.
func ValidCategory(c Category) bool {
	_, ok := categoryFamilies[c]
	return ok
}

// PriorityLevel orders demand posts for match ranking tie-breaks.
type PriorityLevel string

const (
	PriorityLow      PriorityLevel = "low"
	PriorityNormal   PriorityLevel = "normal"
	PriorityHigh     PriorityLevel = "high"
	PriorityCritical PriorityLevel = "critical"
)

// NotificationType names each notification a user may opt out of.
type NotificationType string

const (
	NotifyMatchProposed     NotificationType = "match_proposed"
	NotifyMatchAccepted     NotificationType = "match_accepted"
	NotifyComplianceBlocked NotificationType = "compliance_blocked"
	NotifyTaskScheduled     NotificationType = "task_scheduled"
	NotifyTaskStatus        NotificationType = "task_status"
	NotifyListingExpired    NotificationType = "listing_expired"
)

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point is within bounds.
func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// TimeWindow is a half-open-ish interval; Start must precede End.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks the window is well-formed.
func (w TimeWindow) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("start and end are required")
	}
	if !w.Start.Before(w.End) {
		return fmt.Errorf("start must precede end")
	}
	return nil
}

// Duration is End - Start.
func (w TimeWindow) Duration() time.Duration { return w.End.Sub(w.Start) }

// Overlap returns the overlapping duration with other, or 0.
func (w TimeWindow) Overlap(other TimeWindow) time.Duration {
	start := w.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := w.End
	if other.End.Before(end) {
		end = other.End
	}
	if !start.Before(end) {
		return 0
	}
	return end.Sub(start)
}
