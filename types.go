package shareloop

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role is a caller's platform role.
type Role string

const (
	RoleSupplier   Role = "supplier"
	RoleRecipient  Role = "recipient"
	RoleDriver     Role = "driver"
	RoleOperator   Role = "operator"
	RoleCompliance Role = "compliance"
	RoleAdmin      Role = "admin"
)

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64
	Lng float64
}

// GeocodeResult is the outcome of resolving an address to coordinates.
// Degraded marks centroid fallbacks produced without an external provider.
type GeocodeResult struct {
	Coords           Coordinates
	FormattedAddress string
	Confidence       float64
	Degraded         bool
}

// RouteResult is a computed route between two points.
type RouteResult struct {
	DistanceMiles   float64
	DurationMinutes float64
	Polyline        string
	Degraded        bool
}

// Listing is the public view of a surplus listing, curated for extension
// interfaces. No internal package imports — safe to use from outside the
// module.
type Listing struct {
	ID                    uuid.UUID
	Title                 string
	Description           string
	Category              string
	Quantity              float64
	Unit                  string
	QualityNotes          string
	HandlingRequirements  []string
	RequiresRefrigeration bool
	ExpirationDate        *time.Time
}

// EnrichmentResult is the structured output of listing enrichment.
type EnrichmentResult struct {
	NormalizedCategory   string
	ExtractedCategories  []string
	HandlingRequirements []string
	RiskScore            float64
	RiskFlags            []string
	Confidence           float64
	Degraded             bool
}

// Notification is a user-visible message handed to a delivery channel.
type Notification struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Type     string
	Title    string
	EntityID uuid.UUID
	Message  string
}

// Event is one domain event as seen by event hooks.
type Event struct {
	ID         uuid.UUID
	Type       string
	EntityType string
	EntityID   uuid.UUID
	UserID     *uuid.UUID
	Timestamp  time.Time
	Payload    json.RawMessage
}
