package model

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Meta is the identity and optimistic-version header embedded in every entity.
type Meta struct {
	ID        uuid.UUID `json:"id"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Index is the denormalized view the store indexes an entity by.
type Index struct {
	Status  string
	OwnerID string
	Geohash string
}

// Entity is anything the store can persist.
type Entity interface {
	Kind() EntityType
	Base() *Meta
	Index() Index
}

// UserProfile is a platform participant. A profile may hold several roles;
// a food bank is typically both recipient and operator of its own drivers.
type UserProfile struct {
	Meta
	Email             string                    `json:"email"`
	Name              string                    `json:"name"`
	Roles             []Role                    `json:"roles"`
	APIKeyHash        string                    `json:"apiKeyHash,omitempty"`
	Address           *string                   `json:"address,omitempty"`
	Location          *Coordinates              `json:"location,omitempty"`
	Geohash           *string                   `json:"geohash,omitempty"`
	ReliabilityScore  float64                   `json:"reliabilityScore"`
	DeliveriesDone    int64                     `json:"deliveriesCompleted"`
	DeliveriesFailed  int64                     `json:"deliveriesFailed"`
	NotificationPrefs map[NotificationType]bool `json:"notificationPrefs,omitempty"`
}

func (p *UserProfile) Kind() EntityType { return TypeProfile }
func (p *UserProfile) Base() *Meta      { return &p.Meta }

func (p *UserProfile) Index() Index {
	idx := Index{Status: "active", OwnerID: p.ID.String()}
	if p.Geohash != nil {
		idx.Geohash = *p.Geohash
	}
	return idx
}

// HasRole reports whether the profile carries role.
func (p *UserProfile) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// WantsNotification reports whether the user accepts notifications of type t.
// Unset preferences default to enabled.
func (p *UserProfile) WantsNotification(t NotificationType) bool {
	if p.NotificationPrefs == nil {
		return true
	}
	enabled, ok := p.NotificationPrefs[t]
	if !ok {
		return true
	}
	return enabled
}

// SurplusListing is a supplier's offer of surplus goods.
type SurplusListing struct {
	Meta
	SupplierID            uuid.UUID    `json:"supplierId"`
	Title                 string       `json:"title"`
	Description           string       `json:"description,omitempty"`
	Category              Category     `json:"category"`
	Quantity              float64      `json:"quantity"`
	Unit                  string       `json:"unit"`
	PickupAddress         string       `json:"pickupAddress"`
	Location              Coordinates  `json:"location,omitzero"`
	Geohash               string       `json:"geohash,omitempty"`
	PickupWindow          TimeWindow   `json:"pickupWindow"`
	ExpirationDate        time.Time    `json:"expirationDate,omitzero"`
	RequiresRefrigeration bool         `json:"requiresRefrigeration"`
	HandlingRequirements  []string     `json:"handlingRequirements,omitempty"`
	QualityNotes          string       `json:"qualityNotes,omitempty"`
	Status                EntityStatus `json:"status"`

	EnrichmentStatus EnrichmentStatus `json:"enrichmentStatus,omitempty"`
	AIRiskScore      float64          `json:"aiRiskScore,omitempty"`
	AIFlags          []string         `json:"aiFlags,omitempty"`
}

func (l *SurplusListing) Kind() EntityType { return TypeListing }
func (l *SurplusListing) Base() *Meta      { return &l.Meta }

func (l *SurplusListing) Index() Index {
	return Index{Status: string(l.Status), OwnerID: l.SupplierID.String(), Geohash: l.Geohash}
}

// Geocoded reports whether the listing has usable coordinates.
func (l *SurplusListing) Geocoded() bool { return l.Geohash != "" }

// DemandPost is a recipient's statement of need.
type DemandPost struct {
	Meta
	RecipientID      uuid.UUID     `json:"recipientId"`
	Title            string        `json:"title,omitempty"`
	Categories       []Category    `json:"categories"`
	QuantityNeeded   float64       `json:"quantityNeeded"`
	Unit             string        `json:"unit"`
	Capacity         float64       `json:"capacity"`
	DeliveryAddress  string        `json:"deliveryAddress"`
	Location         Coordinates   `json:"location,omitzero"`
	Geohash          string        `json:"geohash,omitempty"`
	AcceptanceWindow TimeWindow    `json:"acceptanceWindow"`
	PriorityLevel    PriorityLevel `json:"priorityLevel,omitempty"`
	Status           EntityStatus  `json:"status"`
}

func (d *DemandPost) Kind() EntityType { return TypeDemand }
func (d *DemandPost) Base() *Meta      { return &d.Meta }

func (d *DemandPost) Index() Index {
	return Index{Status: string(d.Status), OwnerID: d.RecipientID.String(), Geohash: d.Geohash}
}

// AcceptsCategory reports whether c is in the demand's category list.
func (d *DemandPost) AcceptsCategory(c Category) bool {
	for _, dc := range d.Categories {
		if dc == c {
			return true
		}
	}
	return false
}

// ScoreBreakdown holds the five sub-scores, each in [0,1].
type ScoreBreakdown struct {
	Distance    float64 `json:"distance"`
	Time        float64 `json:"time"`
	Category    float64 `json:"category"`
	Capacity    float64 `json:"capacity"`
	Reliability float64 `json:"reliability"`
}

// Severity grades a compliance check outcome. Only error-severity failures
// block a match.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// CheckResult is one compliance rule's outcome on a match.
type CheckResult struct {
	RuleID   string   `json:"ruleId"`
	RuleName string   `json:"ruleName"`
	Passed   bool     `json:"passed"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message,omitempty"`
}

// MatchRecommendation links exactly one listing to one demand. A match is
// created posted, moves to matched on acceptance, closed on rejection, then
// follows the shared lifecycle through scheduling and delivery.
type MatchRecommendation struct {
	Meta
	ListingID   uuid.UUID `json:"listingId"`
	DemandID    uuid.UUID `json:"demandId"`
	SupplierID  uuid.UUID `json:"supplierId"`
	RecipientID uuid.UUID `json:"recipientId"`

	Score         float64        `json:"score"`
	Breakdown     ScoreBreakdown `json:"scoreBreakdown"`
	DistanceMiles float64        `json:"distanceMiles"`
	Status        EntityStatus   `json:"status"`

	ComplianceStatus      ComplianceStatus `json:"complianceStatus"`
	ComplianceChecks      []CheckResult    `json:"complianceChecks,omitempty"`
	BlockedBy             []string         `json:"blockedBy,omitempty"`
	OverrideJustification string           `json:"overrideJustification,omitempty"`
	OverriddenBy          *uuid.UUID       `json:"overriddenBy,omitempty"`

	RoutePlanID *uuid.UUID `json:"routePlanId,omitempty"`
}

func (m *MatchRecommendation) Kind() EntityType { return TypeMatch }
func (m *MatchRecommendation) Base() *Meta      { return &m.Meta }

func (m *MatchRecommendation) Index() Index {
	// Matches are queried by status (compliance queue, pending proposals)
	// and by recipient (inbox).
	return Index{Status: string(m.Status), OwnerID: m.RecipientID.String()}
}

// Overridden reports whether a compliance block has been overridden.
func (m *MatchRecommendation) Overridden() bool { return m.OverriddenBy != nil }

// DeliveryTask is the operational pickup-and-deliver plan for a scheduled
// match.
type DeliveryTask struct {
	Meta
	MatchID             uuid.UUID    `json:"matchId"`
	DriverID            *uuid.UUID   `json:"driverId,omitempty"`
	Status              EntityStatus `json:"status"`
	ScheduledPickupAt   time.Time    `json:"scheduledPickupAt"`
	ScheduledDeliveryAt time.Time    `json:"scheduledDeliveryAt"`
	ActualPickupAt      *time.Time   `json:"actualPickupAt,omitempty"`
	ActualDeliveryAt    *time.Time   `json:"actualDeliveryAt,omitempty"`
	CurrentLocation     *Coordinates `json:"currentLocation,omitempty"`
	IdempotencyKey      string       `json:"idempotencyKey,omitempty"`
}

func (t *DeliveryTask) Kind() EntityType { return TypeTask }
func (t *DeliveryTask) Base() *Meta      { return &t.Meta }

func (t *DeliveryTask) Index() Index {
	idx := Index{Status: string(t.Status)}
	if t.DriverID != nil {
		idx.OwnerID = t.DriverID.String()
	}
	return idx
}

// RoutePlan is the immutable route computed when a match is accepted.
// Corrections create a new plan and repoint the match.
type RoutePlan struct {
	Meta
	MatchID           uuid.UUID   `json:"matchId"`
	PickupLocation    Coordinates `json:"pickupLocation"`
	DropoffLocation   Coordinates `json:"dropoffLocation"`
	DistanceMiles     float64     `json:"distanceMiles"`
	EstimatedDuration Duration    `json:"estimatedDuration"`
	Polyline          string      `json:"polyline,omitempty"`
	Provider          string      `json:"provider"`
	// ProviderStatus is "ok" for a live provider result, "degraded" for the
	// straight-line fallback.
	ProviderStatus string `json:"providerStatus"`
}

func (r *RoutePlan) Kind() EntityType { return TypeRoutePlan }
func (r *RoutePlan) Base() *Meta      { return &r.Meta }

func (r *RoutePlan) Index() Index {
	return Index{Status: r.ProviderStatus}
}

// Duration marshals as nanoseconds like time.Duration but round-trips JSON.
type Duration time.Duration

// MarshalJSON encodes the duration in Go's string form ("1h30m").
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON accepts Go's string form.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		parsed, err := time.ParseDuration(string(b[1 : len(b)-1]))
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	// Tolerate a bare nanosecond count from older records.
	ns, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*d = Duration(ns)
	return nil
}

// Notification is a persisted message to a user. Delivery over an external
// channel is best-effort; the record is the source of truth.
type Notification struct {
	Meta
	UserID           uuid.UUID        `json:"userId"`
	Type             NotificationType `json:"type"`
	Title            string           `json:"title"`
	EntityID         uuid.UUID        `json:"entityId,omitzero"`
	Message          string           `json:"message"`
	DeliveryChannels []string         `json:"deliveryChannels,omitempty"`
	Read             bool             `json:"read"`
}

func (n *Notification) Kind() EntityType { return TypeNotification }
func (n *Notification) Base() *Meta      { return &n.Meta }

func (n *Notification) Index() Index {
	status := "unread"
	if n.Read {
		status = "read"
	}
	return Index{Status: status, OwnerID: n.UserID.String()}
}
