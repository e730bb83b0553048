// Package location resolves addresses to coordinates and computes
// pickup-to-dropoff routes. Both operations always return a result: when the
// upstream provider is unreachable or times out, a conservative fallback is
// used and the result is flagged degraded.
package location

import (
	"context"
	"time"

	"github.com/shareloop/shareloop/internal/model"
)

// GeocodeResult is a resolved address.
type GeocodeResult struct {
	Coords           model.Coordinates `json:"coords"`
	FormattedAddress string            `json:"formattedAddress"`
	Confidence       float64           `json:"confidence"`
	Provider         string            `json:"provider"`
	Degraded         bool              `json:"degraded"`
}

// RouteResult is a computed route between two points.
type RouteResult struct {
	DistanceMiles   float64 `json:"distanceMiles"`
	DurationMinutes float64 `json:"durationMinutes"`
	Polyline        string  `json:"polyline,omitempty"`
	Provider        string  `json:"provider"`
	Degraded        bool    `json:"degraded"`
}

// Provider geocodes addresses and plans routes.
type Provider interface {
	Geocode(ctx context.Context, address string) (GeocodeResult, error)
	Route(ctx context.Context, from, to model.Coordinates) (RouteResult, error)
}

// assumedSpeedMPH is the fallback travel speed for degraded route estimates.
const assumedSpeedMPH = 30.0

// fallbackDuration estimates travel time at the assumed speed.
func fallbackDuration(distanceMiles float64) time.Duration {
	return time.Duration(distanceMiles / assumedSpeedMPH * float64(time.Hour))
}
